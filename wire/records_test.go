package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

// Built bodies must be valid JSON with the exact field set the backend
// expects, so every builder test round-trips through encoding/json.

func TestBuildMessageBody(t *testing.T) {
	var buf [512]byte
	m := Message{
		PacketJSON: []byte(`{"payload":"USPNG","sourceAddress":7}`),
		Timestamp:  1700000123,
		SeqNo:      65535,
		Retry:      2,
	}
	n := BuildMessageBody(buf[:], &m)
	if n == 0 {
		t.Fatal("BuildMessageBody() = 0, want body")
	}

	var doc struct {
		Message struct {
			Payload       string `json:"payload"`
			SourceAddress int    `json:"sourceAddress"`
		} `json:"message"`
		Timestamp int64  `json:"timestamp"`
		SeqNo     uint16 `json:"seqNo"`
		Retry     uint8  `json:"retry"`
	}
	if err := json.Unmarshal(buf[:n], &doc); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf[:n], err)
	}
	if doc.Message.Payload != "USPNG" || doc.Message.SourceAddress != 7 {
		t.Errorf("embedded packet = %+v", doc.Message)
	}
	if doc.Timestamp != 1700000123 || doc.SeqNo != 65535 || doc.Retry != 2 {
		t.Errorf("envelope = %+v", doc)
	}
}

func TestBuildMessageBodyNullPacket(t *testing.T) {
	var buf [128]byte
	m := Message{Timestamp: 1}
	n := BuildMessageBody(buf[:], &m)
	if n == 0 {
		t.Fatal("BuildMessageBody() = 0, want body")
	}
	if !strings.Contains(string(buf[:n]), `"message":null`) {
		t.Errorf("body = %q, want null message", buf[:n])
	}
}

func TestBuildStatusBody(t *testing.T) {
	var buf [512]byte
	s := Status{
		Timestamp:      1700000456,
		Uptime:         3720,
		LastResetCause: "WDT_RESET",
		VBatt:          6.42,
		SensorsJSON:    []byte(`{"temperature":8.5}`),
		SeqNo:          3,
		Retry:          0,
	}
	n := BuildStatusBody(buf[:], &s)
	if n == 0 {
		t.Fatal("BuildStatusBody() = 0, want body")
	}

	var doc struct {
		Status struct {
			Timestamp      int64           `json:"timestamp"`
			Uptime         int64           `json:"uptime"`
			LastResetCause string          `json:"lastResetCause"`
			VBatt          float64         `json:"vbatt"`
			Sensors        json.RawMessage `json:"sensors"`
		} `json:"status"`
		SeqNo uint16 `json:"seqNo"`
		Retry uint8  `json:"retry"`
	}
	if err := json.Unmarshal(buf[:n], &doc); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf[:n], err)
	}
	if doc.Status.LastResetCause != "WDT_RESET" {
		t.Errorf("lastResetCause = %q", doc.Status.LastResetCause)
	}
	if doc.Status.VBatt != 6.42 {
		t.Errorf("vbatt = %v, want 6.42", doc.Status.VBatt)
	}
	if doc.Status.Uptime != 3720 || doc.SeqNo != 3 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestBuildNetworkLogBody(t *testing.T) {
	var buf [1024]byte
	l := NetworkLog{
		TopologyJSON:      []byte(`{"nodes":[7,8]}`),
		ConfigJSON:        []byte(`{"nodeAddresses":[7,8]}`),
		DataGatheringJSON: []byte(`{"frames":1}`),
		Timestamp:         1700000789,
		SeqNo:             12,
		Retry:             1,
	}
	n := BuildNetworkLogBody(buf[:], &l)
	if n == 0 {
		t.Fatal("BuildNetworkLogBody() = 0, want body")
	}

	var doc struct {
		Topology      json.RawMessage `json:"topology"`
		Config        json.RawMessage `json:"config"`
		DataGathering json.RawMessage `json:"data_gathering"`
		Timestamp     int64           `json:"timestamp"`
		SeqNo         uint16          `json:"seqNo"`
		Retry         uint8           `json:"retry"`
	}
	if err := json.Unmarshal(buf[:n], &doc); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf[:n], err)
	}
	if string(doc.Config) != `{"nodeAddresses":[7,8]}` {
		t.Errorf("config = %s", doc.Config)
	}
	if doc.Timestamp != 1700000789 || doc.SeqNo != 12 || doc.Retry != 1 {
		t.Errorf("envelope = %+v", doc)
	}
}

func TestBuildBodyOverflow(t *testing.T) {
	var buf [16]byte
	m := Message{PacketJSON: []byte(`{"payload":"a long enough packet"}`)}
	if n := BuildMessageBody(buf[:], &m); n != 0 {
		t.Errorf("BuildMessageBody() = %d, want 0 on overflow", n)
	}
}

func TestWriterStringEscaping(t *testing.T) {
	var buf [64]byte
	w := NewWriter(buf[:])
	w.String("a\"b\\c\nd\te\x01f")
	got := string(w.Bytes())
	want := `"a\"b\\c\nd\tef"`
	if got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestWriterFixed2(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{0, "0.00"},
		{6.42, "6.42"},
		{6.425, "6.43"},
		{12.3, "12.30"},
		{-1.5, "-1.50"},
	}
	for _, tc := range tests {
		var buf [32]byte
		w := NewWriter(buf[:])
		w.Fixed2(tc.v)
		if got := string(w.Bytes()); got != tc.want {
			t.Errorf("Fixed2(%v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}
