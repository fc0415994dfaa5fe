package nm3

import (
	"encoding/json"
	"testing"
	"time"
)

// fakePort is an in-memory serial endpoint. A respond hook can inject
// response bytes when a command is written, like the modem would.
type fakePort struct {
	rx      []byte
	written []byte
	respond func(cmd []byte) []byte
}

func (f *fakePort) Buffered() int { return len(f.rx) }

func (f *fakePort) ReadByte() (byte, error) {
	b := f.rx[0]
	f.rx = f.rx[1:]
	return b, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(p)...)
	}
	return len(p), nil
}

func noSleep(time.Duration) {}

func newTestDriver(port *fakePort) *Driver {
	return New(port, noSleep)
}

func TestPollDecodesBroadcast(t *testing.T) {
	port := &fakePort{rx: []byte("#B00705USPNG")}
	d := newTestDriver(port)

	packets := d.Poll()
	if len(packets) != 1 {
		t.Fatalf("Poll() = %d packets, want 1", len(packets))
	}
	p := packets[0]
	if p.Kind != KindBroadcast {
		t.Errorf("Kind = %v, want broadcast", p.Kind)
	}
	if p.Source != 7 {
		t.Errorf("Source = %d, want 7", p.Source)
	}
	if !p.PayloadEquals("USPNG") {
		t.Errorf("Payload = %q, want USPNG", p.PayloadBytes())
	}
}

func TestPollDecodesUnicast(t *testing.T) {
	port := &fakePort{rx: []byte("#U05USMRT")}
	d := newTestDriver(port)

	packets := d.Poll()
	if len(packets) != 1 {
		t.Fatalf("Poll() = %d packets, want 1", len(packets))
	}
	p := packets[0]
	if p.Kind != KindUnicast {
		t.Errorf("Kind = %v, want unicast", p.Kind)
	}
	if p.Source != -1 {
		t.Errorf("Source = %d, want -1 (unicast carries no source)", p.Source)
	}
	if !p.PayloadEquals("USMRT") {
		t.Errorf("Payload = %q, want USMRT", p.PayloadBytes())
	}
}

func TestPollMultiplePacketsAndGarbage(t *testing.T) {
	port := &fakePort{rx: []byte("garbage#U03abc??#B01202hi$B02")}
	d := newTestDriver(port)

	packets := d.Poll()
	if len(packets) != 2 {
		t.Fatalf("Poll() = %d packets, want 2", len(packets))
	}
	if !packets[0].PayloadEquals("abc") || !packets[1].PayloadEquals("hi") {
		t.Errorf("payloads = %q, %q", packets[0].PayloadBytes(), packets[1].PayloadBytes())
	}
	if packets[1].Source != 12 {
		t.Errorf("broadcast source = %d, want 12", packets[1].Source)
	}
}

func TestParserResyncOnFrameStartMidFrame(t *testing.T) {
	// A '#' where a digit was expected must start a fresh frame.
	port := &fakePort{rx: []byte("#B0#U02ok")}
	d := newTestDriver(port)

	packets := d.Poll()
	if len(packets) != 1 || !packets[0].PayloadEquals("ok") {
		t.Fatalf("Poll() = %+v, want single 'ok' packet", packets)
	}
}

func TestParserRejectsOversizeLength(t *testing.T) {
	port := &fakePort{rx: []byte("#U99" + "#U02ok")}
	d := newTestDriver(port)

	packets := d.Poll()
	if len(packets) != 1 || !packets[0].PayloadEquals("ok") {
		t.Fatalf("Poll() = %+v, want oversize frame dropped, 'ok' kept", packets)
	}
}

func TestQueryStatus(t *testing.T) {
	port := &fakePort{
		respond: func(cmd []byte) []byte {
			if string(cmd) == "$?" {
				return []byte("#A007V13107")
			}
			return nil
		},
	}
	d := newTestDriver(port)

	addr, volts, err := d.QueryStatus()
	if err != nil {
		t.Fatalf("QueryStatus() error: %v", err)
	}
	if addr != 7 {
		t.Errorf("addr = %d, want 7", addr)
	}
	want := VoltsFromADC(13107)
	if volts != want {
		t.Errorf("volts = %v, want %v", volts, want)
	}
}

func TestQueryStatusTimeout(t *testing.T) {
	d := newTestDriver(&fakePort{})
	if _, _, err := d.QueryStatus(); err != ErrTimeout {
		t.Errorf("QueryStatus() err = %v, want ErrTimeout", err)
	}
}

func TestSendBroadcast(t *testing.T) {
	port := &fakePort{
		respond: func(cmd []byte) []byte {
			if len(cmd) >= 2 && cmd[0] == '$' && cmd[1] == 'B' {
				return cmd[:4] // modem echoes $B<LL>
			}
			return nil
		},
	}
	d := newTestDriver(port)

	if err := d.SendBroadcast([]byte("UA007B6.4VREV:gw-2.0")); err != nil {
		t.Fatalf("SendBroadcast() error: %v", err)
	}
	want := "$B20UA007B6.4VREV:gw-2.0"
	if string(port.written) != want {
		t.Errorf("wrote %q, want %q", port.written, want)
	}
}

func TestSendUnicast(t *testing.T) {
	port := &fakePort{
		respond: func(cmd []byte) []byte {
			if len(cmd) >= 2 && cmd[0] == '$' && cmd[1] == 'U' {
				return cmd[:7] // modem echoes $U<AAA><LL>
			}
			return nil
		},
	}
	d := newTestDriver(port)

	if err := d.SendUnicast(42, []byte("UNP")); err != nil {
		t.Fatalf("SendUnicast() error: %v", err)
	}
	if string(port.written) != "$U04203UNP" {
		t.Errorf("wrote %q, want %q", port.written, "$U04203UNP")
	}
}

func TestSendUnicastTimeout(t *testing.T) {
	d := newTestDriver(&fakePort{})
	if err := d.SendUnicast(7, []byte("UNP")); err != ErrTimeout {
		t.Errorf("SendUnicast() = %v, want ErrTimeout", err)
	}
}

func TestSendBroadcastBounds(t *testing.T) {
	d := newTestDriver(&fakePort{})
	if err := d.SendBroadcast(nil); err != ErrPayloadSize {
		t.Errorf("empty payload: err = %v, want ErrPayloadSize", err)
	}
	big := make([]byte, MaxPayload+1)
	if err := d.SendBroadcast(big); err != ErrPayloadSize {
		t.Errorf("oversize payload: err = %v, want ErrPayloadSize", err)
	}
}

func TestVoltsFromADC(t *testing.T) {
	if got := VoltsFromADC(65536); got != 15.0 {
		t.Errorf("VoltsFromADC(65536) = %v, want 15", got)
	}
	if got := VoltsFromADC(0); got != 0 {
		t.Errorf("VoltsFromADC(0) = %v, want 0", got)
	}
}

func TestMessagePacketAppendJSON(t *testing.T) {
	p := MessagePacket{
		Kind:     KindBroadcast,
		Source:   7,
		WallTime: 1700000000,
		Millis:   123456,
		Micros:   789,
	}
	p.PayloadLen = uint8(copy(p.Payload[:], `say "hi"`))

	var buf [256]byte
	n := p.AppendJSON(buf[:])
	if n == 0 {
		t.Fatal("AppendJSON() = 0, want document")
	}

	var doc struct {
		PacketType    string `json:"packetType"`
		SourceAddress *int   `json:"sourceAddress"`
		Payload       string `json:"payload"`
		WallTime      int64  `json:"wallTime"`
		Millis        uint32 `json:"millis"`
		Micros        uint32 `json:"micros"`
	}
	if err := json.Unmarshal(buf[:n], &doc); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf[:n], err)
	}
	if doc.PacketType != "broadcast" || doc.SourceAddress == nil || *doc.SourceAddress != 7 {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Payload != `say "hi"` {
		t.Errorf("payload = %q", doc.Payload)
	}
	if doc.WallTime != 1700000000 || doc.Millis != 123456 || doc.Micros != 789 {
		t.Errorf("timestamps = %+v", doc)
	}
}

func TestMessagePacketAppendJSONUnicastNullSource(t *testing.T) {
	p := MessagePacket{Kind: KindUnicast, Source: -1}
	p.PayloadLen = uint8(copy(p.Payload[:], "USPNG"))

	var buf [256]byte
	n := p.AppendJSON(buf[:])
	var doc struct {
		SourceAddress *int `json:"sourceAddress"`
	}
	if err := json.Unmarshal(buf[:n], &doc); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf[:n], err)
	}
	if doc.SourceAddress != nil {
		t.Errorf("sourceAddress = %v, want null", *doc.SourceAddress)
	}
}

func TestMessagePacketAppendJSONTooSmall(t *testing.T) {
	p := MessagePacket{Kind: KindUnicast, Source: -1}
	p.PayloadLen = uint8(copy(p.Payload[:], "USPNG"))
	var buf [8]byte
	if n := p.AppendJSON(buf[:]); n != 0 {
		t.Errorf("AppendJSON() = %d, want 0 for undersized buffer", n)
	}
}
