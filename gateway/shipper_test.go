package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"usmart/mainloop/wire"
)

func newShipperFixture() (*Shipper, *fakeHTTP, *fakeWatchdog) {
	http := &fakeHTTP{}
	wd := &fakeWatchdog{}
	clock := &fakeClock{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewShipper(http, wd, clock, log), http, wd
}

func TestShipAllDrainsFIFO(t *testing.T) {
	s, http, wd := newShipperFixture()
	q := NewQueues()
	for i := 0; i < 3; i++ {
		q.PushMessage(wire.Message{PacketJSON: []byte(`{}`), Timestamp: int64(i)})
	}
	q.PushStatus(wire.Status{Timestamp: 99, LastResetCause: ResetPwron})
	q.PushNetworkLog(wire.NetworkLog{Timestamp: 100})

	s.ShipAll(q)

	if !q.Empty() {
		t.Fatal("queues not drained after successful ship")
	}
	msgs := http.posts(messagesPath)
	if len(msgs) != 3 {
		t.Fatalf("message posts = %d, want 3", len(msgs))
	}
	// FIFO with increasing seqNo.
	for i, call := range msgs {
		var doc struct {
			Timestamp int64  `json:"timestamp"`
			SeqNo     uint16 `json:"seqNo"`
			Retry     uint8  `json:"retry"`
		}
		if err := json.Unmarshal(call.body, &doc); err != nil {
			t.Fatalf("invalid body: %v", err)
		}
		if doc.Timestamp != int64(i) || doc.SeqNo != uint16(i) || doc.Retry != 0 {
			t.Errorf("post %d = %+v, want ts/seq %d retry 0", i, doc, i)
		}
	}
	if len(http.posts(statusesPath)) != 1 || len(http.posts(networkLogsPath)) != 1 {
		t.Error("status/networklog not shipped")
	}
	if wd.feeds == 0 {
		t.Error("watchdog never fed during shipping")
	}
}

func TestShipRetriesThenSucceeds(t *testing.T) {
	s, http, _ := newShipperFixture()
	q := NewQueues()
	q.PushMessage(wire.Message{PacketJSON: []byte(`{}`)})
	http.postStatus = []int{500, 503, 201}

	s.ShipAll(q)

	if !q.Empty() {
		t.Fatal("item not removed after eventual success")
	}
	posts := http.posts(messagesPath)
	if len(posts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(posts))
	}
	// Each attempt reports which attempt it is.
	for i, call := range posts {
		var doc struct {
			Retry uint8 `json:"retry"`
		}
		json.Unmarshal(call.body, &doc)
		if doc.Retry != uint8(i) {
			t.Errorf("attempt %d carried retry %d", i, doc.Retry)
		}
	}
}

func TestShipDropsAfterAttemptBudget(t *testing.T) {
	s, http, _ := newShipperFixture()
	q := NewQueues()
	q.PushMessage(wire.Message{PacketJSON: []byte(`{}`)})
	q.PushMessage(wire.Message{PacketJSON: []byte(`{}`)})
	http.postStatus = []int{500, 500, 500, 500} // first item exhausts its budget

	s.ShipAll(q)

	if !q.Empty() {
		t.Fatal("failed item not discarded (at-most-N delivery)")
	}
	posts := http.posts(messagesPath)
	if len(posts) != maxSendAttempts+1 {
		t.Errorf("posts = %d, want %d failed + 1 for the next item", len(posts), maxSendAttempts)
	}
}

func TestShipTransportErrorCountsAsAttempt(t *testing.T) {
	s, http, _ := newShipperFixture()
	q := NewQueues()
	q.PushMessage(wire.Message{PacketJSON: []byte(`{}`)})
	http.postErr = errBoom

	s.ShipAll(q)

	if !q.Empty() {
		t.Fatal("item survived transport failure budget")
	}
	if got := len(http.posts(messagesPath)); got != maxSendAttempts {
		t.Errorf("attempts = %d, want %d", got, maxSendAttempts)
	}
}

func TestShipStatusBoundaries(t *testing.T) {
	// 2xx is success, everything else is a failed attempt.
	for _, tc := range []struct {
		status  int
		success bool
	}{
		{199, false},
		{200, true},
		{299, true},
		{300, false},
		{404, false},
	} {
		s, http, _ := newShipperFixture()
		q := NewQueues()
		q.PushMessage(wire.Message{PacketJSON: []byte(`{}`)})
		http.postStatus = []int{tc.status, 200, 200, 200}

		s.ShipAll(q)
		attempts := len(http.posts(messagesPath))
		if tc.success && attempts != 1 {
			t.Errorf("status %d: attempts = %d, want 1", tc.status, attempts)
		}
		if !tc.success && attempts < 2 {
			t.Errorf("status %d: attempts = %d, want retry", tc.status, attempts)
		}
	}
}
