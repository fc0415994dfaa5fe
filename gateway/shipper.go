package gateway

import (
	"log/slog"
	"time"

	"usmart/mainloop/wire"
)

// Backend endpoints.
const (
	messagesPath      = "/messages/"
	statusesPath      = "/statuses/"
	networkLogsPath   = "/networklogs/"
	networkConfigPath = "/networkconfig/latest/"
)

// maxSendAttempts bounds delivery per item: at-most-N, not reliable. An
// item that fails its last attempt is discarded; the backend
// deduplicates replayed successes by seqNo.
const maxSendAttempts = 4

const shipYield = 10 * time.Millisecond

// Shipper drains the outbound queues to the backend while the WiFi link
// is up. The body buffer is allocated once and reused for every attempt.
type Shipper struct {
	http  HTTPClient
	wd    Watchdog
	clock Clock
	log   *slog.Logger

	bodyBuf [1536]byte
}

// NewShipper returns a Shipper posting through http.
func NewShipper(http HTTPClient, wd Watchdog, clock Clock, log *slog.Logger) *Shipper {
	return &Shipper{http: http, wd: wd, clock: clock, log: log}
}

// ShipAll drains all three queues FIFO. Items leave their queue on HTTP
// 2xx or once their attempt budget is spent.
func (s *Shipper) ShipAll(q *Queues) {
	for q.messages.len() > 0 {
		item := q.messages.peek()
		s.send(messagesPath, &item.Retry, func() int {
			return wire.BuildMessageBody(s.bodyBuf[:], item)
		})
		q.messages.pop()
	}
	for q.statuses.len() > 0 {
		item := q.statuses.peek()
		s.send(statusesPath, &item.Retry, func() int {
			return wire.BuildStatusBody(s.bodyBuf[:], item)
		})
		q.statuses.pop()
	}
	for q.logs.len() > 0 {
		item := q.logs.peek()
		s.send(networkLogsPath, &item.Retry, func() int {
			return wire.BuildNetworkLogBody(s.bodyBuf[:], item)
		})
		q.logs.pop()
	}
}

// send posts one item. build renders the body with the item's current
// retry counter, so each attempt reports which attempt it is; replayed
// successes differ from the original only in retry. Returns true on 2xx.
func (s *Shipper) send(path string, retry *uint8, build func() int) bool {
	for int(*retry) < maxSendAttempts {
		s.wd.Feed()
		n := build()
		if n == 0 {
			// Body does not fit the buffer and never will.
			s.log.Warn("ship:body-overflow", slog.String("path", path))
			return false
		}
		status, err := s.http.Post(path, s.bodyBuf[:n])
		if err == nil && status >= 200 && status < 300 {
			return true
		}
		*retry++
		if err != nil {
			s.log.Debug("ship:attempt-failed", slog.String("path", path), slog.String("err", err.Error()))
		} else {
			s.log.Debug("ship:attempt-failed", slog.String("path", path), slog.Int("status", status))
		}
		s.clock.Sleep(shipYield)
	}
	s.log.Warn("ship:dropped", slog.String("path", path))
	return false
}
