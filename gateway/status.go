package gateway

import (
	"log/slog"
	"time"

	"usmart/mainloop/wire"
)

const (
	sensorBudget = 5 * time.Second
	sensorYield  = 10 * time.Millisecond

	// nm3SettleTotal is how long the NM3 bootloader needs from power-on
	// before the modem accepts serial traffic.
	nm3SettleTotal = 7 * time.Second
)

// handleRTCTick services the periodic alarm: make sure the modem rail is
// up, take a local sensor reading, enqueue a status record and mark the
// network configuration stale so the next link-up refreshes it.
func (s *Supervisor) handleRTCTick() {
	tickWall := s.flags.LastRTCWall()
	s.log.Info("rtc:alarm", slog.Int64("wall", tickWall))

	if !s.power.NM3Powered() {
		s.power.EnableNM3()
		s.markNM3On()
	}

	sensorsJSON := s.acquireSensors()

	now := s.clock.WallSeconds()
	s.queues.PushStatus(wire.Status{
		Timestamp:      tickWall,
		Uptime:         now - s.bootWallS,
		LastResetCause: s.cfg.LastResetCause,
		VBatt:          s.power.VBatt(),
		SensorsJSON:    sensorsJSON,
	})
	s.run.configStale = true

	// The modem may have been powered for this tick; give its
	// bootloader the rest of its settle time before anything talks to
	// it.
	s.settleNM3()
}

// acquireSensors runs one bounded sensor acquisition, yielding and
// feeding the watchdog between processing steps. Returns whatever
// snapshot the payload has when the budget closes.
func (s *Supervisor) acquireSensors() []byte {
	s.jot.Jot("sensors", "Acquiring sensor data.")
	s.sensors.StartAcquisition()
	elapsed := time.Duration(0)
	for !s.sensors.IsCompleted() && elapsed < sensorBudget {
		s.sensors.ProcessAcquisition()
		s.wd.Feed()
		s.clock.Sleep(sensorYield)
		elapsed += sensorYield
	}
	if !s.sensors.IsCompleted() {
		s.log.Warn("sensors:budget-exceeded")
	}
	snapshot := s.sensors.LatestDataJSON()
	if len(snapshot) == 0 {
		return nil
	}
	return append([]byte(nil), snapshot...)
}

// markNM3On records the moment the NM3 rail came up.
func (s *Supervisor) markNM3On() {
	s.nm3OnSinceMs = s.clock.Millis()
	s.nm3OnValid = true
}

// settleNM3 blocks (feeding the watchdog) until nm3SettleTotal has
// passed since the rail came up. No-op when the modem has been powered
// long enough already.
func (s *Supervisor) settleNM3() {
	if !s.nm3OnValid {
		return
	}
	sinceOn := time.Duration(s.clock.Millis()-s.nm3OnSinceMs) * time.Millisecond
	if sinceOn >= nm3SettleTotal {
		s.nm3OnValid = false
		return
	}
	s.sleepFeed(nm3SettleTotal - sinceOn)
	s.nm3OnValid = false
}

// sleepFeed sleeps for d in chunks, keeping the watchdog fed.
func (s *Supervisor) sleepFeed(d time.Duration) {
	const chunk = time.Second
	for d > 0 {
		step := chunk
		if d < step {
			step = d
		}
		s.clock.Sleep(step)
		s.wd.Feed()
		d -= step
	}
}
