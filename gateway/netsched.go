package gateway

import (
	"log/slog"

	"usmart/mainloop/wire"
)

// frameWakeLeadS is how far ahead of a scheduled TDA-MAC frame the RTC
// is retargeted to wake the gateway.
const frameWakeLeadS = 60

// NetworkRunState is the frame scheduler's mutable state, separate from
// the pulled NetworkConfig so a config re-apply that changes nothing is
// a no-op here.
type NetworkRunState struct {
	cycleCounter    uint32
	partialsCounter uint32
	nextFrameWallS  int64
	isConfigured    bool
	doFull          bool
	configStale     bool
}

// frameDue reports whether the frame scheduler has work at wall time now:
// a configured frame boundary reached, or an unconfigured network with
// nodes to discover.
func (s *Supervisor) frameDue(now int64) bool {
	if len(s.netCfg.NodeAddresses) == 0 {
		return false
	}
	if !s.run.isConfigured {
		return true
	}
	return now >= s.run.nextFrameWallS
}

// frameSchedulerStep reconfigures the network when due and runs one
// TDA-MAC data-gathering frame. Full discovery is expensive (long
// acoustic handshakes) and is amortised across a configured number of
// partial refreshes.
func (s *Supervisor) frameSchedulerStep(now int64) error {
	cfg := &s.netCfg

	if !s.run.isConfigured || s.run.doFull || s.run.cycleCounter >= cfg.CycleLimit {
		full := s.run.doFull || !s.run.isConfigured ||
			s.run.partialsCounter >= cfg.PartialsPerFullDiscovery
		s.wd.Feed()
		if full {
			s.log.Info("netsched:full-discovery", slog.Int("nodes", len(cfg.NodeAddresses)))
			s.proto.InitNodes(cfg.NodeAddresses, cfg.LinkQualityThreshold)
			if err := s.proto.Discover(true); err != nil {
				return err
			}
			s.run.partialsCounter = 0
		} else {
			s.log.Info("netsched:partial-discovery")
			if err := s.proto.Discover(false); err != nil {
				return err
			}
			s.run.partialsCounter++
		}
		if err := s.proto.InstallSchedule(cfg.GuardIntervalMs); err != nil {
			return err
		}
		s.run.cycleCounter = 0
		s.run.doFull = false
		s.run.isConfigured = true
		s.run.nextFrameWallS = now
	}

	s.wd.Feed()
	timeTillNextFrameMs := (s.run.nextFrameWallS + int64(cfg.FrameIntervalS) - now) * 1000
	result, err := s.proto.Gather(timeTillNextFrameMs, cfg.NM3SensorStayAwake)

	// The frame boundary advances even when the gather failed: a frame
	// slot that produced nothing is over, not pending.
	s.run.cycleCounter++
	s.run.nextFrameWallS += int64(cfg.FrameIntervalS)
	s.flags.SetNextAlarmFromNow(now, s.run.nextFrameWallS-frameWakeLeadS-now)

	if err != nil {
		return err
	}

	for i := range result.Packets {
		p := &result.Packets[i]
		p.WallTime = now
		s.enqueuePacket(p, now)
	}

	logRecord := wire.NetworkLog{
		TopologyJSON:      append([]byte(nil), s.proto.TopologyJSON()...),
		DataGatheringJSON: append([]byte(nil), result.InfoJSON...),
		Timestamp:         now,
	}
	var cfgBuf [512]byte
	if n := cfg.AppendJSON(cfgBuf[:]); n > 0 {
		logRecord.ConfigJSON = append([]byte(nil), cfgBuf[:n]...)
	}
	s.queues.PushNetworkLog(logRecord)

	s.log.Info("netsched:frame-done",
		slog.Int("packets", len(result.Packets)),
		slog.Int64("next_frame", s.run.nextFrameWallS),
		slog.Int("cycle", int(s.run.cycleCounter)),
	)
	return nil
}
