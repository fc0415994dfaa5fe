package gateway

import (
	"log/slog"

	"usmart/mainloop/wire"
)

// pullConfig fetches the latest network configuration from the backend
// and applies it. Applying an identical configuration is a no-op on the
// run state; a changed node set forces a full rediscovery on the very
// next frame-scheduler tick.
func (s *Supervisor) pullConfig() {
	s.wd.Feed()
	status, body, err := s.http.Get(networkConfigPath)
	if err != nil {
		s.log.Debug("config:pull-failed", slog.String("err", err.Error()))
		return // still stale, retried next time the link is up
	}
	if status < 200 || status >= 300 {
		s.log.Debug("config:pull-failed", slog.Int("status", status))
		return
	}

	// A 2xx clears staleness even when the document is unusable:
	// re-pulling the same broken document in a tight loop helps nobody,
	// and the next RTC tick marks the config stale again anyway.
	s.run.configStale = false

	cfg, err := wire.ParseNetworkConfig(body)
	if err != nil {
		s.log.Warn("config:parse-failed", slog.String("err", err.Error()))
		s.jot.JotError("config", err)
		return
	}

	s.applyConfig(cfg)
}

func (s *Supervisor) applyConfig(cfg wire.NetworkConfig) {
	if cfg.Equal(&s.netCfg) {
		return
	}

	nodesChanged := !cfg.SameNodes(&s.netCfg)
	s.netCfg = cfg

	if nodesChanged {
		s.log.Info("config:node-set-changed", slog.Int("nodes", len(cfg.NodeAddresses)))
		s.run.doFull = true
		s.run.partialsCounter = 0
		if len(cfg.NodeAddresses) == 0 {
			// Nothing left to schedule against.
			s.run.isConfigured = false
			s.run.doFull = false
		}
	} else {
		s.log.Info("config:updated")
	}
}
