package gateway

import (
	"log/slog"
	"time"
)

// WifiState is the station link lifecycle state.
type WifiState uint8

const (
	// WifiStatic covers both idle-disconnected and associated; the link
	// itself is queried from the hardware.
	WifiStatic WifiState = iota
	// WifiConnecting means a non-blocking association attempt is in
	// flight.
	WifiConnecting
	// WifiDisconnecting means the chip is being force-deinitialised.
	WifiDisconnecting
)

// Lifecycle timing. The underlying WiFi stack is known to stall in an
// intermediate associating state; the explicit timeout and hard deinit
// break that stall.
const (
	wifiConnectTimeoutS  = 30
	wifiCooldownS        = 2
	wifiRetryBudget      = 5
	wifiDeinitSettleTime = 100 * time.Millisecond
)

// WifiManager drives the three-state WiFi lifecycle over the hardware
// control surface.
type WifiManager struct {
	ctl   WifiControl
	clock Clock
	log   *slog.Logger

	ssid     string
	password string
	enabled  bool

	state           WifiState
	startedS        int64
	lastDisconnectS int64
	retryCount      int
}

// NewWifiManager returns a manager for the given credentials. enabled is
// false when no usable wifi_cfg.json was found, which suppresses all
// connection attempts.
func NewWifiManager(ctl WifiControl, clock Clock, log *slog.Logger, ssid, password string, enabled bool) *WifiManager {
	return &WifiManager{
		ctl:      ctl,
		clock:    clock,
		log:      log,
		ssid:     ssid,
		password: password,
		enabled:  enabled,
		// Allow an immediate first connect: pretend the last disconnect
		// was a cooldown ago.
		lastDisconnectS: -wifiCooldownS,
	}
}

// Enabled reports whether WiFi credentials are configured.
func (m *WifiManager) Enabled() bool { return m.enabled }

// State returns the current lifecycle state.
func (m *WifiManager) State() WifiState { return m.state }

// RetryCount returns the consecutive failed-attempt count.
func (m *WifiManager) RetryCount() int { return m.retryCount }

// Connected reports whether the link is up and usable.
func (m *WifiManager) Connected() bool {
	return m.state == WifiStatic && m.enabled && m.ctl.IsConnected()
}

// ExhaustedRetries reports whether the consecutive-failure budget is
// spent; the supervisor then stops holding the device awake for WiFi.
func (m *WifiManager) ExhaustedRetries() bool {
	return m.retryCount > wifiRetryBudget
}

// ResetRetryBudget restores the attempt budget. Called on RTC and NM3
// wake events so a flaky AP is retried on the next natural wake instead
// of never again.
func (m *WifiManager) ResetRetryBudget() {
	if m.retryCount > wifiRetryBudget {
		m.retryCount = 0
	}
}

// Advance runs one state-machine step. wantLink is true when outbound
// work is pending (non-empty queues or stale config).
func (m *WifiManager) Advance(wantLink bool) {
	now := m.clock.WallSeconds()
	switch m.state {
	case WifiStatic:
		if !wantLink || !m.enabled || m.ctl.IsConnected() {
			return
		}
		if m.ExhaustedRetries() {
			return
		}
		if now-m.lastDisconnectS < wifiCooldownS {
			return
		}
		m.ctl.StartConnect(m.ssid, m.password)
		m.startedS = now
		m.retryCount++
		m.state = WifiConnecting
		m.log.Info("wifi:connecting", slog.String("ssid", m.ssid), slog.Int("attempt", m.retryCount))

	case WifiConnecting:
		if m.ctl.IsConnected() {
			m.state = WifiStatic
			m.retryCount = 0
			m.log.Info("wifi:connected")
			return
		}
		if now-m.startedS >= wifiConnectTimeoutS {
			m.state = WifiDisconnecting
			m.startedS = now
			m.log.Info("wifi:connect-timeout", slog.Int("attempt", m.retryCount))
		}

	case WifiDisconnecting:
		m.ctl.Deactivate()
		// Let the chip actually power down before anything touches it
		// again.
		m.clock.Sleep(wifiDeinitSettleTime)
		m.lastDisconnectS = m.clock.WallSeconds()
		m.state = WifiStatic
	}
}

// Disconnect tears the link down ahead of sleep.
func (m *WifiManager) Disconnect() {
	if !m.enabled {
		return
	}
	if m.state != WifiStatic || m.ctl.IsConnected() {
		m.ctl.Deactivate()
		m.clock.Sleep(wifiDeinitSettleTime)
		m.state = WifiStatic
	}
	m.lastDisconnectS = m.clock.WallSeconds()
}
