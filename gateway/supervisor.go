package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"usmart/mainloop/jotter"
	"usmart/mainloop/version"
	"usmart/mainloop/wire"
)

const (
	iterYield = 10 * time.Millisecond

	// NM3 power cycle at startup: hard off, pause, on, pause, so the
	// modem always boots from a known state whatever caused our reset.
	nm3PowerCycleOff = 10 * time.Second
	nm3PowerCycleOn  = 10 * time.Second
)

// Config is the supervisor's static configuration, fixed at boot.
type Config struct {
	// AlarmPeriodS is the nominal RTC alarm period (status cadence).
	AlarmPeriodS int64
	// SSID/Password from wifi_cfg.json; WifiEnabled is false when the
	// document was absent or malformed.
	SSID        string
	Password    string
	WifiEnabled bool
	// LastResetCause as captured at boot.
	LastResetCause string
}

// Deps are the capabilities the supervisor drives.
type Deps struct {
	Clock   Clock
	Wd      Watchdog
	Power   Power
	Modem   Modem
	Sensors Sensors
	Proto   NetProtocol
	HTTP    HTTPClient
	Wifi    WifiControl
	Sys     System
	Jotter  *jotter.Jotter
	Logger  *slog.Logger
}

// Supervisor owns the entire mainloop state. Everything mutable lives
// here; the ISR-shared WakeFlags value is its only shared-memory
// sibling, reached by the interrupt handlers through Flags().
type Supervisor struct {
	cfg Config

	clock   Clock
	wd      Watchdog
	power   Power
	modem   Modem
	sensors Sensors
	proto   NetProtocol
	http    HTTPClient
	sys     System
	jot     *jotter.Jotter
	log     *slog.Logger

	flags   WakeFlags
	wifi    *WifiManager
	queues  *Queues
	shipper *Shipper

	env    Environment
	netCfg wire.NetworkConfig
	run    NetworkRunState

	bootWallS    int64
	modemAddr    int
	modemVolts   float64
	nm3OnSinceMs uint32
	nm3OnValid   bool
}

// New assembles a Supervisor from its capabilities.
func New(cfg Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		clock:   deps.Clock,
		wd:      deps.Wd,
		power:   deps.Power,
		modem:   deps.Modem,
		sensors: deps.Sensors,
		proto:   deps.Proto,
		http:    deps.HTTP,
		sys:     deps.Sys,
		jot:     deps.Jotter,
		log:     deps.Logger,
		queues:  NewQueues(),
		netCfg:  wire.DefaultNetworkConfig(),
	}
	s.wifi = NewWifiManager(deps.Wifi, deps.Clock, deps.Logger, cfg.SSID, cfg.Password, cfg.WifiEnabled)
	s.shipper = NewShipper(deps.HTTP, deps.Wd, deps.Clock, deps.Logger)
	return s
}

// Flags exposes the interrupt flag plane for ISR wiring.
func (s *Supervisor) Flags() *WakeFlags { return &s.flags }

// SetEnvironment injects the optional environment (installed module
// versions for the module-list command). nil clears it.
func (s *Supervisor) SetEnvironment(env *Environment) {
	if env == nil {
		s.env = Environment{}
		return
	}
	s.env = *env
}

// Startup brings the peripherals to a known state and announces the
// gateway acoustically. The watchdog must already be armed and the ISRs
// installed by the caller; the RTC flag is forced so the very first
// iteration produces a status record.
func (s *Supervisor) Startup() {
	now := s.clock.WallSeconds()
	s.bootWallS = now
	s.log.Info("startup",
		slog.String("revision", version.FWRevision),
		slog.String("reset_cause", s.cfg.LastResetCause),
	)
	s.jot.Jot("mainloop", "Startup. reset_cause="+s.cfg.LastResetCause)

	s.flags.SetAlarmPeriod(s.cfg.AlarmPeriodS)
	s.flags.SetNextAlarmFromNow(now, s.cfg.AlarmPeriodS)
	s.flags.ForceRTC(now)

	s.power.Enable3V3()
	s.power.EnableI2CPullups()
	s.power.EnableRS232Tx()

	// Power-cycle the acoustic modem.
	s.power.DisableNM3()
	s.sleepFeed(nm3PowerCycleOff)
	s.power.EnableNM3()
	s.markNM3On()
	s.sleepFeed(nm3PowerCycleOn)

	addr, volts, err := s.modem.QueryStatus()
	if err != nil {
		s.log.Warn("startup:modem-query-failed", slog.String("err", err.Error()))
		s.jot.JotError("mainloop", err)
		s.modemAddr = 0
	} else {
		s.modemAddr = addr
		s.modemVolts = volts
		s.log.Info("startup:modem", slog.Int("addr", addr))
	}

	s.sendAliveBroadcast()
	s.sys.DisableUSB()
}

// RunForever runs supervisor iterations until reset. Any error or panic
// escaping an iteration is jotted and the loop re-enters from the top;
// the watchdog remains the final backstop.
func (s *Supervisor) RunForever() {
	for {
		if err := s.runIteration(); err != nil {
			s.log.Error("mainloop:iteration-failed", slog.String("err", err.Error()))
			s.jot.JotError("mainloop", err)
		}
	}
}

func (s *Supervisor) runIteration() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()
	s.iterate()
	return nil
}

// iterate is one pass of the supervisor body. Order matters: flags are
// serviced before the frame scheduler so a frame never runs against a
// half-serviced wake, and the sleep decision is taken last against
// fresh state.
func (s *Supervisor) iterate() {
	s.wd.Feed()
	s.power.Enable3V3()
	s.clock.Sleep(iterYield)

	if s.flags.TakeRTC() {
		s.wifi.ResetRetryBudget()
		s.handleRTCTick()
	}

	now := s.clock.WallSeconds()
	nm3Fired := s.flags.TakeNM3()
	if nm3Fired {
		s.wifi.ResetRetryBudget()
	}
	if nm3Fired || s.inNM3Window(now) {
		s.relayStep()
	}

	now = s.clock.WallSeconds()
	if s.frameDue(now) {
		if err := s.frameSchedulerStep(now); err != nil {
			s.log.Warn("netsched:failed", slog.String("err", err.Error()))
			s.jot.JotError("netsched", err)
		}
	}

	wantLink := !s.queues.Empty() || s.run.configStale
	s.wifi.Advance(wantLink)
	if wantLink && s.wifi.Connected() {
		if s.run.configStale {
			s.pullConfig()
		}
		s.shipper.ShipAll(s.queues)
	}

	now = s.clock.WallSeconds()
	if s.canSleep(now) {
		s.enterSleep()
	}
}

// canSleep is the sleep gate: no pending flags, no open post-sync
// window, no link activity worth staying up for, and no acoustic frame
// inside the wake lead.
func (s *Supervisor) canSleep(now int64) bool {
	if s.flags.RTCPending() || s.flags.NM3Pending() {
		return false
	}
	if s.inNM3Window(now) {
		return false
	}
	if s.wifi.State() != WifiStatic {
		return false
	}
	if !s.queues.Empty() && s.wifi.Enabled() && !s.wifi.ExhaustedRetries() {
		return false
	}
	if len(s.netCfg.NodeAddresses) > 0 {
		if s.frameDue(now) {
			return false
		}
		if s.run.nextFrameWallS-now <= frameWakeLeadS {
			return false
		}
	}
	return true
}

// enterSleep powers the peripherals down and light-sleeps until the RTC
// or the NM3 edge wakes the CPU. Flags are re-examined after the power
// down; a wake source that fired in between cancels the sleep.
func (s *Supervisor) enterSleep() {
	s.jot.Jot("mainloop", "Going to lightsleep.")
	s.jot.Flush()
	s.wifi.Disconnect()
	s.wd.Feed()

	s.power.DisableRS232Tx()
	s.power.DisableI2CPullups()
	s.power.Disable3V3()
	if !s.netCfg.NM3GatewayStayAwake {
		s.power.DisableNM3()
		s.nm3OnValid = false
	}

	if s.flags.RTCPending() || s.flags.NM3Pending() {
		// Lost-wakeup guard: something fired while powering down.
		s.restorePeripherals()
		s.jot.Jot("mainloop", "Sleep cancelled, wake source pending.")
		return
	}

	s.sys.LightSleep()

	s.restorePeripherals()
	s.jot.Jot("mainloop", "Wake up.")
}

func (s *Supervisor) restorePeripherals() {
	s.wd.Feed()
	s.power.Enable3V3()
	s.power.EnableI2CPullups()
	s.power.EnableRS232Tx()
}
