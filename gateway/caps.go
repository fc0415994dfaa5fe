// Package gateway is the event-driven supervisor at the heart of the
// underwater-acoustic gateway firmware: the interrupt-coalesced state
// machine orchestrating the NM3 acoustic modem, the WiFi station link,
// the TDA-MAC protocol engine, the RTC wake alarm, the watchdog, the
// outbound queues and the low-power sleep discipline.
//
// All hardware and external collaborators are reached through the
// capability interfaces in this file; the tinygo main wires the real
// peripherals in, tests wire fakes.
package gateway

import (
	"time"

	"usmart/mainloop/nm3"
)

// Clock supplies the three timebases the mainloop works in: wall seconds
// (RTC-backed, survives light sleep), and the monotonic millisecond and
// microsecond counters used to timestamp acoustic frame arrivals. Sleep
// is the foreground yield.
type Clock interface {
	WallSeconds() int64
	Millis() uint32
	Micros() uint32
	Sleep(d time.Duration)
}

// Watchdog is fed on every branch of the supervisor loop. The hardware
// timeout budget is 30 s and the watchdog cannot be stopped once armed.
type Watchdog interface {
	Feed()
}

// Power gates the peripheral rails. All methods are idempotent.
type Power interface {
	Enable3V3()
	Disable3V3()
	EnableRS232Tx()
	DisableRS232Tx()
	EnableNM3()
	DisableNM3()
	NM3Powered() bool
	EnableI2CPullups()
	DisableI2CPullups()
	VBatt() float64
}

// Modem is the NM3 acoustic modem driver surface the supervisor consumes.
// Poll is bounded to 0.5 s per call by the driver.
type Modem interface {
	Poll() []nm3.MessagePacket
	SendBroadcast(payload []byte) error
	QueryStatus() (addr int, volts float64, err error)
}

// MagCalibration is the six min/max magnetometer extents produced by a
// calibration run.
type MagCalibration struct {
	MinX, MaxX int32
	MinY, MaxY int32
	MinZ, MaxZ int32
}

// Sensors is the local environmental sensor payload. Acquisition is
// split into start/process/completed steps so the supervisor can yield
// and feed the watchdog inside the acquisition budget.
type Sensors interface {
	StartAcquisition()
	ProcessAcquisition()
	IsCompleted() bool
	LatestDataJSON() []byte

	// RunMagCalibration runs the ~20 s magnetometer calibration,
	// invoking feed often enough to keep the watchdog alive.
	RunMagCalibration(feed func()) (MagCalibration, error)
}

// GatherResult is what one TDA-MAC data-gathering frame produced.
type GatherResult struct {
	Packets  []nm3.MessagePacket
	InfoJSON []byte
}

// NetProtocol is the TDA-MAC network protocol engine.
type NetProtocol interface {
	// InitNodes reinitialises protocol state for the given node set.
	// Nodes whose measured link quality falls below lqThreshold are
	// left out of the installed schedule.
	InitNodes(nodes []uint8, lqThreshold uint32)
	// Discover probes the network. full re-probes reachability and link
	// quality for every node; partial refreshes schedule timing only.
	Discover(full bool) error
	// InstallSchedule installs the gathered schedule with the given
	// guard interval.
	InstallSchedule(guardMs uint32) error
	// Gather runs one frame-timed data gathering pass bounded by
	// timeTillNextFrameMs.
	Gather(timeTillNextFrameMs int64, sensorStayAwake bool) (GatherResult, error)
	// TopologyJSON is the current topology snapshot.
	TopologyJSON() []byte
}

// HTTPClient posts and pulls JSON documents against the shore backend.
type HTTPClient interface {
	Post(path string, body []byte) (status int, err error)
	Get(path string) (status int, body []byte, err error)
}

// WifiControl is the station-mode WiFi hardware surface. StartConnect
// begins a non-blocking association attempt; Deactivate force-deinits
// the chip regardless of state.
type WifiControl interface {
	StartConnect(ssid, password string)
	IsConnected() bool
	Deactivate()
}

// System covers reset, OTA arming, light sleep and the USB interface.
type System interface {
	// Reset hard-resets the device. Does not return on hardware.
	Reset()
	// ArmOTA writes the bootloader's OTA marker file.
	ArmOTA() error
	// LightSleep halts the CPU until the RTC or the NM3 edge interrupt
	// fires.
	LightSleep()
	DisableUSB()
}

// Reset causes reported in status records.
const (
	ResetPwron     = "PWRON_RESET"
	ResetHard      = "HARD_RESET"
	ResetWatchdog  = "WDT_RESET"
	ResetDeepsleep = "DEEPSLEEP_RESET"
	ResetSoft      = "SOFT_RESET"
	ResetUndefined = "UNDEFINED_RESET"
)

// Environment is the optional injected environment. InstalledModules
// (module name to version) feeds the USMOD module-list command.
type Environment struct {
	InstalledModules map[string]string
}
