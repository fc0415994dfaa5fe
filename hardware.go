//go:build tinygo

package main

import (
	"device/rp"
	"log/slog"
	"machine"
	"time"

	"usmart/mainloop/gateway"
	"usmart/mainloop/ota"
	"usmart/mainloop/tdamac"
)

// Gateway board pin assignments.
const (
	pinNM3TX   = machine.GP0 // UART0 TX -> MAX3221E -> modem
	pinNM3RX   = machine.GP1 // UART0 RX
	pinNM3Sync = machine.GP2 // modem frame synchronisation line

	pin3V3En      = machine.GP3 // 3V3 peripheral rail enable
	pinRS232Force = machine.GP4 // MAX3221E driver force-on
	pinNM3Power   = machine.GP5 // modem power rail
	pinI2CPullups = machine.GP6 // sensor bus pull-ups

	pinVBatt = machine.GP29 // battery sense divider on ADC3
)

// hwClock provides the wall and monotonic timebases.
type hwClock struct {
	boot time.Time
}

func newHwClock() *hwClock {
	return &hwClock{boot: time.Now()}
}

func (c *hwClock) WallSeconds() int64 { return time.Now().Unix() }

func (c *hwClock) Millis() uint32 {
	return uint32(time.Since(c.boot).Milliseconds())
}

func (c *hwClock) Micros() uint32 {
	return uint32(time.Since(c.boot).Microseconds())
}

func (c *hwClock) Sleep(d time.Duration) { time.Sleep(d) }

// powerModule drives the peripheral power rails and the battery sense
// divider.
type powerModule struct {
	vbattADC machine.ADC
	nm3On    bool
}

func newPowerModule() *powerModule {
	for _, pin := range []machine.Pin{pin3V3En, pinRS232Force, pinNM3Power, pinI2CPullups} {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
	}
	machine.InitADC()
	adc := machine.ADC{Pin: pinVBatt}
	adc.Configure(machine.ADCConfig{})
	return &powerModule{vbattADC: adc}
}

func (p *powerModule) Enable3V3()         { pin3V3En.High() }
func (p *powerModule) Disable3V3()        { pin3V3En.Low() }
func (p *powerModule) EnableRS232Tx()     { pinRS232Force.High() }
func (p *powerModule) DisableRS232Tx()    { pinRS232Force.Low() }
func (p *powerModule) EnableI2CPullups()  { pinI2CPullups.High() }
func (p *powerModule) DisableI2CPullups() { pinI2CPullups.Low() }

func (p *powerModule) EnableNM3() {
	pinNM3Power.High()
	p.nm3On = true
}

func (p *powerModule) DisableNM3() {
	pinNM3Power.Low()
	p.nm3On = false
}

func (p *powerModule) NM3Powered() bool { return p.nm3On }

// VBatt reads the battery voltage through the 1:3 sense divider.
func (p *powerModule) VBatt() float64 {
	raw := p.vbattADC.Get()
	return float64(raw) / 65535.0 * 3.3 * 3.0
}

// hwSystem binds reset, OTA arming, light sleep and USB control.
type hwSystem struct {
	clock *hwClock
	flags *gateway.WakeFlags
}

func newHwSystem(clock *hwClock) *hwSystem {
	return &hwSystem{clock: clock}
}

func (s *hwSystem) bindFlags(flags *gateway.WakeFlags) { s.flags = flags }

func (s *hwSystem) Reset() {
	// Quiesces WiFi first when a shutdown hook is registered.
	if err := ota.Reboot(); err != nil {
		machine.CPUReset()
	}
}

func (s *hwSystem) ArmOTA() error {
	return ota.Arm()
}

// LightSleep idles until a wake source fires. The RTC tick task and the
// NM3 edge interrupt keep running; the watchdog is fed through the
// idle so a long alarm period does not trip it.
func (s *hwSystem) LightSleep() {
	for s.flags != nil && !s.flags.RTCPending() && !s.flags.NM3Pending() {
		machine.Watchdog.Update()
		time.Sleep(500 * time.Millisecond)
	}
}

// DisableUSB is a no-op on this board profile: TinyGo keeps the USB
// serial endpoint owned by the runtime and offers no deinit.
func (s *hwSystem) DisableUSB() {}

// flashWriteFile stores a marker record at the start of the flash data
// area, where the bootloader looks for it. The record is the file name,
// NUL, then the contents; the OTA marker is a zero-length file.
func flashWriteFile(name string, data []byte) error {
	if err := machine.Flash.EraseBlocks(0, 1); err != nil {
		return err
	}
	rec := make([]byte, 0, len(name)+len(data)+1)
	rec = append(rec, name...)
	rec = append(rec, 0)
	rec = append(rec, data...)
	_, err := machine.Flash.WriteAt(rec, 0)
	return err
}

// lastResetCause maps the watchdog reason register onto the reported
// reset causes. A forced watchdog reboot (machine.CPUReset) reads as a
// soft reset, a timeout as a watchdog reset; everything else on this
// part is indistinguishable from power-on.
func lastResetCause() string {
	reason := rp.WATCHDOG.REASON.Get()
	switch {
	case reason&rp.WATCHDOG_REASON_FORCE != 0:
		return gateway.ResetSoft
	case reason&rp.WATCHDOG_REASON_TIMER != 0:
		return gateway.ResetWatchdog
	default:
		return gateway.ResetPwron
	}
}

// newTDAProtocol wires the TDA-MAC engine to the modem driver.
func newTDAProtocol(modem tdamac.Modem, clock *hwClock, logger *slog.Logger) gateway.NetProtocol {
	return tdamac.New(modem, time.Sleep, clock.Millis, logger)
}
