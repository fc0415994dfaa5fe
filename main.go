//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"time"

	"usmart/mainloop/config"
	"usmart/mainloop/gateway"
	"usmart/mainloop/jotter"
	"usmart/mainloop/nm3"
	"usmart/mainloop/ota"
	"usmart/mainloop/version"
)

const watchdogTimeoutMillis = 30_000

func main() {
	// Arm the watchdog first; it cannot be stopped once started and is
	// the liveness backstop for everything that follows.
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: watchdogTimeoutMillis,
	})
	machine.Watchdog.Start()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	machine.Watchdog.Update()
	println("========================================")
	println("  USMART UAC Gateway")
	println("  Revision:", version.FWRevision)
	println("  Version: ", version.Version)
	println("  Git SHA: ", version.GitSHA)
	println("  Built:   ", version.BuildDate)
	println("========================================")

	cause := lastResetCause()
	println("reset cause:", cause)

	clock := newHwClock()
	jot := jotter.New(machine.Serial, clock.WallSeconds)
	logger := slog.New(jotter.NewSlogHandler(machine.Serial, jot, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// WiFi credentials; an absent or malformed document disables the
	// uplink entirely.
	ssid, password, wifiOK := config.ParseWifiCredentials(config.WifiRaw())
	if !wifiOK {
		logger.Info("wifi:disabled", slog.String("reason", "no usable wifi_cfg.json"))
	}

	backend, err := config.BackendAddr()
	if err != nil {
		logger.Error("config:backend-invalid", slog.String("err", err.Error()))
		wifiOK = false
	}

	wifi := newCywWifi(logger, backend)
	ota.SetFilesystem(flashWriteFile)
	ota.SetReset(machine.CPUReset)
	ota.SetWiFiShutdown(wifi.shutdownForReboot)

	// NM3 modem UART: 9600 8N1, reads polled with a short timeout.
	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: 9600,
		TX:       pinNM3TX,
		RX:       pinNM3RX,
	})
	modem := nm3.New(uart, time.Sleep)

	power := newPowerModule()
	sys := newHwSystem(clock)
	sup := gateway.New(gateway.Config{
		AlarmPeriodS:   int64(config.AlarmPeriod() / time.Second),
		SSID:           ssid,
		Password:       password,
		WifiEnabled:    wifiOK,
		LastResetCause: cause,
	}, gateway.Deps{
		Clock:   clock,
		Wd:      hwWatchdog{},
		Power:   power,
		Modem:   modem,
		Sensors: newSensorPayload(),
		Proto:   newTDAProtocol(modem, clock, logger),
		HTTP:    wifi.httpClient(),
		Wifi:    wifi,
		Sys:     sys,
		Jotter:  jot,
		Logger:  logger,
	})
	sup.SetEnvironment(&gateway.Environment{
		InstalledModules: map[string]string{
			"mainloop":       version.FWRevision,
			"sensor-payload": sensorPayloadVersion,
		},
	})

	flags := sup.Flags()
	sys.bindFlags(flags)

	// Clear-then-install on the NM3 frame-sync edge so a latched edge
	// from before boot cannot fire a stale interrupt.
	pinNM3Sync.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	pinNM3Sync.SetInterrupt(machine.PinRising, nil)
	pinNM3Sync.SetInterrupt(machine.PinRising, func(machine.Pin) {
		flags.NM3Edge(clock.WallSeconds(), clock.Millis(), clock.Micros())
	})

	// The RTC tick task stands in for the RTC interrupt: it fires fast
	// (every 2 s) and the logical alarm inside WakeFlags decides when a
	// tick becomes a wake.
	go func() {
		tick := config.RTCTick()
		for {
			time.Sleep(tick)
			flags.RTCTick(clock.WallSeconds())
		}
	}()

	// Jotter lines mirror to the MQTT broker when one is configured.
	if brokerAddr, ok := config.JotterBrokerAddr(); ok {
		startJotterMirror(jot, wifi, brokerAddr, logger)
	}

	sup.Startup()
	sup.RunForever()
}

// hwWatchdog feeds the hardware watchdog.
type hwWatchdog struct{}

func (hwWatchdog) Feed() { machine.Watchdog.Update() }
