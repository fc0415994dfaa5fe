//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"usmart/mainloop/httputil"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const stackPollTime = 5 * time.Millisecond

var errNoLink = errors.New("wifi: no link")

// cywWifi binds the WiFi lifecycle manager to the CYW43439 chip. The
// driver has no full deinit, so Deactivate parks the current stack and
// every bring-up constructs a fresh one; a generation counter fences
// goroutines belonging to a parked stack.
type cywWifi struct {
	log     *slog.Logger
	backend netip.AddrPort

	stack      *cywnet.Stack
	generation int
	connected  bool
	connecting bool

	http *lazyHTTP
}

func newCywWifi(log *slog.Logger, backend netip.AddrPort) *cywWifi {
	w := &cywWifi{log: log, backend: backend}
	w.http = &lazyHTTP{wifi: w}
	return w
}

func (w *cywWifi) httpClient() *lazyHTTP { return w.http }

// StartConnect begins a non-blocking association + DHCP attempt.
func (w *cywWifi) StartConnect(ssid, password string) {
	if w.connecting {
		return
	}
	w.connecting = true
	w.generation++
	gen := w.generation

	// The network stack logs "packet dropped" at ERROR level, which is
	// normal for WiFi; keep it above ERROR to silence it.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	go func() {
		devcfg := cyw43439.DefaultWifiConfig()
		devcfg.Logger = netLogger
		cystack, err := cywnet.NewConfiguredPicoWithStack(ssid, password, devcfg, cywnet.StackConfig{
			Hostname:    "uac-gateway",
			MaxTCPPorts: 2, // backend HTTP + jotter MQTT mirror
		})
		if err != nil {
			w.log.Warn("wifi:setup-failed", slog.String("err", err.Error()))
			w.connecting = false
			return
		}
		if gen != w.generation {
			return // deactivated while associating
		}
		w.stack = cystack
		go w.loopStack(cystack, gen)

		if _, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{}); err != nil {
			w.log.Warn("wifi:dhcp-failed", slog.String("err", err.Error()))
			w.connecting = false
			return
		}
		if gen != w.generation {
			return
		}
		w.connected = true
		w.connecting = false
	}()
}

func (w *cywWifi) IsConnected() bool { return w.connected }

// Deactivate force-parks the stack. The pause lets the chip power down
// before the next bring-up touches it.
func (w *cywWifi) Deactivate() {
	w.generation++
	w.connected = false
	w.connecting = false
	w.stack = nil
	time.Sleep(100 * time.Millisecond)
}

// shutdownForReboot quiesces WiFi ahead of a reset.
func (w *cywWifi) shutdownForReboot() {
	w.Deactivate()
}

// loopStack processes network packets until its stack generation is
// parked.
func (w *cywWifi) loopStack(stack *cywnet.Stack, gen int) {
	for gen == w.generation {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(stackPollTime)
		}
	}
}

// stackIfConnected returns the lneto stack while the link is up.
func (w *cywWifi) stackIfConnected() *xnet.StackAsync {
	if !w.connected || w.stack == nil {
		return nil
	}
	return w.stack.LnetoStack()
}

// lazyHTTP satisfies the supervisor's HTTP capability over whichever
// stack generation is currently connected. The underlying client owns
// pre-allocated TCP buffers and is rebuilt only when the stack changes.
type lazyHTTP struct {
	wifi     *cywWifi
	client   *httputil.Client
	boundGen int
}

func (h *lazyHTTP) bind() (*httputil.Client, error) {
	stack := h.wifi.stackIfConnected()
	if stack == nil {
		return nil, errNoLink
	}
	if h.client == nil || h.boundGen != h.wifi.generation {
		h.client = httputil.NewClient(stack, h.wifi.backend)
		h.boundGen = h.wifi.generation
	}
	return h.client, nil
}

func (h *lazyHTTP) Post(path string, body []byte) (int, error) {
	client, err := h.bind()
	if err != nil {
		return 0, err
	}
	return client.Post(path, body)
}

func (h *lazyHTTP) Get(path string) (int, []byte, error) {
	client, err := h.bind()
	if err != nil {
		return 0, nil, err
	}
	return client.Get(path)
}
