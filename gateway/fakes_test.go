package gateway

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"usmart/mainloop/jotter"
	"usmart/mainloop/nm3"
)

// fakeClock advances only when the code under test sleeps, so every test
// is deterministic in time.
type fakeClock struct {
	nanos int64
}

func (c *fakeClock) WallSeconds() int64      { return c.nanos / 1e9 }
func (c *fakeClock) Millis() uint32          { return uint32(c.nanos / 1e6) }
func (c *fakeClock) Micros() uint32          { return uint32(c.nanos / 1e3) }
func (c *fakeClock) Sleep(d time.Duration)   { c.nanos += int64(d) }
func (c *fakeClock) advance(d time.Duration) { c.nanos += int64(d) }

type fakeWatchdog struct {
	feeds int
}

func (w *fakeWatchdog) Feed() { w.feeds++ }

type fakePower struct {
	rail3v3    bool
	rs232      bool
	nm3        bool
	i2cPullups bool
	vbatt      float64

	nm3Enables int
}

func (p *fakePower) Enable3V3()         { p.rail3v3 = true }
func (p *fakePower) Disable3V3()        { p.rail3v3 = false }
func (p *fakePower) EnableRS232Tx()     { p.rs232 = true }
func (p *fakePower) DisableRS232Tx()    { p.rs232 = false }
func (p *fakePower) EnableNM3()         { p.nm3 = true; p.nm3Enables++ }
func (p *fakePower) DisableNM3()        { p.nm3 = false }
func (p *fakePower) NM3Powered() bool   { return p.nm3 }
func (p *fakePower) EnableI2CPullups()  { p.i2cPullups = true }
func (p *fakePower) DisableI2CPullups() { p.i2cPullups = false }
func (p *fakePower) VBatt() float64     { return p.vbatt }

type fakeModem struct {
	addr  int
	volts float64

	// pending packet batches, one per Poll call
	batches    [][]nm3.MessagePacket
	broadcasts []string
	queryErr   error
	sendErr    error
}

func (m *fakeModem) Poll() []nm3.MessagePacket {
	if len(m.batches) == 0 {
		return nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch
}

func (m *fakeModem) SendBroadcast(payload []byte) error {
	m.broadcasts = append(m.broadcasts, string(payload))
	return m.sendErr
}

func (m *fakeModem) QueryStatus() (int, float64, error) {
	if m.queryErr != nil {
		return 0, 0, m.queryErr
	}
	return m.addr, m.volts, nil
}

func (m *fakeModem) queue(packets ...nm3.MessagePacket) {
	m.batches = append(m.batches, packets)
}

func unicastPacket(payload string) nm3.MessagePacket {
	p := nm3.MessagePacket{Kind: nm3.KindUnicast, Source: -1}
	p.PayloadLen = uint8(copy(p.Payload[:], payload))
	return p
}

func broadcastPacket(source int, payload string) nm3.MessagePacket {
	p := nm3.MessagePacket{Kind: nm3.KindBroadcast, Source: source}
	p.PayloadLen = uint8(copy(p.Payload[:], payload))
	return p
}

type fakeSensors struct {
	stepsNeeded int
	steps       int
	started     int
	data        []byte
	cal         MagCalibration
	calErr      error
	calRuns     int
}

func (f *fakeSensors) StartAcquisition()   { f.started++; f.steps = 0 }
func (f *fakeSensors) ProcessAcquisition() { f.steps++ }
func (f *fakeSensors) IsCompleted() bool   { return f.steps >= f.stepsNeeded }
func (f *fakeSensors) LatestDataJSON() []byte {
	if !f.IsCompleted() {
		return nil
	}
	return f.data
}

func (f *fakeSensors) RunMagCalibration(feed func()) (MagCalibration, error) {
	f.calRuns++
	feed()
	return f.cal, f.calErr
}

type fakeProto struct {
	initCalls    [][]uint8
	lqThresholds []uint32
	fullCount    int
	partialCount int
	installGuard []uint32
	discoverErr  error
	gatherErr    error
	gather       GatherResult
	gatherBounds []int64
	topology     []byte
}

func (f *fakeProto) InitNodes(nodes []uint8, lqThreshold uint32) {
	f.initCalls = append(f.initCalls, append([]uint8(nil), nodes...))
	f.lqThresholds = append(f.lqThresholds, lqThreshold)
}

func (f *fakeProto) Discover(full bool) error {
	if f.discoverErr != nil {
		return f.discoverErr
	}
	if full {
		f.fullCount++
	} else {
		f.partialCount++
	}
	return nil
}

func (f *fakeProto) InstallSchedule(guardMs uint32) error {
	f.installGuard = append(f.installGuard, guardMs)
	return nil
}

func (f *fakeProto) Gather(bound int64, stayAwake bool) (GatherResult, error) {
	f.gatherBounds = append(f.gatherBounds, bound)
	if f.gatherErr != nil {
		return GatherResult{}, f.gatherErr
	}
	return f.gather, nil
}

func (f *fakeProto) TopologyJSON() []byte { return f.topology }

type httpCall struct {
	method string
	path   string
	body   []byte
}

type fakeHTTP struct {
	calls []httpCall

	postStatus []int // consumed per POST; empty = always 200
	postErr    error

	getStatus int
	getBody   []byte
	getErr    error
}

func (f *fakeHTTP) Post(path string, body []byte) (int, error) {
	f.calls = append(f.calls, httpCall{method: "POST", path: path, body: append([]byte(nil), body...)})
	if f.postErr != nil {
		return 0, f.postErr
	}
	if len(f.postStatus) > 0 {
		st := f.postStatus[0]
		f.postStatus = f.postStatus[1:]
		return st, nil
	}
	return 200, nil
}

func (f *fakeHTTP) Get(path string) (int, []byte, error) {
	f.calls = append(f.calls, httpCall{method: "GET", path: path})
	if f.getErr != nil {
		return 0, nil, f.getErr
	}
	if f.getStatus == 0 {
		return 200, f.getBody, nil
	}
	return f.getStatus, f.getBody, nil
}

func (f *fakeHTTP) posts(path string) []httpCall {
	var out []httpCall
	for _, c := range f.calls {
		if c.method == "POST" && c.path == path {
			out = append(out, c)
		}
	}
	return out
}

type fakeWifiCtl struct {
	connectCalls    int
	deactivateCalls int
	connected       bool

	// connectAfter makes IsConnected go true after this many
	// StartConnect calls; 0 = never.
	connectAfter int
}

func (f *fakeWifiCtl) StartConnect(ssid, password string) {
	f.connectCalls++
	if f.connectAfter > 0 && f.connectCalls >= f.connectAfter {
		f.connected = true
	}
}

func (f *fakeWifiCtl) IsConnected() bool { return f.connected }
func (f *fakeWifiCtl) Deactivate()       { f.deactivateCalls++; f.connected = false }

type fakeSystem struct {
	resets      int
	otaArms     int
	otaErr      error
	lightSleeps int
	usbDisabled bool
	onSleep     func()
}

func (f *fakeSystem) Reset() { f.resets++ }

func (f *fakeSystem) ArmOTA() error {
	if f.otaErr != nil {
		return f.otaErr
	}
	f.otaArms++
	return nil
}

func (f *fakeSystem) LightSleep() {
	f.lightSleeps++
	if f.onSleep != nil {
		f.onSleep()
	}
}

func (f *fakeSystem) DisableUSB() { f.usbDisabled = true }

// fixture wires a Supervisor to a full set of fakes.
type fixture struct {
	clock   *fakeClock
	wd      *fakeWatchdog
	power   *fakePower
	modem   *fakeModem
	sensors *fakeSensors
	proto   *fakeProto
	http    *fakeHTTP
	wifiCtl *fakeWifiCtl
	sys     *fakeSystem
	jotBuf  *bytes.Buffer
	jot     *jotter.Jotter
	sup     *Supervisor
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		clock:   &fakeClock{nanos: 1_700_000_000 * 1e9},
		wd:      &fakeWatchdog{},
		power:   &fakePower{vbatt: 6.4},
		modem:   &fakeModem{addr: 7, volts: 6.4},
		sensors: &fakeSensors{stepsNeeded: 3, data: []byte(`{"temperature":8.5}`)},
		proto:   &fakeProto{topology: []byte(`{"nodes":[]}`)},
		http:    &fakeHTTP{},
		wifiCtl: &fakeWifiCtl{},
		sys:     &fakeSystem{},
		jotBuf:  &bytes.Buffer{},
	}
	f.jot = jotter.New(f.jotBuf, f.clock.WallSeconds)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sup = New(cfg, Deps{
		Clock:   f.clock,
		Wd:      f.wd,
		Power:   f.power,
		Modem:   f.modem,
		Sensors: f.sensors,
		Proto:   f.proto,
		HTTP:    f.http,
		Wifi:    f.wifiCtl,
		Sys:     f.sys,
		Jotter:  f.jot,
		Logger:  logger,
	})
	return f
}

func defaultConfig() Config {
	return Config{
		AlarmPeriodS:   3600,
		SSID:           "shorelink",
		Password:       "hunter2",
		WifiEnabled:    true,
		LastResetCause: ResetPwron,
	}
}

var errBoom = errors.New("boom")
