// Package tdamac is the gateway-side TDA-MAC engine: time-division,
// schedule-based medium access for the underwater acoustic network.
// Discovery probes each node's reachability and round-trip time, the
// schedule spaces node transmissions so replies arrive sequentially at
// the gateway, and the frame-timed gather requests one data packet per
// scheduled node.
//
// Payload conventions (ASCII over the acoustic channel):
//
//	UNP          gateway -> node reachability probe
//	UNR<aaa>     node reply to a probe, aaa = node address
//	UDG<s>       gateway -> node data request, s = sensor stay-awake bit
//	UDR<aaa>...  node data reply
package tdamac

import (
	"errors"
	"log/slog"
	"time"

	"usmart/mainloop/gateway"
	"usmart/mainloop/nm3"
	"usmart/mainloop/wire"
)

// Modem is the acoustic modem surface the engine drives.
type Modem interface {
	Poll() []nm3.MessagePacket
	SendUnicast(addr uint8, payload []byte) error
}

const (
	discoveryProbes = 4
	probeTimeout    = 6 * time.Second
	replyWaitStep   = 100 * time.Millisecond

	// dataSlotMs bounds how long a gather waits on one node before
	// moving down the schedule.
	dataSlotMs = 8000
)

var (
	ErrNotInitialised = errors.New("tdamac: no node set installed")
	ErrNoReachable    = errors.New("tdamac: no node passed discovery")
	ErrNoSchedule     = errors.New("tdamac: no schedule installed")
)

type node struct {
	addr        uint8
	linkQuality uint32 // probe replies out of discoveryProbes
	rttMs       uint32
	txDelayMs   uint32
	scheduled   bool
}

// Engine implements the gateway's NetProtocol capability.
type Engine struct {
	modem  Modem
	sleep  func(time.Duration)
	millis func() uint32
	log    *slog.Logger

	nodes       []node
	lqThreshold uint32
	scheduled   bool
}

// New returns an Engine over the given modem. sleep and millis supply
// the engine's yields and its monotonic millisecond timebase.
func New(modem Modem, sleep func(time.Duration), millis func() uint32, log *slog.Logger) *Engine {
	return &Engine{modem: modem, sleep: sleep, millis: millis, log: log}
}

// InitNodes reinitialises protocol state for the given node set.
func (e *Engine) InitNodes(nodes []uint8, lqThreshold uint32) {
	e.nodes = e.nodes[:0]
	for _, addr := range nodes {
		e.nodes = append(e.nodes, node{addr: addr})
	}
	if lqThreshold > discoveryProbes {
		lqThreshold = discoveryProbes
	}
	e.lqThreshold = lqThreshold
	e.scheduled = false
}

// Discover probes the node set. A full discovery re-measures link
// quality and round-trip time for every node with a burst of probes; a
// partial discovery refreshes timing with a single probe per node
// already in the schedule.
func (e *Engine) Discover(full bool) error {
	if len(e.nodes) == 0 {
		return ErrNotInitialised
	}
	reachable := 0
	for i := range e.nodes {
		n := &e.nodes[i]
		if !full && !n.scheduled {
			continue
		}
		probes := discoveryProbes
		if !full {
			probes = 1
		}
		replies, rtt := e.probeNode(n.addr, probes)
		if full {
			n.linkQuality = replies
		}
		if replies > 0 {
			n.rttMs = rtt
			reachable++
		}
		e.log.Debug("tdamac:probed",
			slog.Int("addr", int(n.addr)),
			slog.Int("replies", int(replies)),
			slog.Int("rtt_ms", int(rtt)),
		)
	}
	if reachable == 0 {
		return ErrNoReachable
	}
	return nil
}

// probeNode sends count probes and returns the reply count and the mean
// round-trip time of the replies.
func (e *Engine) probeNode(addr uint8, count int) (replies, meanRTTMs uint32) {
	want := replyPrefix("UNR", addr)
	var rttSum uint32
	for i := 0; i < count; i++ {
		if err := e.modem.SendUnicast(addr, []byte("UNP")); err != nil {
			continue
		}
		start := e.millis()
		if e.awaitReply(want, probeTimeout) {
			replies++
			rttSum += e.millis() - start
		}
	}
	if replies == 0 {
		return 0, 0
	}
	return replies, rttSum / replies
}

// awaitReply polls the modem until a packet starting with prefix
// arrives or the timeout lapses.
func (e *Engine) awaitReply(prefix []byte, timeout time.Duration) bool {
	waited := time.Duration(0)
	for waited < timeout {
		for _, p := range e.modem.Poll() {
			if hasPrefix(&p, prefix) {
				return true
			}
		}
		e.sleep(replyWaitStep)
		waited += replyWaitStep
	}
	return false
}

// InstallSchedule assigns sequential transmit delays to every node that
// passed the link-quality threshold, spacing slots by the node's
// round-trip time plus the guard interval.
func (e *Engine) InstallSchedule(guardMs uint32) error {
	if len(e.nodes) == 0 {
		return ErrNotInitialised
	}
	delay := uint32(0)
	scheduled := 0
	for i := range e.nodes {
		n := &e.nodes[i]
		if n.linkQuality < e.lqThreshold {
			n.scheduled = false
			continue
		}
		n.scheduled = true
		n.txDelayMs = delay
		delay += n.rttMs + guardMs
		scheduled++
	}
	if scheduled == 0 {
		e.scheduled = false
		return ErrNoReachable
	}
	e.scheduled = true
	e.log.Info("tdamac:schedule-installed",
		slog.Int("scheduled", scheduled),
		slog.Int("span_ms", int(delay)),
	)
	return nil
}

// Gather runs one frame-timed data gathering pass: one data request per
// scheduled node, bounded overall by timeTillNextFrameMs.
func (e *Engine) Gather(timeTillNextFrameMs int64, sensorStayAwake bool) (gateway.GatherResult, error) {
	if !e.scheduled {
		return gateway.GatherResult{}, ErrNoSchedule
	}
	req := []byte("UDG0")
	if sensorStayAwake {
		req[3] = '1'
	}

	var result gateway.GatherResult
	start := e.millis()
	requested, responded := 0, 0
	for i := range e.nodes {
		n := &e.nodes[i]
		if !n.scheduled {
			continue
		}
		elapsed := int64(e.millis() - start)
		if elapsed >= timeTillNextFrameMs {
			e.log.Warn("tdamac:gather-out-of-time", slog.Int("requested", requested))
			break
		}
		requested++
		if err := e.modem.SendUnicast(n.addr, req); err != nil {
			continue
		}

		slot := int64(dataSlotMs)
		if remaining := timeTillNextFrameMs - elapsed; remaining < slot {
			slot = remaining
		}
		if packets, ok := e.collectData(n.addr, time.Duration(slot)*time.Millisecond); ok {
			responded++
			result.Packets = append(result.Packets, packets...)
		}
	}

	result.InfoJSON = buildGatherInfo(int64(e.millis()-start), requested, responded, sensorStayAwake)
	return result, nil
}

// collectData waits out a node's slot and returns everything it sent.
// The node's reply carries its address in the payload because unicast
// frames carry no source on the wire.
func (e *Engine) collectData(addr uint8, slot time.Duration) ([]nm3.MessagePacket, bool) {
	want := replyPrefix("UDR", addr)
	var got []nm3.MessagePacket
	waited := time.Duration(0)
	for waited < slot {
		for _, p := range e.modem.Poll() {
			if hasPrefix(&p, want) {
				got = append(got, p)
			}
		}
		if len(got) > 0 {
			// One data packet per node per frame; drain one more poll
			// for stragglers and move on.
			got = append(got, e.matching(want)...)
			return got, true
		}
		e.sleep(replyWaitStep)
		waited += replyWaitStep
	}
	return nil, false
}

func (e *Engine) matching(prefix []byte) []nm3.MessagePacket {
	var out []nm3.MessagePacket
	for _, p := range e.modem.Poll() {
		if hasPrefix(&p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// TopologyJSON snapshots the node table.
func (e *Engine) TopologyJSON() []byte {
	var buf [1024]byte
	w := wire.NewWriter(buf[:])
	w.Raw(`{"nodes":[`)
	for i := range e.nodes {
		n := &e.nodes[i]
		if i > 0 {
			w.Byte(',')
		}
		w.Raw(`{"addr":`)
		w.Int(int(n.addr))
		w.Raw(`,"linkQuality":`)
		w.Int(int(n.linkQuality))
		w.Raw(`,"rttMs":`)
		w.Int(int(n.rttMs))
		w.Raw(`,"txDelayMs":`)
		w.Int(int(n.txDelayMs))
		w.Raw(`,"scheduled":`)
		w.Bool(n.scheduled)
		w.Byte('}')
	}
	w.Raw(`]}`)
	if w.Overflowed() {
		return []byte(`{"nodes":[]}`)
	}
	return append([]byte(nil), w.Bytes()...)
}

func buildGatherInfo(tookMs int64, requested, responded int, stayAwake bool) []byte {
	var buf [160]byte
	w := wire.NewWriter(buf[:])
	w.Raw(`{"tookMs":`)
	w.Int64(tookMs)
	w.Raw(`,"requested":`)
	w.Int(requested)
	w.Raw(`,"responded":`)
	w.Int(responded)
	w.Raw(`,"sensorStayAwake":`)
	w.Bool(stayAwake)
	w.Byte('}')
	return append([]byte(nil), w.Bytes()...)
}

func replyPrefix(kind string, addr uint8) []byte {
	p := make([]byte, 0, len(kind)+3)
	p = append(p, kind...)
	p = append(p,
		byte('0'+addr/100),
		byte('0'+(addr/10)%10),
		byte('0'+addr%10),
	)
	return p
}

func hasPrefix(p *nm3.MessagePacket, prefix []byte) bool {
	if int(p.PayloadLen) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if p.Payload[i] != b {
			return false
		}
	}
	return true
}
