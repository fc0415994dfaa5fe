package nm3

// parser is the incremental frame decoder for the modem's serial stream.
// Frames handled:
//
//	#B<AAA><LL><payload>  incoming broadcast, AAA = 3-digit source address
//	#U<LL><payload>       incoming unicast (no source on the wire)
//	#A<AAA>V<VVVVV>       status response to "$?"
//	$B<LL> / $U<AAA><LL>  local command acknowledgements
//
// Anything else resynchronises on the next '#' or '$'.
type parser struct {
	state  parseState
	frame  frameKind
	digits [5]byte
	nDig   int
	need   int

	addr    int
	length  int
	voltage int

	payload [MaxPayload]byte
	got     int
}

type parseState uint8

const (
	stIdle parseState = iota
	stFrameType
	stAddr
	stLen
	stPayload
	stVoltSep
	stVolt
	stAckLen
)

type frameKind uint8

const (
	frNone frameKind = iota
	frBroadcast
	frUnicast
	frStatus
	frAck
)

// event is a decoded frame surfaced to the driver.
type event struct {
	kind    frameKind
	packet  MessagePacket
	addr    int
	voltage int
}

func (p *parser) reset() {
	p.state = stIdle
	p.frame = frNone
	p.nDig = 0
	p.got = 0
}

// feed consumes one byte and returns a decoded event when a frame
// completes.
func (p *parser) feed(b byte) (event, bool) {
	switch p.state {
	case stIdle:
		if b == '#' || b == '$' {
			p.reset()
			p.state = stFrameType
			if b == '$' {
				p.frame = frAck
			}
		}

	case stFrameType:
		switch {
		case p.frame == frAck && (b == 'B' || b == 'U'):
			p.state = stAckLen
			p.nDig = 0
			if b == 'U' {
				// $U<AAA><LL>: swallow the address digits first.
				p.need = 5
			} else {
				p.need = 2
			}
		case p.frame == frAck:
			p.reset()
		case b == 'B':
			p.frame = frBroadcast
			p.state = stAddr
			p.nDig = 0
		case b == 'U':
			p.frame = frUnicast
			p.state = stLen
			p.nDig = 0
		case b == 'A':
			p.frame = frStatus
			p.state = stAddr
			p.nDig = 0
		default:
			p.reset()
		}

	case stAddr:
		if b < '0' || b > '9' {
			p.reset()
			return p.resync(b)
		}
		p.digits[p.nDig] = b
		p.nDig++
		if p.nDig == 3 {
			p.addr = digitsToInt(p.digits[:3])
			p.nDig = 0
			if p.frame == frStatus {
				p.state = stVoltSep
			} else {
				p.state = stLen
			}
		}

	case stLen:
		if b < '0' || b > '9' {
			p.reset()
			return p.resync(b)
		}
		p.digits[p.nDig] = b
		p.nDig++
		if p.nDig == 2 {
			p.length = digitsToInt(p.digits[:2])
			p.nDig = 0
			if p.length == 0 || p.length > MaxPayload {
				p.reset()
				break
			}
			p.state = stPayload
			p.got = 0
		}

	case stPayload:
		p.payload[p.got] = b
		p.got++
		if p.got == p.length {
			ev := event{kind: p.frame}
			ev.packet.PayloadLen = uint8(p.length)
			copy(ev.packet.Payload[:], p.payload[:p.length])
			if p.frame == frBroadcast {
				ev.packet.Kind = KindBroadcast
				ev.packet.Source = p.addr
			} else {
				ev.packet.Kind = KindUnicast
				ev.packet.Source = -1
			}
			p.reset()
			return ev, true
		}

	case stVoltSep:
		if b != 'V' {
			p.reset()
			return p.resync(b)
		}
		p.state = stVolt
		p.nDig = 0

	case stVolt:
		if b < '0' || b > '9' {
			p.reset()
			return p.resync(b)
		}
		p.digits[p.nDig] = b
		p.nDig++
		if p.nDig == 5 {
			ev := event{kind: frStatus, addr: p.addr, voltage: digitsToInt(p.digits[:5])}
			p.reset()
			return ev, true
		}

	case stAckLen:
		if b < '0' || b > '9' {
			p.reset()
			return p.resync(b)
		}
		p.nDig++
		if p.nDig == p.need {
			p.reset()
			return event{kind: frAck}, true
		}

	default:
		p.reset()
	}
	return event{}, false
}

// resync re-feeds a byte that aborted a frame, so a '#' or '$' inside a
// broken frame starts a fresh one instead of being lost.
func (p *parser) resync(b byte) (event, bool) {
	if b == '#' || b == '$' {
		return p.feed(b)
	}
	return event{}, false
}

func digitsToInt(d []byte) int {
	n := 0
	for _, b := range d {
		n = n*10 + int(b-'0')
	}
	return n
}
