package nm3

import (
	"errors"
	"time"
)

// Port is the serial endpoint the driver reads and writes. machine.UART
// satisfies it directly on device; host tools and tests wrap their own
// transports.
type Port interface {
	Buffered() int
	ReadByte() (byte, error)
	Write(p []byte) (n int, err error)
}

// Driver decodes modem frames from a Port and issues local commands.
// Not safe for concurrent use: the mainloop owns the modem UART
// exclusively.
type Driver struct {
	port  Port
	sleep func(time.Duration)
	par   parser

	// Responses to local commands observed while polling for packets.
	lastAddr    int
	lastVoltage int
	haveStatus  bool
	ackSeen     bool
}

var (
	ErrTimeout     = errors.New("nm3: response timeout")
	ErrPayloadSize = errors.New("nm3: payload size out of range")
)

const (
	pollBudget    = 500 * time.Millisecond
	commandBudget = 2 * time.Second
	idleStep      = 10 * time.Millisecond
)

// New returns a Driver over port. sleep is the yield used while waiting
// for response bytes (time.Sleep on device).
func New(port Port, sleep func(time.Duration)) *Driver {
	return &Driver{port: port, sleep: sleep, lastAddr: -1}
}

// Poll consumes every currently-buffered byte and returns the decoded
// message packets. When the buffer runs dry in the middle of a frame it
// keeps waiting for the rest, up to the 0.5 s poll budget; with no frame
// open it returns at once. Returns nil when no complete packet was
// decoded.
func (d *Driver) Poll() []MessagePacket {
	var packets []MessagePacket
	deadline := pollBudget
	for deadline > 0 {
		if d.port.Buffered() == 0 {
			// Mid-frame data may still be trickling in at 9600 baud;
			// only keep waiting while a frame is open.
			if d.par.state == stIdle {
				break
			}
			d.sleep(idleStep)
			deadline -= idleStep
			continue
		}
		b, err := d.port.ReadByte()
		if err != nil {
			break
		}
		if ev, ok := d.par.feed(b); ok {
			switch ev.kind {
			case frBroadcast, frUnicast:
				packets = append(packets, ev.packet)
			case frStatus:
				d.lastAddr = ev.addr
				d.lastVoltage = ev.voltage
				d.haveStatus = true
			case frAck:
				d.ackSeen = true
			}
		}
	}
	return packets
}

// QueryStatus issues "$?" and returns the modem's address and supply
// voltage in volts.
func (d *Driver) QueryStatus() (addr int, voltage float64, err error) {
	d.haveStatus = false
	if _, err = d.port.Write([]byte("$?")); err != nil {
		return 0, 0, err
	}
	waited := time.Duration(0)
	for waited < commandBudget {
		d.Poll()
		if d.haveStatus {
			return d.lastAddr, VoltsFromADC(d.lastVoltage), nil
		}
		d.sleep(idleStep)
		waited += idleStep
	}
	return 0, 0, ErrTimeout
}

// SendBroadcast transmits payload as an acoustic broadcast ($B<LL><data>)
// and waits for the modem's local acknowledgement.
func (d *Driver) SendBroadcast(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return ErrPayloadSize
	}
	var cmd [4 + MaxPayload]byte
	n := 0
	cmd[n] = '$'
	cmd[n+1] = 'B'
	cmd[n+2] = byte('0' + len(payload)/10)
	cmd[n+3] = byte('0' + len(payload)%10)
	n += 4
	n += copy(cmd[n:], payload)

	d.ackSeen = false
	if _, err := d.port.Write(cmd[:n]); err != nil {
		return err
	}
	waited := time.Duration(0)
	for waited < commandBudget {
		d.Poll()
		if d.ackSeen {
			return nil
		}
		d.sleep(idleStep)
		waited += idleStep
	}
	return ErrTimeout
}

// SendUnicast transmits payload acoustically to the node at addr
// ($U<AAA><LL><data>) and waits for the modem's local acknowledgement.
func (d *Driver) SendUnicast(addr uint8, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return ErrPayloadSize
	}
	var cmd [7 + MaxPayload]byte
	n := 0
	cmd[n] = '$'
	cmd[n+1] = 'U'
	cmd[n+2] = byte('0' + addr/100)
	cmd[n+3] = byte('0' + (addr/10)%10)
	cmd[n+4] = byte('0' + addr%10)
	cmd[n+5] = byte('0' + len(payload)/10)
	cmd[n+6] = byte('0' + len(payload)%10)
	n += 7
	n += copy(cmd[n:], payload)

	d.ackSeen = false
	if _, err := d.port.Write(cmd[:n]); err != nil {
		return err
	}
	waited := time.Duration(0)
	for waited < commandBudget {
		d.Poll()
		if d.ackSeen {
			return nil
		}
		d.sleep(idleStep)
		waited += idleStep
	}
	return ErrTimeout
}

// VoltsFromADC converts the modem's 16-bit ADC reading to volts.
func VoltsFromADC(adc int) float64 {
	return float64(adc) * 15.0 / 65536.0
}
