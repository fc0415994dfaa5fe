// Package httputil is a small HTTP/1.1 client over the lneto TCP stack,
// used to ship queued records to the shore backend and to pull network
// configuration. One Client owns pre-allocated connection and response
// buffers and is reused across the firmware's lifetime; requests are
// strictly sequential, which matches the supervisor's single-threaded
// ship phase.
package httputil

import (
	"errors"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	requestTimeout = 10 * time.Second
	dialRetries    = 2
	tcpBufSize     = 2030 // MTU - ethhdr - iphdr - tcphdr
	respBufSize    = 1536
)

var (
	ErrNotEstablished = errors.New("httputil: connection not established")
	ErrShortResponse  = errors.New("httputil: short response")
)

// Client issues POST and GET requests to a single backend host.
type Client struct {
	stack *xnet.StackAsync
	host  netip.AddrPort

	rxBuf   [tcpBufSize]byte
	txBuf   [tcpBufSize]byte
	respBuf [respBufSize]byte
}

// NewClient returns a Client for the given backend.
func NewClient(stack *xnet.StackAsync, host netip.AddrPort) *Client {
	return &Client{stack: stack, host: host}
}

// Post sends body as application/json to path and returns the HTTP
// status code.
func (c *Client) Post(path string, body []byte) (int, error) {
	resp, err := c.roundTrip("POST", path, body)
	if err != nil {
		return 0, err
	}
	status, _, err := ParseResponse(resp)
	return status, err
}

// Get requests path and returns the HTTP status code and response body.
// The body slice aliases the client's response buffer and is only valid
// until the next request.
func (c *Client) Get(path string) (int, []byte, error) {
	resp, err := c.roundTrip("GET", path, nil)
	if err != nil {
		return 0, nil, err
	}
	return ParseResponse(resp)
}

func (c *Client) roundTrip(method, path string, body []byte) ([]byte, error) {
	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             c.rxBuf[:],
		TxBuf:             c.txBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}

	rstack := c.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(c.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, c.host, requestTimeout, dialRetries); err != nil {
		conn.Abort()
		return nil, err
	}

	// Give the stack time to fully establish the connection.
	time.Sleep(50 * time.Millisecond)
	if !conn.State().IsSynchronized() {
		conn.Abort()
		return nil, ErrNotEstablished
	}

	conn.SetDeadline(time.Now().Add(requestTimeout))
	conn.Write([]byte(method))
	conn.Write([]byte(" "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(c.host.Addr().String()))
	if body != nil {
		conn.Write([]byte("\r\nContent-Type: application/json\r\nContent-Length: "))
		writeInt(&conn, len(body))
	}
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	// Write the body in chunks; the tx buffer may not hold all of it.
	written := 0
	for written < len(body) {
		chunk := len(body) - written
		if chunk > 1024 {
			chunk = 1024
		}
		n, err := conn.Write(body[written : written+chunk])
		if err != nil {
			conn.Abort()
			return nil, err
		}
		written += n
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}

	// The server closes after responding (Connection: close), so read
	// until the buffer stops growing or the connection winds down.
	total := 0
	idle := 0
	for total < len(c.respBuf) && idle < 20 {
		n, _ := conn.Read(c.respBuf[total:])
		if n > 0 {
			total += n
			idle = 0
		} else {
			if conn.State().IsClosed() {
				break
			}
			idle++
		}
		time.Sleep(50 * time.Millisecond)
	}

	conn.Close()
	for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()

	// Discard the ARP query to free the slot for the next connection.
	c.stack.DiscardResolveHardwareAddress6(c.host.Addr())

	return c.respBuf[:total], nil
}

// ParseResponse extracts the status code and body from a raw HTTP/1.x
// response.
func ParseResponse(resp []byte) (status int, body []byte, err error) {
	// Status line: "HTTP/1.1 200 OK".
	if len(resp) < 12 {
		return 0, nil, ErrShortResponse
	}
	sp := -1
	for i := 0; i < len(resp) && i < 16; i++ {
		if resp[i] == ' ' {
			sp = i
			break
		}
	}
	if sp < 0 || sp+4 > len(resp) {
		return 0, nil, ErrShortResponse
	}
	for i := sp + 1; i < sp+4; i++ {
		b := resp[i]
		if b < '0' || b > '9' {
			return 0, nil, ErrShortResponse
		}
		status = status*10 + int(b-'0')
	}

	// Body follows the first blank line.
	for i := 0; i+3 < len(resp); i++ {
		if resp[i] == '\r' && resp[i+1] == '\n' && resp[i+2] == '\r' && resp[i+3] == '\n' {
			return status, resp[i+4:], nil
		}
	}
	return status, nil, nil
}

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}
