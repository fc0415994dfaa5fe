//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"usmart/mainloop/jotter"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

// Optional jotter mirror: jot lines are republished QoS0 to an MQTT
// broker when one is configured, giving shore-side eyes on the device
// log without pulling the physical unit. Strictly best-effort; a dead
// broker costs nothing but the dial timeout once per flush interval.
const (
	jotterTopic         = "usmart/mainloop/jotter"
	mirrorFlushInterval = 30 * time.Second
	mirrorTimeout       = 10 * time.Second
	mirrorRetries       = 2
	mirrorCap           = 16
	mirrorLineMax       = 160
	mirrorTCPBufSize    = 2030 // MTU - ethhdr - iphdr - tcphdr
	mirrorMQTTBufSize   = 512
)

// Pre-allocated buffers for memory efficiency.
var (
	mirrorMu    sync.Mutex
	mirrorLines [mirrorCap][mirrorLineMax]byte
	mirrorLens  [mirrorCap]uint8
	mirrorHead  int
	mirrorCount int

	mirrorRxBuf   [mirrorTCPBufSize]byte
	mirrorTxBuf   [mirrorTCPBufSize]byte
	mirrorMQTTBuf [mirrorMQTTBufSize]byte
)

var mirrorPubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// startJotterMirror hooks the jotter's flush tap and starts the
// background publisher.
func startJotterMirror(jot *jotter.Jotter, wifi *cywWifi, broker netip.AddrPort, logger *slog.Logger) {
	jot.SetMirror(func(line []byte) {
		mirrorMu.Lock()
		idx := (mirrorHead + mirrorCount) % mirrorCap
		if mirrorCount >= mirrorCap {
			mirrorHead = (mirrorHead + 1) % mirrorCap
		} else {
			mirrorCount++
		}
		mirrorLens[idx] = uint8(copy(mirrorLines[idx][:], line))
		mirrorMu.Unlock()
	})
	logger.Info("jotmirror:enabled", slog.String("broker", broker.String()))
	go mirrorLoop(wifi, broker, logger)
}

func mirrorLoop(wifi *cywWifi, broker netip.AddrPort, logger *slog.Logger) {
	for {
		time.Sleep(mirrorFlushInterval)

		mirrorMu.Lock()
		pending := mirrorCount
		mirrorMu.Unlock()
		if pending == 0 {
			continue
		}
		stack := wifi.stackIfConnected()
		if stack == nil {
			continue // lines wait for the next link-up
		}
		if err := publishPending(stack, broker); err != nil {
			logger.Debug("jotmirror:publish-failed", slog.String("err", err.Error()))
		}
	}
}

// publishPending opens one MQTT session and publishes every queued line.
func publishPending(stack *xnet.StackAsync, broker netip.AddrPort) error {
	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             mirrorRxBuf[:],
		TxBuf:             mirrorTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mirrorMQTTBuf[:]},
	}
	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 24)
	clientID = append(clientID, "uac-gateway-"...)
	clientID = appendHex16(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	rstack := stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, broker, mirrorTimeout, mirrorRetries); err != nil {
		closeMirrorConn(&conn, stack, broker)
		return err
	}

	conn.SetDeadline(time.Now().Add(mirrorTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		closeMirrorConn(&conn, stack, broker)
		return err
	}
	for retries := 50; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		closeMirrorConn(&conn, stack, broker)
		return errors.New("mqtt connect timeout")
	}

	for {
		mirrorMu.Lock()
		if mirrorCount == 0 {
			mirrorMu.Unlock()
			break
		}
		idx := mirrorHead
		line := mirrorLines[idx][:mirrorLens[idx]]
		mirrorHead = (mirrorHead + 1) % mirrorCap
		mirrorCount--
		mirrorMu.Unlock()

		conn.SetDeadline(time.Now().Add(mirrorTimeout))
		pubVar := mqtt.VariablesPublish{
			TopicName:        []byte(jotterTopic),
			PacketIdentifier: uint16(stack.Prand32()),
		}
		if err := client.PublishPayload(mirrorPubFlags, pubVar, line); err != nil {
			client.Disconnect(err)
			closeMirrorConn(&conn, stack, broker)
			return err
		}
	}

	client.Disconnect(errors.New("session complete"))
	closeMirrorConn(&conn, stack, broker)
	return nil
}

// closeMirrorConn closes the TCP connection and frees the ARP slot.
func closeMirrorConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

// appendHex16 appends a uint16 as 4 hex characters.
func appendHex16(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
