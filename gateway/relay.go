package gateway

import (
	"log/slog"

	"usmart/mainloop/nm3"
	"usmart/mainloop/wire"
)

// nm3PostSyncWindowS keeps the modem polled for a while after the last
// frame-sync edge: the half-duplex acoustic frame sync may precede the
// UART-delivered payload by up to ~0.5 s, and further packets arrive in
// the same window.
const nm3PostSyncWindowS = 30

// inNM3Window reports whether the post-sync poll window is open.
func (s *Supervisor) inNM3Window(now int64) bool {
	wall, _, _ := s.flags.LastNM3()
	return wall > 0 && now-wall < nm3PostSyncWindowS
}

// relayStep drains the modem and relays every decoded packet: stamp with
// the ISR-captured arrival times, enqueue for the backend, then dispatch
// any command payload side effects.
func (s *Supervisor) relayStep() {
	packets := s.modem.Poll()
	if len(packets) == 0 {
		return
	}
	wall, millis, micros := s.flags.LastNM3()
	s.log.Info("relay:packets", slog.Int("count", len(packets)))
	for i := range packets {
		p := &packets[i]
		p.WallTime = wall
		p.Millis = millis
		p.Micros = micros
		s.enqueuePacket(p, wall)
		s.dispatchCommand(p)
	}
}

// enqueuePacket renders a received packet and queues it as an outbound
// message record.
func (s *Supervisor) enqueuePacket(p *nm3.MessagePacket, timestamp int64) {
	var buf [320]byte
	msg := wire.Message{Timestamp: timestamp}
	if n := p.AppendJSON(buf[:]); n > 0 {
		msg.PacketJSON = append([]byte(nil), buf[:n]...)
	} else {
		s.log.Warn("relay:packet-json-overflow")
	}
	s.queues.PushMessage(msg)
}
