package gateway

import (
	"log/slog"
	"sort"
	"time"

	"usmart/mainloop/nm3"
	"usmart/mainloop/version"
)

// Acoustic command payloads the gateway honours. Case-sensitive, exact
// match on the full payload, and only when addressed unicast: a
// broadcast "reset" from anywhere in the water column is not a command.
const (
	cmdReset       = "USMRT"
	cmdArmOTA      = "USOTA"
	cmdPing        = "USPNG"
	cmdModuleList  = "USMOD"
	cmdCalibration = "USCALDO"
)

const moduleListSpacing = time.Second

// dispatchCommand enacts the side effects of a recognised command
// payload. Unknown payloads are plain data and ignored here; they were
// already enqueued for the backend by the relay.
func (s *Supervisor) dispatchCommand(p *nm3.MessagePacket) {
	if p.Kind != nm3.KindUnicast {
		return
	}
	switch {
	case p.PayloadEquals(cmdReset):
		s.log.Info("command:reset")
		s.jot.Jot("command", "Reset requested acoustically.")
		s.jot.Flush()
		s.sys.Reset()

	case p.PayloadEquals(cmdArmOTA):
		s.log.Info("command:ota")
		s.jot.Jot("command", "OTA armed acoustically.")
		if err := s.sys.ArmOTA(); err != nil {
			s.log.Warn("command:ota-arm-failed", slog.String("err", err.Error()))
			s.jot.JotError("command", err)
			return
		}
		s.jot.Flush()
		s.sys.Reset()

	case p.PayloadEquals(cmdPing):
		s.log.Info("command:ping")
		s.sendAliveBroadcast()

	case p.PayloadEquals(cmdModuleList):
		s.log.Info("command:module-list")
		s.broadcastModuleList()

	case p.PayloadEquals(cmdCalibration):
		s.log.Info("command:calibration")
		s.runCalibration()
	}
}

// sendAliveBroadcast transmits UAxxxB<volt>VREV:<revision>, where xxx is
// the gateway modem's three-digit address.
func (s *Supervisor) sendAliveBroadcast() {
	volts := s.modemVolts
	if volts == 0 {
		volts = s.power.VBatt()
	}
	var buf [nm3.MaxPayload]byte
	n := 0
	n += copy(buf[n:], "UA")
	n = appendAddr3(buf[:], n, s.modemAddr)
	buf[n] = 'B'
	n++
	n = appendVolt(buf[:], n, volts)
	n += copy(buf[n:], "VREV:")
	n += copy(buf[n:], version.FWRevision)
	if err := s.modem.SendBroadcast(buf[:n]); err != nil {
		s.log.Warn("command:alive-failed", slog.String("err", err.Error()))
	}
}

// broadcastModuleList transmits one UMxxx:mod:version line per installed
// module, 1 s apart, feeding the watchdog each iteration. Modules are
// sent in name order so repeated queries produce identical sequences.
func (s *Supervisor) broadcastModuleList() {
	if len(s.env.InstalledModules) == 0 {
		return
	}
	names := make([]string, 0, len(s.env.InstalledModules))
	for name := range s.env.InstalledModules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s.wd.Feed()
		var buf [nm3.MaxPayload]byte
		n := 0
		n += copy(buf[n:], "UM")
		n = appendAddr3(buf[:], n, s.modemAddr)
		buf[n] = ':'
		n++
		n += copy(buf[n:], name)
		buf[n] = ':'
		n++
		n += copy(buf[n:], s.env.InstalledModules[name])
		if err := s.modem.SendBroadcast(buf[:n]); err != nil {
			s.log.Warn("command:module-line-failed", slog.String("module", name), slog.String("err", err.Error()))
		}
		s.clock.Sleep(moduleListSpacing)
	}
}

// runCalibration acknowledges the request, runs the ~20 s magnetometer
// calibration and broadcasts the six min/max extents.
func (s *Supervisor) runCalibration() {
	var ack [nm3.MaxPayload]byte
	n := 0
	n += copy(ack[n:], "UC")
	n = appendAddr3(ack[:], n, s.modemAddr)
	n += copy(ack[n:], ":ACK")
	if err := s.modem.SendBroadcast(ack[:n]); err != nil {
		s.log.Warn("command:cal-ack-failed", slog.String("err", err.Error()))
	}

	cal, err := s.sensors.RunMagCalibration(s.wd.Feed)
	if err != nil {
		s.log.Warn("command:cal-failed", slog.String("err", err.Error()))
		s.jot.JotError("command", err)
		return
	}

	var buf [nm3.MaxPayload]byte
	n = 0
	n += copy(buf[n:], "UC")
	n = appendAddr3(buf[:], n, s.modemAddr)
	buf[n] = ':'
	n++
	for i, v := range [6]int32{cal.MinX, cal.MaxX, cal.MinY, cal.MaxY, cal.MinZ, cal.MaxZ} {
		if i > 0 {
			buf[n] = ','
			n++
		}
		n = appendInt32(buf[:], n, v)
	}
	if err := s.modem.SendBroadcast(buf[:n]); err != nil {
		s.log.Warn("command:cal-report-failed", slog.String("err", err.Error()))
	}
}

// appendAddr3 writes a modem address as exactly three digits.
func appendAddr3(buf []byte, pos, addr int) int {
	if addr < 0 || addr > 255 {
		addr = 0
	}
	buf[pos] = byte('0' + addr/100)
	buf[pos+1] = byte('0' + (addr/10)%10)
	buf[pos+2] = byte('0' + addr%10)
	return pos + 3
}

// appendVolt writes a voltage with one decimal place, e.g. "6.4".
func appendVolt(buf []byte, pos int, v float64) int {
	if v < 0 {
		v = 0
	}
	deci := int(v*10 + 0.5)
	whole := deci / 10
	if whole > 99 {
		whole = 99
	}
	if whole >= 10 {
		buf[pos] = byte('0' + whole/10)
		pos++
	}
	buf[pos] = byte('0' + whole%10)
	buf[pos+1] = '.'
	buf[pos+2] = byte('0' + deci%10)
	return pos + 3
}

// appendInt32 writes a signed integer in decimal.
func appendInt32(buf []byte, pos int, v int32) int {
	if v < 0 {
		buf[pos] = '-'
		pos++
		v = -v
	}
	if v == 0 {
		buf[pos] = '0'
		return pos + 1
	}
	var digits [11]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return pos + copy(buf[pos:], digits[i:])
}
