package gateway

import "sync/atomic"

// WakeFlags is the interrupt flag plane: the only state shared between
// the ISRs and the foreground. ISR entry points allocate nothing, take
// no locks and only store into atomic scalar fields; the foreground
// consumes flags with clear-on-read semantics.
//
// The RTC tick runs fast (e.g. every 2 s) but the logical alarm fires
// only when nextAlarmWallS is non-zero and due, so retargeting the next
// wake needs no hardware reprogramming.
type WakeFlags struct {
	rtcPending atomic.Bool
	nm3Pending atomic.Bool

	lastRTCWallS  atomic.Int64
	lastNM3WallS  atomic.Int64
	lastNM3Millis atomic.Uint32
	lastNM3Micros atomic.Uint32

	alarmPeriodS   atomic.Int64
	nextAlarmWallS atomic.Int64
}

const (
	minAlarmOffsetS = 1
	maxAlarmOffsetS = 7200
)

// RTCTick is the RTC ISR entry point, called on every hardware tick with
// the current wall time. It asserts the flag only when the logical alarm
// is armed and due, then advances the alarm by one period to keep the
// cadence monotonic (or disarms it when no period is set).
func (f *WakeFlags) RTCTick(wallNow int64) {
	next := f.nextAlarmWallS.Load()
	if next == 0 || wallNow < next {
		return
	}
	f.lastRTCWallS.Store(wallNow)
	if period := f.alarmPeriodS.Load(); period > 0 {
		f.nextAlarmWallS.Store(next + period)
	} else {
		f.nextAlarmWallS.Store(0)
	}
	f.rtcPending.Store(true)
}

// NM3Edge is the NM3 frame-synchronisation ISR entry point. The
// monotonic microsecond/millisecond counters and the wall time are
// captured by the ISR itself, before any foreground scheduling delay.
func (f *WakeFlags) NM3Edge(wallNow int64, millis, micros uint32) {
	f.lastNM3Micros.Store(micros)
	f.lastNM3Millis.Store(millis)
	f.lastNM3WallS.Store(wallNow)
	f.nm3Pending.Store(true)
}

// ForceRTC asserts the RTC flag directly, used at startup so the first
// supervisor iteration produces a status record.
func (f *WakeFlags) ForceRTC(wallNow int64) {
	f.lastRTCWallS.Store(wallNow)
	f.rtcPending.Store(true)
}

// TakeRTC observes and clears the RTC flag.
func (f *WakeFlags) TakeRTC() bool {
	return f.rtcPending.CompareAndSwap(true, false)
}

// TakeNM3 observes and clears the NM3 flag.
func (f *WakeFlags) TakeNM3() bool {
	return f.nm3Pending.CompareAndSwap(true, false)
}

// RTCPending peeks at the RTC flag without clearing it (sleep-entry
// double check).
func (f *WakeFlags) RTCPending() bool { return f.rtcPending.Load() }

// NM3Pending peeks at the NM3 flag without clearing it.
func (f *WakeFlags) NM3Pending() bool { return f.nm3Pending.Load() }

// LastRTCWall returns the wall time captured by the last RTC alarm.
func (f *WakeFlags) LastRTCWall() int64 { return f.lastRTCWallS.Load() }

// LastNM3 returns the snapshot captured by the last NM3 edge.
func (f *WakeFlags) LastNM3() (wallS int64, millis, micros uint32) {
	return f.lastNM3WallS.Load(), f.lastNM3Millis.Load(), f.lastNM3Micros.Load()
}

// SetAlarmPeriod sets the nominal alarm period. Zero disables the alarm
// entirely.
func (f *WakeFlags) SetAlarmPeriod(seconds int64) {
	if seconds <= 0 {
		f.alarmPeriodS.Store(0)
		f.nextAlarmWallS.Store(0)
		return
	}
	f.alarmPeriodS.Store(seconds)
}

// SetNextAlarmFromNow retargets the next alarm to now+seconds, clamped
// to 1..7200 s. The period is untouched, so the cadence resumes after
// the retargeted wake.
func (f *WakeFlags) SetNextAlarmFromNow(wallNow, seconds int64) {
	if seconds < minAlarmOffsetS {
		seconds = minAlarmOffsetS
	}
	if seconds > maxAlarmOffsetS {
		seconds = maxAlarmOffsetS
	}
	f.nextAlarmWallS.Store(wallNow + seconds)
}

// NextAlarmWall returns the armed alarm wall time, 0 when disabled.
func (f *WakeFlags) NextAlarmWall() int64 { return f.nextAlarmWallS.Load() }
