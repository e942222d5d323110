package pinger

import "time"

// monotonicClock produces the 32-bit truncated microsecond timestamps that
// spec.md §9 requires: a monotonic source, truncated to 32 bits of
// microseconds, so that RTT computed via unsigned wraparound subtraction is
// immune to epoch/clock-step concerns. time.Since uses the runtime's
// monotonic reading, not wall-clock time, so this needs no NTP guard.
//
// Every monotonicClock measures from the same process-wide start, so a
// timestamp taken by a sender and one taken by a receiver share an epoch.
type monotonicClock struct {
	start time.Time
}

var processClockStart = time.Now()

func newMonotonicClock() monotonicClock {
	return monotonicClock{start: processClockStart}
}

// NowUsec32 returns elapsed microseconds since the process-wide clock
// start, truncated to 32 bits.
func (c monotonicClock) NowUsec32() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

// rttFromUsec32 computes an RTT in microseconds from two truncated
// timestamps using unsigned wraparound subtraction, per spec.md §4.3.
func rttFromUsec32(sentUsec, nowUsec uint32) uint32 {
	return nowUsec - sentUsec
}
