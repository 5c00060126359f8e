// Package timing measures and paces real-time loops on CLOCK_MONOTONIC.
package timing

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// MonotonicNanos reads CLOCK_MONOTONIC in nanoseconds.
func MonotonicNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on Linux.
		panic(err)
	}
	return ts.Nano()
}

// Stamp is a point on the monotonic clock.
type Stamp int64

func Tic() Stamp {
	return Stamp(MonotonicNanos())
}

// Toc returns the time elapsed since s.
func (s Stamp) Toc() time.Duration {
	return time.Duration(MonotonicNanos() - int64(s))
}

func (s Stamp) Nanos() int64 {
	return int64(s)
}

// SleepUntil blocks until the monotonic clock reaches deadline (absolute
// nanoseconds), resuming after signal interruptions.
func SleepUntil(deadline int64) error {
	ts := unix.NsecToTimespec(deadline)
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Ticker paces a loop at a fixed period using absolute deadlines, so time
// spent in the loop body does not accumulate drift.
type Ticker struct {
	period time.Duration
	next   int64
}

func NewTicker(period time.Duration) *Ticker {
	return &Ticker{period: period, next: MonotonicNanos() + period.Nanoseconds()}
}

// Wait sleeps until the next period boundary and returns how late the wake
// was relative to it.
func (t *Ticker) Wait() (time.Duration, error) {
	if err := SleepUntil(t.next); err != nil {
		return 0, err
	}
	late := time.Duration(MonotonicNanos() - t.next)
	t.next += t.period.Nanoseconds()
	return late, nil
}
