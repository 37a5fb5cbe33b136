package timesync

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter from the boot time in /proc/stat.
// If reading fails, the boot time is derived from CLOCK_MONOTONIC instead.
func NewConverter() (*Converter, error) {
	return NewConverterFrom(procfs.DefaultMountPoint)
}

// NewConverterFrom is NewConverter for a procfs mounted at mountPoint.
func NewConverterFrom(mountPoint string) (*Converter, error) {
	bootTime, err := systemBootTime(mountPoint)
	if err != nil {
		mono, merr := MonotonicNow()
		if merr != nil {
			return nil, fmt.Errorf("no boot time: %w (clock: %v)", err, merr)
		}
		//nolint:gosec // monotonic nanoseconds fit in a Duration for centuries of uptime
		bootTime = time.Now().Add(-time.Duration(mono))
	}
	return &Converter{bootTime: bootTime}, nil
}

// MonotonicToWallClock converts nanoseconds since boot to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// MicrosToWallClock converts microseconds since boot to wall-clock time.
func (c *Converter) MicrosToWallClock(micros uint64) time.Time {
	return c.MonotonicToWallClock(micros * 1000)
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// Micros truncates a nanosecond timestamp to microseconds.
func Micros(ns uint64) uint64 { return ns / 1000 }

// MonotonicNow reads CLOCK_MONOTONIC, the clock bpf_ktime_get_ns uses.
func MonotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime: %w", err)
	}
	//nolint:gosec // monotonic time is never negative
	return uint64(ts.Nano()), nil
}

func systemBootTime(mountPoint string) (time.Time, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open procfs: %w", err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read stat: %w", err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, fmt.Errorf("btime not found in %s/stat", mountPoint)
	}
	//nolint:gosec // btime is seconds since the epoch
	return time.Unix(int64(stat.BootTime), 0), nil
}
