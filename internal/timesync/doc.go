// Package timesync converts the CLOCK_MONOTONIC nanoseconds stamped by the
// kernel programs to wall-clock time.
//
// The boot time comes from btime in /proc/stat. When that cannot be read it
// is derived from the current wall clock minus CLOCK_MONOTONIC.
package timesync
