//go:build linux

package kcontext

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var unameFn = unix.Uname

// RunningRelease returns the release string of the running kernel.
func RunningRelease() (string, error) {
	var uts unix.Utsname
	if err := unameFn(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}
