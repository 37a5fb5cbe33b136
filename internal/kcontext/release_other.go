//go:build !linux

package kcontext

import "errors"

// RunningRelease is only meaningful on Linux.
func RunningRelease() (string, error) {
	return "", errors.New("kernel release detection requires linux")
}
