//go:build linux || darwin

package log

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether f refers to a terminal device.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), ioctlGetTermios)
	return err == nil
}
