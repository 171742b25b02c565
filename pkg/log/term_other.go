//go:build !linux && !darwin

package log

import "os"

// IsTerminal always reports false where termios is unavailable.
func IsTerminal(f *os.File) bool { return false }
