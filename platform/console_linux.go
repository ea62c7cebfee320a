//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// rawMode puts the terminal into character-at-a-time mode so the KDB
// line editor sees individual bytes, including escape sequences. The
// returned function restores the previous state.
func rawMode(f *os.File) func() {
	fd := int(f.Fd())

	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}
	}

	raw := *old
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return func() {}
	}

	return func() {
		unix.IoctlSetTermios(fd, unix.TCSETS, old)
	}
}
