// Package term controls terminal echo for dry-run previews.
package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// DisableEcho turns off input echo on the controlling terminal so typed
// keys do not interleave with the preview output. The returned function
// restores the previous state. Not being on a terminal is not an error;
// the restore function is then a no-op.
func DisableEcho() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, nil
	}

	tty := *old
	tty.Lflag &^= unix.ECHO
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &tty); err != nil {
		return nil, err
	}
	return func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, old)
	}, nil
}
