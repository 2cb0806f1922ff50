//go:build unix

package fsops

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func classifyErrno(err error) ErrorKind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Other
	}
	switch errno {
	case unix.ENOTEMPTY:
		return NotEmpty
	case unix.EACCES, unix.EPERM, unix.EBUSY, unix.EROFS:
		return AccessDenied
	case unix.ENOENT, unix.ENOTDIR, unix.EISDIR, unix.ENAMETOOLONG, unix.EINVAL:
		return BadPath
	}
	return Other
}
