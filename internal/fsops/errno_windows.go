//go:build windows

package fsops

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

func classifyErrno(err error) ErrorKind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Other
	}
	switch errno {
	case windows.ERROR_DIR_NOT_EMPTY:
		return NotEmpty
	case windows.ERROR_ACCESS_DENIED, windows.ERROR_SHARING_VIOLATION:
		return AccessDenied
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND, windows.ERROR_INVALID_NAME, windows.ERROR_DIRECTORY:
		return BadPath
	case windows.ERROR_ALREADY_EXISTS, windows.ERROR_FILE_EXISTS:
		return AlreadyExists
	}
	return Other
}
