// Package fsops implements the small set of filesystem side effects a build
// step can perform directly, translating OS failures into FsError kinds.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrorKind is the coarse classification of a filesystem failure.
type ErrorKind int

const (
	Other ErrorKind = iota
	BadPath
	AccessDenied
	AlreadyExists
	NotEmpty
)

func (k ErrorKind) String() string {
	switch k {
	case BadPath:
		return "bad_path"
	case AccessDenied:
		return "access_denied"
	case AlreadyExists:
		return "already_exists"
	case NotEmpty:
		return "not_empty"
	default:
		return "other"
	}
}

// FsError is returned by every FS method.
type FsError struct {
	Op   string
	Path string
	Kind ErrorKind
	Err  error
}

func (e *FsError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *FsError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or Other if err is not an
// FsError.
func KindOf(err error) ErrorKind {
	var fsErr *FsError
	if errors.As(err, &fsErr) {
		return fsErr.Kind
	}
	return Other
}

// FS is the set of primitives the executor needs.
type FS interface {
	RemoveFile(path string) error
	RemoveEmptyDir(path string) error
	MakeDir(path string) error
	TruncateOrCreate(path string) error
	CopyFile(src, dst string) error
}

// OS performs the operations against the real filesystem.
type OS struct{}

var _ FS = OS{}

// RemoveFile unlinks a non-directory.
func (OS) RemoveFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return wrap("rm", path, err)
	}
	if info.IsDir() {
		return &FsError{Op: "rm", Path: path, Kind: BadPath, Err: errIsDir}
	}
	return wrap("rm", path, os.Remove(path))
}

// RemoveEmptyDir removes a directory that has no entries.
func (OS) RemoveEmptyDir(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return wrap("rmdir", path, err)
	}
	if !info.IsDir() {
		return &FsError{Op: "rmdir", Path: path, Kind: BadPath, Err: errNotDir}
	}
	return wrap("rmdir", path, os.Remove(path))
}

// MakeDir creates a single directory level; the parent must exist.
func (OS) MakeDir(path string) error {
	return wrap("mkdir", path, os.Mkdir(path, 0o755))
}

// TruncateOrCreate leaves path as an empty regular file.
func (OS) TruncateOrCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wrap("truncate", path, err)
	}
	return wrap("truncate", path, f.Close())
}

// CopyFile copies src over dst, keeping the source's permission bits.
func (OS) CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return wrap("cp", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return wrap("cp", src, err)
	}
	if info.IsDir() {
		return &FsError{Op: "cp", Path: src, Kind: BadPath, Err: errIsDir}
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return wrap("cp", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = wrap("cp", dst, cerr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return wrap("cp", dst, err)
	}
	return nil
}

var (
	errIsDir  = errors.New("is a directory")
	errNotDir = errors.New("not a directory")
)

// wrap converts err into an FsError; nil stays nil.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FsError{Op: op, Path: path, Kind: classify(err), Err: err}
}

// classify consults the platform errno table first: syscall.Errno reports
// ENOTEMPTY as fs.ErrExist, which would otherwise read as AlreadyExists.
func classify(err error) ErrorKind {
	if kind := classifyErrno(err); kind != Other {
		return kind
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return BadPath
	case errors.Is(err, fs.ErrPermission):
		return AccessDenied
	case errors.Is(err, fs.ErrExist):
		return AlreadyExists
	}
	return Other
}
