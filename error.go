package iobridge

import (
	"context"
	"errors"
	"io/fs"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX error code, as reported by a Provider.
//
// The values are the ones of the host platform, which means that they can be
// converted to and from syscall.Errno without translation.
type Errno uint16

const (
	// ESUCCESS indicates that no error occurred.
	ESUCCESS = Errno(0)

	EACCES        = Errno(unix.EACCES)
	EADDRINUSE    = Errno(unix.EADDRINUSE)
	EADDRNOTAVAIL = Errno(unix.EADDRNOTAVAIL)
	EAFNOSUPPORT  = Errno(unix.EAFNOSUPPORT)
	EAGAIN        = Errno(unix.EAGAIN)
	EALREADY      = Errno(unix.EALREADY)
	EBADF         = Errno(unix.EBADF)
	ECANCELED     = Errno(unix.ECANCELED)
	ECONNABORTED  = Errno(unix.ECONNABORTED)
	ECONNREFUSED  = Errno(unix.ECONNREFUSED)
	ECONNRESET    = Errno(unix.ECONNRESET)
	EEXIST        = Errno(unix.EEXIST)
	EHOSTUNREACH  = Errno(unix.EHOSTUNREACH)
	EINPROGRESS   = Errno(unix.EINPROGRESS)
	EINTR         = Errno(unix.EINTR)
	EINVAL        = Errno(unix.EINVAL)
	EIO           = Errno(unix.EIO)
	EISCONN       = Errno(unix.EISCONN)
	EISDIR        = Errno(unix.EISDIR)
	EMFILE        = Errno(unix.EMFILE)
	ENETUNREACH   = Errno(unix.ENETUNREACH)
	ENOENT        = Errno(unix.ENOENT)
	ENOPROTOOPT   = Errno(unix.ENOPROTOOPT)
	ENOSYS        = Errno(unix.ENOSYS)
	ENOTCONN      = Errno(unix.ENOTCONN)
	ENOTDIR       = Errno(unix.ENOTDIR)
	ENOTSOCK      = Errno(unix.ENOTSOCK)
	ENOTSUP       = Errno(unix.ENOTSUP)
	ENOTTY        = Errno(unix.ENOTTY)
	EPERM         = Errno(unix.EPERM)
	EPIPE         = Errno(unix.EPIPE)
	ETIMEDOUT     = Errno(unix.ETIMEDOUT)
)

// Name returns the symbolic name of the error code (e.g. "ECONNREFUSED"), or
// the empty string if the code is not in the table of the platform. There are
// no partial matches.
func (e Errno) Name() string {
	if e == ESUCCESS {
		return ""
	}
	return unix.ErrnoName(syscall.Errno(e))
}

// Error returns the description of the error code, as strerror(3) would.
func (e Errno) Error() string {
	return syscall.Errno(e).Error()
}

// Is matches the errors of the io/fs package, the way syscall.Errno does.
func (e Errno) Is(target error) bool {
	return syscall.Errno(e).Is(target)
}

// Syscall converts e to a syscall.Errno.
func (e Errno) Syscall() syscall.Errno {
	return syscall.Errno(e)
}

// label is the name of the error code, or "errno N" when it has none.
func (e Errno) label() string {
	if name := e.Name(); name != "" {
		return name
	}
	return "errno " + strconv.Itoa(int(e))
}

// MakeErrno converts a Go error to an error code.
//
// Errors wrapping a syscall.Errno or an Errno (including the failures returned
// by a Bridge) yield that code. Failures caused by a closed handle map to
// EBADF, timeouts to ETIMEDOUT, and any other error to EIO.
func MakeErrno(err error) Errno {
	if err == nil {
		return ESUCCESS
	}
	if err == syscall.EAGAIN {
		return EAGAIN
	}
	return makeErrnoSlow(err)
}

func makeErrnoSlow(err error) Errno {
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	var sysErrno syscall.Errno
	if errors.As(err, &sysErrno) {
		return Errno(sysErrno)
	}
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, fs.ErrClosed):
		return EBADF
	case errors.Is(err, context.Canceled):
		return ECANCELED
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ETIMEDOUT
	}
	return EIO
}
