package iobridge

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrClosed is matched by the failures of operations attempted on a closed
// handle, or interrupted by a concurrent close of their handle.
var ErrClosed = errors.New("socket closed")

// ErrnoError is the failure of a Provider call.
//
// The message is only formatted when Error is called, most failures are never
// printed.
type ErrnoError struct {
	// Function is the name of the primitive that failed (e.g. "connect").
	Function string
	// Errno is the error code reported by the primitive.
	Errno Errno
}

// Wrap returns an *ErrnoError for the given function and error code, or nil
// if errno is ESUCCESS.
func Wrap(function string, errno Errno) error {
	if errno == ESUCCESS {
		return nil
	}
	return &ErrnoError{Function: function, Errno: errno}
}

func (e *ErrnoError) Error() string {
	return e.Function + " failed: " + e.Errno.label() + " (" + e.Errno.Error() + ")"
}

func (e *ErrnoError) Unwrap() error { return e.Errno }

// AddrInfoError is the failure of getaddrinfo(3) or getnameinfo(3).
type AddrInfoError struct {
	Function string
	Code     EAI
	// Errno carries errno when Code is EAI_SYSTEM.
	Errno Errno
}

func (e *AddrInfoError) Error() string {
	return e.Function + " failed: " + e.Code.label() + " (" + e.Code.Error() + ")"
}

func (e *AddrInfoError) Unwrap() error {
	if e.Code == EAI_SYSTEM && e.Errno != ESUCCESS {
		return e.Errno
	}
	return e.Code
}

// TimeoutError reports that a deadline expired before an operation could
// complete.
type TimeoutError struct {
	Function string
	// After is the timeout that was requested, zero if unknown.
	After time.Duration
	// Err is the failure that reported the timeout, if any.
	Err error
}

func (e *TimeoutError) Error() string {
	s := e.Function + " timed out"
	if e.After > 0 {
		s += " after " + strconv.FormatInt(e.After.Milliseconds(), 10) + "ms"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout is always true, it makes TimeoutError satisfy net.Error.
func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Temporary() bool { return false }

func (e *TimeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }

// ClosedError reports that the handle of an operation was closed.
type ClosedError struct {
	Function string
}

func (e *ClosedError) Error() string {
	if e.Function == "" {
		return ErrClosed.Error()
	}
	return e.Function + ": " + ErrClosed.Error()
}

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }

// IOError is a failure reported to a caller of the file I/O operations.
type IOError struct {
	// Path is the file that the operation was applied to, if any.
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return e.Path + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// SocketError is a failure reported to a caller of the socket operations.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string { return e.Err.Error() }

func (e *SocketError) Unwrap() error { return e.Err }

// AsIOError converts err to an *IOError, keeping the original failure
// reachable with errors.As and errors.Is. Closed and timeout failures are
// returned unchanged since they are their own kind. Nil stays nil.
func AsIOError(err error) error {
	var ioErr *IOError
	if err == nil || errors.As(err, &ioErr) || !convertible(err) {
		return err
	}
	return &IOError{Err: err}
}

// AsSocketError converts err to a *SocketError, in the same way as AsIOError.
func AsSocketError(err error) error {
	var sockErr *SocketError
	if err == nil || errors.As(err, &sockErr) || !convertible(err) {
		return err
	}
	return &SocketError{Err: err}
}

func convertible(err error) bool {
	var timeout *TimeoutError
	var closed *ClosedError
	return !errors.As(err, &timeout) && !errors.As(err, &closed)
}

// ConnectError reports the failure to establish a connection.
type ConnectError struct {
	// Addr is the address that the connection was attempted to.
	Addr SocketAddress
	// Local is the local address of the socket, nil if unknown.
	Local SocketAddress
	// After is the connect timeout, zero when the connect was blocking.
	After time.Duration
	Err   error
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	b.WriteString("failed to connect")
	if e.Addr != nil {
		b.WriteString(" to ")
		writeEndpoint(&b, e.Addr)
	}
	if e.Local != nil {
		b.WriteString(" from ")
		writeEndpoint(&b, e.Local)
	}
	if e.After > 0 {
		b.WriteString(" after ")
		b.WriteString(strconv.FormatInt(e.After.Milliseconds(), 10))
		b.WriteString("ms")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectError) Unwrap() error { return e.Err }

func writeEndpoint(b *strings.Builder, addr SocketAddress) {
	switch a := addr.(type) {
	case *Inet4Address:
		b.WriteString(a.Host())
		b.WriteString(" (port ")
		b.WriteString(strconv.Itoa(a.Port))
		b.WriteString(")")
	case *Inet6Address:
		b.WriteString(a.Host())
		b.WriteString(" (port ")
		b.WriteString(strconv.Itoa(a.Port))
		b.WriteString(")")
	default:
		b.WriteString(addr.String())
	}
}

// NoRouteError reports that the destination of a connect is unreachable.
type NoRouteError struct {
	Reason string
	Err    error
}

func (e *NoRouteError) Error() string { return e.Reason }

func (e *NoRouteError) Unwrap() error { return e.Err }

// PortUnreachableError reports that a connected datagram socket received an
// ICMP port unreachable message.
type PortUnreachableError struct {
	Err error
}

func (e *PortUnreachableError) Error() string { return "port unreachable: " + e.Err.Error() }

func (e *PortUnreachableError) Unwrap() error { return e.Err }

// BoundsError reports an offset and byte count which do not fit in a buffer.
// Operations check bounds before calling the provider.
type BoundsError struct {
	Length int
	Offset int
	Count  int
}

func (e *BoundsError) Error() string {
	return "length=" + strconv.Itoa(e.Length) +
		"; regionStart=" + strconv.Itoa(e.Offset) +
		"; regionLength=" + strconv.Itoa(e.Count)
}

func checkBounds(length, offset, count int) error {
	if offset < 0 || count < 0 || offset > length || count > length-offset {
		return &BoundsError{Length: length, Offset: offset, Count: count}
	}
	return nil
}
