package iobridge_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stealthrocket/iobridge"
)

func TestErrno(t *testing.T) {
	for _, errno := range []iobridge.Errno{
		iobridge.EAGAIN,
		iobridge.EBADF,
		iobridge.ECONNREFUSED,
		iobridge.EINTR,
		iobridge.ENOENT,
		iobridge.ETIMEDOUT,
	} {
		t.Run(errno.Name(), func(t *testing.T) {
			e1 := errno.Syscall()
			e2 := iobridge.MakeErrno(e1)
			if e2 != errno {
				t.Errorf("conversion to syscall.Errno did not yield the same error code: want=%d got=%d", errno, e2)
			}
			if errno.Error() != e1.Error() {
				t.Errorf("error message mismatch: want=%q got=%q", e1.Error(), errno.Error())
			}
		})
	}
}

func TestErrnoName(t *testing.T) {
	tests := []struct {
		errno iobridge.Errno
		name  string
	}{
		{iobridge.ESUCCESS, ""},
		{iobridge.ECONNREFUSED, "ECONNREFUSED"},
		{iobridge.ENOENT, "ENOENT"},
		{iobridge.EINTR, "EINTR"},
		{iobridge.Errno(4000), ""},
	}

	for _, test := range tests {
		if name := test.errno.Name(); name != test.name {
			t.Errorf("name of errno %d mismatch: want=%q got=%q", test.errno, test.name, name)
		}
	}
}

func TestErrnoError(t *testing.T) {
	tests := []struct {
		function string
		errno    iobridge.Errno
		message  string
	}{
		{"connect", iobridge.ECONNREFUSED, "connect failed: ECONNREFUSED (connection refused)"},
		{"open", iobridge.ENOENT, "open failed: ENOENT (no such file or directory)"},
		{"read", iobridge.Errno(4000), "read failed: errno 4000 (errno 4000)"},
	}

	for _, test := range tests {
		t.Run(test.message, func(t *testing.T) {
			err := iobridge.Wrap(test.function, test.errno)
			if err.Error() != test.message {
				t.Errorf("message mismatch:\nwant = %q\ngot  = %q", test.message, err.Error())
			}
			if !errors.Is(err, test.errno) {
				t.Errorf("%v does not match its error code", err)
			}
		})
	}

	if err := iobridge.Wrap("close", iobridge.ESUCCESS); err != nil {
		t.Errorf("wrapping ESUCCESS must return nil, got %v", err)
	}
}

func TestErrnoMatchesFileSystemErrors(t *testing.T) {
	err := &iobridge.IOError{Path: "/tmp/nope", Err: iobridge.Wrap("open", iobridge.ENOENT)}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("%v does not match fs.ErrNotExist", err)
	}
	if want := "/tmp/nope: open failed: ENOENT (no such file or directory)"; err.Error() != want {
		t.Errorf("message mismatch:\nwant = %q\ngot  = %q", want, err.Error())
	}
}

func TestEAI(t *testing.T) {
	err := &iobridge.AddrInfoError{Function: "getaddrinfo", Code: iobridge.EAI_NONAME}
	if want := "getaddrinfo failed: EAI_NONAME (Name or service not known)"; err.Error() != want {
		t.Errorf("message mismatch:\nwant = %q\ngot  = %q", want, err.Error())
	}
	if !errors.Is(err, iobridge.EAI_NONAME) {
		t.Errorf("%v does not match its error code", err)
	}

	unknown := &iobridge.AddrInfoError{Function: "getnameinfo", Code: iobridge.EAI(-999)}
	if want := "getnameinfo failed: GAI_ error -999 (Unknown error)"; unknown.Error() != want {
		t.Errorf("message mismatch:\nwant = %q\ngot  = %q", want, unknown.Error())
	}

	system := &iobridge.AddrInfoError{Function: "getaddrinfo", Code: iobridge.EAI_SYSTEM, Errno: iobridge.EMFILE}
	if !errors.Is(system, iobridge.EMFILE) {
		t.Errorf("%v does not match the system error code", system)
	}
}

func TestMakeErrno(t *testing.T) {
	tests := []struct {
		error error
		errno iobridge.Errno
	}{
		{nil, iobridge.ESUCCESS},
		{syscall.EAGAIN, iobridge.EAGAIN},
		{context.Canceled, iobridge.ECANCELED},
		{context.DeadlineExceeded, iobridge.ETIMEDOUT},
		{io.ErrUnexpectedEOF, iobridge.EIO},
		{fs.ErrClosed, iobridge.EBADF},
		{iobridge.ErrClosed, iobridge.EBADF},
		{&iobridge.ClosedError{Function: "read"}, iobridge.EBADF},
		{syscall.EPERM, iobridge.EPERM},
		{iobridge.EAGAIN, iobridge.EAGAIN},
		{iobridge.Wrap("connect", iobridge.ECONNRESET), iobridge.ECONNRESET},
		{&iobridge.SocketError{Err: iobridge.Wrap("sendto", iobridge.EPIPE)}, iobridge.EPIPE},
		{&iobridge.TimeoutError{Function: "connect"}, iobridge.ETIMEDOUT},
		{os.ErrDeadlineExceeded, iobridge.ETIMEDOUT},
	}

	for _, test := range tests {
		t.Run(fmt.Sprint(test.error), func(t *testing.T) {
			if errno := iobridge.MakeErrno(test.error); errno != test.errno {
				t.Errorf("error mismatch: want=%d got=%d (%s)", test.errno, errno, errno)
			}
		})
	}
}

func TestFailureConversions(t *testing.T) {
	errno := iobridge.Wrap("read", iobridge.EIO)

	ioErr := iobridge.AsIOError(errno)
	var e *iobridge.IOError
	if !errors.As(ioErr, &e) {
		t.Fatalf("%v is not an IOError", ioErr)
	}
	if iobridge.AsIOError(ioErr) != ioErr {
		t.Error("converting an IOError must not wrap it again")
	}
	if !errors.Is(ioErr, iobridge.EIO) {
		t.Errorf("%v does not match its error code", ioErr)
	}

	closed := &iobridge.ClosedError{Function: "read"}
	if iobridge.AsIOError(closed) != error(closed) || iobridge.AsSocketError(closed) != error(closed) {
		t.Error("closed failures must not be converted")
	}

	timeout := &iobridge.TimeoutError{Function: "connect", After: 250 * time.Millisecond}
	if iobridge.AsSocketError(timeout) != error(timeout) {
		t.Error("timeout failures must not be converted")
	}
	if !errors.Is(timeout, os.ErrDeadlineExceeded) {
		t.Error("timeout failures must match os.ErrDeadlineExceeded")
	}
	if want := "connect timed out after 250ms"; timeout.Error() != want {
		t.Errorf("message mismatch:\nwant = %q\ngot  = %q", want, timeout.Error())
	}

	if iobridge.AsIOError(nil) != nil || iobridge.AsSocketError(nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestConnectErrorMessage(t *testing.T) {
	err := &iobridge.ConnectError{
		Addr:  &iobridge.Inet4Address{Port: 80, Addr: [4]byte{10, 0, 0, 1}},
		Local: &iobridge.Inet4Address{Port: 51000, Addr: [4]byte{10, 0, 0, 2}},
		After: 1500 * time.Millisecond,
		Err:   iobridge.Wrap("connect", iobridge.ECONNREFUSED),
	}
	want := "failed to connect to 10.0.0.1 (port 80) from 10.0.0.2 (port 51000) after 1500ms: connect failed: ECONNREFUSED (connection refused)"
	if err.Error() != want {
		t.Errorf("message mismatch:\nwant = %q\ngot  = %q", want, err.Error())
	}
	if !errors.Is(err, iobridge.ECONNREFUSED) {
		t.Errorf("%v does not match its error code", err)
	}
}
