package iobridgetest

import (
	"maps"
	"slices"
	"testing"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// MakeProvider constructs the provider that a test of the suite runs against.
type MakeProvider func(*testing.T) iobridge.Provider

// TestProvider is a test suite which validates the behavior of
// iobridge.Provider implementations.
func TestProvider(t *testing.T, makeProvider MakeProvider) {
	t.Run("pipe", pipe.runFunc(makeProvider))
	t.Run("poll", poll.runFunc(makeProvider))
	t.Run("socket", socket.runFunc(makeProvider))
}

type testFunc func(*testing.T, iobridge.Provider)

type testSuite map[string]testFunc

func (tests testSuite) runFunc(makeProvider MakeProvider) func(*testing.T) {
	return func(t *testing.T) { tests.run(t, makeProvider) }
}

func (tests testSuite) run(t *testing.T, makeProvider MakeProvider) {
	for _, name := range slices.Sorted(maps.Keys(tests)) {
		t.Run(name, func(t *testing.T) {
			tests[name](t, makeProvider(t))
		})
	}
}

func assertEqual[T comparable](t *testing.T, got, want T) {
	if got != want {
		t.Helper()
		t.Fatalf("%T values mismatch\nwant = %+v\ngot  = %+v", want, want, got)
	}
}

func assertErrno(t *testing.T, got, want iobridge.Errno) {
	if got != want {
		t.Helper()
		t.Fatalf("errno mismatch\nwant = %s\ngot  = %s", want.Name(), got.Name())
	}
}

// closeAtCleanup closes the descriptors when the test ends.
func closeAtCleanup(t *testing.T, p iobridge.Provider, fds ...int) {
	t.Cleanup(func() {
		for _, fd := range fds {
			p.Close(fd)
		}
	})
}

func makePipe(t *testing.T, p iobridge.Provider) (r, w int) {
	t.Helper()
	r, w, errno := p.Pipe()
	assertErrno(t, errno, iobridge.ESUCCESS)
	closeAtCleanup(t, p, r, w)
	return r, w
}

func setNonblock(t *testing.T, p iobridge.Provider, fd int) {
	t.Helper()
	flags, errno := p.Fcntl(fd, unix.F_GETFL, 0)
	assertErrno(t, errno, iobridge.ESUCCESS)
	_, errno = p.Fcntl(fd, unix.F_SETFL, flags|unix.O_NONBLOCK)
	assertErrno(t, errno, iobridge.ESUCCESS)
}

var pipe = testSuite{
	"bytes written can be read back": func(t *testing.T, p iobridge.Provider) {
		r, w := makePipe(t, p)

		n, errno := p.Write(w, []byte("Hello, World!"))
		assertErrno(t, errno, iobridge.ESUCCESS)

		buf := make([]byte, 32)
		m := 0
		for m < n {
			k, errno := p.Read(r, buf[m:n])
			assertErrno(t, errno, iobridge.ESUCCESS)
			m += k
		}
		assertEqual(t, string(buf[:m]), "Hello, World!"[:n])
	},

	"reading after the write end was closed returns zero": func(t *testing.T, p iobridge.Provider) {
		r, w, errno := p.Pipe()
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, r)
		assertErrno(t, p.Close(w), iobridge.ESUCCESS)

		buf := make([]byte, 8)
		for i := 0; i < 2; i++ {
			n, errno := p.Read(r, buf)
			assertErrno(t, errno, iobridge.ESUCCESS)
			assertEqual(t, n, 0)
		}
	},

	"reading from an empty non-blocking pipe returns EAGAIN": func(t *testing.T, p iobridge.Provider) {
		r, _ := makePipe(t, p)
		setNonblock(t, p, r)

		flags, errno := p.Fcntl(r, unix.F_GETFL, 0)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, flags&unix.O_NONBLOCK != 0, true)

		_, errno = p.Read(r, make([]byte, 8))
		assertErrno(t, errno, iobridge.EAGAIN)
	},

	"writing to a pipe with no reader returns EPIPE": func(t *testing.T, p iobridge.Provider) {
		r, w, errno := p.Pipe()
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, w)
		assertErrno(t, p.Close(r), iobridge.ESUCCESS)

		_, errno = p.Write(w, []byte("x"))
		assertErrno(t, errno, iobridge.EPIPE)
	},

	"FIONREAD reports the number of buffered bytes": func(t *testing.T, p iobridge.Provider) {
		r, w := makePipe(t, p)

		n, errno := p.IoctlInt(r, iobridge.FIONREAD)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 0)

		written, errno := p.Write(w, []byte("abc"))
		assertErrno(t, errno, iobridge.ESUCCESS)

		n, errno = p.IoctlInt(r, iobridge.FIONREAD)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, written)
	},

	"a duplicated descriptor shares the pipe": func(t *testing.T, p iobridge.Provider) {
		r, w := makePipe(t, p)

		dup, errno := p.Dup(w)
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, dup)

		_, errno = p.Write(dup, []byte("!"))
		assertErrno(t, errno, iobridge.ESUCCESS)

		buf := make([]byte, 1)
		n, errno := p.Read(r, buf)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 1)
		assertEqual(t, buf[0], '!')
	},

	"a pipe is not a directory": func(t *testing.T, p iobridge.Provider) {
		r, _ := makePipe(t, p)

		stat, errno := p.Fstat(r)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, stat.IsDir(), false)
	},

	"closing a descriptor twice returns EBADF": func(t *testing.T, p iobridge.Provider) {
		r, w, errno := p.Pipe()
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertErrno(t, p.Close(w), iobridge.ESUCCESS)
		assertErrno(t, p.Close(r), iobridge.ESUCCESS)
		assertErrno(t, p.Close(r), iobridge.EBADF)
	},

	"a pipe is not a socket": func(t *testing.T, p iobridge.Provider) {
		r, _ := makePipe(t, p)

		_, errno := p.GetsockoptInt(r, unix.SOL_SOCKET, unix.SO_TYPE)
		assertErrno(t, errno, iobridge.ENOTSOCK)
	},
}

var poll = testSuite{
	"a zero timeout returns immediately when nothing is ready": func(t *testing.T, p iobridge.Provider) {
		r, _ := makePipe(t, p)

		fds := []iobridge.PollFd{{Fd: r, Events: unix.POLLIN}}
		n, errno := p.Poll(fds, 0)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 0)
		assertEqual(t, fds[0].Revents, 0)
	},

	"a pipe with data is readable": func(t *testing.T, p iobridge.Provider) {
		r, w := makePipe(t, p)

		_, errno := p.Write(w, []byte("x"))
		assertErrno(t, errno, iobridge.ESUCCESS)

		fds := []iobridge.PollFd{{Fd: r, Events: unix.POLLIN}}
		n, errno := p.Poll(fds, -1)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 1)
		assertEqual(t, fds[0].Revents&unix.POLLIN, unix.POLLIN)
	},

	"closing the write end wakes up the read end": func(t *testing.T, p iobridge.Provider) {
		r, w, errno := p.Pipe()
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, r)

		done := make(chan []iobridge.PollFd)
		go func() {
			fds := []iobridge.PollFd{{Fd: r, Events: unix.POLLIN}}
			p.Poll(fds, 10000)
			done <- fds
		}()
		assertErrno(t, p.Close(w), iobridge.ESUCCESS)

		fds := <-done
		assertEqual(t, fds[0].Revents&unix.POLLHUP, unix.POLLHUP)
	},

	"a timeout expires": func(t *testing.T, p iobridge.Provider) {
		r, _ := makePipe(t, p)

		fds := []iobridge.PollFd{{Fd: r, Events: unix.POLLIN}}
		n, errno := p.Poll(fds, 10)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 0)
	},
}
