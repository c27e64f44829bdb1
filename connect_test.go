package iobridge_test

import (
	"testing"
	"time"

	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/iobridge/iobridgetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func isBlocking(t *testing.T, p iobridge.Provider, fd int) bool {
	t.Helper()
	flags, errno := p.Fcntl(fd, unix.F_GETFL, 0)
	require.Equal(t, iobridge.ESUCCESS, errno)
	return flags&unix.O_NONBLOCK == 0
}

func TestConnectTimeoutBoundaries(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		delay   time.Duration
		ok      bool
	}{
		// The connection is established on the fifth poll, 50ms after the
		// connect started.
		{timeout: 51 * time.Millisecond, ok: true},
		{timeout: 50 * time.Millisecond, ok: true},
		{timeout: 49 * time.Millisecond, ok: false},
		// Less than a millisecond is left after the fifth poll.
		{timeout: 50*time.Millisecond + 500*time.Microsecond, delay: 50*time.Millisecond + 200*time.Microsecond, ok: true},
	}

	for _, test := range tests {
		t.Run(test.timeout.String(), func(t *testing.T) {
			delay := test.delay
			if delay == 0 {
				delay = 50 * time.Millisecond
			}
			start := time.Unix(1e9, 0)
			clock := iobridgetest.NewClock(start)
			p := &iobridgetest.Provider{
				Clock:        clock,
				PollStep:     10 * time.Millisecond,
				ConnectDelay: delay,
			}
			b := newBridge(t, p)
			b.Now = clock.Now

			_, addr := listen(t, b)
			h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
			require.NoError(t, err)

			err = b.Connect(h, addr, test.timeout)
			if test.ok {
				require.NoError(t, err)
				peer, err := b.PeerAddress(h)
				require.NoError(t, err)
				assert.Equal(t, addr.String(), peer.String())
			} else {
				var timeout *iobridge.TimeoutError
				require.ErrorAs(t, err, &timeout)
				assert.Equal(t, "connect", timeout.Function)
				assert.Equal(t, test.timeout, timeout.After)
				assert.Equal(t, test.timeout, clock.Now().Sub(start))
			}
			assert.True(t, isBlocking(t, p, fdOf(t, b, h)), "blocking mode was not restored")
		})
	}
}

func TestConnectDirect(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	listener, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Connect(h, addr, 0))

	server, peer, err := b.Accept(listener)
	require.NoError(t, err)
	local, err := b.LocalAddress(h)
	require.NoError(t, err)
	assert.Equal(t, local.String(), peer.String())

	_, err = b.Send(h, []byte("ping"), 0, nil)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := b.Recv(server, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestConnectDirectInterrupted(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	_, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	results := []iobridge.Errno{iobridge.EINTR, iobridge.EINTR, iobridge.EISCONN}
	p.OnConnect = func(int, iobridge.SocketAddress) (iobridge.Errno, bool) {
		errno := results[0]
		results = results[1:]
		return errno, true
	}
	require.NoError(t, b.Connect(h, addr, 0))
	assert.Empty(t, results)
}

func TestConnectRefused(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		t.Run(timeout.String(), func(t *testing.T) {
			p := new(iobridgetest.Provider)
			b := newBridge(t, p)

			listener, addr := listen(t, b)
			b.Close(listener)

			h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
			require.NoError(t, err)

			err = b.Connect(h, addr, timeout)
			var connectErr *iobridge.ConnectError
			require.ErrorAs(t, err, &connectErr)
			assert.ErrorIs(t, err, iobridge.ECONNREFUSED)
			assert.Equal(t, addr.String(), connectErr.Addr.String())
			assert.Equal(t, timeout, connectErr.After)
			assert.True(t, isBlocking(t, p, fdOf(t, b, h)))
		})
	}
}

func TestConnectPendingError(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	_, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	p.OnGetsockoptInt = func(fd, level, name int) (int, iobridge.Errno, bool) {
		return int(unix.ECONNREFUSED), iobridge.ESUCCESS, level == unix.SOL_SOCKET && name == unix.SO_ERROR
	}

	err = b.Connect(h, addr, time.Second)
	assert.EqualError(t, err, "failed to connect to 127.0.0.1 (port 49152) from 127.0.0.1 (port 49153) after 1000ms: connect failed: ECONNREFUSED (connection refused)")
	assert.True(t, isBlocking(t, p, fdOf(t, b, h)))
}

func TestConnectNoRoute(t *testing.T) {
	tests := []struct {
		errno  iobridge.Errno
		reason string
	}{
		{iobridge.EHOSTUNREACH, "Host unreachable"},
		{iobridge.EADDRNOTAVAIL, "Address not available"},
	}

	for _, test := range tests {
		t.Run(test.errno.Name(), func(t *testing.T) {
			p := &iobridgetest.Provider{
				OnConnect: func(int, iobridge.SocketAddress) (iobridge.Errno, bool) {
					return test.errno, true
				},
			}
			b := newBridge(t, p)
			h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
			require.NoError(t, err)

			err = b.Connect(h, &iobridge.Inet4Address{Port: 80, Addr: [4]byte{192, 0, 2, 1}}, 0)
			var noRoute *iobridge.NoRouteError
			require.ErrorAs(t, err, &noRoute)
			assert.Equal(t, test.reason, noRoute.Error())
			assert.ErrorIs(t, err, test.errno)
		})
	}
}

func TestConnectTimedImmediateOutcomes(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	addr := &iobridge.Inet4Address{Port: 80, Addr: [4]byte{192, 0, 2, 1}}

	p.OnConnect = func(int, iobridge.SocketAddress) (iobridge.Errno, bool) {
		return iobridge.ESUCCESS, true
	}
	require.NoError(t, b.Connect(h, addr, time.Second))
	assert.Zero(t, count(p.Calls(), "poll"))
	assert.True(t, isBlocking(t, p, fdOf(t, b, h)))

	p.OnConnect = func(int, iobridge.SocketAddress) (iobridge.Errno, bool) {
		return iobridge.ETIMEDOUT, true
	}
	err = b.Connect(h, addr, time.Second)
	var timeout *iobridge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, iobridge.ETIMEDOUT)
	assert.True(t, isBlocking(t, p, fdOf(t, b, h)))
}

func TestConnectKeepsNonBlockingMode(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	_, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.SetBlocking(h, false))

	require.NoError(t, b.Connect(h, addr, time.Second))
	assert.False(t, isBlocking(t, p, fdOf(t, b, h)))
}

func TestConnectInterruptedByClose(t *testing.T) {
	clock := iobridgetest.NewClock(time.Unix(0, 0))
	p := &iobridgetest.Provider{
		Clock:        clock,
		PollStep:     10 * time.Millisecond,
		ConnectDelay: time.Hour,
	}
	b := newBridge(t, p)
	b.Now = clock.Now

	_, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fd := fdOf(t, b, h)

	polls := 0
	p.OnPoll = func([]iobridge.PollFd, int) (int, iobridge.Errno, bool) {
		polls++
		if polls == 3 {
			b.Close(h)
		}
		return 0, 0, false
	}

	err = b.Connect(h, addr, time.Minute)
	assert.ErrorIs(t, err, iobridge.ErrClosed)
	assert.Equal(t, 3, polls)
	assert.False(t, p.IsOpen(fd))
}

func TestConnectIsNotReentrant(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	_, addr := listen(t, b)
	h, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	p.OnConnect = func(int, iobridge.SocketAddress) (iobridge.Errno, bool) {
		close(entered)
		<-proceed
		return 0, false
	}

	done := make(chan error)
	go func() { done <- b.Connect(h, addr, 0) }()
	<-entered

	err = b.Connect(h, addr, 0)
	var sockErr *iobridge.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.ErrorIs(t, err, iobridge.EALREADY)

	close(proceed)
	require.NoError(t, <-done)
}
