package iobridge_test

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/iobridge/internal/logging"
	"github.com/stealthrocket/iobridge/iobridgetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// datagramSocket returns a datagram socket bound to an ephemeral loopback
// port, and its address.
func datagramSocket(t *testing.T, b *iobridge.Bridge) (iobridge.Handle, iobridge.SocketAddress) {
	t.Helper()
	h, err := b.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Bind(h, loopback))
	addr, err := b.LocalAddress(h)
	require.NoError(t, err)
	return h, addr
}

func TestSendDatagramRefusedIsIgnored(t *testing.T) {
	buf := new(bytes.Buffer)
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	b.Logger = logging.New(buf, logiface.LevelDebug)

	h, _ := datagramSocket(t, b)
	dest := &iobridge.Inet4Address{Port: 9, Addr: [4]byte{127, 0, 0, 1}}

	for _, errno := range []iobridge.Errno{iobridge.ECONNREFUSED, iobridge.ECONNRESET} {
		p.OnSendTo = func(int, []byte, int, iobridge.SocketAddress) (int, iobridge.Errno, bool) {
			return -1, errno, true
		}
		n, err := b.Send(h, []byte("lost"), 0, dest)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Contains(t, buf.String(), "sendto failed: "+errno.Name())
	}

	p.OnSendTo = func(int, []byte, int, iobridge.SocketAddress) (int, iobridge.Errno, bool) {
		return -1, iobridge.EACCES, true
	}
	_, err := b.Send(h, []byte("denied"), 0, dest)
	var sockErr *iobridge.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.ErrorIs(t, err, iobridge.EACCES)
}

func TestSendStreamWouldBlockSendsNothing(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	pair, err := b.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	p.OnSendTo = func(int, []byte, int, iobridge.SocketAddress) (int, iobridge.Errno, bool) {
		return -1, iobridge.EAGAIN, true
	}
	n, err := b.Send(pair[0], []byte("full"), 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	p.OnSendTo = func(int, []byte, int, iobridge.SocketAddress) (int, iobridge.Errno, bool) {
		return -1, iobridge.ECONNRESET, true
	}
	_, err = b.Send(pair[0], []byte("reset"), 0, nil)
	assert.ErrorIs(t, err, iobridge.ECONNRESET, "resets are only ignored for datagrams with a destination")
}

func TestSendEmptyBufferInConnectedMode(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	pair, err := b.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	p.ResetCalls()
	n, err := b.Send(pair[0], nil, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, p.Calls())
}

func TestSendRetriesInterruptedCalls(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	pair, err := b.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	interrupted := false
	p.OnSendTo = func(int, []byte, int, iobridge.SocketAddress) (int, iobridge.Errno, bool) {
		if interrupted {
			return 0, 0, false
		}
		interrupted = true
		return -1, iobridge.EINTR, true
	}
	n, err := b.Send(pair[0], []byte("again"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRecvStream(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	pair, err := b.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	// An empty buffer does not reach the provider.
	p.ResetCalls()
	n, err := b.Recv(pair[1], nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, p.Calls())

	require.NoError(t, b.SetBlocking(pair[1], false))
	n, err = b.Recv(pair[1], make([]byte, 8), 0)
	require.NoError(t, err, "a receive which would block reports zero bytes")
	assert.Zero(t, n)

	_, err = b.Send(pair[0], []byte("abc"), 0, nil)
	require.NoError(t, err)
	b.Close(pair[0])

	buf := make([]byte, 8)
	n, err = b.Recv(pair[1], buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	_, err = b.Recv(pair[1], buf, 0)
	assert.Equal(t, io.EOF, err)
	_, err = b.Recv(pair[1], buf, 0)
	assert.Equal(t, io.EOF, err)
}

func TestRecvFromReportsSender(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	receiver, to := datagramSocket(t, b)
	sender, from := datagramSocket(t, b)

	n, err := b.Send(sender, []byte("hello"), 0, to)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var packet iobridge.Packet
	buf := make([]byte, 16)
	n, err = b.RecvFrom(receiver, buf, 0, &packet, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, 5, packet.N)
	require.NotNil(t, packet.Addr)
	assert.Equal(t, from.String(), packet.Addr.String())
}

func TestRecvFromConnectedSocketDoesNotAskForTheSender(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	receiver, to := datagramSocket(t, b)
	sender, _ := datagramSocket(t, b)
	_, err := b.Send(sender, []byte("hi"), 0, to)
	require.NoError(t, err)

	var wanted []bool
	p.OnRecvFrom = func(fd int, buf []byte, flags int, wantAddr bool) (int, iobridge.SocketAddress, iobridge.Errno, bool) {
		wanted = append(wanted, wantAddr)
		return 0, nil, 0, false
	}

	var packet iobridge.Packet
	n, err := b.RecvFrom(receiver, make([]byte, 8), 0, &packet, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, packet.N)
	assert.Nil(t, packet.Addr)
	assert.Equal(t, []bool{false}, wanted)
}

func TestRecvFromMappedSender(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	h, err := b.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)

	p.OnRecvFrom = func(fd int, buf []byte, flags int, wantAddr bool) (int, iobridge.SocketAddress, iobridge.Errno, bool) {
		n := copy(buf, "mapped")
		return n, &iobridge.Inet6Address{Port: 53, Addr: netip.MustParseAddr("::ffff:10.0.0.1").As16()}, 0, true
	}
	p.OnPoll = func(fds []iobridge.PollFd, _ int) (int, iobridge.Errno, bool) {
		fds[0].Revents = unix.POLLIN
		return 1, 0, true
	}

	var packet iobridge.Packet
	_, err = b.RecvFrom(h, make([]byte, 8), 0, &packet, false)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:53", packet.Addr.String())
}

func TestRecvFromWouldBlockIsTimeout(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	h, _ := datagramSocket(t, b)
	_, err := b.RecvFrom(h, make([]byte, 8), unix.MSG_DONTWAIT, nil, false)
	var timeout *iobridge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "recvfrom", timeout.Function)
	assert.Zero(t, count(p.Calls(), "poll"))
}

func TestRecvFromTimeout(t *testing.T) {
	start := time.Unix(0, 0)
	clock := iobridgetest.NewClock(start)
	p := &iobridgetest.Provider{Clock: clock, PollStep: 10 * time.Millisecond}
	b := newBridge(t, p)
	b.Now = clock.Now

	h, _ := datagramSocket(t, b)
	require.NoError(t, b.SetOption(h, iobridge.RecvTimeout, iobridge.DurationValue(25*time.Millisecond)))

	_, err := b.RecvFrom(h, make([]byte, 8), 0, nil, false)
	var timeout *iobridge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 25*time.Millisecond, timeout.After)
	assert.Equal(t, 25*time.Millisecond, clock.Now().Sub(start))

	// On the receive path which must read, the expiration is zero bytes.
	n, err := b.Recv(h, make([]byte, 8), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecvFromPortUnreachable(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	h, _ := datagramSocket(t, b)
	require.NoError(t, b.SetBlocking(h, false))
	p.OnRecvFrom = func(int, []byte, int, bool) (int, iobridge.SocketAddress, iobridge.Errno, bool) {
		return -1, nil, iobridge.ECONNREFUSED, true
	}

	_, err := b.RecvFrom(h, make([]byte, 8), 0, nil, true)
	var unreachable *iobridge.PortUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.ErrorIs(t, err, iobridge.ECONNREFUSED)

	_, err = b.RecvFrom(h, make([]byte, 8), 0, nil, false)
	assert.False(t, errors.As(err, &unreachable), "only connected sockets report unreachable ports")
	assert.ErrorIs(t, err, iobridge.ECONNREFUSED)
}

func TestRecvFromEmptyBufferDiscardsDatagram(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	receiver, to := datagramSocket(t, b)
	sender, _ := datagramSocket(t, b)
	for _, msg := range []string{"first", "second"} {
		_, err := b.Send(sender, []byte(msg), 0, to)
		require.NoError(t, err)
	}

	n, err := b.RecvFrom(receiver, nil, 0, nil, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	buf := make([]byte, 16)
	n, err = b.RecvFrom(receiver, buf, 0, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]))
}

func TestRecvInterruptedByClose(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	h, _ := datagramSocket(t, b)
	done := make(chan error)
	go func() {
		_, err := b.RecvFrom(h, make([]byte, 8), 0, nil, false)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Pollers() == 1 }, 5*time.Second, time.Millisecond)

	b.Close(h)
	assert.ErrorIs(t, <-done, iobridge.ErrClosed)
}
