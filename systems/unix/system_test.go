package unix_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/iobridge/iobridgetest"
	"github.com/stealthrocket/iobridge/systems/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sysunix "golang.org/x/sys/unix"
)

func TestProvider(t *testing.T) {
	iobridgetest.TestProvider(t, func(*testing.T) iobridge.Provider {
		return new(unix.Provider)
	})
}

func newBridge(t *testing.T) *iobridge.Bridge {
	b := &iobridge.Bridge{Provider: new(unix.Provider)}
	t.Cleanup(b.CloseAll)
	return b
}

var loopback = &iobridge.Inet4Address{Addr: [4]byte{127, 0, 0, 1}}

func listen(t *testing.T, b *iobridge.Bridge) (iobridge.Handle, iobridge.SocketAddress) {
	t.Helper()
	h, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Bind(h, loopback))
	require.NoError(t, b.Listen(h, 8))
	addr, err := b.LocalAddress(h)
	require.NoError(t, err)
	return h, addr
}

func TestLoopbackConnection(t *testing.T) {
	b := newBridge(t)
	listener, addr := listen(t, b)

	client, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Connect(client, addr, time.Second))

	server, peer, err := b.Accept(listener)
	require.NoError(t, err)
	local, err := b.LocalAddress(client)
	require.NoError(t, err)
	assert.Equal(t, local.String(), peer.String())

	n, err := b.Write(client, []byte("hello"), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, b.ShutdownSocket(client, sysunix.SHUT_WR))

	buf := make([]byte, 16)
	var got []byte
	for {
		n, err := b.Recv(server, buf, 0)
		if err != nil {
			break
		}
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hello", string(got))
}

func TestConnectRefused(t *testing.T) {
	b := newBridge(t)
	listener, addr := listen(t, b)
	b.Close(listener)

	h, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_STREAM, 0)
	require.NoError(t, err)
	err = b.Connect(h, addr, time.Second)
	var connectErr *iobridge.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.ErrorIs(t, err, iobridge.ECONNREFUSED)
}

func TestCloseInterruptsAccept(t *testing.T) {
	b := newBridge(t)
	listener, _ := listen(t, b)

	done := make(chan error)
	go func() {
		_, _, err := b.Accept(listener)
		done <- err
	}()

	// Give the goroutine a chance to block in poll; close must interrupt it
	// whether or not it got there.
	time.Sleep(10 * time.Millisecond)
	b.Close(listener)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, iobridge.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("accept was not interrupted by close")
	}
}

func TestPollPipeWithZeroTimeout(t *testing.T) {
	b := newBridge(t)
	r, w, err := b.Pipe()
	require.NoError(t, err)

	revents, err := b.Poll(r, sysunix.POLLIN, 0)
	require.NoError(t, err)
	assert.Zero(t, revents)

	_, err = b.Write(w, []byte("x"), 0, 1)
	require.NoError(t, err)

	revents, err = b.Poll(r, sysunix.POLLIN, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(sysunix.POLLIN), revents&sysunix.POLLIN)
}

func TestCloseInterruptsBlockedPipeWrite(t *testing.T) {
	b := newBridge(t)
	_, w, err := b.Pipe()
	require.NoError(t, err)

	data := make([]byte, 1<<20)
	type result struct {
		n   int
		err error
	}
	done := make(chan result)
	go func() {
		n, err := b.Write(w, data, 0, len(data))
		done <- result{n, err}
	}()

	time.Sleep(50 * time.Millisecond)
	b.Close(w)

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, iobridge.ErrClosed)
		assert.Less(t, res.n, len(data))
	case <-time.After(5 * time.Second):
		t.Fatal("write was not interrupted by close")
	}
}

func TestDatagrams(t *testing.T) {
	b := newBridge(t)

	receiver, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Bind(receiver, loopback))
	to, err := b.LocalAddress(receiver)
	require.NoError(t, err)

	sender, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, b.Bind(sender, loopback))
	from, err := b.LocalAddress(sender)
	require.NoError(t, err)

	_, err = b.Send(sender, []byte("ping"), 0, to)
	require.NoError(t, err)

	var packet iobridge.Packet
	buf := make([]byte, 16)
	n, err := b.RecvFrom(receiver, buf, 0, &packet, false)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, from.String(), packet.Addr.String())

	require.NoError(t, b.SetOption(receiver, iobridge.RecvTimeout, iobridge.DurationValue(20*time.Millisecond)))
	_, err = b.RecvFrom(receiver, buf, 0, &packet, false)
	var timeout *iobridge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 20*time.Millisecond, timeout.After)
}

func TestSocketOptions(t *testing.T) {
	b := newBridge(t)
	h, err := b.Socket(sysunix.AF_INET, sysunix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, b.SetOption(h, iobridge.TCPNoDelay, iobridge.BoolValue(true)))
	v, err := b.GetOption(h, iobridge.TCPNoDelay)
	require.NoError(t, err)
	assert.Equal(t, iobridge.BoolValue(true), v)

	require.NoError(t, b.SetOption(h, iobridge.Linger, iobridge.Int32Value(5)))
	v, err = b.GetOption(h, iobridge.Linger)
	require.NoError(t, err)
	assert.Equal(t, iobridge.Int32Value(5), v)

	require.NoError(t, b.SetOption(h, iobridge.Linger, iobridge.BoolValue(false)))
	v, err = b.GetOption(h, iobridge.Linger)
	require.NoError(t, err)
	assert.Equal(t, iobridge.BoolValue(false), v)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	b := newBridge(t)
	h, err := b.Open(path, sysunix.O_RDONLY)
	require.NoError(t, err)

	n, err := b.Available(h)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)

	buf := make([]byte, 32)
	n, err = b.Read(h, buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	_, err = b.Open(filepath.Dir(path), sysunix.O_RDONLY)
	assert.ErrorIs(t, err, iobridge.EISDIR)

	_, err = b.Open(filepath.Join(filepath.Dir(path), "missing"), sysunix.O_RDONLY)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
