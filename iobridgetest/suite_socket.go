package iobridgetest

import (
	"testing"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

var loopback4 = &iobridge.Inet4Address{Addr: [4]byte{127, 0, 0, 1}}

func makeSocket(t *testing.T, p iobridge.Provider, family, sotype int) int {
	t.Helper()
	fd, errno := p.Socket(family, sotype, 0)
	assertErrno(t, errno, iobridge.ESUCCESS)
	closeAtCleanup(t, p, fd)
	return fd
}

// listenLoopback returns a socket listening on an ephemeral port of the
// IPv4 loopback interface, and its address.
func listenLoopback(t *testing.T, p iobridge.Provider) (int, iobridge.SocketAddress) {
	t.Helper()
	fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)
	assertErrno(t, p.Bind(fd, loopback4), iobridge.ESUCCESS)
	assertErrno(t, p.Listen(fd, 8), iobridge.ESUCCESS)
	addr, errno := p.Getsockname(fd)
	assertErrno(t, errno, iobridge.ESUCCESS)
	return fd, addr
}

func recvAll(t *testing.T, p iobridge.Provider, fd int, n int) string {
	t.Helper()
	buf := make([]byte, n)
	m := 0
	for m < n {
		k, _, errno := p.RecvFrom(fd, buf[m:], 0, false)
		assertErrno(t, errno, iobridge.ESUCCESS)
		if k == 0 {
			break
		}
		m += k
	}
	return string(buf[:m])
}

func sendAll(t *testing.T, p iobridge.Provider, fd int, b []byte) {
	t.Helper()
	for len(b) > 0 {
		n, errno := p.SendTo(fd, b, 0, nil)
		assertErrno(t, errno, iobridge.ESUCCESS)
		b = b[n:]
	}
}

var socket = testSuite{
	"a stream socket reports its type": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)

		sotype, errno := p.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, sotype, unix.SOCK_STREAM)
	},

	"binding to port zero assigns an ephemeral port": func(t *testing.T, p iobridge.Provider) {
		_, addr := listenLoopback(t, p)

		inet, ok := addr.(*iobridge.Inet4Address)
		assertEqual(t, ok, true)
		assertEqual(t, inet.Addr, loopback4.Addr)
		assertEqual(t, inet.Port != 0, true)
	},

	"connecting to a port with no listener is refused": func(t *testing.T, p iobridge.Provider) {
		listener, addr := listenLoopback(t, p)
		assertErrno(t, p.Close(listener), iobridge.ESUCCESS)

		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)
		assertErrno(t, p.Connect(fd, addr), iobridge.ECONNREFUSED)
	},

	"a connection can be accepted and carries bytes both ways": func(t *testing.T, p iobridge.Provider) {
		listener, addr := listenLoopback(t, p)

		client := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)
		assertErrno(t, p.Connect(client, addr), iobridge.ESUCCESS)

		server, peer, errno := p.Accept(listener)
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, server)

		local, errno := p.Getsockname(client)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, peer.String(), local.String())

		remote, errno := p.Getpeername(client)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, remote.String(), addr.String())

		sendAll(t, p, client, []byte("ping"))
		assertEqual(t, recvAll(t, p, server, 4), "ping")
		sendAll(t, p, server, []byte("pong"))
		assertEqual(t, recvAll(t, p, client, 4), "pong")
	},

	"a socket shut down for writing delivers end of stream": func(t *testing.T, p iobridge.Provider) {
		fds, errno := p.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		assertErrno(t, errno, iobridge.ESUCCESS)
		closeAtCleanup(t, p, fds[0], fds[1])

		assertErrno(t, p.Shutdown(fds[0], unix.SHUT_WR), iobridge.ESUCCESS)

		n, _, errno := p.RecvFrom(fds[1], make([]byte, 8), 0, false)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 0)
	},

	"an accept on a non-blocking socket with no connection returns EAGAIN": func(t *testing.T, p iobridge.Provider) {
		listener, _ := listenLoopback(t, p)
		setNonblock(t, p, listener)

		_, _, errno := p.Accept(listener)
		assertErrno(t, errno, iobridge.EAGAIN)
	},

	"datagrams carry the address of their sender": func(t *testing.T, p iobridge.Provider) {
		receiver := makeSocket(t, p, unix.AF_INET, unix.SOCK_DGRAM)
		assertErrno(t, p.Bind(receiver, loopback4), iobridge.ESUCCESS)
		to, errno := p.Getsockname(receiver)
		assertErrno(t, errno, iobridge.ESUCCESS)

		sender := makeSocket(t, p, unix.AF_INET, unix.SOCK_DGRAM)
		assertErrno(t, p.Bind(sender, loopback4), iobridge.ESUCCESS)
		from, errno := p.Getsockname(sender)
		assertErrno(t, errno, iobridge.ESUCCESS)

		n, errno := p.SendTo(sender, []byte("hello"), 0, to)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, n, 5)

		buf := make([]byte, 16)
		n, addr, errno := p.RecvFrom(receiver, buf, 0, true)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, string(buf[:n]), "hello")
		assertEqual(t, addr.String(), from.String())
	},

	"a non-blocking receive with no datagram returns EAGAIN": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_DGRAM)
		assertErrno(t, p.Bind(fd, loopback4), iobridge.ESUCCESS)

		_, _, errno := p.RecvFrom(fd, make([]byte, 8), unix.MSG_DONTWAIT, true)
		assertErrno(t, errno, iobridge.EAGAIN)
	},

	"integer options can be set and read back": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)

		assertErrno(t, p.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1), iobridge.ESUCCESS)
		v, errno := p.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, v, 1)
	},

	"linger can be set and read back": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_STREAM)

		l := unix.Linger{Onoff: 1, Linger: 5}
		assertErrno(t, p.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l), iobridge.ESUCCESS)
		got, errno := p.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, got.Onoff != 0, true)
		assertEqual(t, got.Linger, int32(5))
	},

	"the receive timeout can be set and read back": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_DGRAM)

		tv := unix.Timeval{Sec: 1, Usec: 500000}
		assertErrno(t, p.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, tv), iobridge.ESUCCESS)
		got, errno := p.GetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, got, tv)
	},

	"the multicast ttl is a byte at the ipv4 level": func(t *testing.T, p iobridge.Provider) {
		fd := makeSocket(t, p, unix.AF_INET, unix.SOCK_DGRAM)

		assertErrno(t, p.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 7), iobridge.ESUCCESS)
		v, errno := p.GetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL)
		assertErrno(t, errno, iobridge.ESUCCESS)
		assertEqual(t, v, byte(7))
	},
}
