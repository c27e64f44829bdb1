package iobridgetest

import (
	"time"

	"github.com/eapache/queue"
	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

type sock struct {
	family int
	sotype int
	refs   int
	closed bool

	local  iobridge.SocketAddress
	remote iobridge.SocketAddress

	listening bool
	backlog   *queue.Queue // of *sock

	// Stream sockets read from in, and write to the in stream of their
	// peer. Datagram socket pairs also reference their peer.
	in   *stream
	peer *sock

	// Pending non-blocking connect, completed by poll.
	connecting *sock
	readyAt    time.Time
	soerror    int

	datagrams *queue.Queue // of datagram

	shutRd bool
	shutWr bool

	options map[optionKey]any
}

type datagram struct {
	data []byte
	from iobridge.SocketAddress
}

type optionKey struct {
	level int
	name  int
}

func newSock(family, sotype int) *sock {
	s := &sock{
		family:  family,
		sotype:  sotype,
		refs:    1,
		options: make(map[optionKey]any),
	}
	if sotype == unix.SOCK_DGRAM {
		s.datagrams = queue.New()
	}
	return s
}

// pending returns the number of bytes that can be read without blocking.
func (s *sock) pending() int {
	switch {
	case s.in != nil:
		return s.in.size
	case s.datagrams != nil && s.datagrams.Length() > 0:
		return len(s.datagrams.Peek().(datagram).data)
	default:
		return 0
	}
}

func link(a, b *sock) {
	a.in, b.in = newStream(), newStream()
	a.peer, b.peer = b, a
}

func (p *Provider) shutdownRead(s *sock) {
	if !s.shutRd {
		s.shutRd = true
		if s.in != nil {
			s.in.readers--
		}
	}
}

func (p *Provider) shutdownWrite(s *sock) {
	if !s.shutWr {
		s.shutWr = true
		if s.peer != nil && s.peer.in != nil {
			s.peer.in.writers--
		}
	}
}

func (p *Provider) closeSocket(s *sock) {
	p.shutdownRead(s)
	p.shutdownWrite(s)
	s.closed = true
	if s.backlog != nil {
		for s.backlog.Length() > 0 {
			p.closeSocket(s.backlog.Remove().(*sock))
		}
	}
	if s.local != nil {
		if key := addrKey(s.local); p.bound[key] == s {
			delete(p.bound, key)
		}
	}
}

func addrKey(addr iobridge.SocketAddress) string {
	return addr.Network() + " " + addr.String()
}

// lookup returns the socket bound to addr, or to the wildcard address of the
// same port.
func (p *Provider) lookup(addr iobridge.SocketAddress) *sock {
	if s := p.bound[addrKey(addr)]; s != nil {
		return s
	}
	switch a := addr.(type) {
	case *iobridge.Inet4Address:
		return p.bound[addrKey(&iobridge.Inet4Address{Port: a.Port})]
	case *iobridge.Inet6Address:
		return p.bound[addrKey(&iobridge.Inet6Address{Port: a.Port})]
	}
	return nil
}

func (p *Provider) ephemeral(addr iobridge.SocketAddress) iobridge.SocketAddress {
	switch a := addr.(type) {
	case *iobridge.Inet4Address:
		if a.Port == 0 {
			c := *a
			c.Port = p.port()
			return &c
		}
	case *iobridge.Inet6Address:
		if a.Port == 0 {
			c := *a
			c.Port = p.port()
			return &c
		}
	}
	return addr
}

func (p *Provider) port() int {
	port := p.nextPort
	p.nextPort++
	return port
}

// autoBind binds s to an ephemeral loopback address if it has no local
// address yet.
func (p *Provider) autoBind(s *sock) {
	if s.local != nil {
		return
	}
	switch s.family {
	case unix.AF_INET:
		s.local = &iobridge.Inet4Address{Port: p.port(), Addr: [4]byte{127, 0, 0, 1}}
	case unix.AF_INET6:
		s.local = &iobridge.Inet6Address{Port: p.port(), Addr: [16]byte{15: 1}}
	default:
		s.local = &iobridge.UnixAddress{}
		return
	}
	p.bound[addrKey(s.local)] = s
}

func unspecified(family int) iobridge.SocketAddress {
	switch family {
	case unix.AF_INET:
		return &iobridge.Inet4Address{}
	case unix.AF_INET6:
		return &iobridge.Inet6Address{}
	default:
		return &iobridge.UnixAddress{}
	}
}

// socket returns the descriptor of the socket fd. Must be called with the lock
// held.
func (p *Provider) socket(fd int) (*descriptor, iobridge.Errno) {
	d, ok := p.fds[fd]
	switch {
	case !ok:
		return nil, iobridge.EBADF
	case d.sock == nil:
		return nil, iobridge.ENOTSOCK
	default:
		return d, iobridge.ESUCCESS
	}
}

func (p *Provider) Socket(family, sotype, proto int) (int, iobridge.Errno) {
	p.enter("socket")
	p.lock()
	defer p.unlock()

	switch family {
	case unix.AF_INET, unix.AF_INET6, unix.AF_UNIX:
	default:
		return -1, iobridge.EAFNOSUPPORT
	}
	switch sotype {
	case unix.SOCK_STREAM, unix.SOCK_DGRAM:
	default:
		return -1, iobridge.Errno(unix.EPROTONOSUPPORT)
	}
	return p.insert(&descriptor{flags: unix.O_RDWR, sock: newSock(family, sotype)}), iobridge.ESUCCESS
}

func (p *Provider) Socketpair(family, sotype, proto int) ([2]int, iobridge.Errno) {
	p.enter("socketpair")
	p.lock()
	defer p.unlock()

	if family != unix.AF_UNIX {
		return [2]int{-1, -1}, iobridge.ENOTSUP
	}
	a, b := newSock(family, sotype), newSock(family, sotype)
	a.local, a.remote = &iobridge.UnixAddress{}, &iobridge.UnixAddress{}
	b.local, b.remote = &iobridge.UnixAddress{}, &iobridge.UnixAddress{}
	switch sotype {
	case unix.SOCK_STREAM:
		link(a, b)
	case unix.SOCK_DGRAM:
		a.peer, b.peer = b, a
	default:
		return [2]int{-1, -1}, iobridge.Errno(unix.EPROTONOSUPPORT)
	}
	return [2]int{
		p.insert(&descriptor{flags: unix.O_RDWR, sock: a}),
		p.insert(&descriptor{flags: unix.O_RDWR, sock: b}),
	}, iobridge.ESUCCESS
}

func (p *Provider) Bind(fd int, addr iobridge.SocketAddress) iobridge.Errno {
	p.enter("bind")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return errno
	}
	s := d.sock
	if s.local != nil {
		return iobridge.EINVAL
	}
	if addr.Family() != s.family {
		return iobridge.EAFNOSUPPORT
	}
	addr = p.ephemeral(addr)
	key := addrKey(addr)
	if p.bound[key] != nil {
		return iobridge.EADDRINUSE
	}
	p.bound[key] = s
	s.local = addr
	return iobridge.ESUCCESS
}

func (p *Provider) Listen(fd, backlog int) iobridge.Errno {
	p.enter("listen")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return errno
	}
	s := d.sock
	if s.sotype != unix.SOCK_STREAM {
		return iobridge.ENOTSUP
	}
	if s.in != nil {
		return iobridge.EINVAL
	}
	p.autoBind(s)
	s.listening = true
	if s.backlog == nil {
		s.backlog = queue.New()
	}
	return iobridge.ESUCCESS
}

func (p *Provider) Accept(fd int) (int, iobridge.SocketAddress, iobridge.Errno) {
	p.enter("accept")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return -1, nil, errno
	}
	s := d.sock
	if !s.listening {
		return -1, nil, iobridge.EINVAL
	}
	for {
		if s.backlog.Length() > 0 {
			c := s.backlog.Remove().(*sock)
			c.refs = 1
			return p.insert(&descriptor{flags: unix.O_RDWR, sock: c}), c.remote, iobridge.ESUCCESS
		}
		if s.shutRd {
			return -1, nil, iobridge.EINVAL
		}
		if d.flags&unix.O_NONBLOCK != 0 {
			return -1, nil, iobridge.EAGAIN
		}
		p.cond.Wait()
	}
}

func (p *Provider) Connect(fd int, addr iobridge.SocketAddress) iobridge.Errno {
	p.enter("connect")
	if p.OnConnect != nil {
		if errno, ok := p.OnConnect(fd, addr); ok {
			return errno
		}
	}
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return errno
	}
	s := d.sock
	if s.sotype == unix.SOCK_DGRAM {
		p.autoBind(s)
		s.remote = addr
		return iobridge.ESUCCESS
	}
	switch {
	case s.in != nil, s.listening:
		return iobridge.EISCONN
	case s.connecting != nil:
		return iobridge.EALREADY
	}
	target := p.lookup(addr)
	if target == nil || !target.listening || target.sotype != s.sotype {
		return iobridge.ECONNREFUSED
	}
	p.autoBind(s)
	s.remote = addr

	if d.flags&unix.O_NONBLOCK != 0 {
		if p.Clock != nil && p.ConnectDelay > 0 {
			s.connecting = target
			s.readyAt = p.Clock.Now().Add(p.ConnectDelay)
		} else {
			p.establish(s, target)
		}
		return iobridge.EINPROGRESS
	}
	if p.Clock != nil && p.ConnectDelay > 0 {
		p.Clock.Advance(p.ConnectDelay)
	}
	p.establish(s, target)
	return iobridge.ESUCCESS
}

// establish connects client to a new socket queued on the backlog of
// listener.
func (p *Provider) establish(client, listener *sock) {
	server := newSock(listener.family, listener.sotype)
	server.refs = 0
	server.local = client.remote
	server.remote = client.local
	link(client, server)
	listener.backlog.Add(server)
	p.cond.Broadcast()
}

func (p *Provider) Shutdown(fd, how int) iobridge.Errno {
	p.enter("shutdown")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return errno
	}
	s := d.sock
	switch how {
	case unix.SHUT_RD:
		p.shutdownRead(s)
	case unix.SHUT_WR:
		p.shutdownWrite(s)
	case unix.SHUT_RDWR:
		p.shutdownRead(s)
		p.shutdownWrite(s)
	default:
		return iobridge.EINVAL
	}
	p.cond.Broadcast()
	if s.sotype == unix.SOCK_STREAM && s.in == nil && !s.listening {
		return iobridge.ENOTCONN
	}
	return iobridge.ESUCCESS
}

func (p *Provider) Getsockname(fd int) (iobridge.SocketAddress, iobridge.Errno) {
	p.enter("getsockname")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return nil, errno
	}
	if d.sock.local == nil {
		return unspecified(d.sock.family), iobridge.ESUCCESS
	}
	return d.sock.local, iobridge.ESUCCESS
}

func (p *Provider) Getpeername(fd int) (iobridge.SocketAddress, iobridge.Errno) {
	p.enter("getpeername")
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return nil, errno
	}
	s := d.sock
	if s.remote == nil || (s.sotype == unix.SOCK_STREAM && s.in == nil) {
		return nil, iobridge.ENOTCONN
	}
	return s.remote, iobridge.ESUCCESS
}

func (p *Provider) SendTo(fd int, b []byte, flags int, addr iobridge.SocketAddress) (int, iobridge.Errno) {
	p.enter("sendto")
	if p.OnSendTo != nil {
		if n, errno, ok := p.OnSendTo(fd, b, flags, addr); ok {
			return n, errno
		}
	}
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return -1, errno
	}
	return p.sendTo(d, b, addr)
}

func (p *Provider) sendTo(d *descriptor, b []byte, addr iobridge.SocketAddress) (int, iobridge.Errno) {
	s := d.sock
	if s.shutWr {
		return -1, iobridge.EPIPE
	}
	if s.sotype == unix.SOCK_STREAM {
		if s.in == nil {
			return -1, iobridge.ENOTCONN
		}
		return p.writeStream(s.peer.in, b)
	}

	target := s.peer
	if addr != nil {
		target = nil
	} else if target == nil {
		if s.remote == nil {
			return -1, iobridge.ENOTCONN
		}
		addr = s.remote
	}
	p.autoBind(s)
	if target == nil {
		target = p.lookup(addr)
	}
	// Datagrams to addresses that nobody listens on are lost.
	if target != nil && target.datagrams != nil && !target.closed && !target.shutRd {
		target.datagrams.Add(datagram{data: append([]byte(nil), b...), from: s.local})
		p.cond.Broadcast()
	}
	return len(b), iobridge.ESUCCESS
}

func (p *Provider) RecvFrom(fd int, b []byte, flags int, wantAddr bool) (int, iobridge.SocketAddress, iobridge.Errno) {
	p.enter("recvfrom")
	if p.OnRecvFrom != nil {
		if n, addr, errno, ok := p.OnRecvFrom(fd, b, flags, wantAddr); ok {
			return n, addr, errno
		}
	}
	p.lock()
	defer p.unlock()

	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return -1, nil, errno
	}
	return p.recvFrom(d, b, flags, wantAddr)
}

func (p *Provider) recvFrom(d *descriptor, b []byte, flags int, wantAddr bool) (int, iobridge.SocketAddress, iobridge.Errno) {
	s := d.sock
	dontwait := flags&unix.MSG_DONTWAIT != 0
	if s.sotype == unix.SOCK_STREAM {
		if s.in == nil {
			return -1, nil, iobridge.ENOTCONN
		}
		n, errno := p.readStream(d, s.in, b, dontwait)
		return n, nil, errno
	}
	for {
		if s.datagrams.Length() > 0 {
			dg := s.datagrams.Remove().(datagram)
			n := copy(b, dg.data)
			var from iobridge.SocketAddress
			if wantAddr {
				from = dg.from
			}
			p.cond.Broadcast()
			return n, from, iobridge.ESUCCESS
		}
		if s.shutRd {
			return 0, nil, iobridge.ESUCCESS
		}
		if dontwait || d.flags&unix.O_NONBLOCK != 0 {
			return -1, nil, iobridge.EAGAIN
		}
		p.cond.Wait()
	}
}

// sockEvents returns the events ready on s, completing pending connects whose
// delay elapsed. Must be called with the lock held.
func (p *Provider) sockEvents(s *sock) (ev int16) {
	if s.connecting != nil {
		if p.Clock != nil && p.Clock.Now().Before(s.readyAt) {
			return 0
		}
		listener := s.connecting
		s.connecting = nil
		if !listener.listening || listener.closed {
			s.soerror = int(unix.ECONNREFUSED)
			return unix.POLLOUT | unix.POLLERR
		}
		p.establish(s, listener)
	}
	switch {
	case s.listening:
		if s.backlog.Length() > 0 || s.shutRd {
			ev |= unix.POLLIN
		}
	case s.sotype == unix.SOCK_DGRAM:
		ev |= unix.POLLOUT
		if s.datagrams.Length() > 0 || s.shutRd {
			ev |= unix.POLLIN
		}
	case s.in != nil:
		if s.in.size > 0 || s.in.writers <= 0 || s.shutRd {
			ev |= unix.POLLIN
		}
		if !s.shutWr && s.peer.in.readers > 0 {
			ev |= unix.POLLOUT
		}
	default:
		ev |= unix.POLLHUP
	}
	if s.shutRd && s.shutWr {
		ev |= unix.POLLHUP
	}
	return ev
}
