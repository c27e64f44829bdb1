package iobridge

import (
	"golang.org/x/sys/unix"
)

// Socket creates a socket and returns a handle to it.
func (b *Bridge) Socket(family, sotype, proto int) (Handle, error) {
	fd, errno := b.Provider.Socket(family, sotype, proto)
	if errno != ESUCCESS {
		return 0, AsSocketError(Wrap("socket", errno))
	}
	s := newSlot(fd)
	s.socket, s.family, s.sotype = true, family, sotype
	return b.insert(s), nil
}

// Socketpair creates a pair of connected sockets.
func (b *Bridge) Socketpair(family, sotype, proto int) ([2]Handle, error) {
	fds, errno := b.Provider.Socketpair(family, sotype, proto)
	if errno != ESUCCESS {
		return [2]Handle{}, AsSocketError(Wrap("socketpair", errno))
	}
	var handles [2]Handle
	for i, fd := range fds {
		s := newSlot(fd)
		s.socket, s.family, s.sotype = true, family, sotype
		handles[i] = b.insert(s)
	}
	return handles, nil
}

// Accept waits for a connection on the listening socket h, and returns a
// handle to the new socket along with the address of the peer.
//
// On a non-blocking socket with no pending connection, Accept returns an
// error matching EAGAIN.
func (b *Bridge) Accept(h Handle) (Handle, SocketAddress, error) {
	s, err := b.acquire(h, "accept")
	if err != nil {
		return 0, nil, err
	}
	defer b.release(s)

	for {
		nonblock := b.nonblocking(s)
		if !nonblock {
			revents, err := b.wait(s, "accept", unix.POLLIN, -1)
			if err != nil {
				return 0, nil, AsSocketError(err)
			}
			if revents == 0 {
				continue
			}
		}

		fd, addr, errno := b.Provider.Accept(s.fd)
		switch {
		case errno == ESUCCESS:
			c := newSlot(fd)
			c.socket, c.family, c.sotype = true, s.family, s.sotype
			if addr != nil {
				addr = unmap(addr)
			}
			return b.insert(c), addr, nil
		case b.closing(s):
			return 0, nil, &ClosedError{Function: "accept"}
		case errno == EINTR, errno == ECONNABORTED:
		case errno == EAGAIN && !nonblock:
		default:
			return 0, nil, AsSocketError(Wrap("accept", errno))
		}
	}
}

// Bind assigns the local address of the socket h.
func (b *Bridge) Bind(h Handle, addr SocketAddress) error {
	s, err := b.acquire(h, "bind")
	if err != nil {
		return err
	}
	defer b.release(s)
	return AsSocketError(b.retry(s, "bind", func(fd int) Errno {
		return b.Provider.Bind(fd, addr)
	}))
}

// Listen marks the socket h as accepting connections.
func (b *Bridge) Listen(h Handle, backlog int) error {
	s, err := b.acquire(h, "listen")
	if err != nil {
		return err
	}
	defer b.release(s)
	return AsSocketError(b.retry(s, "listen", func(fd int) Errno {
		return b.Provider.Listen(fd, backlog)
	}))
}

// ShutdownSocket shuts down the reading side, the writing side, or both
// sides of the connection of h. Unlike Close, h remains open.
func (b *Bridge) ShutdownSocket(h Handle, how int) error {
	s, err := b.acquire(h, "shutdown")
	if err != nil {
		return err
	}
	defer b.release(s)
	return AsSocketError(b.retry(s, "shutdown", func(fd int) Errno {
		return b.Provider.Shutdown(fd, how)
	}))
}

// LocalAddress returns the address that the socket h is bound to.
func (b *Bridge) LocalAddress(h Handle) (SocketAddress, error) {
	return b.address(h, "getsockname", b.Provider.Getsockname)
}

// PeerAddress returns the address of the peer that the socket h is connected
// to.
func (b *Bridge) PeerAddress(h Handle) (SocketAddress, error) {
	return b.address(h, "getpeername", b.Provider.Getpeername)
}

func (b *Bridge) address(h Handle, function string, get func(int) (SocketAddress, Errno)) (SocketAddress, error) {
	s, err := b.acquire(h, function)
	if err != nil {
		return nil, err
	}
	defer b.release(s)

	var addr SocketAddress
	err = b.retry(s, function, func(fd int) (errno Errno) {
		addr, errno = get(fd)
		return errno
	})
	if err != nil {
		return nil, AsSocketError(err)
	}
	if addr != nil {
		addr = unmap(addr)
	}
	return addr, nil
}
