package iobridge

import (
	"errors"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// Packet receives the source address of a datagram.
type Packet struct {
	// Addr is the address of the sender, nil if it was not requested.
	Addr SocketAddress
	// N is the number of bytes received.
	N int
}

// Send sends buf on the socket h, to dest if it is not nil.
//
// When dest is nil the socket is used in connected mode: sending an empty
// buffer does nothing, and a full send buffer on a non-blocking socket sends
// zero bytes. When dest is set, ECONNRESET and ECONNREFUSED caused by an
// earlier datagram are ignored and zero bytes are reported as sent.
func (b *Bridge) Send(h Handle, buf []byte, flags int, dest SocketAddress) (int, error) {
	if dest == nil && len(buf) == 0 {
		return 0, nil
	}
	s, err := b.acquire(h, "sendto")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	for {
		n, errno := b.Provider.SendTo(s.fd, buf, flags, dest)
		switch {
		case errno == ESUCCESS:
			return n, nil
		case b.closing(s):
			return 0, &ClosedError{Function: "sendto"}
		case errno == EINTR:
		case dest != nil && (errno == ECONNRESET || errno == ECONNREFUSED):
			b.Logger.Debug().
				Int("fd", s.fd).
				Str("addr", dest.String()).
				Err(Wrap("sendto", errno)).
				Log("datagram send failure ignored")
			return 0, nil
		case dest == nil && errno == EAGAIN:
			return 0, nil
		default:
			return 0, AsSocketError(Wrap("sendto", errno))
		}
	}
}

// Recv reads bytes from the socket h. It returns io.EOF when the peer closed
// the connection, and zero bytes when h is in non-blocking mode and no data
// is available.
//
// On a blocking socket with a RecvTimeout, the expiration of the timeout is
// reported as zero bytes.
func (b *Bridge) Recv(h Handle, buf []byte, flags int) (int, error) {
	s, err := b.acquire(h, "recvfrom")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	if len(buf) == 0 && s.sotype != unix.SOCK_DGRAM {
		return 0, nil
	}
	n, _, err := b.recv(s, buf, flags, false)
	switch {
	case err == nil && n == 0 && len(buf) != 0:
		return 0, io.EOF
	case errors.Is(err, EAGAIN):
		return 0, nil
	case err != nil:
		return 0, AsSocketError(err)
	default:
		return n, nil
	}
}

// RecvFrom receives a datagram from the socket h. When packet is not nil it
// receives the number of bytes, and the address of the sender unless the
// socket is connected. IPv4-mapped IPv6 addresses are reported as IPv4.
//
// RecvFrom returns a *TimeoutError when no datagram was available on a
// non-blocking socket, or before the expiration of RecvTimeout. On a connected
// socket, a *PortUnreachableError reports that an earlier datagram was
// refused by the peer.
func (b *Bridge) RecvFrom(h Handle, buf []byte, flags int, packet *Packet, connected bool) (int, error) {
	s, err := b.acquire(h, "recvfrom")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	wantAddr := packet != nil && !connected
	n, addr, err := b.recv(s, buf, flags, wantAddr)
	switch {
	case err == nil:
		if packet != nil {
			packet.N = n
			if wantAddr && addr != nil {
				packet.Addr = unmap(addr)
			}
		}
		return n, nil
	case errors.Is(err, EAGAIN):
		return 0, &TimeoutError{Function: "recvfrom", After: b.recvTimeout(s), Err: err}
	case connected && errors.Is(err, ECONNREFUSED):
		return 0, &PortUnreachableError{Err: err}
	default:
		return 0, AsSocketError(err)
	}
}

func (b *Bridge) recvTimeout(s *slot) time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return s.rcvtimeo
}

// recv receives into buf, waiting for data first when the socket is blocking.
// An empty buffer on a datagram socket consumes the next datagram. Would-block
// conditions, including the expiration of the receive timeout, are reported as
// an *ErrnoError of EAGAIN.
func (b *Bridge) recv(s *slot, buf []byte, flags int, wantAddr bool) (int, SocketAddress, error) {
	discard := len(buf) == 0
	if discard {
		buf = make([]byte, 1)
	}

	timeout := b.recvTimeout(s)
	var deadline time.Time
	if timeout > 0 {
		deadline = b.now().Add(timeout)
	}

	for {
		nonblock := b.nonblocking(s) || (flags&unix.MSG_DONTWAIT) != 0
		if !nonblock {
			ms := -1
			if timeout > 0 {
				remaining := deadline.Sub(b.now())
				if remaining <= 0 {
					return 0, nil, Wrap("recvfrom", EAGAIN)
				}
				ms = millis(remaining)
			}
			revents, err := b.wait(s, "recvfrom", unix.POLLIN, ms)
			if err != nil {
				return 0, nil, err
			}
			if revents == 0 {
				continue
			}
		}

		n, addr, errno := b.Provider.RecvFrom(s.fd, buf, flags, wantAddr)
		switch {
		case errno == ESUCCESS:
			if discard {
				n = 0
			}
			return n, addr, nil
		case b.closing(s):
			return 0, nil, &ClosedError{Function: "recvfrom"}
		case errno == EINTR:
		case errno == EAGAIN && !nonblock:
			// Another reader consumed the data, wait again.
		default:
			return 0, nil, Wrap("recvfrom", errno)
		}
	}
}
