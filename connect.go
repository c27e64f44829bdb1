package iobridge

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// connectState tracks the deadline of a connect with a timeout.
type connectState struct {
	deadline  time.Time
	remaining time.Duration
}

// Connect connects the socket h to addr.
//
// When timeout is zero or negative, Connect blocks until the connection is
// established or fails. Otherwise the socket is switched to non-blocking mode
// for the time of the connect, and Connect returns a *TimeoutError if the
// connection could not be established in time.
//
// Failures are reported as a *ConnectError, or a *NoRouteError when the
// destination is unreachable. Closing h while Connect is in progress makes it
// return a *ClosedError. Only one connect may be in progress on a socket.
func (b *Bridge) Connect(h Handle, addr SocketAddress, timeout time.Duration) error {
	s, err := b.acquire(h, "connect")
	if err != nil {
		return err
	}
	defer b.release(s)

	if !b.beginConnect(s) {
		return AsSocketError(Wrap("connect", EALREADY))
	}
	defer b.endConnect(s)

	if timeout <= 0 {
		err = b.connectDirect(s, addr)
	} else {
		err = b.connectTimed(s, addr, timeout)
	}
	return b.connectFailure(s, addr, timeout, err)
}

func (b *Bridge) beginConnect(s *slot) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if s.connecting {
		return false
	}
	s.connecting = true
	return true
}

func (b *Bridge) endConnect(s *slot) {
	b.mutex.Lock()
	s.connecting = false
	b.mutex.Unlock()
}

func (b *Bridge) connectDirect(s *slot, addr SocketAddress) error {
	interrupted := false
	for {
		errno := b.Provider.Connect(s.fd, addr)
		switch {
		case errno == ESUCCESS:
			return nil
		case b.closing(s):
			return &ClosedError{Function: "connect"}
		case errno == EINTR:
			interrupted = true
		case errno == EISCONN && interrupted:
			// The interrupted attempt completed in the background.
			return nil
		default:
			return Wrap("connect", errno)
		}
	}
}

func (b *Bridge) connectTimed(s *slot, addr SocketAddress, timeout time.Duration) error {
	restore := !b.nonblocking(s)
	if restore {
		if err := b.setBlocking(s, false); err != nil {
			return err
		}
	}

	state := connectState{deadline: b.now().Add(timeout)}
	err := b.connectPoll(s, addr, timeout, &state)

	var closed *ClosedError
	if restore && !errors.As(err, &closed) {
		if err2 := b.setBlocking(s, true); err == nil {
			err = err2
		}
	}
	return err
}

func (b *Bridge) connectPoll(s *slot, addr SocketAddress, timeout time.Duration, state *connectState) error {
	switch errno := b.Provider.Connect(s.fd, addr); {
	case errno == ESUCCESS:
		return nil
	case b.closing(s):
		return &ClosedError{Function: "connect"}
	case errno == EINPROGRESS, errno == EINTR:
		// A non-blocking connect interrupted by a signal keeps going
		// asynchronously.
	case errno == ETIMEDOUT:
		return &TimeoutError{Function: "connect", After: timeout, Err: Wrap("connect", errno)}
	default:
		return Wrap("connect", errno)
	}

	for {
		state.remaining = state.deadline.Sub(b.now())
		if state.remaining <= 0 {
			return &TimeoutError{Function: "connect", After: timeout}
		}

		revents, err := b.wait(s, "connect", unix.POLLOUT, millis(state.remaining))
		if err != nil {
			return err
		}
		if revents == 0 {
			continue
		}

		soerr, errno := b.Provider.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case errno != ESUCCESS && b.closing(s):
			return &ClosedError{Function: "connect"}
		case errno != ESUCCESS:
			return Wrap("getsockopt", errno)
		}
		switch errno := Errno(soerr); errno {
		case ESUCCESS:
			return nil
		case ETIMEDOUT:
			return &TimeoutError{Function: "connect", After: timeout, Err: Wrap("connect", errno)}
		default:
			return Wrap("connect", errno)
		}
	}
}

func (b *Bridge) connectFailure(s *slot, addr SocketAddress, after time.Duration, err error) error {
	var errnoErr *ErrnoError
	var timeout *TimeoutError
	if err == nil || errors.As(err, &timeout) || !errors.As(err, &errnoErr) {
		return err
	}
	switch errnoErr.Errno {
	case EHOSTUNREACH:
		return &NoRouteError{Reason: "Host unreachable", Err: err}
	case EADDRNOTAVAIL:
		return &NoRouteError{Reason: "Address not available", Err: err}
	}
	var local SocketAddress
	if addr, errno := b.Provider.Getsockname(s.fd); errno == ESUCCESS {
		local = unmap(addr)
	}
	if after < 0 {
		after = 0
	}
	return &ConnectError{Addr: addr, Local: local, After: after, Err: err}
}
