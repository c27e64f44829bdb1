package sockets

import (
	"time"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Dial creates a socket and connects it to the specified address.
//
// Query options: nodelay (TCP_NODELAY, 1 by default), timeout (the connect
// timeout as a Go duration, none by default) and nonblock (false by default).
func Dial(b *iobridge.Bridge, rawAddr string) (iobridge.Handle, error) {
	u, addr, h, err := Socket(b, rawAddr)
	if err != nil {
		return 0, err
	}
	opt := u.Query()
	if sotype(u.Scheme) == unix.SOCK_STREAM {
		noDelay := iobridge.BoolValue(intopt(opt, "nodelay", 1) != 0)
		if err := b.SetOption(h, iobridge.TCPNoDelay, noDelay); err != nil {
			b.Close(h)
			return 0, err
		}
	}
	timeout := durationopt(opt, "timeout", time.Duration(0))
	if err := b.Connect(h, addr, timeout); err != nil {
		b.Close(h)
		return 0, err
	}
	nonBlock := boolopt(opt, "nonblock", false)
	if err := b.SetBlocking(h, !nonBlock); err != nil {
		b.Close(h)
		return 0, err
	}
	return h, nil
}

func sotype(scheme string) int {
	switch scheme {
	case "udp", "udp4", "udp6":
		return unix.SOCK_DGRAM
	default:
		return unix.SOCK_STREAM
	}
}
