package sockets

import (
	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Listen creates a socket bound to the specified address. Stream sockets
// listen with a backlog of 128 unless the backlog query option is set,
// datagram sockets are only bound.
func Listen(b *iobridge.Bridge, rawAddr string) (iobridge.Handle, error) {
	u, addr, h, err := Socket(b, rawAddr)
	if err != nil {
		return 0, err
	}
	opt := u.Query()
	if err := b.Bind(h, addr); err != nil {
		b.Close(h)
		return 0, err
	}
	nonBlock := boolopt(opt, "nonblock", false)
	if err := b.SetBlocking(h, !nonBlock); err != nil {
		b.Close(h)
		return 0, err
	}
	if sotype(u.Scheme) == unix.SOCK_STREAM {
		backlog := intopt(opt, "backlog", 128)
		if err := b.Listen(h, backlog); err != nil {
			b.Close(h)
			return 0, err
		}
	}
	return h, nil
}
