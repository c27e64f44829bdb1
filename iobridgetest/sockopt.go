package iobridgetest

import (
	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Sockopt returns the last value set for an option of the socket fd. The
// dynamic type of the value depends on the method that set it: int, byte,
// unix.Linger, unix.Timeval, iobridge.GroupReq or iobridge.GroupSourceReq.
// Options set with SetsockoptIPMreqn are stored as an int interface index.
func (p *Provider) Sockopt(fd, level, name int) (any, bool) {
	p.lock()
	defer p.unlock()
	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return nil, false
	}
	v, ok := d.sock.options[optionKey{level, name}]
	return v, ok
}

func (p *Provider) getsockopt(fd, level, name int) (any, iobridge.Errno) {
	p.lock()
	defer p.unlock()
	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return nil, errno
	}
	return d.sock.options[optionKey{level, name}], iobridge.ESUCCESS
}

func (p *Provider) setsockopt(fd, level, name int, value any) iobridge.Errno {
	p.lock()
	defer p.unlock()
	d, errno := p.socket(fd)
	if errno != iobridge.ESUCCESS {
		return errno
	}
	d.sock.options[optionKey{level, name}] = value
	return iobridge.ESUCCESS
}

func (p *Provider) GetsockoptInt(fd, level, name int) (int, iobridge.Errno) {
	p.enter("getsockopt")
	if p.OnGetsockoptInt != nil {
		if v, errno, ok := p.OnGetsockoptInt(fd, level, name); ok {
			return v, errno
		}
	}
	if level == unix.SOL_SOCKET && (name == unix.SO_TYPE || name == unix.SO_ERROR) {
		p.lock()
		defer p.unlock()
		d, errno := p.socket(fd)
		if errno != iobridge.ESUCCESS {
			return -1, errno
		}
		if name == unix.SO_TYPE {
			return d.sock.sotype, iobridge.ESUCCESS
		}
		soerror := d.sock.soerror
		d.sock.soerror = 0
		return soerror, iobridge.ESUCCESS
	}
	v, errno := p.getsockopt(fd, level, name)
	i, _ := v.(int)
	return i, errno
}

func (p *Provider) SetsockoptInt(fd, level, name, value int) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, value)
}

func (p *Provider) GetsockoptByte(fd, level, name int) (byte, iobridge.Errno) {
	p.enter("getsockopt")
	v, errno := p.getsockopt(fd, level, name)
	b, _ := v.(byte)
	return b, errno
}

func (p *Provider) SetsockoptByte(fd, level, name int, value byte) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, value)
}

func (p *Provider) GetsockoptLinger(fd, level, name int) (unix.Linger, iobridge.Errno) {
	p.enter("getsockopt")
	v, errno := p.getsockopt(fd, level, name)
	l, _ := v.(unix.Linger)
	return l, errno
}

func (p *Provider) SetsockoptLinger(fd, level, name int, value unix.Linger) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, value)
}

func (p *Provider) GetsockoptTimeval(fd, level, name int) (unix.Timeval, iobridge.Errno) {
	p.enter("getsockopt")
	v, errno := p.getsockopt(fd, level, name)
	tv, _ := v.(unix.Timeval)
	return tv, errno
}

func (p *Provider) SetsockoptTimeval(fd, level, name int, value unix.Timeval) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, value)
}

func (p *Provider) SetsockoptIPMreqn(fd, level, name, ifindex int) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, ifindex)
}

func (p *Provider) SetsockoptGroupReq(fd, level, name int, req iobridge.GroupReq) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, req)
}

func (p *Provider) SetsockoptGroupSourceReq(fd, level, name int, req iobridge.GroupSourceReq) iobridge.Errno {
	p.enter("setsockopt")
	return p.setsockopt(fd, level, name, req)
}
