package iobridge_v1

import (
	"golang.org/x/sys/unix"
)

// Constants of the guest ABI. They are stable across host platforms and are
// translated to the host values before reaching the bridge.
const (
	Inet4Family = 1
	Inet6Family = 2
	UnixFamily  = 3
)

const (
	StreamSocket   = 1
	DatagramSocket = 2
)

const (
	OpenReadOnly  = 0x0
	OpenWriteOnly = 0x1
	OpenReadWrite = 0x2
	OpenCreate    = 0x40
	OpenExclusive = 0x80
	OpenTruncate  = 0x200
	OpenAppend    = 0x400
	OpenNonBlock  = 0x800
)

const (
	MsgOOB      = 0x1
	MsgPeek     = 0x2
	MsgDontWait = 0x40
)

// Poll events have the same values on every supported host.
const (
	PollIn  = unix.POLLIN
	PollOut = unix.POLLOUT
	PollErr = unix.POLLERR
	PollHup = unix.POLLHUP
)

var openFlagTable = [...]struct{ guest, host int32 }{
	{OpenCreate, unix.O_CREAT},
	{OpenExclusive, unix.O_EXCL},
	{OpenTruncate, unix.O_TRUNC},
	{OpenAppend, unix.O_APPEND},
	{OpenNonBlock, unix.O_NONBLOCK},
}

func hostOpenFlags(flags int32) (int, bool) {
	var host int32
	switch flags & 0x3 {
	case OpenReadOnly:
		host = unix.O_RDONLY
	case OpenWriteOnly:
		host = unix.O_WRONLY
	case OpenReadWrite:
		host = unix.O_RDWR
	default:
		return 0, false
	}
	flags &^= 0x3
	for _, f := range openFlagTable {
		if flags&f.guest != 0 {
			host |= f.host
			flags &^= f.guest
		}
	}
	return int(host), flags == 0
}

var msgFlagTable = [...]struct{ guest, host int32 }{
	{MsgOOB, unix.MSG_OOB},
	{MsgPeek, unix.MSG_PEEK},
	{MsgDontWait, unix.MSG_DONTWAIT},
}

func hostMsgFlags(flags int32) (int, bool) {
	var host int32
	for _, f := range msgFlagTable {
		if flags&f.guest != 0 {
			host |= f.host
			flags &^= f.guest
		}
	}
	return int(host), flags == 0
}

func hostFamily(family int32) (int, bool) {
	switch family {
	case Inet4Family:
		return unix.AF_INET, true
	case Inet6Family:
		return unix.AF_INET6, true
	case UnixFamily:
		return unix.AF_UNIX, true
	default:
		return 0, false
	}
}

func hostSocketType(sotype int32) (int, bool) {
	switch sotype {
	case StreamSocket:
		return unix.SOCK_STREAM, true
	case DatagramSocket:
		return unix.SOCK_DGRAM, true
	default:
		return 0, false
	}
}
