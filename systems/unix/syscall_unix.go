package unix

import (
	"unsafe"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

const sizeofSockaddrStorage = 128

func dupCloseOnExec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

func toUnixSockAddress(addr iobridge.SocketAddress) (sa unix.Sockaddr, ok bool) {
	switch t := addr.(type) {
	case *iobridge.Inet4Address:
		sa = &unix.SockaddrInet4{Port: t.Port, Addr: t.Addr}
	case *iobridge.Inet6Address:
		sa = &unix.SockaddrInet6{Port: t.Port, Addr: t.Addr, ZoneId: t.ZoneID}
	case *iobridge.UnixAddress:
		sa = &unix.SockaddrUnix{Name: t.Name}
	default:
		return nil, false
	}
	return sa, true
}

func fromUnixSockAddress(sa unix.Sockaddr) (addr iobridge.SocketAddress, ok bool) {
	switch t := sa.(type) {
	case *unix.SockaddrInet4:
		addr = &iobridge.Inet4Address{Port: t.Port, Addr: t.Addr}
	case *unix.SockaddrInet6:
		addr = &iobridge.Inet6Address{Port: t.Port, Addr: t.Addr, ZoneID: t.ZoneId}
	case *unix.SockaddrUnix:
		addr = &iobridge.UnixAddress{Name: t.Name}
	default:
		return nil, false
	}
	return addr, true
}

// putSockaddr encodes an IP address in the struct sockaddr_storage at the
// beginning of b.
func putSockaddr(b []byte, addr iobridge.SocketAddress) bool {
	switch t := addr.(type) {
	case *iobridge.Inet4Address:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&b[0]))
		setFamily4(sa)
		putPort((*[2]byte)(unsafe.Pointer(&sa.Port)), t.Port)
		sa.Addr = t.Addr
	case *iobridge.Inet6Address:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&b[0]))
		setFamily6(sa)
		putPort((*[2]byte)(unsafe.Pointer(&sa.Port)), t.Port)
		sa.Addr = t.Addr
		sa.Scope_id = t.ZoneID
	default:
		return false
	}
	return true
}

// putPort stores a port in network byte order.
func putPort(b *[2]byte, port int) {
	b[0] = byte(port >> 8)
	b[1] = byte(port)
}
