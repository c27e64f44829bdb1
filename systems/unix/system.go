package unix

import (
	"errors"
	"unsafe"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Provider is an implementation of iobridge.Provider which issues system
// calls on the host.
//
// Descriptors created by the provider are close-on-exec. A Provider has no
// state, it is safe for concurrent use and the zero value is ready to use.
type Provider struct{}

var _ iobridge.Provider = (*Provider)(nil)

func makeErrno(err error) iobridge.Errno {
	if err == nil {
		return iobridge.ESUCCESS
	}
	var sysErrno unix.Errno
	if errors.As(err, &sysErrno) {
		return iobridge.Errno(sysErrno)
	}
	return iobridge.MakeErrno(err)
}

func (*Provider) Open(path string, flags int, mode uint32) (int, iobridge.Errno) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, makeErrno(err)
	}
	return fd, iobridge.ESUCCESS
}

func (*Provider) Close(fd int) iobridge.Errno {
	return makeErrno(unix.Close(fd))
}

func (*Provider) Read(fd int, b []byte) (int, iobridge.Errno) {
	n, err := unix.Read(fd, b)
	if err != nil {
		return -1, makeErrno(err)
	}
	return n, iobridge.ESUCCESS
}

func (*Provider) Write(fd int, b []byte) (int, iobridge.Errno) {
	n, err := unix.Write(fd, b)
	if err != nil {
		return -1, makeErrno(err)
	}
	return n, iobridge.ESUCCESS
}

func (*Provider) Pipe() (r, w int, errno iobridge.Errno) {
	var fds [2]int
	if err := pipe(fds[:], 0); err != nil {
		return -1, -1, makeErrno(err)
	}
	return fds[0], fds[1], iobridge.ESUCCESS
}

func (*Provider) Dup(fd int) (int, iobridge.Errno) {
	newfd, err := dupCloseOnExec(fd)
	if err != nil {
		return -1, makeErrno(err)
	}
	return newfd, iobridge.ESUCCESS
}

func (*Provider) Fstat(fd int) (iobridge.Stat, iobridge.Errno) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return iobridge.Stat{}, makeErrno(err)
	}
	return iobridge.Stat{Mode: uint32(st.Mode), Size: st.Size}, iobridge.ESUCCESS
}

func (*Provider) Fcntl(fd, cmd, arg int) (int, iobridge.Errno) {
	v, err := unix.FcntlInt(uintptr(fd), cmd, arg)
	if err != nil {
		return -1, makeErrno(err)
	}
	return v, iobridge.ESUCCESS
}

func (*Provider) IoctlInt(fd int, req uint) (int, iobridge.Errno) {
	v, err := unix.IoctlGetInt(fd, req)
	if err != nil {
		return -1, makeErrno(err)
	}
	return v, iobridge.ESUCCESS
}

func (*Provider) Poll(fds []iobridge.PollFd, timeout int) (int, iobridge.Errno) {
	pollfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollfds[i] = unix.PollFd{Fd: int32(fd.Fd), Events: fd.Events}
	}
	n, err := unix.Poll(pollfds, timeout)
	for i := range fds {
		fds[i].Revents = pollfds[i].Revents
	}
	if err != nil {
		return -1, makeErrno(err)
	}
	return n, iobridge.ESUCCESS
}

func (*Provider) Socket(family, sotype, proto int) (int, iobridge.Errno) {
	fd, err := socket(family, sotype, proto)
	if err != nil {
		return -1, makeErrno(err)
	}
	return fd, iobridge.ESUCCESS
}

func (*Provider) Socketpair(family, sotype, proto int) ([2]int, iobridge.Errno) {
	fds, err := socketpair(family, sotype, proto)
	if err != nil {
		return [2]int{-1, -1}, makeErrno(err)
	}
	return fds, iobridge.ESUCCESS
}

func (*Provider) Bind(fd int, addr iobridge.SocketAddress) iobridge.Errno {
	sa, ok := toUnixSockAddress(addr)
	if !ok {
		return iobridge.EINVAL
	}
	return makeErrno(unix.Bind(fd, sa))
}

func (*Provider) Listen(fd, backlog int) iobridge.Errno {
	return makeErrno(unix.Listen(fd, backlog))
}

func (*Provider) Accept(fd int) (int, iobridge.SocketAddress, iobridge.Errno) {
	conn, sa, err := accept(fd, 0)
	if err != nil {
		return -1, nil, makeErrno(err)
	}
	addr, _ := fromUnixSockAddress(sa)
	return conn, addr, iobridge.ESUCCESS
}

func (*Provider) Connect(fd int, addr iobridge.SocketAddress) iobridge.Errno {
	sa, ok := toUnixSockAddress(addr)
	if !ok {
		return iobridge.EINVAL
	}
	return makeErrno(unix.Connect(fd, sa))
}

func (*Provider) Shutdown(fd, how int) iobridge.Errno {
	return makeErrno(unix.Shutdown(fd, how))
}

func (*Provider) Getsockname(fd int) (iobridge.SocketAddress, iobridge.Errno) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, makeErrno(err)
	}
	addr, ok := fromUnixSockAddress(sa)
	if !ok {
		return nil, iobridge.ENOTSUP
	}
	return addr, iobridge.ESUCCESS
}

func (*Provider) Getpeername(fd int) (iobridge.SocketAddress, iobridge.Errno) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, makeErrno(err)
	}
	addr, ok := fromUnixSockAddress(sa)
	if !ok {
		return nil, iobridge.ENOTSUP
	}
	return addr, iobridge.ESUCCESS
}

func (*Provider) SendTo(fd int, b []byte, flags int, addr iobridge.SocketAddress) (int, iobridge.Errno) {
	var sa unix.Sockaddr
	if addr != nil {
		var ok bool
		if sa, ok = toUnixSockAddress(addr); !ok {
			return -1, iobridge.EINVAL
		}
	}
	n, err := unix.SendmsgN(fd, b, nil, sa, flags|sendFlags)
	if err != nil {
		return -1, makeErrno(err)
	}
	return n, iobridge.ESUCCESS
}

func (*Provider) RecvFrom(fd int, b []byte, flags int, wantAddr bool) (int, iobridge.SocketAddress, iobridge.Errno) {
	n, sa, err := unix.Recvfrom(fd, b, flags)
	if err != nil {
		return -1, nil, makeErrno(err)
	}
	var addr iobridge.SocketAddress
	if wantAddr && sa != nil {
		addr, _ = fromUnixSockAddress(sa)
	}
	return n, addr, iobridge.ESUCCESS
}

func (*Provider) GetsockoptInt(fd, level, name int) (int, iobridge.Errno) {
	v, err := unix.GetsockoptInt(fd, level, name)
	if err != nil {
		return -1, makeErrno(err)
	}
	return v, iobridge.ESUCCESS
}

func (*Provider) SetsockoptInt(fd, level, name, value int) iobridge.Errno {
	return makeErrno(unix.SetsockoptInt(fd, level, name, value))
}

func (*Provider) GetsockoptByte(fd, level, name int) (byte, iobridge.Errno) {
	v, err := unix.GetsockoptByte(fd, level, name)
	if err != nil {
		return 0, makeErrno(err)
	}
	return v, iobridge.ESUCCESS
}

func (*Provider) SetsockoptByte(fd, level, name int, value byte) iobridge.Errno {
	return makeErrno(unix.SetsockoptByte(fd, level, name, value))
}

func (*Provider) GetsockoptLinger(fd, level, name int) (unix.Linger, iobridge.Errno) {
	l, err := unix.GetsockoptLinger(fd, level, name)
	if err != nil {
		return unix.Linger{}, makeErrno(err)
	}
	return *l, iobridge.ESUCCESS
}

func (*Provider) SetsockoptLinger(fd, level, name int, value unix.Linger) iobridge.Errno {
	return makeErrno(unix.SetsockoptLinger(fd, level, name, &value))
}

func (*Provider) GetsockoptTimeval(fd, level, name int) (unix.Timeval, iobridge.Errno) {
	tv, err := unix.GetsockoptTimeval(fd, level, name)
	if err != nil {
		return unix.Timeval{}, makeErrno(err)
	}
	return *tv, iobridge.ESUCCESS
}

func (*Provider) SetsockoptTimeval(fd, level, name int, value unix.Timeval) iobridge.Errno {
	return makeErrno(unix.SetsockoptTimeval(fd, level, name, &value))
}

func (*Provider) SetsockoptIPMreqn(fd, level, name, ifindex int) iobridge.Errno {
	mreq := unix.IPMreqn{Ifindex: int32(ifindex)}
	return makeErrno(unix.SetsockoptIPMreqn(fd, level, name, &mreq))
}

func (*Provider) SetsockoptGroupReq(fd, level, name int, req iobridge.GroupReq) iobridge.Errno {
	var buf [groupReqSize]byte
	*(*uint32)(unsafe.Pointer(&buf[0])) = req.Interface
	if !putSockaddr(buf[groupOffset:], req.Group) {
		return iobridge.EINVAL
	}
	return makeErrno(unix.SetsockoptString(fd, level, name, string(buf[:])))
}

func (*Provider) SetsockoptGroupSourceReq(fd, level, name int, req iobridge.GroupSourceReq) iobridge.Errno {
	var buf [groupSourceReqSize]byte
	*(*uint32)(unsafe.Pointer(&buf[0])) = req.Interface
	if !putSockaddr(buf[groupOffset:], req.Group) {
		return iobridge.EINVAL
	}
	if !putSockaddr(buf[groupOffset+sizeofSockaddrStorage:], req.Source) {
		return iobridge.EINVAL
	}
	return makeErrno(unix.SetsockoptString(fd, level, name, string(buf[:])))
}
