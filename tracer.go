package iobridge

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Tracer wraps a Provider to log calls.
//
// Each call is written as a single line once it returns, so that calls made
// concurrently by different goroutines do not interleave.
type Tracer struct {
	Writer io.Writer
	Provider

	mutex sync.Mutex
}

var _ Provider = (*Tracer)(nil)

func (t *Tracer) Open(path string, flags int, mode uint32) (int, Errno) {
	fd, errno := t.Provider.Open(path, flags, mode)
	t.trace(errno, fd, "Open(%q, %#x, %#o)", path, flags, mode)
	return fd, errno
}

func (t *Tracer) Close(fd int) Errno {
	errno := t.Provider.Close(fd)
	t.trace(errno, nil, "Close(%d)", fd)
	return errno
}

func (t *Tracer) Read(fd int, b []byte) (int, Errno) {
	n, errno := t.Provider.Read(fd, b)
	t.trace(errno, bytesResult(b, n), "Read(%d, [%d]byte)", fd, len(b))
	return n, errno
}

func (t *Tracer) Write(fd int, b []byte) (int, Errno) {
	n, errno := t.Provider.Write(fd, b)
	t.trace(errno, n, "Write(%d, %s)", fd, printBytes(b))
	return n, errno
}

func (t *Tracer) Pipe() (r, w int, errno Errno) {
	r, w, errno = t.Provider.Pipe()
	t.trace(errno, [2]int{r, w}, "Pipe()")
	return r, w, errno
}

func (t *Tracer) Dup(fd int) (int, Errno) {
	newfd, errno := t.Provider.Dup(fd)
	t.trace(errno, newfd, "Dup(%d)", fd)
	return newfd, errno
}

func (t *Tracer) Fstat(fd int) (Stat, Errno) {
	stat, errno := t.Provider.Fstat(fd)
	t.trace(errno, fmt.Sprintf("{Mode:%#o,Size:%d}", stat.Mode, stat.Size), "Fstat(%d)", fd)
	return stat, errno
}

func (t *Tracer) Fcntl(fd, cmd, arg int) (int, Errno) {
	v, errno := t.Provider.Fcntl(fd, cmd, arg)
	t.trace(errno, fmt.Sprintf("%#x", v), "Fcntl(%d, %d, %#x)", fd, cmd, arg)
	return v, errno
}

func (t *Tracer) IoctlInt(fd int, req uint) (int, Errno) {
	v, errno := t.Provider.IoctlInt(fd, req)
	t.trace(errno, v, "IoctlInt(%d, %#x)", fd, req)
	return v, errno
}

func (t *Tracer) Poll(fds []PollFd, timeout int) (int, Errno) {
	args := printPollFds(fds, false)
	n, errno := t.Provider.Poll(fds, timeout)
	t.trace(errno, fmt.Sprintf("%d %s", n, printPollFds(fds, true)), "Poll(%s, %d)", args, timeout)
	return n, errno
}

func (t *Tracer) Socket(family, sotype, proto int) (int, Errno) {
	fd, errno := t.Provider.Socket(family, sotype, proto)
	t.trace(errno, fd, "Socket(%s, %s, %d)", familyName(family), socketTypeName(sotype), proto)
	return fd, errno
}

func (t *Tracer) Socketpair(family, sotype, proto int) ([2]int, Errno) {
	fds, errno := t.Provider.Socketpair(family, sotype, proto)
	t.trace(errno, fds, "Socketpair(%s, %s, %d)", familyName(family), socketTypeName(sotype), proto)
	return fds, errno
}

func (t *Tracer) Bind(fd int, addr SocketAddress) Errno {
	errno := t.Provider.Bind(fd, addr)
	t.trace(errno, nil, "Bind(%d, %s)", fd, printAddress(addr))
	return errno
}

func (t *Tracer) Listen(fd, backlog int) Errno {
	errno := t.Provider.Listen(fd, backlog)
	t.trace(errno, nil, "Listen(%d, %d)", fd, backlog)
	return errno
}

func (t *Tracer) Accept(fd int) (int, SocketAddress, Errno) {
	conn, addr, errno := t.Provider.Accept(fd)
	t.trace(errno, fmt.Sprintf("%d %s", conn, printAddress(addr)), "Accept(%d)", fd)
	return conn, addr, errno
}

func (t *Tracer) Connect(fd int, addr SocketAddress) Errno {
	errno := t.Provider.Connect(fd, addr)
	t.trace(errno, nil, "Connect(%d, %s)", fd, printAddress(addr))
	return errno
}

func (t *Tracer) Shutdown(fd, how int) Errno {
	errno := t.Provider.Shutdown(fd, how)
	t.trace(errno, nil, "Shutdown(%d, %s)", fd, shutdownName(how))
	return errno
}

func (t *Tracer) Getsockname(fd int) (SocketAddress, Errno) {
	addr, errno := t.Provider.Getsockname(fd)
	t.trace(errno, printAddress(addr), "Getsockname(%d)", fd)
	return addr, errno
}

func (t *Tracer) Getpeername(fd int) (SocketAddress, Errno) {
	addr, errno := t.Provider.Getpeername(fd)
	t.trace(errno, printAddress(addr), "Getpeername(%d)", fd)
	return addr, errno
}

func (t *Tracer) SendTo(fd int, b []byte, flags int, addr SocketAddress) (int, Errno) {
	n, errno := t.Provider.SendTo(fd, b, flags, addr)
	t.trace(errno, n, "SendTo(%d, %s, %#x, %s)", fd, printBytes(b), flags, printAddress(addr))
	return n, errno
}

func (t *Tracer) RecvFrom(fd int, b []byte, flags int, wantAddr bool) (int, SocketAddress, Errno) {
	n, addr, errno := t.Provider.RecvFrom(fd, b, flags, wantAddr)
	result := bytesResult(b, n)
	if wantAddr {
		result = fmt.Sprintf("%v %s", result, printAddress(addr))
	}
	t.trace(errno, result, "RecvFrom(%d, [%d]byte, %#x, %t)", fd, len(b), flags, wantAddr)
	return n, addr, errno
}

func (t *Tracer) GetsockoptInt(fd, level, name int) (int, Errno) {
	v, errno := t.Provider.GetsockoptInt(fd, level, name)
	t.trace(errno, v, "GetsockoptInt(%d, %d, %d)", fd, level, name)
	return v, errno
}

func (t *Tracer) SetsockoptInt(fd, level, name, value int) Errno {
	errno := t.Provider.SetsockoptInt(fd, level, name, value)
	t.trace(errno, nil, "SetsockoptInt(%d, %d, %d, %d)", fd, level, name, value)
	return errno
}

func (t *Tracer) GetsockoptByte(fd, level, name int) (byte, Errno) {
	v, errno := t.Provider.GetsockoptByte(fd, level, name)
	t.trace(errno, v, "GetsockoptByte(%d, %d, %d)", fd, level, name)
	return v, errno
}

func (t *Tracer) SetsockoptByte(fd, level, name int, value byte) Errno {
	errno := t.Provider.SetsockoptByte(fd, level, name, value)
	t.trace(errno, nil, "SetsockoptByte(%d, %d, %d, %d)", fd, level, name, value)
	return errno
}

func (t *Tracer) GetsockoptLinger(fd, level, name int) (unix.Linger, Errno) {
	l, errno := t.Provider.GetsockoptLinger(fd, level, name)
	t.trace(errno, fmt.Sprintf("%+v", l), "GetsockoptLinger(%d, %d, %d)", fd, level, name)
	return l, errno
}

func (t *Tracer) SetsockoptLinger(fd, level, name int, value unix.Linger) Errno {
	errno := t.Provider.SetsockoptLinger(fd, level, name, value)
	t.trace(errno, nil, "SetsockoptLinger(%d, %d, %d, %+v)", fd, level, name, value)
	return errno
}

func (t *Tracer) GetsockoptTimeval(fd, level, name int) (unix.Timeval, Errno) {
	tv, errno := t.Provider.GetsockoptTimeval(fd, level, name)
	t.trace(errno, timevalToDuration(tv), "GetsockoptTimeval(%d, %d, %d)", fd, level, name)
	return tv, errno
}

func (t *Tracer) SetsockoptTimeval(fd, level, name int, value unix.Timeval) Errno {
	errno := t.Provider.SetsockoptTimeval(fd, level, name, value)
	t.trace(errno, nil, "SetsockoptTimeval(%d, %d, %d, %s)", fd, level, name, timevalToDuration(value))
	return errno
}

func (t *Tracer) SetsockoptIPMreqn(fd, level, name, ifindex int) Errno {
	errno := t.Provider.SetsockoptIPMreqn(fd, level, name, ifindex)
	t.trace(errno, nil, "SetsockoptIPMreqn(%d, %d, %d, %d)", fd, level, name, ifindex)
	return errno
}

func (t *Tracer) SetsockoptGroupReq(fd, level, name int, req GroupReq) Errno {
	errno := t.Provider.SetsockoptGroupReq(fd, level, name, req)
	t.trace(errno, nil, "SetsockoptGroupReq(%d, %d, %d, {Interface:%d,Group:%s})",
		fd, level, name, req.Interface, printAddress(req.Group))
	return errno
}

func (t *Tracer) SetsockoptGroupSourceReq(fd, level, name int, req GroupSourceReq) Errno {
	errno := t.Provider.SetsockoptGroupSourceReq(fd, level, name, req)
	t.trace(errno, nil, "SetsockoptGroupSourceReq(%d, %d, %d, {Interface:%d,Group:%s,Source:%s})",
		fd, level, name, req.Interface, printAddress(req.Group), printAddress(req.Source))
	return errno
}

// trace writes a line with the call and its outcome: the result on success,
// or "ok" if there is none, and the error code otherwise.
func (t *Tracer) trace(errno Errno, result any, call string, args ...any) {
	var line strings.Builder
	fmt.Fprintf(&line, call, args...)
	line.WriteString(" => ")
	switch {
	case errno != ESUCCESS:
		fmt.Fprintf(&line, "%s (%s)", errno.Name(), errno.Error())
	case result == nil:
		line.WriteString("ok")
	default:
		fmt.Fprint(&line, result)
	}
	line.WriteByte('\n')

	t.mutex.Lock()
	defer t.mutex.Unlock()
	io.WriteString(t.Writer, line.String())
}

const maxBytes = 32

func printBytes(b []byte) string {
	if len(b) > maxBytes {
		return fmt.Sprintf("[%d]byte(%q...)", len(b), b[:maxBytes])
	}
	return fmt.Sprintf("[%d]byte(%q)", len(b), b)
}

func bytesResult(b []byte, n int) any {
	if n < 0 || n > len(b) {
		return n
	}
	return printBytes(b[:n])
}

func printAddress(addr SocketAddress) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.Network() + ":" + addr.String()
}

func printPollFds(fds []PollFd, revents bool) string {
	var s strings.Builder
	s.WriteByte('[')
	for i, fd := range fds {
		if i > 0 {
			s.WriteByte(',')
		}
		if revents {
			fmt.Fprintf(&s, "{Fd:%d,Revents:%#x}", fd.Fd, fd.Revents)
		} else {
			fmt.Fprintf(&s, "{Fd:%d,Events:%#x}", fd.Fd, fd.Events)
		}
	}
	s.WriteByte(']')
	return s.String()
}

func familyName(family int) string {
	switch family {
	case unix.AF_INET:
		return "AF_INET"
	case unix.AF_INET6:
		return "AF_INET6"
	case unix.AF_UNIX:
		return "AF_UNIX"
	default:
		return fmt.Sprint(family)
	}
}

func socketTypeName(sotype int) string {
	switch sotype {
	case unix.SOCK_STREAM:
		return "SOCK_STREAM"
	case unix.SOCK_DGRAM:
		return "SOCK_DGRAM"
	default:
		return fmt.Sprint(sotype)
	}
}

func shutdownName(how int) string {
	switch how {
	case unix.SHUT_RD:
		return "SHUT_RD"
	case unix.SHUT_WR:
		return "SHUT_WR"
	case unix.SHUT_RDWR:
		return "SHUT_RDWR"
	default:
		return fmt.Sprint(how)
	}
}
