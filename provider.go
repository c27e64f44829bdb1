package iobridge

import (
	"time"

	"golang.org/x/sys/unix"
)

// Provider is the raw syscall surface that a Bridge drives.
//
// There is one method per POSIX primitive. Each method either succeeds, or
// returns the error code reported by the primitive; the Bridge knows which
// function it called and pairs the two when it builds a failure. Providers do
// not retry on EINTR, do not loop on short transfers, and do not translate
// error codes: all of this is the job of the Bridge.
//
// Blocking primitives (Read, Write, Accept, Connect, RecvFrom, SendTo, Poll)
// block the calling goroutine the way the underlying system call would.
type Provider interface {
	// Open opens a file.
	//
	// Note: This is similar to open in POSIX.
	Open(path string, flags int, mode uint32) (int, Errno)

	// Close closes a file descriptor.
	//
	// Note: This is similar to close in POSIX.
	Close(fd int) Errno

	// Read reads bytes from a file descriptor, returning zero at the end of
	// the stream.
	//
	// Note: This is similar to read in POSIX.
	Read(fd int, b []byte) (int, Errno)

	// Write writes bytes to a file descriptor. Fewer bytes than requested
	// may be written.
	//
	// Note: This is similar to write in POSIX.
	Write(fd int, b []byte) (int, Errno)

	// Pipe creates a pipe, returning the read and write ends.
	//
	// Note: This is similar to pipe in POSIX.
	Pipe() (r, w int, errno Errno)

	// Dup duplicates a file descriptor.
	//
	// Note: This is similar to dup in POSIX.
	Dup(fd int) (int, Errno)

	// Fstat returns the mode and size of the file behind a file descriptor.
	//
	// Note: This is similar to fstat in POSIX.
	Fstat(fd int) (Stat, Errno)

	// Fcntl manipulates a file descriptor.
	//
	// Note: This is similar to fcntl in POSIX, with an integer argument.
	Fcntl(fd, cmd, arg int) (int, Errno)

	// IoctlInt issues a request which stores an integer result.
	//
	// Note: This is similar to ioctl in POSIX, with an int* argument.
	IoctlInt(fd int, req uint) (int, Errno)

	// Poll waits for events on file descriptors, for at most timeout
	// milliseconds, or indefinitely if timeout is negative. The Revents field
	// of each entry is updated.
	//
	// Note: This is similar to poll in POSIX.
	Poll(fds []PollFd, timeout int) (int, Errno)

	// Socket creates a socket.
	//
	// Note: This is similar to socket in POSIX.
	Socket(family, sotype, proto int) (int, Errno)

	// Socketpair creates a pair of connected sockets.
	//
	// Note: This is similar to socketpair in POSIX.
	Socketpair(family, sotype, proto int) ([2]int, Errno)

	// Bind assigns an address to a socket.
	//
	// Note: This is similar to bind in POSIX.
	Bind(fd int, addr SocketAddress) Errno

	// Listen marks a socket as accepting connections.
	//
	// Note: This is similar to listen in POSIX.
	Listen(fd, backlog int) Errno

	// Accept accepts a connection on a listening socket.
	//
	// Note: This is similar to accept in POSIX.
	Accept(fd int) (int, SocketAddress, Errno)

	// Connect connects a socket to an address.
	//
	// Note: This is similar to connect in POSIX.
	Connect(fd int, addr SocketAddress) Errno

	// Shutdown shuts down part of a full-duplex connection.
	//
	// Note: This is similar to shutdown in POSIX.
	Shutdown(fd, how int) Errno

	// Getsockname returns the local address of a socket.
	//
	// Note: This is similar to getsockname in POSIX.
	Getsockname(fd int) (SocketAddress, Errno)

	// Getpeername returns the address of the peer of a connected socket.
	//
	// Note: This is similar to getpeername in POSIX.
	Getpeername(fd int) (SocketAddress, Errno)

	// SendTo sends bytes on a socket, to addr if it is not nil.
	//
	// Note: This is similar to sendto in POSIX.
	SendTo(fd int, b []byte, flags int, addr SocketAddress) (int, Errno)

	// RecvFrom receives bytes from a socket. The source address is only
	// returned when wantAddr is true.
	//
	// Note: This is similar to recvfrom in POSIX.
	RecvFrom(fd int, b []byte, flags int, wantAddr bool) (int, SocketAddress, Errno)

	// GetsockoptInt and SetsockoptInt access options encoded as an int.
	//
	// Note: This is similar to getsockopt and setsockopt in POSIX.
	GetsockoptInt(fd, level, name int) (int, Errno)
	SetsockoptInt(fd, level, name, value int) Errno

	// GetsockoptByte and SetsockoptByte access options encoded as a single
	// unsigned char.
	GetsockoptByte(fd, level, name int) (byte, Errno)
	SetsockoptByte(fd, level, name int, value byte) Errno

	// GetsockoptLinger and SetsockoptLinger access options encoded as a
	// struct linger.
	GetsockoptLinger(fd, level, name int) (unix.Linger, Errno)
	SetsockoptLinger(fd, level, name int, value unix.Linger) Errno

	// GetsockoptTimeval and SetsockoptTimeval access options encoded as a
	// struct timeval.
	GetsockoptTimeval(fd, level, name int) (unix.Timeval, Errno)
	SetsockoptTimeval(fd, level, name int, value unix.Timeval) Errno

	// SetsockoptIPMreqn sets an option encoded as a struct ip_mreqn carrying
	// only an interface index.
	SetsockoptIPMreqn(fd, level, name, ifindex int) Errno

	// SetsockoptGroupReq and SetsockoptGroupSourceReq set the options
	// encoded as struct group_req and struct group_source_req.
	SetsockoptGroupReq(fd, level, name int, req GroupReq) Errno
	SetsockoptGroupSourceReq(fd, level, name int, req GroupSourceReq) Errno
}

// Stat is the subset of struct stat that the bridge needs.
type Stat struct {
	Mode uint32
	Size int64
}

// IsDir is true if the mode is the one of a directory.
func (s Stat) IsDir() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFDIR
}

// PollFd is an entry of the set of file descriptors passed to Provider.Poll.
type PollFd struct {
	Fd      int
	Events  int16
	Revents int16
}

// GroupReq is the content of a struct group_req.
type GroupReq struct {
	Interface uint32
	Group     SocketAddress
}

// GroupSourceReq is the content of a struct group_source_req.
type GroupSourceReq struct {
	Interface uint32
	Group     SocketAddress
	Source    SocketAddress
}

func timevalToDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

func durationToTimeval(d time.Duration) unix.Timeval {
	return unix.NsecToTimeval(d.Nanoseconds())
}
