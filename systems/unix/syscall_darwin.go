package unix

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// struct group_req and struct group_source_req are packed on 4 bytes.
const (
	groupOffset        = 4
	groupReqSize       = groupOffset + sizeofSockaddrStorage
	groupSourceReqSize = groupOffset + 2*sizeofSockaddrStorage
)

// Sockets are created with SO_NOSIGPIPE, there are no flags to pass.
const sendFlags = 0

func accept(socket, flags int) (int, unix.Sockaddr, error) {
	conn, addr, err := acceptCloseOnExec(socket)
	if err != nil {
		return -1, addr, err
	}
	if err := noSigPipe(conn); err != nil {
		unix.Close(conn)
		return -1, addr, err
	}
	if (flags & unix.O_NONBLOCK) != 0 {
		if err := unix.SetNonblock(conn, true); err != nil {
			unix.Close(conn)
			return -1, addr, err
		}
	}
	return conn, addr, nil
}

func acceptCloseOnExec(socket int) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	conn, addr, err := unix.Accept(socket)
	if err != nil {
		return -1, addr, err
	}
	unix.CloseOnExec(conn)
	return conn, addr, nil
}

func pipe(fds []int, flags int) error {
	if err := pipeCloseOnExec(fds); err != nil {
		return err
	}
	if (flags & unix.O_NONBLOCK) != 0 {
		for _, fd := range fds {
			if err := unix.SetNonblock(fd, true); err != nil {
				closePipe(fds)
				return err
			}
		}
	}
	return nil
}

func pipeCloseOnExec(fds []int) error {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	if err := unix.Pipe(fds); err != nil {
		return err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return nil
}

func closePipe(fds []int) {
	unix.Close(fds[1])
	unix.Close(fds[0])
	fds[0] = -1
	fds[1] = -1
}

func socket(family, sotype, proto int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, err
	}
	if err := noSigPipe(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func socketpair(family, sotype, proto int) ([2]int, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return fds, err
	}
	for _, fd := range fds {
		if err := noSigPipe(fd); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return [2]int{-1, -1}, err
		}
	}
	return fds, nil
}

func noSigPipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

func setFamily4(sa *unix.RawSockaddrInet4) {
	sa.Len = unix.SizeofSockaddrInet4
	sa.Family = unix.AF_INET
}

func setFamily6(sa *unix.RawSockaddrInet6) {
	sa.Len = unix.SizeofSockaddrInet6
	sa.Family = unix.AF_INET6
}
