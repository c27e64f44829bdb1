package unix

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The interface index of struct group_req is followed by padding to the
// alignment of struct sockaddr_storage, which is the one of a long.
const (
	groupOffset        = int(unsafe.Sizeof(uintptr(0)))
	groupReqSize       = groupOffset + sizeofSockaddrStorage
	groupSourceReqSize = groupOffset + 2*sizeofSockaddrStorage
)

// sendFlags prevents writes to a closed connection from raising SIGPIPE.
const sendFlags = unix.MSG_NOSIGNAL

func accept(socket, flags int) (int, unix.Sockaddr, error) {
	return unix.Accept4(socket, flags|unix.SOCK_CLOEXEC)
}

func pipe(fds []int, flags int) error {
	return unix.Pipe2(fds, flags|unix.O_CLOEXEC)
}

func socket(family, sotype, proto int) (int, error) {
	return unix.Socket(family, sotype|unix.SOCK_CLOEXEC, proto)
}

func socketpair(family, sotype, proto int) ([2]int, error) {
	return unix.Socketpair(family, sotype|unix.SOCK_CLOEXEC, proto)
}

func setFamily4(sa *unix.RawSockaddrInet4) {
	sa.Family = unix.AF_INET
}

func setFamily6(sa *unix.RawSockaddrInet6) {
	sa.Family = unix.AF_INET6
}
