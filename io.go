package iobridge

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Open opens the file at path and returns a handle to it. Files opened for
// writing are created with mode 0600.
//
// Directories cannot be opened, the descriptor is released and the open
// fails with EISDIR.
func (b *Bridge) Open(path string, flags int) (Handle, error) {
	mode := uint32(0600)
	if flags&unix.O_ACCMODE == unix.O_RDONLY {
		mode = 0
	}

	var fd int
	var errno Errno
	for {
		fd, errno = b.Provider.Open(path, flags, mode)
		if errno != EINTR {
			break
		}
	}
	if errno != ESUCCESS {
		return 0, &IOError{Path: path, Err: Wrap("open", errno)}
	}

	stat, errno := b.Provider.Fstat(fd)
	if errno == ESUCCESS && stat.IsDir() {
		errno = EISDIR
	}
	if errno != ESUCCESS {
		b.Provider.Close(fd)
		return 0, &IOError{Path: path, Err: Wrap("open", errno)}
	}

	s := newSlot(fd)
	s.nonblock = (flags & unix.O_NONBLOCK) != 0
	return b.insert(s), nil
}

// Read reads at most n bytes from h into b[off:off+n].
//
// Read returns io.EOF at the end of the stream, every time it is called
// there. When h is in non-blocking mode and no data is available, it returns
// zero and no error. Asking for zero bytes returns zero immediately.
func (b *Bridge) Read(h Handle, buf []byte, off, n int) (int, error) {
	if err := checkBounds(len(buf), off, n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s, err := b.acquire(h, "read")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	buf = buf[off : off+n]
	for {
		nonblock := b.nonblocking(s)
		if !nonblock {
			revents, err := b.wait(s, "read", unix.POLLIN, -1)
			if err != nil {
				return 0, AsIOError(err)
			}
			if revents == 0 {
				continue
			}
		}

		rn, errno := b.Provider.Read(s.fd, buf)
		switch {
		case errno == ESUCCESS:
			if rn == 0 {
				return 0, io.EOF
			}
			return rn, nil
		case b.closing(s):
			return 0, &ClosedError{Function: "read"}
		case errno == EINTR:
		case errno == EAGAIN:
			if nonblock {
				return 0, nil
			}
		default:
			return 0, AsIOError(Wrap("read", errno))
		}
	}
}

// Write writes the n bytes of b[off:off+n] to h. It returns once every byte
// was written, or when a failure occurs; the number of bytes written before
// the failure is returned with it.
func (b *Bridge) Write(h Handle, buf []byte, off, n int) (int, error) {
	if err := checkBounds(len(buf), off, n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s, err := b.acquire(h, "write")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	buf = buf[off : off+n]
	written := 0
	for written < len(buf) {
		chunk := buf[written:]
		if !b.nonblocking(s) {
			// Blocking writes enter the kernel only once the descriptor is
			// writable, with no more than a writable pipe accepts at once.
			revents, err := b.wait(s, "write", unix.POLLOUT, -1)
			if err != nil {
				return written, AsIOError(err)
			}
			if revents == 0 {
				continue
			}
			if !s.socket && len(chunk) > pipeBuf {
				chunk = chunk[:pipeBuf]
			}
		}

		wn, errno := b.Provider.Write(s.fd, chunk)
		switch {
		case errno == ESUCCESS:
			written += wn
		case b.closing(s):
			return written, &ClosedError{Function: "write"}
		case errno == EINTR:
		case errno == EAGAIN:
			if !b.nonblocking(s) {
				continue
			}
			if _, err := b.wait(s, "write", unix.POLLOUT, -1); err != nil {
				return written, AsIOError(err)
			}
		default:
			return written, AsIOError(Wrap("write", errno))
		}
	}
	return written, nil
}

// Available returns the number of bytes that can be read from h without
// blocking. Descriptors which cannot tell (e.g. regular files) report zero.
func (b *Bridge) Available(h Handle) (int, error) {
	s, err := b.acquire(h, "ioctl")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	var n int
	err = b.retry(s, "ioctl", func(fd int) (errno Errno) {
		n, errno = b.Provider.IoctlInt(fd, FIONREAD)
		return errno
	})
	switch {
	case errors.Is(err, ENOTTY):
		return 0, nil
	case err != nil:
		return 0, AsIOError(err)
	case n < 0:
		return 0, nil
	default:
		return n, nil
	}
}

func (b *Bridge) nonblocking(s *slot) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return s.nonblock
}
