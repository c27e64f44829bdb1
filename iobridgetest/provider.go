// Package iobridgetest provides an in-memory iobridge.Provider, and a suite
// of tests that any provider implementation should pass.
package iobridgetest

import (
	"math/rand"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Provider is an in-memory implementation of iobridge.Provider.
//
// It supports files and directories added with AddFile and AddDir, pipes,
// and stream and datagram sockets connected within the same Provider. The
// zero value is ready to use.
//
// The On* hooks intercept calls before they reach the in-memory
// implementation; a hook returning handled=false lets the call proceed. Hooks
// are invoked without holding the lock of the provider, they may block.
type Provider struct {
	// MaxTransfer caps the number of bytes that each Read, Write, SendTo and
	// RecvFrom on a stream moves, zero means no cap. When Rand is set, each
	// call picks a random cap between 1 and MaxTransfer.
	MaxTransfer int
	Rand        *rand.Rand

	// Clock, when set, is advanced by Poll calls with a timeout instead of
	// blocking. Each of them advances it by the timeout, or PollStep if it
	// is shorter.
	Clock    *Clock
	PollStep time.Duration

	// ConnectDelay is the time it takes to establish connections made by
	// non-blocking sockets, measured on Clock.
	ConnectDelay time.Duration

	// PipeCapacity bounds the number of bytes buffered in a pipe, zero means
	// no bound. Writes to a full pipe block unless the descriptor is
	// non-blocking, and poll does not report the write end as writable.
	PipeCapacity int

	OnClose         func(fd int) (errno iobridge.Errno, handled bool)
	OnRead          func(fd int, b []byte) (n int, errno iobridge.Errno, handled bool)
	OnWrite         func(fd int, b []byte) (n int, errno iobridge.Errno, handled bool)
	OnIoctl         func(fd int, req uint) (n int, errno iobridge.Errno, handled bool)
	OnPoll          func(fds []iobridge.PollFd, timeout int) (n int, errno iobridge.Errno, handled bool)
	OnConnect       func(fd int, addr iobridge.SocketAddress) (errno iobridge.Errno, handled bool)
	OnSendTo        func(fd int, b []byte, flags int, addr iobridge.SocketAddress) (n int, errno iobridge.Errno, handled bool)
	OnRecvFrom      func(fd int, b []byte, flags int, wantAddr bool) (n int, addr iobridge.SocketAddress, errno iobridge.Errno, handled bool)
	OnGetsockoptInt func(fd, level, name int) (value int, errno iobridge.Errno, handled bool)

	mutex    sync.Mutex
	cond     *sync.Cond
	fds      map[int]*descriptor
	files    map[string]*file
	bound    map[string]*sock
	nextPort int
	pollers  int
	calls    []string
}

var _ iobridge.Provider = (*Provider)(nil)

type descriptor struct {
	flags int
	file  *openFile
	pipe  *stream
	write bool
	sock  *sock
}

type file struct {
	data []byte
	dir  bool
}

type openFile struct {
	file   *file
	offset int
}

// stream is a queue of bytes written to a pipe or a stream socket.
type stream struct {
	chunks  *queue.Queue
	offset  int
	size    int
	readers int
	writers int
}

func newStream() *stream {
	return &stream{chunks: queue.New(), readers: 1, writers: 1}
}

func (s *stream) push(b []byte) {
	s.chunks.Add(append([]byte(nil), b...))
	s.size += len(b)
}

func (s *stream) pull(b []byte) (n int) {
	for n < len(b) && s.chunks.Length() > 0 {
		chunk := s.chunks.Peek().([]byte)
		k := copy(b[n:], chunk[s.offset:])
		n += k
		s.offset += k
		if s.offset == len(chunk) {
			s.chunks.Remove()
			s.offset = 0
		}
	}
	s.size -= n
	return n
}

func (p *Provider) lock() {
	p.mutex.Lock()
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mutex)
		p.fds = make(map[int]*descriptor)
		p.files = make(map[string]*file)
		p.bound = make(map[string]*sock)
		p.nextPort = 49152
	}
}

func (p *Provider) unlock() {
	p.mutex.Unlock()
}

// enter records a call to function.
func (p *Provider) enter(function string) {
	p.lock()
	p.calls = append(p.calls, function)
	p.unlock()
}

// Calls returns the names of the functions called so far, in order.
func (p *Provider) Calls() []string {
	p.lock()
	defer p.unlock()
	return append([]string(nil), p.calls...)
}

// ResetCalls clears the list of functions returned by Calls.
func (p *Provider) ResetCalls() {
	p.lock()
	p.calls = nil
	p.unlock()
}

// Pollers returns the number of goroutines blocked in Poll.
func (p *Provider) Pollers() int {
	p.lock()
	defer p.unlock()
	return p.pollers
}

// IsOpen returns whether fd is an open descriptor.
func (p *Provider) IsOpen(fd int) bool {
	p.lock()
	defer p.unlock()
	_, ok := p.fds[fd]
	return ok
}

// AddFile creates a regular file at path, holding a copy of data.
func (p *Provider) AddFile(path string, data []byte) {
	p.lock()
	p.files[path] = &file{data: append([]byte(nil), data...)}
	p.unlock()
}

// AddDir creates a directory at path.
func (p *Provider) AddDir(path string) {
	p.lock()
	p.files[path] = &file{dir: true}
	p.unlock()
}

// File returns the content of the regular file at path.
func (p *Provider) File(path string) ([]byte, bool) {
	p.lock()
	defer p.unlock()
	f, ok := p.files[path]
	if !ok || f.dir {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// insert allocates the lowest free descriptor number, starting at 3.
func (p *Provider) insert(d *descriptor) int {
	fd := 3
	for p.fds[fd] != nil {
		fd++
	}
	p.fds[fd] = d
	return fd
}

func (p *Provider) limit(n int) int {
	max := p.MaxTransfer
	if max <= 0 || n == 0 {
		return n
	}
	if max > n {
		max = n
	}
	if p.Rand != nil {
		return 1 + p.Rand.Intn(max)
	}
	return max
}

func (p *Provider) Open(path string, flags int, mode uint32) (int, iobridge.Errno) {
	p.enter("open")
	p.lock()
	defer p.unlock()

	f, ok := p.files[path]
	switch {
	case !ok && flags&unix.O_CREAT == 0:
		return -1, iobridge.ENOENT
	case !ok:
		f = &file{}
		p.files[path] = f
	case flags&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL:
		return -1, iobridge.EEXIST
	}
	if f.dir && flags&unix.O_ACCMODE != unix.O_RDONLY {
		return -1, iobridge.EISDIR
	}
	if !f.dir && flags&unix.O_DIRECTORY != 0 {
		return -1, iobridge.ENOTDIR
	}
	if flags&unix.O_TRUNC != 0 && !f.dir {
		f.data = f.data[:0]
	}
	return p.insert(&descriptor{flags: flags, file: &openFile{file: f}}), iobridge.ESUCCESS
}

func (p *Provider) Close(fd int) iobridge.Errno {
	p.enter("close")
	if p.OnClose != nil {
		if errno, ok := p.OnClose(fd); ok {
			return errno
		}
	}
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return iobridge.EBADF
	}
	delete(p.fds, fd)
	switch {
	case d.pipe != nil && d.write:
		d.pipe.writers--
	case d.pipe != nil:
		d.pipe.readers--
	case d.sock != nil:
		d.sock.refs--
		if d.sock.refs == 0 {
			p.closeSocket(d.sock)
		}
	}
	p.cond.Broadcast()
	return iobridge.ESUCCESS
}

func (p *Provider) Read(fd int, b []byte) (int, iobridge.Errno) {
	p.enter("read")
	if p.OnRead != nil {
		if n, errno, ok := p.OnRead(fd, b); ok {
			return n, errno
		}
	}
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return -1, iobridge.EBADF
	}
	switch {
	case d.file != nil:
		if d.file.file.dir {
			return -1, iobridge.EISDIR
		}
		if d.flags&unix.O_ACCMODE == unix.O_WRONLY {
			return -1, iobridge.EBADF
		}
		data := d.file.file.data
		if d.file.offset >= len(data) {
			return 0, iobridge.ESUCCESS
		}
		n := copy(b[:p.limit(len(b))], data[d.file.offset:])
		d.file.offset += n
		return n, iobridge.ESUCCESS
	case d.pipe != nil && !d.write:
		return p.readStream(d, d.pipe, b, false)
	case d.sock != nil:
		n, _, errno := p.recvFrom(d, b, 0, false)
		return n, errno
	default:
		return -1, iobridge.EBADF
	}
}

// readStream reads from s, blocking until data is available unless the
// descriptor is non-blocking. Must be called with the lock held.
func (p *Provider) readStream(d *descriptor, s *stream, b []byte, dontwait bool) (int, iobridge.Errno) {
	for {
		if len(b) == 0 {
			return 0, iobridge.ESUCCESS
		}
		if s.size > 0 {
			n := s.pull(b[:p.limit(len(b))])
			p.cond.Broadcast()
			return n, iobridge.ESUCCESS
		}
		if s.writers <= 0 || (d.sock != nil && d.sock.shutRd) {
			return 0, iobridge.ESUCCESS
		}
		if dontwait || d.flags&unix.O_NONBLOCK != 0 {
			return -1, iobridge.EAGAIN
		}
		p.cond.Wait()
	}
}

func (p *Provider) Write(fd int, b []byte) (int, iobridge.Errno) {
	p.enter("write")
	if p.OnWrite != nil {
		if n, errno, ok := p.OnWrite(fd, b); ok {
			return n, errno
		}
	}
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return -1, iobridge.EBADF
	}
	switch {
	case d.file != nil:
		if d.file.file.dir || d.flags&unix.O_ACCMODE == unix.O_RDONLY {
			return -1, iobridge.EBADF
		}
		f := d.file.file
		if d.flags&unix.O_APPEND != 0 {
			d.file.offset = len(f.data)
		}
		n := p.limit(len(b))
		if end := d.file.offset + n; end > len(f.data) {
			f.data = append(f.data, make([]byte, end-len(f.data))...)
		}
		copy(f.data[d.file.offset:], b[:n])
		d.file.offset += n
		return n, iobridge.ESUCCESS
	case d.pipe != nil && d.write:
		return p.writePipe(d, b)
	case d.sock != nil:
		return p.sendTo(d, b, nil)
	default:
		return -1, iobridge.EBADF
	}
}

func (p *Provider) writeStream(s *stream, b []byte) (int, iobridge.Errno) {
	if s.readers <= 0 {
		return -1, iobridge.EPIPE
	}
	n := p.limit(len(b))
	s.push(b[:n])
	p.cond.Broadcast()
	return n, iobridge.ESUCCESS
}

// writePipe writes to the pipe of d, waiting for space when the pipe is full
// unless the descriptor is non-blocking. Must be called with the lock held.
func (p *Provider) writePipe(d *descriptor, b []byte) (int, iobridge.Errno) {
	if p.PipeCapacity <= 0 {
		return p.writeStream(d.pipe, b)
	}
	for d.pipe.size >= p.PipeCapacity && d.pipe.readers > 0 {
		if d.flags&unix.O_NONBLOCK != 0 {
			return -1, iobridge.EAGAIN
		}
		p.cond.Wait()
	}
	if d.pipe.readers <= 0 {
		return -1, iobridge.EPIPE
	}
	if space := p.PipeCapacity - d.pipe.size; len(b) > space {
		b = b[:space]
	}
	return p.writeStream(d.pipe, b)
}

func (p *Provider) Pipe() (r, w int, errno iobridge.Errno) {
	p.enter("pipe")
	p.lock()
	defer p.unlock()
	s := newStream()
	r = p.insert(&descriptor{flags: unix.O_RDONLY, pipe: s})
	w = p.insert(&descriptor{flags: unix.O_WRONLY, pipe: s, write: true})
	return r, w, iobridge.ESUCCESS
}

func (p *Provider) Dup(fd int) (int, iobridge.Errno) {
	p.enter("dup")
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return -1, iobridge.EBADF
	}
	dup := *d
	dup.flags &^= unix.O_NONBLOCK
	switch {
	case d.pipe != nil && d.write:
		d.pipe.writers++
	case d.pipe != nil:
		d.pipe.readers++
	case d.sock != nil:
		d.sock.refs++
	}
	return p.insert(&dup), iobridge.ESUCCESS
}

func (p *Provider) Fstat(fd int) (iobridge.Stat, iobridge.Errno) {
	p.enter("fstat")
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return iobridge.Stat{}, iobridge.EBADF
	}
	switch {
	case d.file != nil && d.file.file.dir:
		return iobridge.Stat{Mode: unix.S_IFDIR | 0700}, iobridge.ESUCCESS
	case d.file != nil:
		return iobridge.Stat{Mode: unix.S_IFREG | 0600, Size: int64(len(d.file.file.data))}, iobridge.ESUCCESS
	case d.pipe != nil:
		return iobridge.Stat{Mode: unix.S_IFIFO | 0600}, iobridge.ESUCCESS
	default:
		return iobridge.Stat{Mode: unix.S_IFSOCK | 0777}, iobridge.ESUCCESS
	}
}

func (p *Provider) Fcntl(fd, cmd, arg int) (int, iobridge.Errno) {
	p.enter("fcntl")
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return -1, iobridge.EBADF
	}
	switch cmd {
	case unix.F_GETFL:
		return d.flags, iobridge.ESUCCESS
	case unix.F_SETFL:
		d.flags = (d.flags &^ unix.O_NONBLOCK) | (arg & unix.O_NONBLOCK)
		p.cond.Broadcast()
		return 0, iobridge.ESUCCESS
	case unix.F_GETFD, unix.F_SETFD:
		return 0, iobridge.ESUCCESS
	default:
		return -1, iobridge.EINVAL
	}
}

func (p *Provider) IoctlInt(fd int, req uint) (int, iobridge.Errno) {
	p.enter("ioctl")
	if p.OnIoctl != nil {
		if n, errno, ok := p.OnIoctl(fd, req); ok {
			return n, errno
		}
	}
	p.lock()
	defer p.unlock()

	d, ok := p.fds[fd]
	if !ok {
		return -1, iobridge.EBADF
	}
	if req != iobridge.FIONREAD {
		return -1, iobridge.EINVAL
	}
	switch {
	case d.pipe != nil:
		return d.pipe.size, iobridge.ESUCCESS
	case d.sock != nil:
		return d.sock.pending(), iobridge.ESUCCESS
	default:
		return -1, iobridge.ENOTTY
	}
}

func (p *Provider) Poll(fds []iobridge.PollFd, timeout int) (int, iobridge.Errno) {
	p.enter("poll")
	if p.OnPoll != nil {
		if n, errno, ok := p.OnPoll(fds, timeout); ok {
			return n, errno
		}
	}
	p.lock()
	defer p.unlock()

	expired := false
	var timer *time.Timer
	for {
		if n := p.poll(fds); n > 0 || timeout == 0 || expired {
			return n, iobridge.ESUCCESS
		}
		if p.Clock != nil && timeout > 0 {
			step := time.Duration(timeout) * time.Millisecond
			if p.PollStep > 0 && p.PollStep < step {
				step = p.PollStep
			}
			p.Clock.Advance(step)
			return p.poll(fds), iobridge.ESUCCESS
		}
		if timeout > 0 && timer == nil {
			timer = time.AfterFunc(time.Duration(timeout)*time.Millisecond, func() {
				p.lock()
				expired = true
				p.cond.Broadcast()
				p.unlock()
			})
			defer timer.Stop()
		}
		p.pollers++
		p.cond.Wait()
		p.pollers--
	}
}

// poll computes the events ready on each descriptor of fds. Must be called
// with the lock held.
func (p *Provider) poll(fds []iobridge.PollFd) (n int) {
	for i := range fds {
		var ready int16
		d, ok := p.fds[fds[i].Fd]
		switch {
		case !ok:
			ready = unix.POLLNVAL
		case d.file != nil:
			ready = unix.POLLIN | unix.POLLOUT
		case d.pipe != nil && d.write:
			if p.PipeCapacity <= 0 || d.pipe.size < p.PipeCapacity {
				ready = unix.POLLOUT
			}
			if d.pipe.readers <= 0 {
				ready = unix.POLLERR
			}
		case d.pipe != nil:
			if d.pipe.size > 0 {
				ready |= unix.POLLIN
			}
			if d.pipe.writers <= 0 {
				ready |= unix.POLLHUP
			}
		case d.sock != nil:
			ready = p.sockEvents(d.sock)
		}
		fds[i].Revents = ready & (fds[i].Events | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL)
		if fds[i].Revents != 0 {
			n++
		}
	}
	return n
}
