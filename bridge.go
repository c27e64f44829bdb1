package iobridge

import (
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stealthrocket/iobridge/internal/descriptor"
	"golang.org/x/sys/unix"
)

// Handle is a logical reference to a descriptor owned by a Bridge.
//
// Handles carry a generation, a handle which was closed never resolves again,
// even after its slot in the registry has been reused.
type Handle uint64

// Bridge turns the primitives of a Provider into operations which complete,
// fail with typed errors, and can be interrupted by closing their handle.
//
// A Bridge is safe for concurrent use. Any number of goroutines may use the
// same handle at once, closing the handle interrupts all of them.
type Bridge struct {
	// Provider performs the system calls. It must be set before the bridge
	// is used.
	Provider Provider

	// Logger receives the failures that the bridge swallows. Nil disables
	// logging.
	Logger *logiface.Logger[logiface.Event]

	// Now returns the current time, used to track connect deadlines.
	// Defaults to time.Now.
	Now func() time.Time

	mutex    sync.Mutex
	shutdown bool
	slots    descriptor.Table[Handle, *slot]
}

type slotState uint8

const (
	slotOpen slotState = iota
	slotClosing
	slotClosed
)

type slot struct {
	fd    int
	state slotState
	// waiters counts the operations in flight on the slot. Once the slot is
	// closing, the native descriptor is closed by whoever brings it to zero.
	waiters int
	// wake is a pipe created on the first wait. Closing its write end wakes
	// every goroutine polling the read end.
	wake [2]int

	nonblock   bool
	socket     bool
	family     int
	sotype     int
	rcvtimeo   time.Duration
	connecting bool
}

func newSlot(fd int) *slot {
	return &slot{fd: fd, wake: [2]int{-1, -1}}
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bridge) insert(s *slot) Handle {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.slots.Insert(s)
}

// Register takes ownership of the native descriptor fd and returns a handle
// to it. The descriptor is inspected to learn whether it is a socket, and
// whether it is in non-blocking mode.
func (b *Bridge) Register(fd int) (Handle, error) {
	flags, errno := b.Provider.Fcntl(fd, unix.F_GETFL, 0)
	if errno != ESUCCESS {
		return 0, AsIOError(Wrap("fcntl", errno))
	}
	s := newSlot(fd)
	s.nonblock = (flags & unix.O_NONBLOCK) != 0
	if sotype, errno := b.Provider.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); errno == ESUCCESS {
		s.socket, s.sotype = true, sotype
		if addr, errno := b.Provider.Getsockname(fd); errno == ESUCCESS && addr != nil {
			s.family = addr.Family()
		}
	}
	return b.insert(s), nil
}

// Fd returns the native descriptor of h, and whether h is open.
func (b *Bridge) Fd(h Handle) (int, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	s, ok := b.slots.Lookup(h)
	if !ok || s.state != slotOpen {
		return -1, false
	}
	return s.fd, true
}

// Pipe creates a pipe and returns handles to its read and write ends.
func (b *Bridge) Pipe() (r, w Handle, err error) {
	rfd, wfd, errno := b.Provider.Pipe()
	if errno != ESUCCESS {
		return 0, 0, AsIOError(Wrap("pipe", errno))
	}
	return b.insert(newSlot(rfd)), b.insert(newSlot(wfd)), nil
}

// Dup duplicates the descriptor of h into a new handle. The new handle starts
// in blocking mode.
func (b *Bridge) Dup(h Handle) (Handle, error) {
	s, err := b.acquire(h, "dup")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	var fd int
	if err := b.retry(s, "dup", func(oldfd int) (errno Errno) {
		fd, errno = b.Provider.Dup(oldfd)
		return errno
	}); err != nil {
		return 0, AsIOError(err)
	}
	d := newSlot(fd)
	d.socket, d.family, d.sotype = s.socket, s.family, s.sotype
	d.nonblock = s.nonblock
	return b.insert(d), nil
}

// SetBlocking switches h between blocking and non-blocking mode.
//
// Operations on a handle in non-blocking mode never wait, they report that
// they would block the way each of them documents.
func (b *Bridge) SetBlocking(h Handle, blocking bool) error {
	s, err := b.acquire(h, "fcntl")
	if err != nil {
		return err
	}
	defer b.release(s)
	return AsIOError(b.setBlocking(s, blocking))
}

func (b *Bridge) setBlocking(s *slot, blocking bool) error {
	var flags int
	if err := b.retry(s, "fcntl", func(fd int) (errno Errno) {
		flags, errno = b.Provider.Fcntl(fd, unix.F_GETFL, 0)
		return errno
	}); err != nil {
		return err
	}
	if blocking {
		flags &^= unix.O_NONBLOCK
	} else {
		flags |= unix.O_NONBLOCK
	}
	if err := b.retry(s, "fcntl", func(fd int) Errno {
		_, errno := b.Provider.Fcntl(fd, unix.F_SETFL, flags)
		return errno
	}); err != nil {
		return err
	}
	b.mutex.Lock()
	s.nonblock = !blocking
	b.mutex.Unlock()
	return nil
}

// Poll waits until one of the events is ready on h and returns the events
// that were reported. A negative timeout waits indefinitely. When the timeout
// expires, Poll returns zero events and no error.
//
// Closing h while Poll is blocked makes it return a *ClosedError.
func (b *Bridge) Poll(h Handle, events int16, timeout time.Duration) (int16, error) {
	s, err := b.acquire(h, "poll")
	if err != nil {
		return 0, err
	}
	defer b.release(s)

	var deadline time.Time
	if timeout >= 0 {
		deadline = b.now().Add(timeout)
	}
	// The descriptor is polled at least once, a zero timeout checks whether
	// the events are ready without waiting.
	ms := -1
	if timeout >= 0 {
		ms = millis(timeout)
	}
	for {
		revents, err := b.wait(s, "poll", events, ms)
		if err != nil || revents != 0 {
			return revents, err
		}
		if timeout >= 0 {
			remaining := deadline.Sub(b.now())
			if remaining <= 0 {
				return 0, nil
			}
			ms = millis(remaining)
		}
	}
}

// millis converts d to milliseconds, rounding up so that a positive duration
// never becomes a non-blocking poll.
func millis(d time.Duration) int {
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Close releases h. Operations blocked on h return a *ClosedError, and the
// native descriptor is closed once the last of them has returned. Closing a
// handle which is not open does nothing.
//
// Failures of the native close are logged, they are never returned.
func (b *Bridge) Close(h Handle) {
	b.mutex.Lock()
	s, ok := b.slots.Delete(h)
	if !ok {
		b.mutex.Unlock()
		return
	}
	wakeWriter := s.wake[1]
	s.wake[1] = -1
	s.state = slotClosing
	waiters := s.waiters
	if waiters == 0 {
		s.state = slotClosed
	}
	b.mutex.Unlock()

	if wakeWriter >= 0 {
		b.Provider.Close(wakeWriter)
	}
	if waiters == 0 {
		b.finalize(s)
		return
	}
	if s.socket {
		// Calls blocked inside the provider are not polling the wake pipe.
		b.Provider.Shutdown(s.fd, unix.SHUT_RDWR)
	}
	b.Logger.Debug().
		Int("fd", s.fd).
		Int("waiters", waiters).
		Log("close deferred until blocked operations return")
}

// Shutdown interrupts every blocked operation and prevents new ones from
// starting. Handles are not released, CloseAll does that.
func (b *Bridge) Shutdown() {
	var wakeWriters []int
	b.mutex.Lock()
	if !b.shutdown {
		b.shutdown = true
		b.slots.Range(func(_ Handle, s *slot) bool {
			if s.wake[1] >= 0 {
				wakeWriters = append(wakeWriters, s.wake[1])
				s.wake[1] = -1
			}
			return true
		})
	}
	b.mutex.Unlock()

	for _, fd := range wakeWriters {
		b.Provider.Close(fd)
	}
}

// CloseAll shuts down the bridge and closes every handle.
func (b *Bridge) CloseAll() {
	b.Shutdown()

	var handles []Handle
	b.mutex.Lock()
	b.slots.Range(func(h Handle, _ *slot) bool {
		handles = append(handles, h)
		return true
	})
	b.mutex.Unlock()

	for _, h := range handles {
		b.Close(h)
	}
}

func (b *Bridge) finalize(s *slot) {
	if errno := b.Provider.Close(s.fd); errno != ESUCCESS {
		log := b.Logger.Warning()
		if errno == EIO {
			log = b.Logger.Err()
		}
		log.Int("fd", s.fd).
			Err(Wrap("close", errno)).
			Log("closing descriptor")
	}
	if s.wake[0] >= 0 {
		b.Provider.Close(s.wake[0])
	}
}

// acquire resolves h and registers the caller as an operation in flight on
// the slot. Every successful acquire must be paired with a release.
func (b *Bridge) acquire(h Handle, function string) (*slot, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	s, ok := b.slots.Lookup(h)
	if !ok || s.state != slotOpen || b.shutdown {
		return nil, &ClosedError{Function: function}
	}
	s.waiters++
	return s, nil
}

func (b *Bridge) release(s *slot) {
	b.mutex.Lock()
	s.waiters--
	last := s.waiters == 0 && s.state == slotClosing
	if last {
		s.state = slotClosed
	}
	b.mutex.Unlock()

	if last {
		b.finalize(s)
	}
}

func (b *Bridge) closing(s *slot) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return s.state != slotOpen || b.shutdown
}

func (b *Bridge) wakeFd(s *slot, function string) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if s.state != slotOpen || b.shutdown {
		return -1, &ClosedError{Function: function}
	}
	if s.wake[0] < 0 {
		r, w, errno := b.Provider.Pipe()
		if errno != ESUCCESS {
			return -1, Wrap("pipe", errno)
		}
		s.wake = [2]int{r, w}
	}
	return s.wake[0], nil
}

// wait polls the descriptor of s for events, for at most timeout
// milliseconds (indefinitely if negative), along with the wake pipe of the
// slot. It returns zero events when the timeout expired or the poll was
// interrupted by a signal, and a *ClosedError if the slot was closed.
func (b *Bridge) wait(s *slot, function string, events int16, timeout int) (int16, error) {
	wakeFd, err := b.wakeFd(s, function)
	if err != nil {
		return 0, err
	}
	fds := []PollFd{
		{Fd: s.fd, Events: events},
		{Fd: wakeFd, Events: unix.POLLIN},
	}
	n, errno := b.Provider.Poll(fds, timeout)
	if fds[1].Revents != 0 || b.closing(s) {
		return 0, &ClosedError{Function: function}
	}
	switch errno {
	case ESUCCESS:
	case EINTR:
		return 0, nil
	default:
		return 0, Wrap("poll", errno)
	}
	if n == 0 {
		return 0, nil
	}
	return fds[0].Revents, nil
}

// retry calls fn with the native descriptor of s until it does not fail with
// EINTR. A failure observed after the slot started closing is most likely
// caused by the close, it is reported as a *ClosedError.
func (b *Bridge) retry(s *slot, function string, fn func(fd int) Errno) error {
	for {
		errno := fn(s.fd)
		switch {
		case errno == ESUCCESS:
			return nil
		case b.closing(s):
			return &ClosedError{Function: function}
		case errno == EINTR:
			continue
		default:
			return Wrap(function, errno)
		}
	}
}
