package iobridge_test

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"testing"

	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/iobridge/iobridgetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipeRoundTripWithShortTransfers(t *testing.T) {
	for _, size := range []int{0, 1, 13, 1000, 10000} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			p := &iobridgetest.Provider{
				MaxTransfer: 7,
				Rand:        rand.New(rand.NewSource(int64(size))),
			}
			b := newBridge(t, p)

			r, w, err := b.Pipe()
			require.NoError(t, err)

			data := make([]byte, size)
			rand.New(rand.NewSource(1)).Read(data)

			n, err := b.Write(w, data, 0, len(data))
			require.NoError(t, err)
			assert.Equal(t, size, n)
			b.Close(w)

			got := make([]byte, 0, size)
			buf := make([]byte, 64)
			for {
				n, err := b.Read(r, buf, 0, len(buf))
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				require.NotZero(t, n)
				got = append(got, buf[:n]...)
			}
			assert.True(t, bytes.Equal(data, got), "bytes read do not match the bytes written")
		})
	}
}

func TestWriteOrderIsPreservedAcrossConcurrentRead(t *testing.T) {
	p := &iobridgetest.Provider{MaxTransfer: 5, Rand: rand.New(rand.NewSource(2))}
	b := newBridge(t, p)

	r, w, err := b.Pipe()
	require.NoError(t, err)

	const chunks = 50
	go func() {
		for i := 0; i < chunks; i++ {
			msg := []byte(fmt.Sprintf("%04d", i))
			b.Write(w, msg, 0, len(msg))
		}
		b.Close(w)
	}()

	var got bytes.Buffer
	buf := make([]byte, 16)
	for {
		n, err := b.Read(r, buf, 3, 13)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got.Write(buf[3 : 3+n])
	}

	var want bytes.Buffer
	for i := 0; i < chunks; i++ {
		fmt.Fprintf(&want, "%04d", i)
	}
	assert.Equal(t, want.String(), got.String())
}

func TestReadEndOfStreamIsSticky(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)

	r, w, err := b.Pipe()
	require.NoError(t, err)
	b.Close(w)

	for i := 0; i < 3; i++ {
		n, err := b.Read(r, make([]byte, 8), 0, 8)
		assert.Equal(t, io.EOF, err)
		assert.Zero(t, n)
	}
}

func TestReadZeroFromProviderIsEndOfStream(t *testing.T) {
	p := new(iobridgetest.Provider)
	p.AddFile("/empty", nil)
	b := newBridge(t, p)

	h, err := b.Open("/empty", unix.O_RDONLY)
	require.NoError(t, err)

	_, err = b.Read(h, make([]byte, 8), 0, 8)
	assert.Equal(t, io.EOF, err)
	_, err = b.Read(h, make([]byte, 8), 0, 8)
	assert.Equal(t, io.EOF, err)
}

func TestReadBoundsAreCheckedFirst(t *testing.T) {
	tests := []struct {
		off, n int
	}{
		{-1, 1},
		{0, -1},
		{9, 0},
		{4, 5},
	}

	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	r, w, err := b.Pipe()
	require.NoError(t, err)

	for _, test := range tests {
		t.Run(fmt.Sprintf("off=%d,n=%d", test.off, test.n), func(t *testing.T) {
			p.ResetCalls()

			_, err := b.Read(r, make([]byte, 8), test.off, test.n)
			var bounds *iobridge.BoundsError
			require.ErrorAs(t, err, &bounds)
			assert.Equal(t, 8, bounds.Length)

			_, err = b.Write(w, make([]byte, 8), test.off, test.n)
			require.ErrorAs(t, err, &bounds)

			assert.Empty(t, p.Calls())
		})
	}

	// Bounds are checked before the handle.
	b.Close(r)
	_, err = b.Read(r, make([]byte, 8), 4, 5)
	assert.EqualError(t, err, "length=8; regionStart=4; regionLength=5")
}

func TestZeroLengthTransfersDoNothing(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	r, w, err := b.Pipe()
	require.NoError(t, err)

	p.ResetCalls()
	n, err := b.Read(r, make([]byte, 8), 4, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.Write(w, nil, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, p.Calls())
}

func TestReadNonBlockingWithoutData(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	r, _, err := b.Pipe()
	require.NoError(t, err)
	require.NoError(t, b.SetBlocking(r, false))

	n, err := b.Read(r, make([]byte, 8), 0, 8)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadFailure(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	r, w, err := b.Pipe()
	require.NoError(t, err)
	_, err = b.Write(w, []byte("x"), 0, 1)
	require.NoError(t, err)

	p.OnRead = func(int, []byte) (int, iobridge.Errno, bool) {
		return -1, iobridge.EIO, true
	}
	_, err = b.Read(r, make([]byte, 8), 0, 8)
	var ioErr *iobridge.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, iobridge.EIO)
	assert.EqualError(t, err, "read failed: EIO (input/output error)")
}

func TestWriteContinuesAfterWouldBlock(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	_, w, err := b.Pipe()
	require.NoError(t, err)
	require.NoError(t, b.SetBlocking(w, false))

	var written bytes.Buffer
	calls := 0
	p.OnWrite = func(fd int, buf []byte) (int, iobridge.Errno, bool) {
		calls++
		switch calls {
		case 1:
			written.Write(buf[:2])
			return 2, iobridge.ESUCCESS, true
		case 2:
			return -1, iobridge.EAGAIN, true
		case 3:
			return -1, iobridge.EINTR, true
		default:
			written.Write(buf)
			return len(buf), iobridge.ESUCCESS, true
		}
	}

	n, err := b.Write(w, []byte("hello"), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", written.String())
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, count(p.Calls(), "poll"))
}

func TestWriteReportsProgressBeforeFailure(t *testing.T) {
	p := new(iobridgetest.Provider)
	b := newBridge(t, p)
	_, w, err := b.Pipe()
	require.NoError(t, err)

	calls := 0
	p.OnWrite = func(fd int, buf []byte) (int, iobridge.Errno, bool) {
		calls++
		if calls == 1 {
			return 3, iobridge.ESUCCESS, true
		}
		return -1, iobridge.EPIPE, true
	}

	n, err := b.Write(w, []byte("abcdef"), 0, 6)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, iobridge.EPIPE)
	var ioErr *iobridge.IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestAvailable(t *testing.T) {
	p := new(iobridgetest.Provider)
	p.AddFile("/data", []byte("0123456789"))
	b := newBridge(t, p)

	r, w, err := b.Pipe()
	require.NoError(t, err)
	_, err = b.Write(w, []byte("abc"), 0, 3)
	require.NoError(t, err)

	n, err := b.Available(r)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := b.Open("/data", unix.O_RDONLY)
	require.NoError(t, err)
	n, err = b.Available(f)
	require.NoError(t, err, "descriptors which do not support FIONREAD report zero bytes")
	assert.Zero(t, n)

	p.OnIoctl = func(int, uint) (int, iobridge.Errno, bool) { return -5, iobridge.ESUCCESS, true }
	n, err = b.Available(r)
	require.NoError(t, err)
	assert.Zero(t, n)

	p.OnIoctl = func(int, uint) (int, iobridge.Errno, bool) { return -1, iobridge.EINVAL, true }
	_, err = b.Available(r)
	assert.ErrorIs(t, err, iobridge.EINVAL)
}

func TestOpen(t *testing.T) {
	p := new(iobridgetest.Provider)
	p.AddFile("/data", []byte("0123456789"))
	b := newBridge(t, p)

	h, err := b.Open("/data", unix.O_RDONLY)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := b.Read(h, buf, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))

	w, err := b.Open("/new", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)
	_, err = b.Write(w, []byte("created"), 0, 7)
	require.NoError(t, err)
	data, ok := p.File("/new")
	require.True(t, ok)
	assert.Equal(t, "created", string(data))
}

func TestOpenMissingFile(t *testing.T) {
	b := newBridge(t, new(iobridgetest.Provider))

	_, err := b.Open("/missing", unix.O_RDONLY)
	var ioErr *iobridge.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "/missing", ioErr.Path)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, err, iobridge.ENOENT)
}

func TestOpenDirectoryReleasesDescriptor(t *testing.T) {
	p := new(iobridgetest.Provider)
	p.AddDir("/dir")
	b := newBridge(t, p)

	_, err := b.Open("/dir", unix.O_RDONLY)
	assert.ErrorIs(t, err, iobridge.EISDIR)
	assert.Equal(t, []string{"open", "fstat", "close"}, p.Calls())
	assert.False(t, p.IsOpen(3))
}

// modeProvider records the mode of the files it opens.
type modeProvider struct {
	*iobridgetest.Provider
	modes []uint32
}

func (p *modeProvider) Open(path string, flags int, mode uint32) (int, iobridge.Errno) {
	p.modes = append(p.modes, mode)
	return p.Provider.Open(path, flags, mode)
}

func TestOpenMode(t *testing.T) {
	p := &modeProvider{Provider: new(iobridgetest.Provider)}
	p.AddFile("/data", nil)
	b := &iobridge.Bridge{Provider: p}
	t.Cleanup(b.CloseAll)

	_, err := b.Open("/data", unix.O_RDONLY)
	require.NoError(t, err)
	_, err = b.Open("/data", unix.O_RDWR)
	require.NoError(t, err)
	_, err = b.Open("/other", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC)
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 0600, 0600}, p.modes)
}
