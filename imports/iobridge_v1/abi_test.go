package iobridge_v1

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stealthrocket/iobridge"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestHostOpenFlags(t *testing.T) {
	tests := []struct {
		guest int32
		host  int
		ok    bool
	}{
		{OpenReadOnly, unix.O_RDONLY, true},
		{OpenWriteOnly | OpenCreate | OpenTruncate, unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, true},
		{OpenReadWrite | OpenAppend | OpenNonBlock, unix.O_RDWR | unix.O_APPEND | unix.O_NONBLOCK, true},
		{OpenWriteOnly | OpenCreate | OpenExclusive, unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL, true},
		{0x3, 0, false},
		{OpenReadOnly | 0x100000, 0, false},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#x", test.guest), func(t *testing.T) {
			host, ok := hostOpenFlags(test.guest)
			assert.Equal(t, test.ok, ok)
			if ok {
				assert.Equal(t, test.host, host)
			}
		})
	}
}

func TestHostMsgFlags(t *testing.T) {
	host, ok := hostMsgFlags(MsgPeek | MsgDontWait)
	assert.True(t, ok)
	assert.Equal(t, unix.MSG_PEEK|unix.MSG_DONTWAIT, host)

	_, ok = hostMsgFlags(0x8000)
	assert.False(t, ok)
}

func TestOptionValues(t *testing.T) {
	tests := []struct {
		option iobridge.SocketOption
		guest  int64
		value  iobridge.SocketOptionValue
	}{
		{iobridge.KeepAlive, 1, iobridge.BoolValue(true)},
		{iobridge.MulticastLoop, 0, iobridge.BoolValue(false)},
		{iobridge.Linger, -1, iobridge.BoolValue(false)},
		{iobridge.Linger, 30, iobridge.Int32Value(30)},
		{iobridge.RecvTimeout, 1500, iobridge.DurationValue(1500 * time.Millisecond)},
		{iobridge.MulticastTTL, 4, iobridge.Int32Value(4)},
	}
	for _, test := range tests {
		t.Run(test.option.String(), func(t *testing.T) {
			assert.Equal(t, test.value, makeOptionValue(test.option, test.guest))
			assert.Equal(t, test.guest, optionValue(test.option, test.value))
		})
	}
	assert.Equal(t, int64(-1), optionValue(iobridge.Linger, iobridge.LingerValue{}))
	assert.Equal(t, int64(9), optionValue(iobridge.Linger, iobridge.LingerValue{On: true, Seconds: 9}))
}

func TestMakeErrno(t *testing.T) {
	assert.Equal(t, iobridge.ESUCCESS, makeErrno(nil))
	assert.Equal(t, iobridge.ENOPROTOOPT, makeErrno(&iobridge.OptionError{Option: 99}))
	assert.Equal(t, iobridge.EINVAL, makeErrno(&iobridge.SocketError{
		Err: &iobridge.OptionError{Option: iobridge.Linger, Value: iobridge.DurationValue(0)},
	}))
	assert.Equal(t, iobridge.EBADF, makeErrno(&iobridge.ClosedError{Function: "read"}))
	assert.Equal(t, iobridge.ECONNREFUSED, makeErrno(iobridge.Wrap("connect", iobridge.ECONNREFUSED)))
}

func TestAddress(t *testing.T) {
	addr := Address{Family: Inet6Family, Port: 8080, Zone: 2, Addr: [16]byte{15: 1}}
	b := make([]byte, addr.ObjectSize())
	addr.StoreObject(nil, b)
	assert.Equal(t, addr, Address{}.LoadObject(nil, b))

	sa, ok := addr.socketAddress()
	assert.True(t, ok)
	assert.Equal(t, "[::1]:8080", sa.String())
	assert.Equal(t, addr, makeAddress(sa))

	var w strings.Builder
	addr.FormatObject(&w, nil, b)
	assert.Equal(t, "ip6:[::1]:8080", w.String())

	_, ok = Address{}.socketAddress()
	assert.False(t, ok)
	assert.Equal(t, Address{}, makeAddress(nil))
}
