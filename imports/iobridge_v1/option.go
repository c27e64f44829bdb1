package iobridge_v1

import (
	"errors"
	"time"

	"github.com/stealthrocket/iobridge"
)

// Option values are exchanged with the guest as 64 bits integers: booleans
// are 0 or 1, the linger time is in seconds with -1 when lingering is off,
// and the receive timeout is in milliseconds.
func makeOptionValue(option iobridge.SocketOption, value int64) iobridge.SocketOptionValue {
	switch option {
	case iobridge.TCPNoDelay,
		iobridge.ReuseAddress,
		iobridge.KeepAlive,
		iobridge.OOBInline,
		iobridge.Broadcast,
		iobridge.MulticastLoop:
		return iobridge.BoolValue(value != 0)
	case iobridge.Linger:
		if value < 0 {
			return iobridge.BoolValue(false)
		}
		return iobridge.Int32Value(value)
	case iobridge.RecvTimeout:
		return iobridge.DurationValue(time.Duration(value) * time.Millisecond)
	default:
		return iobridge.Int32Value(value)
	}
}

func optionValue(option iobridge.SocketOption, value iobridge.SocketOptionValue) int64 {
	switch v := value.(type) {
	case iobridge.BoolValue:
		switch {
		case bool(v):
			return 1
		case option == iobridge.Linger:
			return -1
		default:
			return 0
		}
	case iobridge.Int32Value:
		return int64(v)
	case iobridge.LingerValue:
		if !v.On {
			return -1
		}
		return int64(v.Seconds)
	case iobridge.DurationValue:
		return int64(time.Duration(v) / time.Millisecond)
	default:
		return 0
	}
}

// makeErrno converts the failures of the bridge to the error code returned
// to the guest.
func makeErrno(err error) iobridge.Errno {
	if err == nil {
		return iobridge.ESUCCESS
	}
	var optionErr *iobridge.OptionError
	if errors.As(err, &optionErr) {
		if optionErr.Value == nil {
			return iobridge.ENOPROTOOPT
		}
		return iobridge.EINVAL
	}
	var boundsErr *iobridge.BoundsError
	if errors.As(err, &boundsErr) {
		return iobridge.EINVAL
	}
	return iobridge.MakeErrno(err)
}
