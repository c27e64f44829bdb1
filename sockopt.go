package iobridge

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// OptionError reports a socket option which is unknown, or a value of the
// wrong variant for the option.
type OptionError struct {
	Option SocketOption
	Value  SocketOptionValue
}

func (e *OptionError) Error() string {
	if e.Value == nil {
		return "Unknown socket option: " + e.Option.String()
	}
	return fmt.Sprintf("invalid value for socket option %s: %T", e.Option, e.Value)
}

const maxLingerSeconds = 65535

// GetOption reads the value of a socket option.
//
// Options which exist for both IPv4 and IPv6 are read from the level of the
// socket family, IPv6 when it is not known.
func (b *Bridge) GetOption(h Handle, option SocketOption) (SocketOptionValue, error) {
	s, err := b.acquire(h, "getsockopt")
	if err != nil {
		return nil, err
	}
	defer b.release(s)
	value, err := b.getOption(s, option)
	return value, AsSocketError(err)
}

func (b *Bridge) getOption(s *slot, option SocketOption) (SocketOptionValue, error) {
	ipv4 := s.family == unix.AF_INET
	switch option {
	case TCPNoDelay:
		return b.getBool(s, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	case ReuseAddress:
		return b.getBool(s, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	case KeepAlive:
		return b.getBool(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	case OOBInline:
		return b.getBool(s, unix.SOL_SOCKET, unix.SO_OOBINLINE)
	case Broadcast:
		return b.getBool(s, unix.SOL_SOCKET, unix.SO_BROADCAST)
	case SendBufferSize:
		return b.getInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF)
	case RecvBufferSize:
		return b.getInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF)
	case TrafficClass:
		if ipv4 {
			return b.getInt(s, unix.IPPROTO_IP, unix.IP_TOS)
		}
		return b.getInt(s, unix.IPPROTO_IPV6, unix.IPV6_TCLASS)
	case MulticastInterface:
		return b.getInt(s, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF)
	case MulticastLoop:
		if ipv4 {
			v, err := b.getByte(s, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP)
			return BoolValue(v != 0), err
		}
		return b.getBool(s, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP)
	case MulticastTTL:
		if ipv4 {
			v, err := b.getByte(s, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL)
			return Int32Value(v), err
		}
		return b.getInt(s, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS)

	case Linger:
		var l unix.Linger
		if err := b.retry(s, "getsockopt", func(fd int) (errno Errno) {
			l, errno = b.Provider.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
			return errno
		}); err != nil {
			return nil, err
		}
		if l.Onoff == 0 {
			return BoolValue(false), nil
		}
		return Int32Value(l.Linger), nil

	case RecvTimeout:
		var tv unix.Timeval
		if err := b.retry(s, "getsockopt", func(fd int) (errno Errno) {
			tv, errno = b.Provider.GetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
			return errno
		}); err != nil {
			return nil, err
		}
		return DurationValue(timevalToDuration(tv).Truncate(time.Millisecond)), nil

	case JoinGroup, LeaveGroup, BlockSource, UnblockSource, JoinSourceGroup, LeaveSourceGroup:
		// Group membership can only be changed, there is nothing to read.
		return nil, Wrap("getsockopt", ENOPROTOOPT)
	default:
		return nil, &OptionError{Option: option}
	}
}

func (b *Bridge) getInt(s *slot, level, name int) (SocketOptionValue, error) {
	var v int
	err := b.retry(s, "getsockopt", func(fd int) (errno Errno) {
		v, errno = b.Provider.GetsockoptInt(fd, level, name)
		return errno
	})
	if err != nil {
		return nil, err
	}
	return Int32Value(v), nil
}

func (b *Bridge) getBool(s *slot, level, name int) (SocketOptionValue, error) {
	v, err := b.getInt(s, level, name)
	if err != nil {
		return nil, err
	}
	return BoolValue(v.(Int32Value) != 0), nil
}

func (b *Bridge) getByte(s *slot, level, name int) (byte, error) {
	var v byte
	err := b.retry(s, "getsockopt", func(fd int) (errno Errno) {
		v, errno = b.Provider.GetsockoptByte(fd, level, name)
		return errno
	})
	return v, err
}

// SetOption sets the value of a socket option.
//
// Options which exist for both IPv4 and IPv6 are written at both levels; the
// level which does not apply to the family of the socket may reject it.
// Multicast group options use the level of the group address.
func (b *Bridge) SetOption(h Handle, option SocketOption, value SocketOptionValue) error {
	s, err := b.acquire(h, "setsockopt")
	if err != nil {
		return err
	}
	defer b.release(s)
	return AsSocketError(b.setOption(s, option, value))
}

func (b *Bridge) setOption(s *slot, option SocketOption, value SocketOptionValue) error {
	invalid := &OptionError{Option: option, Value: value}

	switch option {
	case TCPNoDelay, ReuseAddress, KeepAlive, OOBInline, Broadcast:
		v, ok := value.(BoolValue)
		if !ok {
			return invalid
		}
		level, name := boolOptionName(option)
		if err := b.setInt(s, level, name, boolToInt(bool(v))); err != nil {
			return err
		}
		if option == ReuseAddress && s.sotype == unix.SOCK_DGRAM {
			return b.setInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(bool(v)))
		}
		return nil

	case SendBufferSize, RecvBufferSize:
		v, ok := value.(Int32Value)
		if !ok {
			return invalid
		}
		name := unix.SO_SNDBUF
		if option == RecvBufferSize {
			name = unix.SO_RCVBUF
		}
		return b.setInt(s, unix.SOL_SOCKET, name, int(v))

	case Linger:
		var l unix.Linger
		switch v := value.(type) {
		case BoolValue:
			if v {
				return invalid
			}
		case Int32Value:
			l = makeLinger(v >= 0, int32(v))
		case LingerValue:
			l = makeLinger(v.On, v.Seconds)
		default:
			return invalid
		}
		return b.retry(s, "setsockopt", func(fd int) Errno {
			return b.Provider.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l)
		})

	case RecvTimeout:
		v, ok := value.(DurationValue)
		if !ok || v < 0 {
			return invalid
		}
		d := time.Duration(v).Truncate(time.Millisecond)
		if err := b.retry(s, "setsockopt", func(fd int) Errno {
			return b.Provider.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, durationToTimeval(d))
		}); err != nil {
			return err
		}
		b.mutex.Lock()
		s.rcvtimeo = d
		b.mutex.Unlock()
		return nil

	case TrafficClass:
		v, ok := value.(Int32Value)
		if !ok {
			return invalid
		}
		return b.setBothLevels(s,
			func(fd int) Errno { return b.Provider.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, int(v)) },
			func(fd int) Errno { return b.Provider.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int(v)) },
		)

	case MulticastInterface:
		v, ok := value.(Int32Value)
		if !ok {
			return invalid
		}
		return b.setBothLevels(s,
			func(fd int) Errno { return b.Provider.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, int(v)) },
			func(fd int) Errno {
				return b.Provider.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, int(v))
			},
		)

	case MulticastLoop:
		v, ok := value.(BoolValue)
		if !ok {
			return invalid
		}
		i := boolToInt(bool(v))
		return b.setBothLevels(s,
			func(fd int) Errno {
				return b.Provider.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, byte(i))
			},
			func(fd int) Errno {
				return b.Provider.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, i)
			},
		)

	case MulticastTTL:
		v, ok := value.(Int32Value)
		if !ok || v < 0 || v > 255 {
			return invalid
		}
		return b.setBothLevels(s,
			func(fd int) Errno {
				return b.Provider.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(v))
			},
			func(fd int) Errno {
				return b.Provider.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, int(v))
			},
		)

	case JoinGroup, LeaveGroup:
		v, ok := value.(MulticastGroupValue)
		if !ok || !v.Group.IsValid() {
			return invalid
		}
		req := GroupReq{
			Interface: uint32(v.Interface),
			Group:     AddressOf(netip.AddrPortFrom(v.Group, 0)),
		}
		level, name := groupOptionName(option, v.Group)
		return b.retry(s, "setsockopt", func(fd int) Errno {
			return b.Provider.SetsockoptGroupReq(fd, level, name, req)
		})

	case BlockSource, UnblockSource, JoinSourceGroup, LeaveSourceGroup:
		v, ok := value.(MulticastSourceGroupValue)
		if !ok || !v.Group.IsValid() || !v.Source.IsValid() {
			return invalid
		}
		req := GroupSourceReq{
			Interface: uint32(v.Interface),
			Group:     AddressOf(netip.AddrPortFrom(v.Group, 0)),
			Source:    AddressOf(netip.AddrPortFrom(v.Source, 0)),
		}
		level, name := groupOptionName(option, v.Group)
		return b.retry(s, "setsockopt", func(fd int) Errno {
			return b.Provider.SetsockoptGroupSourceReq(fd, level, name, req)
		})

	default:
		return &OptionError{Option: option}
	}
}

func (b *Bridge) setInt(s *slot, level, name, value int) error {
	return b.retry(s, "setsockopt", func(fd int) Errno {
		return b.Provider.SetsockoptInt(fd, level, name, value)
	})
}

// setBothLevels applies an option at the IPv4 and IPv6 levels. When the
// family of the socket is known, the level of the other family is allowed to
// reject the option.
func (b *Bridge) setBothLevels(s *slot, ipv4, ipv6 func(fd int) Errno) error {
	err4 := b.retry(s, "setsockopt", ipv4)
	var closed *ClosedError
	if errors.As(err4, &closed) {
		return err4
	}
	err6 := b.retry(s, "setsockopt", ipv6)
	switch s.family {
	case unix.AF_INET:
		if rejected(err6) {
			err6 = nil
		}
	case unix.AF_INET6:
		if rejected(err4) {
			err4 = nil
		}
	}
	if err4 != nil {
		return err4
	}
	return err6
}

func rejected(err error) bool {
	return errors.Is(err, ENOPROTOOPT) || errors.Is(err, EINVAL) || errors.Is(err, EAFNOSUPPORT)
}

func boolOptionName(option SocketOption) (level, name int) {
	switch option {
	case TCPNoDelay:
		return unix.IPPROTO_TCP, unix.TCP_NODELAY
	case ReuseAddress:
		return unix.SOL_SOCKET, unix.SO_REUSEADDR
	case KeepAlive:
		return unix.SOL_SOCKET, unix.SO_KEEPALIVE
	case OOBInline:
		return unix.SOL_SOCKET, unix.SO_OOBINLINE
	default:
		return unix.SOL_SOCKET, unix.SO_BROADCAST
	}
}

// groupOptionName returns the level and name of a group option, the level is
// chosen from the family of the group address; IPv4-mapped addresses are
// IPv4 groups.
func groupOptionName(option SocketOption, group netip.Addr) (level, name int) {
	level = unix.IPPROTO_IPV6
	if group.Unmap().Is4() {
		level = unix.IPPROTO_IP
	}
	switch option {
	case JoinGroup:
		name = unix.MCAST_JOIN_GROUP
	case LeaveGroup:
		name = unix.MCAST_LEAVE_GROUP
	case BlockSource:
		name = unix.MCAST_BLOCK_SOURCE
	case UnblockSource:
		name = unix.MCAST_UNBLOCK_SOURCE
	case JoinSourceGroup:
		name = unix.MCAST_JOIN_SOURCE_GROUP
	case LeaveSourceGroup:
		name = unix.MCAST_LEAVE_SOURCE_GROUP
	}
	return level, name
}

func makeLinger(on bool, seconds int32) unix.Linger {
	if !on {
		return unix.Linger{}
	}
	if seconds > maxLingerSeconds {
		seconds = maxLingerSeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	return unix.Linger{Onoff: 1, Linger: seconds}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
