package iobridge

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// SocketAddress is a socket address.
type SocketAddress interface {
	Network() string
	String() string
	Family() int
	sockaddr()
}

type Inet4Address struct {
	Port int
	Addr [4]byte
}

func (a *Inet4Address) sockaddr() {}

func (a *Inet4Address) Family() int {
	return unix.AF_INET
}

func (a *Inet4Address) Network() string {
	return "ip4"
}

// Host returns the address without the port.
func (a *Inet4Address) Host() string {
	return fmt.Sprintf(`%d.%d.%d.%d`, a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
}

func (a *Inet4Address) String() string {
	return a.Host() + ":" + strconv.Itoa(a.Port)
}

type Inet6Address struct {
	Port   int
	Addr   [16]byte
	ZoneID uint32
}

func (a *Inet6Address) sockaddr() {}

func (a *Inet6Address) Family() int {
	return unix.AF_INET6
}

func (a *Inet6Address) Network() string {
	return "ip6"
}

// Host returns the address without the port.
func (a *Inet6Address) Host() string {
	return netip.AddrFrom16(a.Addr).String()
}

func (a *Inet6Address) String() string {
	return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
}

type UnixAddress struct {
	Name string
}

func (a *UnixAddress) sockaddr() {}

func (a *UnixAddress) Family() int {
	return unix.AF_UNIX
}

func (a *UnixAddress) Network() string {
	return "unix"
}

func (a *UnixAddress) String() string {
	return a.Name
}

// AddressOf converts an IP address and port to a SocketAddress. IPv4-mapped
// IPv6 addresses are converted to IPv4.
func AddressOf(addrPort netip.AddrPort) SocketAddress {
	addr := addrPort.Addr().Unmap()
	if addr.Is4() {
		return &Inet4Address{Port: int(addrPort.Port()), Addr: addr.As4()}
	}
	return &Inet6Address{Port: int(addrPort.Port()), Addr: addr.As16()}
}

// unmap reports IPv4-mapped IPv6 addresses as IPv4 addresses.
func unmap(addr SocketAddress) SocketAddress {
	if a, ok := addr.(*Inet6Address); ok {
		if ip := netip.AddrFrom16(a.Addr); ip.Is4In6() {
			return &Inet4Address{Port: a.Port, Addr: ip.Unmap().As4()}
		}
	}
	return addr
}

// SocketOption is an option of the abstract vocabulary understood by
// Bridge.GetOption and Bridge.SetOption.
//
// The vocabulary does not distinguish address families, the translation to
// provider calls takes care of it.
type SocketOption int32

const (
	TCPNoDelay SocketOption = iota + 1
	ReuseAddress
	KeepAlive
	OOBInline
	Broadcast
	Linger
	SendBufferSize
	RecvBufferSize
	// RecvTimeout is the receive timeout, a zero duration disables it.
	RecvTimeout
	// TrafficClass is IP_TOS for IPv4 and IPV6_TCLASS for IPv6.
	TrafficClass
	// MulticastInterface is the index of the interface of outgoing multicast
	// datagrams.
	MulticastInterface
	MulticastLoop
	// MulticastTTL is the TTL of outgoing multicast datagrams, or hop limit
	// for IPv6.
	MulticastTTL
	JoinGroup
	LeaveGroup
	BlockSource
	UnblockSource
	JoinSourceGroup
	LeaveSourceGroup
)

var socketOptionStrings = [...]string{
	TCPNoDelay:         "TCPNoDelay",
	ReuseAddress:       "ReuseAddress",
	KeepAlive:          "KeepAlive",
	OOBInline:          "OOBInline",
	Broadcast:          "Broadcast",
	Linger:             "Linger",
	SendBufferSize:     "SendBufferSize",
	RecvBufferSize:     "RecvBufferSize",
	RecvTimeout:        "RecvTimeout",
	TrafficClass:       "TrafficClass",
	MulticastInterface: "MulticastInterface",
	MulticastLoop:      "MulticastLoop",
	MulticastTTL:       "MulticastTTL",
	JoinGroup:          "JoinGroup",
	LeaveGroup:         "LeaveGroup",
	BlockSource:        "BlockSource",
	UnblockSource:      "UnblockSource",
	JoinSourceGroup:    "JoinSourceGroup",
	LeaveSourceGroup:   "LeaveSourceGroup",
}

func (so SocketOption) String() string {
	if so > 0 && int(so) < len(socketOptionStrings) {
		return socketOptionStrings[so]
	}
	return fmt.Sprintf("SocketOption(%d)", int32(so))
}

// SocketOptionValue is the value of a socket option. Each option expects
// exactly one of the variants, except Linger which reads back as a BoolValue
// when disabled and an Int32Value of seconds when enabled.
type SocketOptionValue interface {
	String() string

	sockopt()
}

// BoolValue is the value of boolean options.
type BoolValue bool

func (BoolValue) sockopt() {}

func (b BoolValue) String() string {
	return strconv.FormatBool(bool(b))
}

// Int32Value is the value of integer options.
type Int32Value int32

func (Int32Value) sockopt() {}

func (i Int32Value) String() string {
	return strconv.Itoa(int(i))
}

// LingerValue enables or disables lingering on close.
type LingerValue struct {
	On      bool
	Seconds int32
}

func (LingerValue) sockopt() {}

func (l LingerValue) String() string {
	if !l.On {
		return "off"
	}
	return strconv.Itoa(int(l.Seconds)) + "s"
}

// DurationValue is the value of timeout options, with millisecond precision.
type DurationValue time.Duration

func (DurationValue) sockopt() {}

func (d DurationValue) String() string {
	return time.Duration(d).String()
}

// MulticastGroupValue designates a multicast group on an interface.
type MulticastGroupValue struct {
	Interface int32
	Group     netip.Addr
}

func (MulticastGroupValue) sockopt() {}

func (g MulticastGroupValue) String() string {
	return fmt.Sprintf("%s%%%d", g.Group, g.Interface)
}

// MulticastSourceGroupValue designates a source of a multicast group on an
// interface.
type MulticastSourceGroupValue struct {
	Interface int32
	Group     netip.Addr
	Source    netip.Addr
}

func (MulticastSourceGroupValue) sockopt() {}

func (g MulticastSourceGroupValue) String() string {
	return fmt.Sprintf("%s%%%d<-%s", g.Group, g.Interface, g.Source)
}
