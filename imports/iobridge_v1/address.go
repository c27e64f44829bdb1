package iobridge_v1

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/stealthrocket/iobridge"
	"github.com/tetratelabs/wazero/api"
)

// Address is the layout of socket addresses in guest memory:
//
//	offset  size  field
//	0       2     family (Inet4Family or Inet6Family)
//	2       2     port
//	4       4     zone index of IPv6 addresses
//	8       16    address, IPv4 addresses use the first 4 bytes
//
// Integers are little endian. An address with a zero family means that there
// is no address.
type Address struct {
	Family uint16
	Port   uint16
	Zone   uint32
	Addr   [16]byte
}

const sizeOfAddress = 24

func (a Address) ObjectSize() int {
	return sizeOfAddress
}

func (a Address) LoadObject(_ api.Memory, b []byte) Address {
	a.Family = binary.LittleEndian.Uint16(b[0:])
	a.Port = binary.LittleEndian.Uint16(b[2:])
	a.Zone = binary.LittleEndian.Uint32(b[4:])
	copy(a.Addr[:], b[8:sizeOfAddress])
	return a
}

func (a Address) StoreObject(_ api.Memory, b []byte) {
	binary.LittleEndian.PutUint16(b[0:], a.Family)
	binary.LittleEndian.PutUint16(b[2:], a.Port)
	binary.LittleEndian.PutUint32(b[4:], a.Zone)
	copy(b[8:sizeOfAddress], a.Addr[:])
}

func (a Address) FormatObject(w io.Writer, m api.Memory, b []byte) {
	a = a.LoadObject(m, b)
	if sa, ok := a.socketAddress(); ok {
		fmt.Fprintf(w, "%s:%s", sa.Network(), sa)
	} else {
		fmt.Fprintf(w, "{Family:%d}", a.Family)
	}
}

func (a Address) ip() (netip.Addr, bool) {
	switch a.Family {
	case Inet4Family:
		return netip.AddrFrom4([4]byte(a.Addr[:4])), true
	case Inet6Family:
		return netip.AddrFrom16(a.Addr), true
	default:
		return netip.Addr{}, false
	}
}

func (a Address) socketAddress() (iobridge.SocketAddress, bool) {
	switch a.Family {
	case Inet4Family:
		return &iobridge.Inet4Address{Port: int(a.Port), Addr: [4]byte(a.Addr[:4])}, true
	case Inet6Family:
		return &iobridge.Inet6Address{Port: int(a.Port), Addr: a.Addr, ZoneID: a.Zone}, true
	default:
		return nil, false
	}
}

func makeAddress(sa iobridge.SocketAddress) (a Address) {
	switch t := sa.(type) {
	case *iobridge.Inet4Address:
		a.Family = Inet4Family
		a.Port = uint16(t.Port)
		copy(a.Addr[:], t.Addr[:])
	case *iobridge.Inet6Address:
		a.Family = Inet6Family
		a.Port = uint16(t.Port)
		a.Zone = t.ZoneID
		a.Addr = t.Addr
	}
	return a
}
