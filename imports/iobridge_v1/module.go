// Package iobridge_v1 is a wazero host module exposing an iobridge.Bridge to
// WebAssembly guests.
//
// Handles are 64 bits integers. Functions return an error code, zero on
// success, and write their results to guest memory through pointers. Error
// codes are the errno values of the host. Flags and address families use the
// constants of this package, which do not depend on the host platform.
package iobridge_v1

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
)

const moduleName = "iobridge_v1"

// HostModule is a wazero host module for the I/O bridge.
//
// The module only decodes the arguments from guest memory and encodes the
// results back, every operation is performed by the bridge set with the
// WithBridge option.
var HostModule wazergo.HostModule[*Module] = functions{
	"open":                    wazergo.F3((*Module).Open),
	"close":                   wazergo.F1((*Module).CloseHandle),
	"read":                    wazergo.F3((*Module).Read),
	"write":                   wazergo.F3((*Module).Write),
	"available":               wazergo.F2((*Module).Available),
	"pipe":                    wazergo.F2((*Module).Pipe),
	"dup":                     wazergo.F2((*Module).Dup),
	"set_blocking":            wazergo.F2((*Module).SetBlocking),
	"poll":                    wazergo.F4((*Module).Poll),
	"socket":                  wazergo.F4((*Module).Socket),
	"socketpair":              wazergo.F5((*Module).Socketpair),
	"bind":                    wazergo.F2((*Module).Bind),
	"listen":                  wazergo.F2((*Module).Listen),
	"accept":                  wazergo.F3((*Module).Accept),
	"connect":                 wazergo.F3((*Module).Connect),
	"shutdown":                wazergo.F2((*Module).Shutdown),
	"local_address":           wazergo.F2((*Module).LocalAddress),
	"peer_address":            wazergo.F2((*Module).PeerAddress),
	"send":                    wazergo.F4((*Module).Send),
	"send_to":                 wazergo.F5((*Module).SendTo),
	"recv":                    wazergo.F4((*Module).Recv),
	"recv_from":               wazergo.F6((*Module).RecvFrom),
	"get_option":              wazergo.F3((*Module).GetOption),
	"set_option":              wazergo.F3((*Module).SetOption),
	"set_group_option":        wazergo.F4((*Module).SetGroupOption),
	"set_source_group_option": wazergo.F5((*Module).SetSourceGroupOption),
	"preopen":                 wazergo.F4((*Module).Preopen),
}

type Option = wazergo.Option[*Module]

// WithBridge sets the bridge that the guest operates on.
func WithBridge(bridge *iobridge.Bridge) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Bridge = bridge })
}

// Preopen is a handle made available to the guest before it starts, like
// its standard input or a listening socket.
type Preopen struct {
	Name   string
	Handle iobridge.Handle
}

// WithPreopens sets the handles that the guest finds with the preopen
// function, in this order.
func WithPreopens(preopens ...Preopen) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Preopens = preopens })
}

type functions wazergo.Functions[*Module]

func (f functions) Name() string {
	return moduleName
}

func (f functions) Functions() wazergo.Functions[*Module] {
	return (wazergo.Functions[*Module])(f)
}

func (f functions) Instantiate(ctx context.Context, opts ...Option) (*Module, error) {
	mod := &Module{}
	wazergo.Configure(mod, opts...)
	if mod.Bridge == nil {
		return nil, fmt.Errorf("bridge not provided")
	}
	return mod, nil
}

type Module struct {
	Bridge   *iobridge.Bridge
	Preopens []Preopen
}

func errno(err error) Errno {
	return Errno(makeErrno(err))
}

var einval = Errno(iobridge.EINVAL)

func (m *Module) Open(ctx context.Context, path String, flags Int32, handle Pointer[Uint64]) Errno {
	hostFlags, ok := hostOpenFlags(int32(flags))
	if !ok {
		return einval
	}
	h, err := m.Bridge.Open(string(path), hostFlags)
	if err != nil {
		return errno(err)
	}
	handle.Store(Uint64(h))
	return 0
}

// CloseHandle closes h. Closing a handle which was already closed does
// nothing.
func (m *Module) CloseHandle(ctx context.Context, h Uint64) Errno {
	m.Bridge.Close(iobridge.Handle(h))
	return 0
}

// Read stores -1 in nread at the end of the stream, zero means that no data
// was available on a non-blocking handle.
func (m *Module) Read(ctx context.Context, h Uint64, buf Bytes, nread Pointer[Int32]) Errno {
	n, err := m.Bridge.Read(iobridge.Handle(h), buf, 0, len(buf))
	return storeCount(n, err, nread)
}

func (m *Module) Write(ctx context.Context, h Uint64, buf Bytes, nwritten Pointer[Int32]) Errno {
	n, err := m.Bridge.Write(iobridge.Handle(h), buf, 0, len(buf))
	// The bytes written before a failure are reported with it.
	nwritten.Store(Int32(n))
	return errno(err)
}

func (m *Module) Available(ctx context.Context, h Uint64, size Pointer[Int32]) Errno {
	n, err := m.Bridge.Available(iobridge.Handle(h))
	if err != nil {
		return errno(err)
	}
	size.Store(Int32(n))
	return 0
}

func (m *Module) Pipe(ctx context.Context, r, w Pointer[Uint64]) Errno {
	rh, wh, err := m.Bridge.Pipe()
	if err != nil {
		return errno(err)
	}
	r.Store(Uint64(rh))
	w.Store(Uint64(wh))
	return 0
}

func (m *Module) Dup(ctx context.Context, h Uint64, dup Pointer[Uint64]) Errno {
	d, err := m.Bridge.Dup(iobridge.Handle(h))
	if err != nil {
		return errno(err)
	}
	dup.Store(Uint64(d))
	return 0
}

func (m *Module) SetBlocking(ctx context.Context, h Uint64, blocking Int32) Errno {
	return errno(m.Bridge.SetBlocking(iobridge.Handle(h), blocking != 0))
}

// Poll waits for events on h for at most timeout milliseconds, a negative
// timeout waits indefinitely. Zero events are stored when the timeout expires.
func (m *Module) Poll(ctx context.Context, h Uint64, events Int32, timeout Int64, revents Pointer[Int32]) Errno {
	d := time.Duration(-1)
	if timeout >= 0 {
		d = time.Duration(timeout) * time.Millisecond
	}
	r, err := m.Bridge.Poll(iobridge.Handle(h), int16(events), d)
	if err != nil {
		return errno(err)
	}
	revents.Store(Int32(r))
	return 0
}

func (m *Module) Socket(ctx context.Context, family, sotype, proto Int32, handle Pointer[Uint64]) Errno {
	af, ok1 := hostFamily(int32(family))
	st, ok2 := hostSocketType(int32(sotype))
	if !ok1 || !ok2 {
		return einval
	}
	h, err := m.Bridge.Socket(af, st, int(proto))
	if err != nil {
		return errno(err)
	}
	handle.Store(Uint64(h))
	return 0
}

func (m *Module) Socketpair(ctx context.Context, family, sotype, proto Int32, h1, h2 Pointer[Uint64]) Errno {
	af, ok1 := hostFamily(int32(family))
	st, ok2 := hostSocketType(int32(sotype))
	if !ok1 || !ok2 {
		return einval
	}
	pair, err := m.Bridge.Socketpair(af, st, int(proto))
	if err != nil {
		return errno(err)
	}
	h1.Store(Uint64(pair[0]))
	h2.Store(Uint64(pair[1]))
	return 0
}

func (m *Module) Bind(ctx context.Context, h Uint64, addr Pointer[Address]) Errno {
	sa, ok := addr.Load().socketAddress()
	if !ok {
		return Errno(iobridge.EAFNOSUPPORT)
	}
	return errno(m.Bridge.Bind(iobridge.Handle(h), sa))
}

func (m *Module) Listen(ctx context.Context, h Uint64, backlog Int32) Errno {
	return errno(m.Bridge.Listen(iobridge.Handle(h), int(backlog)))
}

func (m *Module) Accept(ctx context.Context, h Uint64, conn Pointer[Uint64], peer Pointer[Address]) Errno {
	c, addr, err := m.Bridge.Accept(iobridge.Handle(h))
	if err != nil {
		return errno(err)
	}
	conn.Store(Uint64(c))
	peer.Store(makeAddress(addr))
	return 0
}

// Connect connects h to addr. When timeout is positive, the connection fails
// with ETIMEDOUT if it is not established after that many milliseconds.
func (m *Module) Connect(ctx context.Context, h Uint64, addr Pointer[Address], timeout Int64) Errno {
	sa, ok := addr.Load().socketAddress()
	if !ok {
		return Errno(iobridge.EAFNOSUPPORT)
	}
	return errno(m.Bridge.Connect(iobridge.Handle(h), sa, time.Duration(timeout)*time.Millisecond))
}

func (m *Module) Shutdown(ctx context.Context, h Uint64, how Int32) Errno {
	return errno(m.Bridge.ShutdownSocket(iobridge.Handle(h), int(how)))
}

func (m *Module) LocalAddress(ctx context.Context, h Uint64, addr Pointer[Address]) Errno {
	sa, err := m.Bridge.LocalAddress(iobridge.Handle(h))
	if err != nil {
		return errno(err)
	}
	addr.Store(makeAddress(sa))
	return 0
}

func (m *Module) PeerAddress(ctx context.Context, h Uint64, addr Pointer[Address]) Errno {
	sa, err := m.Bridge.PeerAddress(iobridge.Handle(h))
	if err != nil {
		return errno(err)
	}
	addr.Store(makeAddress(sa))
	return 0
}

func (m *Module) Send(ctx context.Context, h Uint64, buf Bytes, flags Int32, nsent Pointer[Int32]) Errno {
	return m.send(h, buf, flags, nil, nsent)
}

func (m *Module) SendTo(ctx context.Context, h Uint64, buf Bytes, flags Int32, dest Pointer[Address], nsent Pointer[Int32]) Errno {
	sa, ok := dest.Load().socketAddress()
	if !ok {
		return Errno(iobridge.EAFNOSUPPORT)
	}
	return m.send(h, buf, flags, sa, nsent)
}

func (m *Module) send(h Uint64, buf Bytes, flags Int32, dest iobridge.SocketAddress, nsent Pointer[Int32]) Errno {
	hostFlags, ok := hostMsgFlags(int32(flags))
	if !ok {
		return einval
	}
	n, err := m.Bridge.Send(iobridge.Handle(h), buf, hostFlags, dest)
	if err != nil {
		return errno(err)
	}
	nsent.Store(Int32(n))
	return 0
}

// Recv stores -1 in nrecv at the end of the stream, like Read.
func (m *Module) Recv(ctx context.Context, h Uint64, buf Bytes, flags Int32, nrecv Pointer[Int32]) Errno {
	hostFlags, ok := hostMsgFlags(int32(flags))
	if !ok {
		return einval
	}
	n, err := m.Bridge.Recv(iobridge.Handle(h), buf, hostFlags)
	return storeCount(n, err, nrecv)
}

// RecvFrom receives a datagram and the address of its sender. When connected
// is not zero the sender is not asked for, and ECONNREFUSED reports that the
// peer refused an earlier datagram.
func (m *Module) RecvFrom(ctx context.Context, h Uint64, buf Bytes, flags Int32, connected Int32, nrecv Pointer[Int32], from Pointer[Address]) Errno {
	hostFlags, ok := hostMsgFlags(int32(flags))
	if !ok {
		return einval
	}
	var packet iobridge.Packet
	n, err := m.Bridge.RecvFrom(iobridge.Handle(h), buf, hostFlags, &packet, connected != 0)
	if err != nil {
		return errno(err)
	}
	nrecv.Store(Int32(n))
	from.Store(makeAddress(packet.Addr))
	return 0
}

func (m *Module) GetOption(ctx context.Context, h Uint64, option Int32, value Pointer[Int64]) Errno {
	opt := iobridge.SocketOption(option)
	v, err := m.Bridge.GetOption(iobridge.Handle(h), opt)
	if err != nil {
		return errno(err)
	}
	value.Store(Int64(optionValue(opt, v)))
	return 0
}

func (m *Module) SetOption(ctx context.Context, h Uint64, option Int32, value Int64) Errno {
	opt := iobridge.SocketOption(option)
	return errno(m.Bridge.SetOption(iobridge.Handle(h), opt, makeOptionValue(opt, int64(value))))
}

// SetGroupOption joins or leaves a multicast group, or blocks or unblocks a
// source, with the options which take a group.
func (m *Module) SetGroupOption(ctx context.Context, h Uint64, option, iface Int32, group Pointer[Address]) Errno {
	ip, ok := group.Load().ip()
	if !ok {
		return Errno(iobridge.EAFNOSUPPORT)
	}
	value := iobridge.MulticastGroupValue{Interface: int32(iface), Group: ip}
	return errno(m.Bridge.SetOption(iobridge.Handle(h), iobridge.SocketOption(option), value))
}

func (m *Module) SetSourceGroupOption(ctx context.Context, h Uint64, option, iface Int32, group, source Pointer[Address]) Errno {
	groupIP, ok1 := group.Load().ip()
	sourceIP, ok2 := source.Load().ip()
	if !ok1 || !ok2 {
		return Errno(iobridge.EAFNOSUPPORT)
	}
	value := iobridge.MulticastSourceGroupValue{Interface: int32(iface), Group: groupIP, Source: sourceIP}
	return errno(m.Bridge.SetOption(iobridge.Handle(h), iobridge.SocketOption(option), value))
}

// Preopen stores the handle of the preopen at index, the length of its name
// in nameLen, and as much of the name as fits in name. EBADF reports that
// there is no preopen at index.
func (m *Module) Preopen(ctx context.Context, index Int32, handle Pointer[Uint64], name Bytes, nameLen Pointer[Int32]) Errno {
	if index < 0 || int(index) >= len(m.Preopens) {
		return Errno(iobridge.EBADF)
	}
	p := m.Preopens[index]
	handle.Store(Uint64(p.Handle))
	copy(name, p.Name)
	nameLen.Store(Int32(len(p.Name)))
	return 0
}

// Close closes every handle that the guest left open.
func (m *Module) Close(ctx context.Context) error {
	m.Bridge.CloseAll()
	return nil
}

func storeCount(n int, err error, count Pointer[Int32]) Errno {
	switch {
	case err == io.EOF:
		count.Store(-1)
	case err != nil:
		return errno(err)
	default:
		count.Store(Int32(n))
	}
	return 0
}
