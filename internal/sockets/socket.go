// Package sockets creates the sockets given to a guest on the command line,
// from addresses like tcp://127.0.0.1:8080?nodelay=0.
package sockets

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stealthrocket/iobridge"
	"golang.org/x/sys/unix"
)

// Socket prepares a socket of the bridge for the specified address. Addresses
// without a scheme are TCP addresses.
//
// The socket has the ReuseAddress option set unless the address has the
// reuseaddr=0 query option.
func Socket(b *iobridge.Bridge, rawAddr string) (u *url.URL, addr iobridge.SocketAddress, h iobridge.Handle, err error) {
	if !strings.Contains(rawAddr, "://") {
		rawAddr = "tcp://" + rawAddr
	}
	u, err = url.Parse(rawAddr)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("bad address '%s': %w", rawAddr, err)
	}
	addr, sotype, err := socketAddress(u.Scheme, u.Host)
	if err != nil {
		return nil, nil, 0, err
	}
	opt := u.Query()
	h, err = b.Socket(addr.Family(), sotype, 0)
	if err != nil {
		return nil, nil, 0, err
	}
	defer func() {
		if err != nil {
			b.Close(h)
		}
	}()
	reuseAddr := iobridge.BoolValue(intopt(opt, "reuseaddr", 1) != 0)
	if err = b.SetOption(h, iobridge.ReuseAddress, reuseAddr); err != nil {
		return
	}
	return u, addr, h, nil
}

func socketAddress(network, addr string) (iobridge.SocketAddress, int, error) {
	var sotype int
	switch network {
	case "tcp", "tcp4", "tcp6":
		sotype = unix.SOCK_STREAM
	case "udp", "udp4", "udp6":
		sotype = unix.SOCK_DGRAM
	default:
		return nil, 0, fmt.Errorf("unsupported network: %v", network)
	}
	host, portstr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := net.LookupPort(network, portstr)
	if err != nil {
		return nil, 0, err
	}
	ipv4 := !strings.HasSuffix(network, "6")
	ipv6 := !strings.HasSuffix(network, "4")

	var ips []net.IP
	switch {
	case host == "" && !ipv4:
		ips = []net.IP{net.IPv6zero}
	case host == "":
		ips = []net.IP{net.IPv4zero}
	default:
		ips, err = net.LookupIP(host)
		if err != nil {
			return nil, 0, err
		}
	}
	if ipv4 {
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				return &iobridge.Inet4Address{Port: port, Addr: ([4]byte)(ip4)}, sotype, nil
			}
		}
	}
	if ipv6 {
		for _, ip := range ips {
			if ip.To4() == nil {
				return &iobridge.Inet6Address{Port: port, Addr: ([16]byte)(ip.To16())}, sotype, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("no IPs for network %s and host: %s", network, addr)
}

func intopt(q url.Values, key string, defaultValue int) int {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return defaultValue
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return defaultValue
	}
	return n
}

func boolopt(q url.Values, key string, defaultValue bool) bool {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return defaultValue
	}
	switch values[0] {
	case "true", "t", "1", "yes":
		return true
	case "false", "f", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func durationopt(q url.Values, key string, defaultValue time.Duration) time.Duration {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return defaultValue
	}
	d, err := time.ParseDuration(values[0])
	if err != nil {
		return defaultValue
	}
	return d
}
