package ring

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Address identifies a ring member by host and port.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host:port". A bare port (":7000") resolves to the
// local host address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in peer address %q", s)
	}
	if host == "" {
		return LocalAddress(port), nil
	}
	return Address{Host: host, Port: port}, nil
}

// LocalAddress returns an address for this host on the given port. It
// prefers the first non-loopback IPv4 address of the host name and falls
// back to 127.0.0.1.
func LocalAddress(port int) Address {
	if name, err := os.Hostname(); err == nil {
		if ips, err := net.LookupIP(name); err == nil {
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
					return Address{Host: v4.String(), Port: port}
				}
			}
		}
	}
	return Address{Host: "127.0.0.1", Port: port}
}

// String returns the "host:port" form, which is also the form used to break
// ties between messages with equal timestamps.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Less orders addresses by their string form.
func (a Address) Less(b Address) bool {
	return a.String() < b.String()
}
