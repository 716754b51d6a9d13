package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidAddress indicates a host or port that cannot address a device.
var ErrInvalidAddress = errors.New("invalid device address")

// Endpoint is a validated device host and UDP port.
type Endpoint struct {
	Host string
	Port uint16
}

// NewEndpoint validates host and port. The host must be non-empty and free
// of a port or whitespace; the port must be in 1-65535.
func NewEndpoint(host string, port int) (Endpoint, error) {
	h := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if h == "" || strings.ContainsAny(h, " \t/") {
		return Endpoint{}, fmt.Errorf("%w: host %q", ErrInvalidAddress, host)
	}
	if strings.Contains(h, ":") && net.ParseIP(h) == nil {
		return Endpoint{}, fmt.Errorf("%w: host %q", ErrInvalidAddress, host)
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %d", ErrInvalidAddress, port)
	}
	return Endpoint{Host: h, Port: uint16(port)}, nil
}

// String returns "host:port", bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}
