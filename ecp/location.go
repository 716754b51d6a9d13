package ecp

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is the device's ECP HTTP port.
const DefaultPort = "8060"

const sessionPath = "ecp-session"

// Location is a device's base HTTP URL, e.g. "http://192.168.1.20:8060/".
type Location struct {
	base *url.URL
}

// ParseLocation validates a device location. A missing port defaults to
// 8060 and the path is normalized to end in "/".
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %q: %v", ErrBadURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Location{}, fmt.Errorf("%w: %q: scheme must be http or https", ErrBadURL, raw)
	}
	if u.Hostname() == "" {
		return Location{}, fmt.Errorf("%w: %q: missing host", ErrBadURL, raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return Location{base: u}, nil
}

// String returns the normalized base URL.
func (l Location) String() string {
	if l.base == nil {
		return ""
	}
	return l.base.String()
}

// Host returns the device host without port.
func (l Location) Host() string {
	return l.base.Hostname()
}

// HostPort returns host:port for TCP reachability checks.
func (l Location) HostPort() string {
	return l.base.Host
}

// Resolve returns the URL for a path below the location.
func (l Location) Resolve(path string) string {
	u := *l.base
	u.Path = l.base.Path + strings.TrimPrefix(path, "/")
	return u.String()
}

// SessionURL returns the websocket endpoint: the location with ws/wss in
// place of http/https and "ecp-session" appended.
func (l Location) SessionURL() string {
	u := *l.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = l.base.Path + sessionPath
	return u.String()
}
