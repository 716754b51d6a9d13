package ecp

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// NetInterface is a local network interface and its addresses.
type NetInterface struct {
	Name  string
	Addrs []net.IP
}

// InterfaceLister enumerates local interfaces.
type InterfaceLister func() ([]NetInterface, error)

// SystemInterfaces lists the host's interfaces that are up.
func SystemInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []NetInterface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "SystemInterfaces",
				"interface": ifi.Name,
				"error":     err.Error(),
			}).Debug("Skipping interface without readable addresses")
			continue
		}
		ni := NetInterface{Name: ifi.Name}
		for _, a := range addrs {
			switch v := a.(type) {
			case *net.IPNet:
				ni.Addrs = append(ni.Addrs, v.IP)
			case *net.IPAddr:
				ni.Addrs = append(ni.Addrs, v.IP)
			}
		}
		out = append(out, ni)
	}
	return out, nil
}

// MatchIPv4 finds the interface that owns local and returns that
// interface's IPv4 address, which is where the device should send audio.
//
// The match is best effort: on multi-homed hosts with overlapping
// addressing the first owning interface wins.
func MatchIPv4(local net.IP, ifaces []NetInterface) (net.IP, string, error) {
	for _, ifi := range ifaces {
		owns := false
		for _, a := range ifi.Addrs {
			if a.Equal(local) {
				owns = true
				break
			}
		}
		if !owns {
			continue
		}

		if v4 := local.To4(); v4 != nil {
			return v4, ifi.Name, nil
		}
		for _, a := range ifi.Addrs {
			if v4 := a.To4(); v4 != nil {
				return v4, ifi.Name, nil
			}
		}
		return nil, ifi.Name, fmt.Errorf("%w: interface %s has no IPv4 address", ErrBadInterfaceIP, ifi.Name)
	}

	names := make([]string, 0, len(ifaces))
	for _, ifi := range ifaces {
		names = append(names, ifi.Name)
	}
	return nil, "", fmt.Errorf("%w: %s not found on %v", ErrBadInterfaceIP, local, names)
}
