package server

import (
	"fmt"
	"net"
)

// Approver decides whether an accepted socket may be served.
type Approver interface {
	Approve(remote net.Addr) bool
}

type ApproverFunc func(remote net.Addr) bool

func (f ApproverFunc) Approve(remote net.Addr) bool { return f(remote) }

// ApproveAll accepts every connection.
var ApproveAll Approver = ApproverFunc(func(net.Addr) bool { return true })

// NetworkApprover accepts peers whose address falls in one of its networks.
type NetworkApprover struct {
	nets []*net.IPNet
}

// NewNetworkApprover parses CIDR blocks such as "192.168.0.0/16". A bare IP
// is treated as a single-host network.
func NewNetworkApprover(cidrs []string) (*NetworkApprover, error) {
	a := &NetworkApprover{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("invalid network %q: %w", c, err)
			}
			bits := 8 * len(ip.To16())
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		a.nets = append(a.nets, n)
	}
	return a, nil
}

func (a *NetworkApprover) Approve(remote net.Addr) bool {
	ip := net.ParseIP(hostIP(remote))
	if ip == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// hostIP extracts the IP part of a remote address, falling back to the
// address string for non-IP transports.
func hostIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
