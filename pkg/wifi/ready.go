package wifi

import (
	"context"
	"net/netip"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

const DefaultReadyInterval = 200 * time.Millisecond

// LinkProbe reports whether the network stack can carry traffic.
type LinkProbe interface {
	LinkUp(ctx context.Context) bool
	// Address is the station's IPv4 address, or "" before DHCP completes.
	Address(ctx context.Context) string
}

// WaitReady polls probe until the link is up with an address, and returns
// that address.
func WaitReady(ctx context.Context, probe LinkProbe, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if probe.LinkUp(ctx) {
			if addr := probe.Address(ctx); addr != "" {
				return addr, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// IfaceProbe reads interface state through gopsutil.
type IfaceProbe struct {
	Name string
}

func (p IfaceProbe) iface(ctx context.Context) (psnet.InterfaceStat, bool) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return psnet.InterfaceStat{}, false
	}
	for _, i := range ifaces {
		if i.Name == p.Name {
			return i, true
		}
	}
	return psnet.InterfaceStat{}, false
}

func (p IfaceProbe) LinkUp(ctx context.Context) bool {
	i, ok := p.iface(ctx)
	if !ok {
		return false
	}
	for _, f := range i.Flags {
		if f == "up" {
			return true
		}
	}
	return false
}

func (p IfaceProbe) Address(ctx context.Context) string {
	i, ok := p.iface(ctx)
	if !ok {
		return ""
	}
	return firstIPv4(i.Addrs)
}

func firstIPv4(addrs psnet.InterfaceAddrList) string {
	for _, a := range addrs {
		s := a.Addr
		if idx := strings.IndexByte(s, '/'); idx >= 0 {
			s = s[:idx]
		}
		ip, err := netip.ParseAddr(s)
		if err != nil || !ip.Is4() || ip.IsLinkLocalUnicast() || ip.IsLoopback() {
			continue
		}
		return ip.String()
	}
	return ""
}
