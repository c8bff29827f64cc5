// Package hostinfo supplies the Policy Engine's host-matching inputs:
// the machine's short and canonical hostname and its local IPv4
// addresses, for exact/wildcard/CIDR rule matching.
package hostinfo

import (
	"net"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Names returns the short and canonical hostname. The canonical name
// is whatever the platform reports; the short name is its first
// dot-separated label.
func Names() (short, canonical string) {
	info, err := host.Info()
	if err != nil || info.Hostname == "" {
		return "localhost", "localhost"
	}
	canonical = info.Hostname
	short = canonical
	if idx := strings.IndexByte(canonical, '.'); idx > 0 {
		short = canonical[:idx]
	}
	return short, canonical
}

// LocalIPv4 returns every IPv4 address bound to a local interface,
// loopback included. CIDR host patterns match against this set.
func LocalIPv4() ([]net.IP, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				out = append(out, v4)
			}
		}
	}
	return out, nil
}
