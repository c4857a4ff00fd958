package util

import (
	"net"
	"os"

	"github.com/pion/ion-jingle/pkg/log"
)

const (
	freePortBase  = 10000
	freePortSpan  = 10000
	freePortTries = 10
)

// InterfaceAddr is one address bound to a local network interface.
type InterfaceAddr struct {
	IP    net.IP
	Index int
	Name  string
}

// InterfaceAddrs lists the addresses of every interface that is up.
func InterfaceAddrs() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []InterfaceAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			result = append(result, InterfaceAddr{IP: ip, Index: iface.Index, Name: iface.Name})
		}
	}
	return result, nil
}

// LocalIPs returns the IPs of every interface that is up, loopback included.
func LocalIPs() []net.IP {
	addrs, err := InterfaceAddrs()
	if err != nil {
		log.Warnf("failed to list interfaces: %v", err)
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips
}

// IsUsableAddress reports whether ip is neither loopback nor link-local.
func IsUsableAddress(ip net.IP) bool {
	return ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

// PickHostAddress prefers a public address, then any usable address.
// It returns nil when addrs holds neither.
func PickHostAddress(addrs []net.IP) net.IP {
	for _, ip := range addrs {
		if IsUsableAddress(ip) && !ip.IsPrivate() {
			return ip
		}
	}
	for _, ip := range addrs {
		if IsUsableAddress(ip) {
			return ip
		}
	}
	return nil
}

// DefaultHostAddress resolves the machine hostname, the last resort when no
// interface address is usable.
func DefaultHostAddress() net.IP {
	name, err := os.Hostname()
	if err == nil {
		if ips, err := net.LookupIP(name); err == nil && len(ips) > 0 {
			return ips[0]
		}
	}
	return net.IPv4(127, 0, 0, 1)
}

// IsLocalAddress reports whether ip is assigned to a local interface other
// than loopback.
func IsLocalAddress(ip string) bool {
	target := net.ParseIP(ip)
	if target == nil {
		return false
	}
	for _, local := range LocalIPs() {
		if local.IsLoopback() {
			continue
		}
		if local.Equal(target) {
			return true
		}
	}
	return false
}

// FreePort finds an unused UDP port. It tries even ports in
// [10000, 20000] first and falls back to an OS-assigned port.
func FreePort() int {
	for i := 0; i < freePortTries; i++ {
		port := freePortBase + RandomInt(freePortSpan)
		if port%2 != 0 {
			port++
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			log.Debugf("port %d busy: %v", port, err)
			continue
		}
		port = conn.LocalAddr().(*net.UDPAddr).Port
		conn.Close()
		return port
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.Warnf("no free port: %v", err)
		return 0
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}
