package source

import (
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
)

// IsLocalHost reports whether host (an IP literal or DNS name, optionally with
// a port) refers to this machine: a loopback address, "localhost", or an
// address bound to one of the active network interfaces.
func IsLocalHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := net.LookupIP(host)
		if err != nil {
			log.Debugf("source.IsLocalHost: cannot resolve %s: %v", host, err)
			return false
		}
		ips = addrs
	}

	local := interfaceIPs()
	for _, ip := range ips {
		if ip.IsLoopback() {
			return true
		}
		for _, l := range local {
			if l.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// interfaceIPs lists the addresses of all interfaces that are up.
func interfaceIPs() []net.IP {
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("source: failed to get network interfaces: %v", err)
		return nil
	}

	var res []net.IP
	for _, iface := range interfaces {
		if (iface.Flags & net.FlagUp) == 0 {
			continue // Interface is down
		}

		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("source: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}

		for _, addr := range ifaddrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsUnspecified() {
				continue
			}
			res = append(res, ip)
		}
	}
	return res
}
