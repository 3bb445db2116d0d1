package util

import (
	"fmt"
	"net"
)

// GetLocalIPs returns the locally configured IP addresses, loopback excluded
func GetLocalIPs() ([]string, error) {
	ips := []string{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ips, fmt.Errorf("failed to retrieve the local network interfaces: %s", err.Error())
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			return ips, fmt.Errorf("failed to retrieve IPs for %s: %s", i.Name, err.Error())
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips, nil
}
