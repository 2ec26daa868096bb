package main

import (
	"errors"
	"fmt"
	"net"
)

// addressesForInterfaces resolves interface names to their first IPv4
// address, for --outbound-interfaces.
func addressesForInterfaces(names []string) ([]net.IP, error) {
	var result []net.IP
	for _, name := range names {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		ip := firstIPv4OnInterface(ifi)
		if ip == nil {
			return nil, fmt.Errorf("interface %s has no IPv4", name)
		}
		result = append(result, ip)
	}
	return result, nil
}

func firstIPv4OnInterface(ifi *net.Interface) net.IP {
	addrs, _ := ifi.Addrs()
	for _, a := range addrs {
		if ip, ok := ipv4FromAddr(a); ok {
			return ip
		}
	}
	return nil
}

func ipv4FromAddr(a net.Addr) (net.IP, bool) {
	switch v := a.(type) {
	case *net.IPNet:
		if ip := v.IP.To4(); ip != nil {
			return ip, true
		}
	case *net.IPAddr:
		if ip := v.IP.To4(); ip != nil {
			return ip, true
		}
	}
	return nil, false
}

// interfaceForIP finds the interface carrying the given IPv4 address.
func interfaceForIP(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, _ := ifaces[i].Addrs()
		for _, a := range addrs {
			if got, ok := ipv4FromAddr(a); ok && got.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.New("no interface carries " + ip.String())
}

// multicastInterfaces lists every up interface that can join a group.
func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out
}
