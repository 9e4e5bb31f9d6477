package netutils

import (
	"net"
)

// IsInAddrAny reports whether addr is one of the wildcard bind addresses.
func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::" || addr == "::/0" || addr == "0.0.0.0"
}

func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}

// ResolveInstanceHost returns the address instances should be reached at.
// Concrete hosts are returned as-is, wildcards resolve to the outbound IP of
// this machine.
func ResolveInstanceHost(host string) (string, error) {
	if !IsInAddrAny(host) {
		return host, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}
