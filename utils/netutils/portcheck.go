package netutils

import (
	"net"
	"strconv"
)

// IsPortAvailable reports whether a TCP listener could currently be bound to
// host:port.
func IsPortAvailable(host string, port int) bool {
	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}

	_ = lis.Close()
	return true
}
