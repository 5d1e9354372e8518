package tunnel

import (
	"fmt"
	"net"
)

// FreePort asks the OS for an unused TCP port on loopback. The port is
// released before returning, so another process may claim it first; ssh's
// ExitOnForwardFailure turns that race into a tunnel error.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate local port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
