package net

import (
	"fmt"
	"net"
)

// LoopbackAddr returns a 127.0.0.1 address whose TCP port was free when it was probed.
func LoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
