//go:build !linux

package linesearchd

import (
	"fmt"
	"net"
	"strconv"
)

// listenBacklog falls back to net.Listen on platforms where the backlog is
// not directly settable; the kernel default applies there.
func listenBacklog(host string, port, _ int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}
