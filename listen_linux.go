//go:build linux

package linesearchd

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenBacklog opens a TCP listening socket with an explicit listen(2)
// backlog, which the net package does not expose.
func listenBacklog(host string, port, backlog int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: resolve %s:%d: %w", host, port, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil || len(addr.IP) == 0 {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("listen: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "listen:"+addr.String())
	ln, err := net.FileListener(f)
	// FileListener dups the descriptor; the original always closes here.
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("listen: file listener: %w", err)
	}
	return ln, nil
}
