//go:build linux || darwin || freebsd

package transport

import (
	"net"
	"os"

	"github.com/indigo-web/relay/config"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listen creates the listening socket by hand, as the standard library provides no way to
// set the backlog.
func listen(addr string, cfg config.NET) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}

	unix.CloseOnExec(fd)
	file := os.NewFile(uintptr(fd), "relay-listener")
	// FileListener duplicates the descriptor
	defer file.Close()

	if cfg.ReuseAddr {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return nil, errors.Wrap(err, "SO_REUSEADDR")
		}
	}

	if err = unix.Bind(fd, sa); err != nil {
		return nil, errors.Wrap(err, "bind")
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	if err = unix.Listen(fd, backlog); err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	return net.FileListener(file)
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}
