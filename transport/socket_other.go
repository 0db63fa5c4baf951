//go:build !(linux || darwin || freebsd)

package transport

import (
	"net"

	"github.com/indigo-web/relay/config"
)

// listen ignores the socket options, which can't be set portably.
func listen(addr string, _ config.NET) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
