package transport

import (
	"crypto/tls"

	"github.com/benbjohnson/clock"
	"github.com/indigo-web/relay/config"
)

// NewTLS returns a TCP transport, which does the TLS handshake over every accepted
// connection. NextProtos of the config is used for ALPN.
func NewTLS(cfg config.NET, clk clock.Clock, tlsConfig *tls.Config) *TCP {
	t := NewTCP(cfg, clk)
	t.tls = tlsConfig

	return t
}
