package relay

import (
	"crypto/tls"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/internal/serve"
	"github.com/indigo-web/relay/transport"
)

var (
	ErrBadCertificate = errors.New("one or more passed certificates are empty")
	ErrNoCertificates = errors.New("no certificates were passed")
)

// Transport describes how the listener accepts connections. The underlying transport is
// instantiated only when the App starts, as it depends on the config.
type Transport struct {
	spawn func(cfg *config.Config, clk clock.Clock) transport.Transport
	error error
}

// TCP accepts plaintext connections. HTTP/2 is served over them only to clients having
// prior knowledge of it.
func TCP() Transport {
	return Transport{
		spawn: func(cfg *config.Config, clk clock.Clock) transport.Transport {
			return transport.NewTCP(cfg.NET, clk)
		},
	}
}

// TLS loads the certificate and the key from files.
func TLS(cert, key string) Transport {
	c, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		// there's no way to report it at this point, so the App returns it when starting
		return Transport{error: err}
	}

	return HTTPS(c)
}

// HTTPS accepts encrypted connections. The protocol version is negotiated via ALPN.
func HTTPS(certs ...tls.Certificate) Transport {
	// simple anti-idiot checks in order to avoid the most obvious mistakes
	switch {
	case len(certs) == 0:
		return Transport{error: ErrNoCertificates}
	case !noEmptyCerts(certs):
		return Transport{error: ErrBadCertificate}
	}

	return withTLS(&tls.Config{Certificates: certs})
}

func withTLS(tlsConfig *tls.Config) Transport {
	return Transport{
		spawn: func(cfg *config.Config, clk clock.Clock) transport.Transport {
			c := tlsConfig.Clone()
			c.NextProtos = append(nextProtos(cfg.HTTP.Versions), c.NextProtos...)

			return transport.NewTLS(cfg.NET, clk, c)
		},
	}
}

// nextProtos lists the ALPN identifiers of the enabled versions, HTTP/2 being preferred.
func nextProtos(versions proto.Protocol) []string {
	var protos []string
	if versions.Supports(proto.HTTP2) {
		protos = append(protos, serve.ALPNHTTP2)
	}

	if versions&proto.HTTP1 != 0 {
		protos = append(protos, serve.ALPNHTTP11)
	}

	return protos
}

// Cert loads the certificate. In case of an error an empty certificate is returned, which
// is reported by HTTPS.
func Cert(cert, key string) tls.Certificate {
	c, _ := tls.LoadX509KeyPair(cert, key)
	return c
}

func noEmptyCerts(certs []tls.Certificate) bool {
	for _, c := range certs {
		if c.Certificate == nil {
			return false
		}
	}

	return true
}
