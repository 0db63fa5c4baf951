// Package serve picks the protocol a connection is served over and runs it.
package serve

import (
	"bytes"
	"context"
	"crypto/tls"

	"github.com/dchest/uniuri"
	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/codec"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/internal/codecutil"
	"github.com/indigo-web/relay/internal/protocol"
	"github.com/indigo-web/relay/internal/protocol/http1"
	"github.com/indigo-web/relay/internal/protocol/http2"
	"github.com/indigo-web/relay/responder"
	"github.com/indigo-web/relay/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ALPN protocol identifiers.
const (
	ALPNHTTP2  = "h2"
	ALPNHTTP11 = "http/1.1"
)

const connIDLength = 12

// Server turns accepted clients into served HTTP connections.
type Server struct {
	ctx     context.Context
	cfg     *config.Config
	factory responder.Factory
	codecs  []codec.Codec
	logger  zerolog.Logger
}

func New(ctx context.Context, cfg *config.Config, factory responder.Factory, logger zerolog.Logger) *Server {
	return &Server{
		ctx:     ctx,
		cfg:     cfg,
		factory: factory,
		codecs:  codec.Default(),
		logger:  logger,
	}
}

// Serve blocks until the connection is over. A panic is recovered and reported, so it never
// affects other connections.
func (s *Server) Serve(client transport.Client) {
	env := http.Environment{ConnID: uniuri.NewLen(connIDLength)}
	logger := s.logger.With().
		Str("conn", env.ConnID).
		Stringer("remote", client.Remote()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			protocol.Report(s.cfg, logger, errors.Errorf("connection panicked: %v", r))
			_ = client.Close()
		}
	}()

	alpn, err := s.handshake(client, &env)
	if err != nil {
		logger.Debug().Err(err).Msg("TLS handshake failed")
		_ = client.Close()
		return
	}

	version, err := Select(s.cfg.HTTP.Versions, client, alpn)
	if err != nil {
		logger.Debug().Err(err).Msg("connection closed before any request")
		_ = client.Close()
		return
	}

	logger.Debug().Stringer("version", version).Msg("connection opened")
	s.server(version, client, logger, env).Serve()
	logger.Debug().Msg("connection closed")
}

func (s *Server) server(
	version protocol.Version, client transport.Client, logger zerolog.Logger, env http.Environment,
) protocol.Server {
	r := s.factory()

	if version == protocol.HTTP2 {
		return http2.NewConn(s.ctx, s.cfg, client, r, logger, env)
	}

	return http1.NewConn(s.ctx, s.cfg, client, r, codecutil.NewCache(s.codecs), logger, env)
}

// handshake completes the TLS handshake, if the connection is encrypted, and returns
// the negotiated application protocol.
func (s *Server) handshake(client transport.Client, env *http.Environment) (string, error) {
	conn, ok := client.Conn().(*tls.Conn)
	if !ok {
		return "", nil
	}

	ctx := s.ctx
	if s.cfg.NET.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NET.ReadTimeout)
		defer cancel()
	}

	if err := conn.HandshakeContext(ctx); err != nil {
		return "", errors.Wrap(err, "handshake")
	}

	state := conn.ConnectionState()
	env.Encryption = state.Version

	if len(state.NegotiatedProtocol) == 0 {
		// the client doesn't speak ALPN at all
		return ALPNHTTP11, nil
	}

	return state.NegotiatedProtocol, nil
}

// Select chooses the protocol version. The negotiated ALPN protocol decides for encrypted
// connections. Otherwise, HTTP/2 is chosen only if the client starts with its preface
// (prior knowledge). Everything read while sniffing is pushed back into the client.
func Select(versions proto.Protocol, client transport.Client, alpn string) (protocol.Version, error) {
	h1, h2 := versions&proto.HTTP1 != 0, versions.Supports(proto.HTTP2)

	switch {
	case !h2:
		return protocol.HTTP1, nil
	case !h1:
		return protocol.HTTP2, nil
	case alpn == ALPNHTTP2:
		return protocol.HTTP2, nil
	case len(alpn) > 0:
		return protocol.HTTP1, nil
	}

	return sniff(client)
}

func sniff(client transport.Client) (protocol.Version, error) {
	var seen []byte
	preface := []byte(http2.Preface)

	for {
		data, err := client.Read()
		if err != nil {
			if len(seen) > 0 {
				// let the protocol observe the remainders together with the error
				client.Pushback(seen)
				return protocol.HTTP1, nil
			}

			return 0, err
		}

		if len(seen) == 0 && len(data) >= len(preface) {
			client.Pushback(data)
			return versionOf(data, preface), nil
		}

		seen = append(seen, data...)
		n := min(len(seen), len(preface))
		if !bytes.Equal(seen[:n], preface[:n]) {
			client.Pushback(seen)
			return protocol.HTTP1, nil
		}

		if len(seen) >= len(preface) {
			client.Pushback(seen)
			return protocol.HTTP2, nil
		}
	}
}

func versionOf(data, preface []byte) protocol.Version {
	if bytes.HasPrefix(data, preface) {
		return protocol.HTTP2
	}

	return protocol.HTTP1
}
