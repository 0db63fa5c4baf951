package protocol

import (
	"github.com/indigo-web/relay/config"
	"github.com/rs/zerolog"
)

// Version is the protocol a connection is served over. It is chosen once, right after the
// connection was accepted.
type Version uint8

const (
	HTTP1 Version = iota + 1
	HTTP2
)

func (v Version) String() string {
	switch v {
	case HTTP1:
		return "HTTP/1"
	case HTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// Server serves a single connection until it's done.
type Server interface {
	Serve()
}

// Report delivers an error which cannot be delivered to the client. A panicking handler
// doesn't affect the caller.
func Report(cfg *config.Config, logger zerolog.Logger, err error) {
	if cfg.OnError == nil {
		logger.Error().Err(err).Msg("uncaught error")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Err(err).Msg("error handler panicked")
		}
	}()

	cfg.OnError(err)
}
