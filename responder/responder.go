// Package responder defines the contract between the connection pipeline and the
// application producing responses.
package responder

import (
	"context"

	"github.com/indigo-web/relay/http"
)

// Responder produces a response to every request. It may be called concurrently for
// pipelined requests of the same connection. A returned error is answered with the status
// code it carries (see status.HTTPError), or 500 otherwise, and the connection is kept.
type Responder interface {
	Respond(ctx context.Context, request *http.Request) (*http.Response, error)
}

// Func adapts an ordinary function into the Responder.
type Func func(ctx context.Context, request *http.Request) (*http.Response, error)

func (f Func) Respond(ctx context.Context, request *http.Request) (*http.Response, error) {
	return f(ctx, request)
}

// Factory is called once per connection, so responders may carry per-connection state
// without any synchronization except between pipelined requests.
type Factory func() Responder

// Static returns a factory sharing a single responder between all the connections.
func Static(r Responder) Factory {
	return func() Responder {
		return r
	}
}
