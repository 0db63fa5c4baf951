package http

import (
	"context"
	"net"

	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/kv"
)

type (
	Headers = *kv.Storage
	Header  = kv.Pair
	Params  = *kv.Storage
)

// Request represents HTTP request
type Request struct {
	// Method is an enum representing the request method. Methods unknown to the server are
	// represented by method.Unknown, their token is kept in MethodName.
	Method     method.Method
	MethodName string
	// Path is a decoded path component of the request target.
	Path string
	// Query is the raw query component, without the leading question mark.
	Query string
	// Params are decoded query parameters.
	Params Params
	// Protocol is the version the request was received over.
	Protocol proto.Protocol
	// Headers holds non-normalized header pairs in order of their appearance, even though
	// lookup is case-insensitive.
	Headers Headers
	// Body is a dedicated entity providing access to the message body.
	Body *Body
	// KeepAlive tells whether the connection may be reused after the response.
	KeepAlive bool
	// ContentLength obtains the value from Content-Length header. It's -1 if the header
	// isn't presented.
	ContentLength int64
	// Chunked is set when the body is transferred using chunked transfer coding.
	Chunked bool
	// Upgrade is the Upgrade header value, if the request asks for a protocol switch.
	Upgrade string
	// Remote holds the remote address. Please note that this is generally not a good parameter to identify
	// a user, because there might be proxies in the middle.
	Remote net.Addr
	// Ctx is cancelled as soon as the connection dies.
	Ctx context.Context
	// Env contains a fixed set of contextual values which are useful in specific cases.
	Env Environment
}

func NewRequest(ctx context.Context, remote net.Addr, headers, params *kv.Storage) *Request {
	return &Request{
		Method:        method.Unknown,
		Protocol:      proto.HTTP11,
		Params:        params,
		Headers:       headers,
		ContentLength: -1,
		Remote:        remote,
		Ctx:           ctx,
		Body:          NewBufferedBody(nil),
	}
}

// ContentType returns the Content-Type header value.
func (r *Request) ContentType() string {
	return r.Headers.Value("content-type")
}

// WantsUpgrade tells whether the client asked for a protocol switch.
func (r *Request) WantsUpgrade() bool {
	return len(r.Upgrade) > 0
}

// ExpectsBody tells whether the head announced a message body.
func (r *Request) ExpectsBody() bool {
	return r.Chunked || r.ContentLength > 0
}

type Environment struct {
	// Encryption represents the cryptographic protocol on top of the connection. They're
	// comparable against the tls.Version... enums. Zero value means no encryption.
	Encryption uint16
	// ConnID identifies the connection in logs.
	ConnID string
	// StreamID is the HTTP/2 stream identifier. Always 0 for HTTP/1.x.
	StreamID uint32
}
