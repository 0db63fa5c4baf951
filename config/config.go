package config

import (
	"time"

	"github.com/indigo-web/relay/http/proto"
)

type (
	HeadersNumber struct {
		Default, Maximal int
	}

	HeadersSpace struct {
		Default, Maximal int
	}

	NETWriteBufferSize struct {
		Default, Maximal int
	}

	URIRequestLineSize struct {
		Default, Maximal int
	}
)

type (
	URI struct {
		// RequestLineSize is a shared buffer storing method, path, query and protocol. A request
		// line exceeding the maximal boundary is rejected with 414.
		RequestLineSize URIRequestLineSize
		// ParamsPrealloc for http.Request.Params field.
		ParamsPrealloc int
	}

	Headers struct {
		// Number is responsible for headers storage size.
		// Default value is an initial size of allocated headers storage.
		// Maximal value is maximum number of headers allowed to be presented
		Number HeadersNumber
		// Space limits the amount of memory occupied by request headers.
		Space HeadersSpace
		// Default headers are headers to be included into every response implicitly, unless
		// explicitly overridden.
		Default map[string]string `test:"nullable"`
	}

	Body struct {
		// MaxSize describes the maximal size of a body, that can be processed. Requests declaring
		// or delivering more are answered with 413 and the connection gets closed.
		MaxSize uint64
		// StreamBuffer is the number of chunks a streamed body may hold before the decoder blocks
		// until the consumer catches up.
		StreamBuffer int
	}

	NET struct {
		// ReadBufferSize is a size of buffer in bytes which will be used to read from
		// socket
		ReadBufferSize int
		// ReadTimeout controls the maximal lifetime of IDLE connections. If no data was
		// received in this period of time, it'll be closed.
		ReadTimeout time.Duration
		// WriteBufferSize stores the HTTP response, which is going to be transmitted. The
		// default value is the initial capacity, the buffer is flushed to the socket each
		// time the maximal one is reached.
		WriteBufferSize NETWriteBufferSize
		// SmallBody limits how big must a response body be in order to be compressed, if the
		// compression option is enabled.
		SmallBody int64
		// Backlog is the listen queue length. Is applied on unix platforms only.
		Backlog int
		// NoDelay disables Nagle's algorithm on accepted connections.
		NoDelay bool
		// ReuseAddr sets SO_REUSEADDR on the listening socket.
		ReuseAddr bool
		// MaxConns bounds the number of simultaneously served connections. 0 means no limit.
		MaxConns int `test:"nullable"`
	}

	HTTP struct {
		// Versions is a set of enabled protocol versions.
		Versions proto.Protocol
		// Pipelining enables concurrent processing of pipelined requests. Responses are still
		// written in order of requests. If disabled, the next request is read only after the
		// previous response was written.
		Pipelining bool
		// PipelineDepth limits the number of requests being processed concurrently on a single
		// connection.
		PipelineDepth int
		// Compression enables compressing responses with an encoding accepted by the client.
		Compression bool
		// ServerName is the value of the Server header. Empty string disables the header.
		ServerName string
	}

	WebSocket struct {
		// MaxFrameSize limits the payload size of a single websocket frame.
		MaxFrameSize int
	}

	Shutdown struct {
		// Timeout bounds the graceful shutdown. Connections still alive after it are closed
		// forcefully.
		Timeout time.Duration
	}
)

// Config holds settings used across various parts of relay, mainly restrictions, limitations
// and pre-allocations.
//
// You must ALWAYS modify defaults (returned via Default()) and NEVER try to initialize the
// config manually, because most likely this will result in ambiguous errors.
type Config struct {
	URI       URI
	Headers   Headers
	Body      Body
	NET       NET
	HTTP      HTTP
	WebSocket WebSocket
	Shutdown  Shutdown
	// OnError receives errors which couldn't be delivered to the client. Nil value makes the
	// server log them.
	OnError func(error) `test:"nullable"`
}

// Default returns default config. Those are initially well-balanced, however maximal defaults
// are pretty permitting.
func Default() *Config {
	return &Config{
		URI: URI{
			RequestLineSize: URIRequestLineSize{
				Default: 2 * 1024,
				// most web-entities limit it to 4-8kb, so 16kb is fairly tolerant.
				Maximal: 16 * 1024,
			},
			ParamsPrealloc: 5,
		},
		Headers: Headers{
			Number: HeadersNumber{
				Default: 10,
				Maximal: 50,
			},
			Space: HeadersSpace{
				Default: 1 * 1024,  // 1kb for headers must be fairly enough in most cases.
				Maximal: 16 * 1024, // However, there also might be extremely long cookies.
			},
			Default: make(map[string]string),
		},
		Body: Body{
			MaxSize:      512 * 1024 * 1024, // 512 megabytes
			StreamBuffer: 16,
		},
		NET: NET{
			ReadBufferSize: 4 * 1024,
			ReadTimeout:    90 * time.Second,
			WriteBufferSize: NETWriteBufferSize{
				Default: 2 * 1024,
				Maximal: 64 * 1024,
			},
			SmallBody: 4 * 1024,
			Backlog:   1024,
			NoDelay:   true,
			ReuseAddr: true,
		},
		HTTP: HTTP{
			Versions:      proto.HTTP1 | proto.HTTP2,
			Pipelining:    true,
			PipelineDepth: 16,
			Compression:   true,
			ServerName:    "relay",
		},
		WebSocket: WebSocket{
			MaxFrameSize: 32 * 1024 * 1024,
		},
		Shutdown: Shutdown{
			Timeout: 10 * time.Second,
		},
	}
}
