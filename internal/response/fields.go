package response

import (
	"io"
	"net"

	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/kv"
)

const DefaultContentType = "text/html"

// Upgrade is a directive to switch the connection to another protocol after the 101 response.
type Upgrade struct {
	// Protocol is the token the Upgrade response header will carry.
	Protocol string
	// Headers are computed by the new protocol and merged into the 101 response.
	Headers []kv.Pair
	// Handler takes over the connection once the 101 response is written. Bytes the client
	// sent after the upgrade request are replayed to it before the live ones.
	Handler func(net.Conn)
}

type Fields struct {
	Code        status.Code
	Status      status.Status
	ContentType string
	Headers     []kv.Pair
	Body        []byte
	// Stream replaces Body when set. StreamSize is -1 if the size isn't known in advance.
	Stream     io.Reader
	StreamSize int64
	Upgrade    *Upgrade
	// Err is a construction error. Responses carrying it must not be serialized.
	Err error
}

func (f *Fields) Clear() {
	f.Code = status.OK
	f.Status = ""
	f.ContentType = DefaultContentType
	f.Headers = f.Headers[:0]
	f.Body = nil
	f.Stream = nil
	f.StreamSize = 0
	f.Upgrade = nil
	f.Err = nil
}

// Buffered tells whether the body is fully known in advance.
func (f *Fields) Buffered() bool {
	return f.Stream == nil
}

// Size returns the body length or -1 if it is unknown.
func (f *Fields) Size() int64 {
	if f.Stream != nil {
		return f.StreamSize
	}

	return int64(len(f.Body))
}
