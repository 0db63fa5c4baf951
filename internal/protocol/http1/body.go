package http1

import (
	"io"

	"github.com/indigo-web/chunkedbody"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/status"
	"github.com/pkg/errors"
)

// bodyReader extracts the message body from the connection's byte stream. Everything
// belonging to the body within a single piece of data is returned at once, so a body
// received within one read is observed as a single chunk.
type bodyReader struct {
	chunked bool
	left    int64
	parser  *chunkedbody.Parser
	scratch []byte
}

func newBodyReader() *bodyReader {
	return &bodyReader{
		parser: chunkedbody.NewParser(chunkedbody.DefaultSettings()),
	}
}

func (b *bodyReader) init(request *http.Request) {
	b.chunked = request.Chunked
	b.left = max(request.ContentLength, 0)
}

// next consumes the body bytes of the data. The rest of data, which doesn't belong to the
// body anymore, is returned as extra once the body is complete.
func (b *bodyReader) next(data []byte) (body, extra []byte, done bool, err error) {
	if b.chunked {
		return b.nextChunked(data)
	}

	if int64(len(data)) < b.left {
		b.left -= int64(len(data))
		return data, nil, false, nil
	}

	body, extra = data[:b.left], data[b.left:]
	b.left = 0

	return body, extra, true, nil
}

func (b *bodyReader) nextChunked(data []byte) (body, extra []byte, done bool, err error) {
	b.scratch = b.scratch[:0]

	for len(data) > 0 {
		chunk, rest, err := b.parser.Parse(data, false)
		b.scratch = append(b.scratch, chunk...)

		switch err {
		case nil:
		case io.EOF:
			return b.scratch, rest, true, nil
		default:
			return nil, nil, false, errors.Wrap(status.ErrBadChunk, err.Error())
		}

		if len(rest) == len(data) && len(chunk) == 0 {
			break
		}

		data = rest
	}

	return b.scratch, nil, false, nil
}
