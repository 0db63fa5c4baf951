package http

import (
	"io"

	"github.com/indigo-web/relay/http/mime"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/utils/uf"
	json "github.com/json-iterator/go"
)

type BodyCallback func([]byte) error

type Retriever interface {
	// Retrieve returns the next piece of body available for processing. The last piece is
	// accompanied by io.EOF.
	Retrieve() ([]byte, error)
}

// Body is the request's message body. It is either fully buffered, when the whole body was
// received within a single read, or a live stream. In both cases it may be consumed only once.
type Body struct {
	retriever Retriever
	stream    *Stream
	size      int64
	buff      []byte
	pending   []byte
	error     error
}

// NewBufferedBody returns a body which is already completely received.
func NewBufferedBody(data []byte) *Body {
	return &Body{
		retriever: &buffered{data: data},
		size:      int64(len(data)),
	}
}

// NewStreamedBody returns a body backed by the stream. Its length is unknown until the
// stream ends.
func NewStreamedBody(stream *Stream) *Body {
	return &Body{
		retriever: stream,
		stream:    stream,
		size:      -1,
	}
}

// Streamed tells whether the body is still being received while it's consumed.
func (b *Body) Streamed() bool {
	return b.stream != nil
}

// Len returns the size of a buffered body, or -1 for streamed ones.
func (b *Body) Len() int64 {
	return b.size
}

// Retrieve implements Retriever.
func (b *Body) Retrieve() ([]byte, error) {
	return b.retriever.Retrieve()
}

// Callback invokes the callback every time as there's a piece of body available
// for reading. If the callback returns an error, it'll be passed back to the caller.
//
// Please note: this method can be used only once.
func (b *Body) Callback(cb BodyCallback) error {
	if b.error != nil {
		return b.finalErr()
	}

	for {
		var data []byte
		data, b.error = b.Retrieve()
		if len(data) > 0 {
			if err := cb(data); err != nil {
				b.error = err
				return err
			}
		}

		if b.error != nil {
			return b.finalErr()
		}
	}
}

// Bytes returns the whole body at once in a byte representation.
func (b *Body) Bytes() ([]byte, error) {
	if len(b.buff) != 0 {
		return b.buff, nil
	}

	if b.error != nil {
		return nil, b.finalErr()
	}

	for {
		var data []byte
		data, b.error = b.Retrieve()
		switch {
		case b.buff == nil && b.error == io.EOF:
			// the only piece is the whole body, no need to copy it
			b.buff = data
			return b.buff, nil
		default:
			b.buff = append(b.buff, data...)
		}

		switch b.error {
		case nil:
		case io.EOF:
			return b.buff, nil
		default:
			return nil, b.error
		}
	}
}

// String returns the whole body at once in a string representation.
func (b *Body) String() (string, error) {
	bytes, err := b.Bytes()
	return uf.B2S(bytes), err
}

// Read implements the io.Reader interface.
func (b *Body) Read(into []byte) (n int, err error) {
	if len(b.pending) == 0 && b.error == nil {
		b.pending, b.error = b.Retrieve()
	}

	n = copy(into, b.pending)
	b.pending = b.pending[n:]

	if len(b.pending) == 0 && b.error != nil {
		err = b.error
	}

	return n, err
}

// JSON convoys the request's body to a json unmarshaller automatically.
//
// Please note: this method cannot be used on requests with Content-Type incompatible
// with mime.JSON (in this case, status.ErrUnsupportedMediaType is returned).
func (b *Body) JSON(contentType string, model any) error {
	if !mime.Complies(mime.JSON, contentType) {
		return status.ErrUnsupportedMediaType
	}

	data, err := b.Bytes()
	if err != nil {
		return err
	}

	iterator := json.ConfigDefault.BorrowIterator(data)
	iterator.ReadVal(model)
	err = iterator.Error
	json.ConfigDefault.ReturnIterator(iterator)

	return err
}

// Discard discards the rest of the body (if any). If no networking error was encountered,
// nil is returned.
func (b *Body) Discard() error {
	for b.error == nil {
		_, b.error = b.Retrieve()
	}

	return b.finalErr()
}

// Error returns a previously encountered error, otherwise nil.
func (b *Body) Error() error {
	if b.error == io.EOF {
		return nil
	}

	return b.error
}

// Abandon notifies the producer that nobody is going to read the body anymore.
func (b *Body) Abandon() {
	if b.stream != nil {
		b.stream.Abandon()
	}
}

func (b *Body) finalErr() error {
	if b.error == io.EOF {
		return nil
	}

	return b.error
}

type buffered struct {
	data     []byte
	consumed bool
}

func (b *buffered) Retrieve() ([]byte, error) {
	if b.consumed {
		return nil, io.EOF
	}

	b.consumed = true
	return b.data, io.EOF
}
