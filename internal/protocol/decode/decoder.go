// Package decode turns a sequence of message events into requests, deciding whether a body is
// exposed buffered or as a live stream.
package decode

import (
	"context"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/status"
	"github.com/pkg/errors"
)

type State uint8

const (
	Ready State = iota
	AwaitingBody
	AwaitingEnd
	StreamingBody
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case AwaitingBody:
		return "AwaitingBody"
	case AwaitingEnd:
		return "AwaitingEnd"
	case StreamingBody:
		return "StreamingBody"
	default:
		return "Unknown"
	}
}

// Emitter delivers a request downstream. It may block, and a returned error aborts the decoding.
type Emitter func(*http.Request) error

// Decoder consumes Head, Chunk and End events of one message at a time. A body whose bytes
// arrive in a single Chunk is exposed as buffered, as soon as a second Chunk comes the request
// is emitted immediately with a streamed body, so the consumer may start while the rest is
// still being received.
//
// Chunks are copied, so the caller is free to reuse the memory.
type Decoder struct {
	ctx      context.Context
	cfg      config.Body
	emit     Emitter
	state    State
	request  *http.Request
	first    []byte
	stream   *http.Stream
	received uint64
	dropping bool
}

func New(ctx context.Context, cfg config.Body, emit Emitter) *Decoder {
	return &Decoder{
		ctx:  ctx,
		cfg:  cfg,
		emit: emit,
	}
}

// State returns the current state.
func (d *Decoder) State() State {
	return d.state
}

// Head starts a new message.
func (d *Decoder) Head(request *http.Request) error {
	if d.state != Ready {
		return d.unexpected("head")
	}

	if request.ContentLength > 0 && uint64(request.ContentLength) > d.cfg.MaxSize {
		return status.ErrBodyTooLarge
	}

	d.request = request
	d.received = 0
	d.dropping = false
	d.state = AwaitingBody

	return nil
}

// Chunk feeds a piece of the body. Empty chunks are ignored.
func (d *Decoder) Chunk(data []byte) error {
	if len(data) == 0 {
		if d.state == Ready {
			return d.unexpected("chunk")
		}

		return nil
	}

	d.received += uint64(len(data))
	if d.received > d.cfg.MaxSize && d.state != Ready {
		d.Abort(status.ErrBodyTooLarge)
		return status.ErrBodyTooLarge
	}

	switch d.state {
	case AwaitingBody:
		d.first = clone(data)
		d.state = AwaitingEnd
	case AwaitingEnd:
		d.stream = http.NewStream(d.ctx, d.cfg.StreamBuffer)
		d.request.Body = http.NewStreamedBody(d.stream)
		d.state = StreamingBody
		first := d.first
		d.first = nil

		if err := d.emit(d.request); err != nil {
			return err
		}

		if err := d.push(first); err != nil {
			return err
		}

		return d.push(clone(data))
	case StreamingBody:
		return d.push(clone(data))
	default:
		return d.unexpected("chunk")
	}

	return nil
}

// End completes the current message.
func (d *Decoder) End() error {
	request := d.request

	switch d.state {
	case AwaitingBody:
		request.Body = http.NewBufferedBody(nil)
	case AwaitingEnd:
		request.Body = http.NewBufferedBody(d.first)
	case StreamingBody:
		d.stream.Close(nil)
		d.reset()
		return nil
	default:
		return d.unexpected("end")
	}

	d.reset()
	return d.emit(request)
}

// Abort fails the message currently being received. If the body is already streamed, its
// consumer observes the error.
func (d *Decoder) Abort(err error) {
	if d.state == StreamingBody {
		d.stream.Close(err)
	}

	d.reset()
}

func (d *Decoder) push(chunk []byte) error {
	if d.dropping {
		return nil
	}

	switch err := d.stream.Push(chunk); err {
	case nil:
		return nil
	case status.ErrBodyAbandoned:
		// the rest of the body must still be consumed in order to find the next message
		d.dropping = true
		return nil
	default:
		return err
	}
}

func (d *Decoder) reset() {
	d.state = Ready
	d.request = nil
	d.first = nil
	d.stream = nil
}

func (d *Decoder) unexpected(event string) error {
	return errors.Wrapf(status.ErrUnexpectedEvent, "%s event in %s state", event, d.state)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
