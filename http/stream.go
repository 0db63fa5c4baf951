package http

import (
	"context"
	"io"
	"sync"

	"github.com/indigo-web/relay/http/status"
)

// Stream is a bounded queue of body chunks with exactly one producer and one consumer.
// The producer blocks while the queue is full. Once the consumer abandons the stream, pushed
// chunks are dropped.
type Stream struct {
	ctx       context.Context
	chunks    chan []byte
	abandoned chan struct{}
	once      sync.Once
	err       error
}

func NewStream(ctx context.Context, depth int) *Stream {
	if depth < 1 {
		depth = 1
	}

	return &Stream{
		ctx:       ctx,
		chunks:    make(chan []byte, depth),
		abandoned: make(chan struct{}),
	}
}

// Push enqueues the chunk. The chunk must not be modified afterward. status.ErrBodyAbandoned
// is returned if the consumer isn't interested in the body anymore.
func (s *Stream) Push(chunk []byte) error {
	select {
	case <-s.abandoned:
		return status.ErrBodyAbandoned
	default:
	}

	select {
	case s.chunks <- chunk:
		return nil
	case <-s.abandoned:
		return status.ErrBodyAbandoned
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close terminates the stream. Nil error is the regular end of the body, otherwise the
// consumer observes the error after all the chunks already queued. Must be called exactly once.
func (s *Stream) Close(err error) {
	if err == nil {
		err = io.EOF
	}

	s.err = err
	close(s.chunks)
}

// Abandon unblocks the producer and makes it drop the rest of the body.
func (s *Stream) Abandon() {
	s.once.Do(func() {
		close(s.abandoned)
	})
}

// Retrieve implements Retriever.
func (s *Stream) Retrieve() ([]byte, error) {
	chunk, ok := <-s.chunks
	if !ok {
		return nil, s.err
	}

	return chunk, nil
}
