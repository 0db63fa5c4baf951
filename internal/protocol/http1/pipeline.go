package http1

import (
	"sync"

	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/internal/response"
)

// slot is the place of a request in the connection's response queue. Slots are written
// strictly in order of the requests, regardless of the order they are resolved in.
type slot struct {
	request  *http.Request
	response *http.Response
	// done is closed as soon as the response is ready.
	done chan struct{}
	// received is closed once the reader is done with the request's message.
	received chan struct{}
	// written is closed once the writer is done with the slot, successfully or not.
	written chan struct{}
	// final slots are followed by closing the connection.
	final bool

	// parked is closed by the reader when it stopped after an upgrade request. side holds
	// everything was received after the request by then.
	parked   chan struct{}
	side     []byte
	decision chan bool
	upgrade  *response.Upgrade

	mu          sync.Mutex
	taken       bool
	interrupted error
}

func newSlot(request *http.Request) *slot {
	s := &slot{
		request:  request,
		done:     make(chan struct{}),
		received: make(chan struct{}),
		written:  make(chan struct{}),
	}

	if request.WantsUpgrade() {
		s.parked = make(chan struct{})
		s.decision = make(chan bool, 1)
	}

	return s
}

// resolvedSlot returns a final slot answering the request by the error.
func resolvedSlot(request *http.Request, err error) *slot {
	s := newSlot(request)
	s.response = http.Error(err)
	s.final = true
	close(s.done)
	close(s.received)

	return s
}

// interrupt makes the slot answered by the error instead of the responder's response and
// closes the connection after it. It fails if the slot is already being written.
func (s *slot) interrupt(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return false
	}

	s.interrupted = err
	return true
}

// take marks the slot as being written. Error is returned if the slot was interrupted.
func (s *slot) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taken = true
	return s.interrupted
}
