package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type State uint32

const (
	NotStarted State = iota
	Listening
	Quiescing
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Listening:
		return "Listening"
	case Quiescing:
		return "Quiescing"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var ErrAlreadyRunning = errors.New("supervisor is already running or stopped")

// Supervisor runs several transports at once, coordinating their shutdown.
type Supervisor struct {
	clock   clock.Clock
	state   atomic.Uint32
	ts      []boundTransport
	once    sync.Once
	stopped chan struct{}
}

func NewSupervisor(clk clock.Clock) *Supervisor {
	return &Supervisor{
		clock:   clk,
		stopped: make(chan struct{}),
	}
}

// Add binds the transport. In case of an error, all the transports added before are closed.
func (s *Supervisor) Add(addr string, transport Transport, cb OnClient) error {
	if err := transport.Bind(addr); err != nil {
		s.close()
		return err
	}

	s.ts = append(s.ts, boundTransport{
		cb: cb,
		t:  transport,
	})

	return nil
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run blocks until the supervisor is stopped. If any of transports fails, the rest are
// stopped and the error is returned.
func (s *Supervisor) Run() error {
	if !s.state.CompareAndSwap(uint32(NotStarted), uint32(Listening)) {
		return ErrAlreadyRunning
	}

	errch := make(chan error, len(s.ts))

	for _, t := range s.ts {
		go func(t boundTransport) {
			errch <- t.t.Listen(t.cb)
		}(t)
	}

	var firstErr error

	for range s.ts {
		if err := <-errch; err != nil && firstErr == nil {
			firstErr = err
			s.Stop()
		}
	}

	<-s.stopped

	return firstErr
}

// GracefulStop stops accepting new connections and lets the existing ones finish their
// current exchanges. Clients still alive after the timeout are closed forcefully. The call
// blocks until the shutdown is complete.
func (s *Supervisor) GracefulStop(timeout time.Duration) {
	if !s.state.CompareAndSwap(uint32(Listening), uint32(Quiescing)) {
		s.Stop()
		return
	}

	for _, t := range s.ts {
		t.t.Quiesce()
	}

	ctx, cancel := s.clock.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, t := range s.ts {
		if t.t.Wait(ctx) != nil {
			break
		}
	}

	s.Stop()
}

// Stop closes all the transports and their clients immediately, blocking until every
// client is done.
func (s *Supervisor) Stop() {
	s.once.Do(func() {
		s.close()

		for _, t := range s.ts {
			_ = t.t.Wait(context.Background())
		}

		s.state.Store(uint32(Stopped))
		close(s.stopped)
	})

	<-s.stopped
}

func (s *Supervisor) close() {
	for _, t := range s.ts {
		t.t.Close()
	}
}

type boundTransport struct {
	cb OnClient
	t  Transport
}
