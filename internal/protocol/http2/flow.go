package http2

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

var errStreamClosed = errors.New("stream is closed")

// flow tracks send windows of the connection and its streams. DATA frames are sent only
// within the windows granted by the peer.
type flow struct {
	mu      sync.Mutex
	cond    *sync.Cond
	conn    int64
	initial int64
	streams map[uint32]int64
	closed  bool
}

func newFlow() *flow {
	f := &flow{
		conn:    initialWindowSize,
		initial: initialWindowSize,
		streams: make(map[uint32]int64),
	}
	f.cond = sync.NewCond(&f.mu)

	return f
}

func (f *flow) open(id uint32) {
	f.mu.Lock()
	f.streams[id] = f.initial
	f.mu.Unlock()
}

func (f *flow) close(id uint32) {
	f.mu.Lock()
	delete(f.streams, id)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// update applies the WINDOW_UPDATE. Stream 0 refers to the connection window.
func (f *flow) update(id uint32, increment uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id == 0 {
		if f.conn+int64(increment) > math.MaxInt32 {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}

		f.conn += int64(increment)
	} else {
		window, ok := f.streams[id]
		if !ok {
			return nil
		}

		if window+int64(increment) > math.MaxInt32 {
			return http2.StreamError{StreamID: id, Code: http2.ErrCodeFlowControl}
		}

		f.streams[id] = window + int64(increment)
	}

	f.cond.Broadcast()

	return nil
}

// setInitial applies the new SETTINGS_INITIAL_WINDOW_SIZE to all the open streams.
func (f *flow) setInitial(size uint32) {
	f.mu.Lock()
	delta := int64(size) - f.initial
	f.initial = int64(size)
	for id := range f.streams {
		f.streams[id] += delta
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

// take blocks until at least a single byte may be sent over the stream, returning how
// many of wanted bytes are granted.
func (f *flow) take(ctx context.Context, id uint32, wanted int64) (int64, error) {
	stop := context.AfterFunc(ctx, f.wakeup)
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.closed {
			return 0, errStreamClosed
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		window, ok := f.streams[id]
		if !ok {
			return 0, errStreamClosed
		}

		if granted := min(wanted, window, f.conn); granted > 0 {
			f.streams[id] -= granted
			f.conn -= granted
			return granted, nil
		}

		f.cond.Wait()
	}
}

// shutdown unblocks everyone waiting for the window.
func (f *flow) shutdown() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *flow) wakeup() {
	// the lock guarantees waiters are either parked already or will observe the change
	f.mu.Lock()
	f.mu.Unlock()
	f.cond.Broadcast()
}
