package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type Client interface {
	// Read returns the next piece of data. The returned slice is valid until the next call.
	Read() ([]byte, error)
	// Pushback preserves a piece of data to be returned by the next Read.
	Pushback([]byte)
	Write([]byte) (int, error)
	Conn() net.Conn
	Remote() net.Addr
	// Drain makes the blocked and all the following reads fail with io.EOF. Data pushed back
	// is still returned. While the client is marked as receiving, reads go on as usual, so
	// the message being received can be completed.
	Drain()
	Draining() bool
	// Receiving marks whether a message is partially received. It must be called by the
	// reading goroutine.
	Receiving(bool)
	Close() error
}

type client struct {
	conn     net.Conn
	clock    clock.Clock
	buff     []byte
	pending  []byte
	timeout  time.Duration

	// mu orders Drain against the changes of receiving
	mu        sync.Mutex
	draining  atomic.Bool
	receiving atomic.Bool
}

func NewClient(conn net.Conn, clk clock.Clock, timeout time.Duration, buff []byte) Client {
	return &client{
		conn:    conn,
		clock:   clk,
		buff:    buff,
		timeout: timeout,
	}
}

// Read reads data into the internal buffer and returns a piece of it back. Timeouts are also
// handled automatically.
func (c *client) Read() ([]byte, error) {
	if len(c.pending) > 0 {
		pending := c.pending
		c.pending = nil

		return pending, nil
	}

	receiving := c.receiving.Load()
	if c.draining.Load() && !receiving {
		return nil, io.EOF
	}

	if c.timeout > 0 || (receiving && c.draining.Load()) {
		// also overrides the deadline in past, if Drain set it before the receiving began
		var deadline time.Time
		if c.timeout > 0 {
			deadline = c.clock.Now().Add(c.timeout)
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}

		// Drain might have happened between the check above and the new deadline
		if c.draining.Load() && !receiving {
			return nil, io.EOF
		}
	}

	n, err := c.conn.Read(c.buff)
	if err != nil && !receiving && c.draining.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
		err = io.EOF
	}

	return c.buff[:n], err
}

// Pushback preserves a chunk of data from previous read for the next read.
func (c *client) Pushback(b []byte) {
	c.pending = b
}

// Conn unwraps the underlying net.Conn.
func (c *client) Conn() net.Conn {
	return c.conn
}

// Write writes data into the underlying connection.
func (c *client) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Remote returns the remote address of the connection.
func (c *client) Remote() net.Addr {
	return c.conn.RemoteAddr()
}

// Drain unblocks the pending read, if any. Connections being idle are therefore closed
// immediately, and busy ones after the current exchange.
func (c *client) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining.Swap(true) || c.receiving.Load() {
		return
	}

	// the time in past interrupts the blocking read right away
	_ = c.conn.SetReadDeadline(time.Unix(1, 0))
}

func (c *client) Draining() bool {
	return c.draining.Load()
}

func (c *client) Receiving(flag bool) {
	if c.receiving.Load() == flag {
		return
	}

	c.mu.Lock()
	c.receiving.Store(flag)
	c.mu.Unlock()
}

// Close closes the connection.
func (c *client) Close() error {
	return c.conn.Close()
}
