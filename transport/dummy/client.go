package dummy

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/indigo-web/relay/transport"
)

var _ transport.Client = new(Client)

// Client returns the pieces of data it was initialised with one by one, tracking all the
// written data, which makes it suitable for most of the tests. Once the pieces are over,
// io.EOF is returned, unless the client is set to hold the connection or to loop the reads.
type Client struct {
	mu       sync.Mutex
	data     [][]byte
	pointer  int
	tmp      []byte
	written  []byte
	loop     bool
	hold     bool
	failWith error
	closed    chan struct{}
	drained   chan struct{}
	once      sync.Once
	draining  atomic.Bool
	receiving atomic.Bool
	conn      *Conn
}

func NewMockClient(data ...[]byte) *Client {
	return &Client{
		data:    data,
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
		conn:    NewConn(nil),
	}
}

// LoopReads makes the client restart from the first piece after the last one.
func (c *Client) LoopReads() *Client {
	c.loop = true
	return c
}

// WithConn replaces the underlying connection, which is returned by Conn.
func (c *Client) WithConn(conn *Conn) *Client {
	c.conn = conn
	return c
}

// Hold makes reads block after the last piece until the client is closed or drained while
// not receiving.
func (c *Client) Hold() *Client {
	c.hold = true
	return c
}

// FailWith makes the read after the last piece fail with the error.
func (c *Client) FailWith(err error) *Client {
	c.failWith = err
	return c
}

func (c *Client) Read() ([]byte, error) {
	if c.isClosed() || (c.draining.Load() && !c.receiving.Load()) {
		return nil, io.EOF
	}

	if len(c.tmp) > 0 {
		data := c.tmp
		c.tmp = nil
		return data, nil
	}

	if c.pointer >= len(c.data) {
		switch {
		case c.loop && len(c.data) > 0:
			c.pointer = 0
		case c.failWith != nil:
			return nil, c.failWith
		case c.hold:
			drained := c.drained
			if c.receiving.Load() {
				drained = nil
			}

			select {
			case <-c.closed:
			case <-drained:
			}

			return nil, io.EOF
		default:
			return nil, io.EOF
		}
	}

	piece := c.data[c.pointer]
	c.pointer++

	return piece, nil
}

func (c *Client) Pushback(b []byte) {
	c.tmp = b
}

func (c *Client) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}

	c.mu.Lock()
	c.written = append(c.written, p...)
	c.mu.Unlock()

	return len(p), nil
}

func (c *Client) Conn() net.Conn {
	return c.conn
}

func (c *Client) Remote() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Client) Drain() {
	if !c.draining.Swap(true) {
		close(c.drained)
	}
}

func (c *Client) Draining() bool {
	return c.draining.Load()
}

func (c *Client) Receiving(flag bool) {
	c.receiving.Store(flag)
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})

	return nil
}

// Closed returns a channel being closed together with the client.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Written returns everything was written into the client so far.
func (c *Client) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return string(c.written)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// NopClient neither returns any data nor keeps anything written into it.
type NopClient struct{}

func NewNopClient() NopClient {
	return NopClient{}
}

func (NopClient) Read() ([]byte, error) { return nil, io.EOF }
func (NopClient) Pushback([]byte) {}
func (NopClient) Write(b []byte) (int, error) { return len(b), nil }
func (NopClient) Conn() net.Conn { return NewConn(nil) }
func (NopClient) Remote() net.Addr { return nil }
func (NopClient) Drain() {}
func (NopClient) Draining() bool { return false }
func (NopClient) Receiving(bool) {}
func (NopClient) Close() error { return nil }
