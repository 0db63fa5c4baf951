package dummy

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is an in-memory net.Conn. Reads are served from the data it was initialised with,
// writes are recorded.
type Conn struct {
	mu           sync.Mutex
	r            *bytes.Reader
	written      []byte
	readDeadline time.Time
	closed       bool
}

func NewConn(data []byte) *Conn {
	return &Conn{r: bytes.NewReader(data)}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}

	if !c.readDeadline.IsZero() && !c.readDeadline.After(time.Now()) {
		return 0, timeoutError{}
	}

	return c.r.Read(b)
}

func (c *Conn) Write(b []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}

	c.written = append(c.written, b...)
	return len(b), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()

	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}

// ReadDeadline returns the last read deadline set.
func (c *Conn) ReadDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readDeadline
}

// Written returns everything was written so far.
func (c *Conn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return string(c.written)
}

// timeoutError mimics os.ErrDeadlineExceeded the way net.Conn implementations report it.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Is(err error) bool {
	return err == os.ErrDeadlineExceeded
}

var _ net.Conn = new(Conn)
