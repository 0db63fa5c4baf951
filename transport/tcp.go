package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/indigo-web/relay/config"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/netutil"
)

// OnClient serves a single client. The client is closed right after the callback returns.
type OnClient func(Client)

// Transport accepts connections and keeps track of the clients being served.
type Transport interface {
	Bind(addr string) error
	Addr() net.Addr
	// Listen runs the accept loop until the transport is quiesced or closed.
	Listen(cb OnClient) error
	// Quiesce stops accepting new connections and drains the existing ones.
	Quiesce()
	// Close closes the listener and all the clients immediately.
	Close()
	// Wait blocks until every client is done or the context expires.
	Wait(ctx context.Context) error
	// Clients returns the number of clients currently being served.
	Clients() int
}

type TCP struct {
	cfg      config.NET
	clock    clock.Clock
	tls      *tls.Config
	l        net.Listener
	wg       sync.WaitGroup
	stopping atomic.Bool
	nextID   atomic.Uint64
	clients  *xsync.MapOf[uint64, Client]
}

func NewTCP(cfg config.NET, clk clock.Clock) *TCP {
	return &TCP{
		cfg:     cfg,
		clock:   clk,
		clients: xsync.NewMapOf[uint64, Client](),
	}
}

func (t *TCP) Bind(addr string) error {
	l, err := listen(addr, t.cfg)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}

	if t.cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, t.cfg.MaxConns)
	}

	if t.tls != nil {
		l = tls.NewListener(l, t.tls)
	}

	t.l = l

	return nil
}

func (t *TCP) Addr() net.Addr {
	if t.l == nil {
		return nil
	}

	return t.l.Addr()
}

func (t *TCP) Listen(cb OnClient) error {
	t.wg.Add(1)
	defer t.wg.Done()

	for {
		conn, err := t.l.Accept()
		if err != nil {
			if t.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			return errors.Wrap(err, "accept")
		}

		t.wg.Add(1)
		go t.serve(conn, cb)
	}
}

func (t *TCP) serve(conn net.Conn, cb OnClient) {
	defer t.wg.Done()

	if tcpConn, ok := underlying(conn).(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(t.cfg.NoDelay)
	}

	client := NewClient(conn, t.clock, t.cfg.ReadTimeout, make([]byte, t.cfg.ReadBufferSize))
	id := t.nextID.Add(1)
	t.clients.Store(id, client)
	if t.stopping.Load() {
		// accepted concurrently with Quiesce, which therefore might not see the client
		client.Drain()
	}

	defer func() {
		t.clients.Delete(id)
		_ = client.Close()
	}()

	cb(client)
}

func (t *TCP) Quiesce() {
	t.stopping.Store(true)
	t.closeListener()
	t.clients.Range(func(_ uint64, client Client) bool {
		client.Drain()
		return true
	})
}

func (t *TCP) Close() {
	t.stopping.Store(true)
	t.closeListener()
	t.clients.Range(func(_ uint64, client Client) bool {
		_ = client.Close()
		return true
	})
}

func (t *TCP) closeListener() {
	if t.l != nil {
		_ = t.l.Close()
	}
}

func (t *TCP) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TCP) Clients() int {
	return t.clients.Size()
}

func underlying(conn net.Conn) net.Conn {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return tlsConn.NetConn()
	}

	return conn
}
