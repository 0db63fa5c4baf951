// Package relay is an HTTP server connection pipeline. It accepts connections, negotiates the
// protocol version, decodes requests, drives a responder.Responder and writes its responses
// back, supporting keep-alive, pipelining, protocol upgrades and graceful shutdown.
package relay

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/internal/serve"
	"github.com/indigo-web/relay/responder"
	"github.com/indigo-web/relay/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrNoResponder = errors.New("no responder factory passed")

type listener struct {
	addr      string
	transport Transport
}

type hooks struct {
	OnStart, OnStop func()
}

// App is the server facade. All the methods but Serve, GracefulStop and Stop must be called
// before the App is started.
type App struct {
	cfg       *config.Config
	clock     clock.Clock
	logger    zerolog.Logger
	hooks     hooks
	listeners []listener

	mu         sync.Mutex
	supervisor *transport.Supervisor
	bound      []transport.Transport
}

// New returns a new App instance listening on the address over plain TCP. Empty address
// adds no listener, so those must be added via Listen.
func New(addr string) *App {
	a := &App{
		cfg:    config.Default(),
		clock:  clock.New(),
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel),
	}

	if len(addr) > 0 {
		a.Listen(addr, TCP())
	}

	return a
}

// Tune replaces default config.
func (a *App) Tune(cfg *config.Config) *App {
	a.cfg = cfg
	return a
}

// Logger replaces the default logger, writing to the stderr.
func (a *App) Logger(logger zerolog.Logger) *App {
	a.logger = logger
	return a
}

// Clock replaces the clock used for timeouts.
func (a *App) Clock(clk clock.Clock) *App {
	a.clock = clk
	return a
}

// OnError sets the handler of errors, which couldn't be delivered to the client. By default,
// they're logged.
func (a *App) OnError(cb func(error)) *App {
	a.cfg.OnError = cb
	return a
}

// NotifyOnStart calls the callback at the moment, when all the listeners are bound. It's
// therefore guaranteed that connections are accepted once the callback is called.
func (a *App) NotifyOnStart(cb func()) *App {
	a.hooks.OnStart = cb
	return a
}

// NotifyOnStop calls the callback at the moment, when all the servers are down. It's guaranteed,
// that at the moment as the callback is called, the server isn't able to accept any new connections
// and all the clients are already disconnected
func (a *App) NotifyOnStop(cb func()) *App {
	a.hooks.OnStop = cb
	return a
}

// Listen adds a new listener. Plain TCP is used if no transport is passed.
func (a *App) Listen(addr string, t ...Transport) *App {
	tr := TCP()
	if len(t) > 0 {
		tr = t[0]
	}

	a.listeners = append(a.listeners, listener{
		addr:      addr,
		transport: tr,
	})

	return a
}

// Serve starts the application and blocks until it's stopped. Responders are instantiated
// by the factory once per connection.
func (a *App) Serve(factory responder.Factory) error {
	if factory == nil {
		return ErrNoResponder
	}

	for _, l := range a.listeners {
		if l.transport.error != nil {
			return errors.Wrapf(l.transport.error, "listener %s", l.addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := a.getSupervisor()
	if supervisor.State() != transport.NotStarted {
		return transport.ErrAlreadyRunning
	}

	server := serve.New(ctx, a.cfg, factory, a.logger)
	bound := make([]transport.Transport, 0, len(a.listeners))

	for _, l := range a.listeners {
		t := l.transport.spawn(a.cfg, a.clock)
		if err := supervisor.Add(l.addr, t, server.Serve); err != nil {
			return err
		}

		bound = append(bound, t)
		a.logger.Info().Stringer("addr", t.Addr()).Msg("listening")
	}

	a.mu.Lock()
	a.bound = bound
	a.mu.Unlock()

	callIfNotNil(a.hooks.OnStart)
	err := supervisor.Run()
	callIfNotNil(a.hooks.OnStop)

	return err
}

// Addrs returns addresses of all the bound listeners. It's nil until the App is started.
func (a *App) Addrs() []net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	addrs := make([]net.Addr, len(a.bound))
	for i, t := range a.bound {
		addrs[i] = t.Addr()
	}

	return addrs
}

// GracefulStop stops accepting new connections and lets the existing ones finish their
// current exchanges, bounded by the config's Shutdown.Timeout. The call blocks until
// the shutdown is complete.
func (a *App) GracefulStop() {
	a.getSupervisor().GracefulStop(a.cfg.Shutdown.Timeout)
}

// Stop stops the whole application immediately. The call blocks until all the connections
// are closed.
func (a *App) Stop() {
	a.getSupervisor().Stop()
}

func (a *App) getSupervisor() *transport.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.supervisor == nil {
		a.supervisor = transport.NewSupervisor(a.clock)
	}

	return a.supervisor
}

func callIfNotNil(f func()) {
	if f != nil {
		f()
	}
}
