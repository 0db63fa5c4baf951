package http1

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/codecutil"
	"github.com/indigo-web/relay/internal/protocol"
	"github.com/indigo-web/relay/internal/protocol/decode"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/relay/responder"
	"github.com/indigo-web/relay/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var _ protocol.Server = new(Conn)

// Conn serves a single HTTP/1.x connection. The reader parses requests and dispatches them
// to the responder as soon as they're received, the writer writes responses back in order
// of the requests.
type Conn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *config.Config
	client     transport.Client
	responder  responder.Responder
	logger     zerolog.Logger
	env        http.Environment
	parser     *Parser
	body       *bodyReader
	decoder    *decode.Decoder
	serializer *serializer
	slots      chan *slot
	// current is the slot of the last dispatched request. incomplete is the same slot while
	// its message is still being received.
	current    *slot
	incomplete *slot
	// receiving is set while the body of the current message is being read.
	receiving  bool
	readerDone chan struct{}
	inflight   sync.WaitGroup
}

func NewConn(
	ctx context.Context,
	cfg *config.Config,
	client transport.Client,
	r responder.Responder,
	codecs codecutil.Cache,
	logger zerolog.Logger,
	env http.Environment,
) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		client:     client,
		responder:  r,
		logger:     logger,
		env:        env,
		body:       newBodyReader(),
		serializer: newSerializer(cfg, client, codecs),
		slots:      make(chan *slot, max(cfg.HTTP.PipelineDepth-1, 0)),
		readerDone: make(chan struct{}),
	}
	c.parser = NewParser(cfg, c.newRequest)
	c.decoder = decode.New(ctx, cfg.Body, c.dispatch)

	return c
}

// Serve blocks until the connection is closed. The connection is always closed on return.
func (c *Conn) Serve() {
	defer func() {
		_ = c.client.Close()
	}()
	defer c.cancel()

	go c.read()
	upgraded := c.write()

	if upgraded == nil {
		c.cancel()
		_ = c.client.Close()
	}

	<-c.readerDone
	c.inflight.Wait()

	if upgraded != nil {
		c.handoff(upgraded)
	}
}

func (c *Conn) read() {
	defer close(c.readerDone)
	defer close(c.slots)
	defer c.decoder.Abort(io.ErrUnexpectedEOF)

	for {
		// a drain takes effect only between messages
		c.client.Receiving(c.interrupted())
		data, err := c.client.Read()
		if len(data) > 0 {
			stop, perr := c.process(data)
			if perr != nil {
				c.reject(perr)
				return
			}

			if stop {
				return
			}
		}

		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// process feeds the data into the parser and the decoder. It returns true if no further
// data must be read.
func (c *Conn) process(data []byte) (stop bool, err error) {
	for len(data) > 0 {
		if c.receiving {
			body, extra, done, err := c.body.next(data)
			if err != nil {
				return false, err
			}

			if err = c.decoder.Chunk(body); err != nil {
				return false, err
			}

			if !done {
				return false, nil
			}

			c.receiving = false
			if err = c.decoder.End(); err != nil {
				return false, err
			}

			if c.completed(extra) {
				return true, nil
			}

			data = extra
			continue
		}

		request, extra, err := c.parser.Parse(data)
		if err != nil {
			return false, err
		}

		if request == nil {
			return false, nil
		}

		if err = c.decoder.Head(request); err != nil {
			return false, err
		}

		if request.ExpectsBody() {
			c.body.init(request)
			c.receiving = true
			data = extra
			continue
		}

		if err = c.decoder.End(); err != nil {
			return false, err
		}

		if c.completed(extra) {
			return true, nil
		}

		data = extra
	}

	return false, nil
}

// completed is called after the message of the current slot was received entirely. True
// means the reader must stop.
func (c *Conn) completed(extra []byte) bool {
	s := c.current
	c.markReceived()

	if s.request.WantsUpgrade() {
		s.side = bytes.Clone(extra)
		close(s.parked)

		select {
		case upgraded := <-s.decision:
			if upgraded {
				return true
			}
		case <-c.ctx.Done():
			return true
		}
	}

	if !s.request.KeepAlive {
		return true
	}

	if !c.cfg.HTTP.Pipelining {
		select {
		case <-s.written:
		case <-c.ctx.Done():
			return true
		}
	}

	return false
}

// dispatch enqueues the request and resolves it concurrently. It blocks while the
// pipeline is full.
func (c *Conn) dispatch(request *http.Request) error {
	s := newSlot(request)
	if !c.enqueue(s) {
		return c.ctx.Err()
	}

	c.current, c.incomplete = s, s
	c.inflight.Add(1)
	go c.resolve(s)

	return nil
}

func (c *Conn) enqueue(s *slot) bool {
	select {
	case c.slots <- s:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) resolve(s *slot) {
	defer c.inflight.Done()
	defer close(s.done)
	defer s.request.Body.Abandon()
	defer func() {
		if r := recover(); r != nil {
			c.report(errors.Wrapf(status.ErrResponderPanic, "%v", r))
			s.response = http.Error(status.ErrResponderPanic)
		}
	}()

	resp, err := c.responder.Respond(s.request.Ctx, s.request)
	switch {
	case err != nil:
		s.response = c.failure(err)
	case resp == nil:
		c.report(errors.Wrap(status.ErrInternalServerError, "responder returned nil response"))
		s.response = http.Error(status.ErrInternalServerError)
	default:
		s.response = resp
	}
}

// failure converts the responder's error into a response. Errors carrying no status code
// are reported and hidden from the client.
func (c *Conn) failure(err error) *http.Response {
	var httpErr status.HTTPError
	if errors.As(err, &httpErr) {
		return http.Error(err)
	}

	c.report(err)
	return http.Error(status.ErrInternalServerError)
}

// reject answers the malformed message and makes the reader stop. Responses to the
// requests received before are still written.
func (c *Conn) reject(err error) {
	c.logger.Debug().Err(err).Msg("bad request")

	c.decoder.Abort(err)

	if s := c.incomplete; s != nil {
		c.markReceived()
		if s.interrupt(err) {
			return
		}
	}

	c.enqueue(resolvedSlot(c.newRequest(), err))
}

func (c *Conn) markReceived() {
	if c.incomplete != nil {
		close(c.incomplete.received)
		c.incomplete = nil
	}
}

// interrupted tells whether a message is partially received.
func (c *Conn) interrupted() bool {
	return c.receiving || c.parser.Pending()
}

func (c *Conn) readFailed(err error) {
	interrupted := c.interrupted()

	switch {
	case errors.Is(err, io.EOF):
		// the peer isn't sending anymore, but possibly still waits for responses
		if interrupted {
			c.decoder.Abort(io.ErrUnexpectedEOF)
		}
	case errors.Is(err, os.ErrDeadlineExceeded):
		if interrupted {
			c.reject(status.ErrRequestTimeout)
		}
	default:
		c.logger.Debug().Err(err).Msg("read failed")
		c.decoder.Abort(err)
		c.cancel()
	}
}

// write returns the upgrade slot if the connection was upgraded.
func (c *Conn) write() *slot {
	for s := range c.slots {
		select {
		case <-s.done:
		case <-c.ctx.Done():
			return nil
		}

		select {
		case <-s.received:
		case <-c.readerDone:
		case <-c.ctx.Done():
			return nil
		}

		if c.ctx.Err() != nil {
			return nil
		}

		resp, final := s.response, s.final
		if err := s.take(); err != nil {
			resp, final = http.Error(err), true
		}

		resp, upgraded, err := c.upgrade(s, resp)
		if err != nil {
			c.writeFailed(err)
			return nil
		}

		if upgraded {
			close(s.written)
			return s
		}

		keepAlive := s.request.KeepAlive && !final && !c.lastWhileDraining()
		keepAlive, err = c.serializer.Write(s.request, resp, keepAlive)
		close(s.written)

		if err != nil {
			c.writeFailed(err)
			return nil
		}

		if !keepAlive {
			return nil
		}
	}

	return nil
}

// lastWhileDraining tells whether the connection is being drained and no more requests
// are going to be received.
func (c *Conn) lastWhileDraining() bool {
	if !c.client.Draining() {
		return false
	}

	select {
	case <-c.readerDone:
		return len(c.slots) == 0
	default:
		return false
	}
}

func (c *Conn) writeFailed(err error) {
	if status.KindOf(err) == status.KindInternal {
		c.report(err)
	} else {
		c.logger.Debug().Err(err).Msg("write failed")
	}

	c.cancel()
}

func (c *Conn) newRequest() *http.Request {
	request := http.NewRequest(
		c.ctx,
		c.client.Remote(),
		kv.NewPrealloc(c.cfg.Headers.Number.Default),
		kv.NewPrealloc(c.cfg.URI.ParamsPrealloc),
	)
	request.Env = c.env

	return request
}

func (c *Conn) report(err error) {
	protocol.Report(c.cfg, c.logger, err)
}
