// Package http2 serves connections over HTTP/2. Framing and HPACK are done by
// golang.org/x/net/http2, every stream is decoded by its own decode.Decoder, so streams
// are entirely independent of each other.
package http2

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/protocol"
	"github.com/indigo-web/relay/internal/protocol/decode"
	"github.com/indigo-web/relay/internal/urlencoded"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/relay/responder"
	"github.com/indigo-web/relay/transport"
	"github.com/indigo-web/utils/uf"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// fun fact: PRI method and SM body are forming together the PRISM, which refers
// to the program used by CIA in order to set up the espionage on the USA biggest
// corporations' users data. In early drafts FOO method and BA body were used instead
const Preface = http2.ClientPreface

const (
	initialWindowSize = 65535
	headerTableSize   = 4096
)

var _ protocol.Server = new(Conn)

// stream is the receiving side of a stream. It exists until the request is received
// entirely or reset.
type stream struct {
	id      uint32
	decoder *decode.Decoder
	emitted bool
}

type Conn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       *config.Config
	client    transport.Client
	responder responder.Responder
	logger    zerolog.Logger
	env       http.Environment
	framer    *http2.Framer
	encoder   *encoder
	flow      *flow
	// streams are accessed by the reader only. active holds cancellation functions of all
	// the streams which aren't responded yet, including those still being received.
	streams    map[uint32]*stream
	active     *xsync.MapOf[uint32, context.CancelFunc]
	lastStream uint32
	inflight   sync.WaitGroup
	// rest is the part of the last read which didn't fit into the framer's buffer
	rest []byte
	// draining is set once GOAWAY was sent or received. Frames are still read until all
	// the active streams are responded.
	draining atomic.Bool
	goneAway atomic.Bool
}

func NewConn(
	ctx context.Context,
	cfg *config.Config,
	client transport.Client,
	r responder.Responder,
	logger zerolog.Logger,
	env http.Environment,
) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		client:    client,
		responder: r,
		logger:    logger,
		env:       env,
		flow:      newFlow(),
		streams:   make(map[uint32]*stream),
		active:    xsync.NewMapOf[uint32, context.CancelFunc](),
	}
	c.framer = http2.NewFramer(client, connReader{c})
	c.framer.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	c.framer.MaxHeaderListSize = uint32(cfg.Headers.Space.Maximal)
	c.encoder = newEncoder(cfg, c.framer, c.flow)

	return c
}

// Serve blocks until the connection is closed. The connection is always closed on return.
func (c *Conn) Serve() {
	defer func() {
		_ = c.client.Close()
	}()
	defer c.cancel()

	if err := c.handshake(); err != nil {
		c.logger.Debug().Err(err).Msg("HTTP/2 handshake failed")
		return
	}

	code := c.read()
	c.goAway(code)

	for _, s := range c.streams {
		s.decoder.Abort(io.ErrUnexpectedEOF)
	}

	// the peer isn't able to grant windows anymore, so responses still in flight
	// are canceled
	c.cancel()
	c.inflight.Wait()
	c.flow.shutdown()
}

func (c *Conn) handshake() error {
	preface := make([]byte, len(Preface))
	if _, err := io.ReadFull(connReader{c}, preface); err != nil {
		return errors.Wrap(err, "read preface")
	}

	if string(preface) != Preface {
		return errors.New("bad preface")
	}

	return c.encoder.control(func(f *http2.Framer) error {
		return f.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: uint32(max(c.cfg.HTTP.PipelineDepth, 1))},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: uint32(c.cfg.Headers.Space.Maximal)},
			http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		)
	})
}

// read processes frames until the connection is over. The returned code is sent in GOAWAY.
func (c *Conn) read() http2.ErrCode {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return c.readFailed(err)
		}

		if err = c.process(frame); err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.reset(streamErr.StreamID, streamErr.Code)
				continue
			}

			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				return http2.ErrCode(connErr)
			}

			if errors.Is(err, io.EOF) {
				return http2.ErrCodeNo
			}

			c.logger.Debug().Err(err).Msg("HTTP/2 connection failed")
			return http2.ErrCodeInternal
		}

		if c.draining.Load() && c.active.Size() == 0 {
			return http2.ErrCodeNo
		}
	}
}

func (c *Conn) readFailed(err error) http2.ErrCode {
	var streamErr http2.StreamError
	var connErr http2.ConnectionError

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded):
		return http2.ErrCodeNo
	case errors.As(err, &connErr):
		return http2.ErrCode(connErr)
	case errors.As(err, &streamErr):
		// malformed header blocks are reported as stream errors, but the framer has already
		// lost its state at this point
		return http2.ErrCodeProtocol
	default:
		c.logger.Debug().Err(err).Msg("read failed")
		c.cancel()
		return http2.ErrCodeInternal
	}
}

func (c *Conn) process(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return c.settings(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}

		return c.encoder.control(func(fr *http2.Framer) error {
			return fr.WritePing(true, f.Data)
		})
	case *http2.WindowUpdateFrame:
		return c.flow.update(f.StreamID, f.Increment)
	case *http2.MetaHeadersFrame:
		return c.headers(f)
	case *http2.DataFrame:
		return c.data(f)
	case *http2.RSTStreamFrame:
		c.abort(f.StreamID, context.Canceled)
		return nil
	case *http2.GoAwayFrame:
		if c.active.Size() == 0 {
			return io.EOF
		}

		// responses to the streams already opened are still expected
		c.draining.Store(true)
		return nil
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		// PRIORITY and unknown frames are ignored
		return nil
	}
}

func (c *Conn) settings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}

		switch s.ID {
		case http2.SettingInitialWindowSize:
			c.flow.setInitial(s.Val)
		case http2.SettingMaxFrameSize:
			c.encoder.setMaxFrameSize(s.Val)
		case http2.SettingHeaderTableSize:
			_ = c.encoder.control(func(*http2.Framer) error {
				c.encoder.henc.SetMaxDynamicTableSizeLimit(s.Val)
				return nil
			})
		}

		return nil
	})
	if err != nil {
		return err
	}

	return c.encoder.control(func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	})
}

func (c *Conn) headers(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 == 0 || id <= c.lastStream {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}

	c.lastStream = id

	if c.draining.Load() {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
	}

	if c.active.Size() >= max(c.cfg.HTTP.PipelineDepth, 1) {
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	request, err := c.newRequest(ctx, id, f)
	if err != nil {
		cancel()
		c.respondError(id, err)
		return nil
	}

	s := &stream{id: id}
	s.decoder = decode.New(ctx, c.cfg.Body, func(request *http.Request) error {
		s.emitted = true
		c.dispatch(id, request)
		return nil
	})
	c.active.Store(id, cancel)
	c.flow.open(id)

	if err = s.decoder.Head(request); err != nil {
		c.active.Delete(id)
		cancel()
		c.respondError(id, err)
		return nil
	}

	if f.StreamEnded() {
		return s.decoder.End()
	}

	c.streams[id] = s

	return nil
}

func (c *Conn) data(f *http2.DataFrame) error {
	data := f.Data()
	if len(data) > 0 {
		c.replenish(0, len(data))
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		if f.StreamID > c.lastStream {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}

		// the stream was reset by us, frames in flight are ignored
		return nil
	}

	if err := s.decoder.Chunk(data); err != nil {
		delete(c.streams, s.id)

		if !s.emitted {
			if cancel, ok := c.active.LoadAndDelete(s.id); ok {
				cancel()
			}

			c.respondError(s.id, err)
		}

		// otherwise the responder observes the error through the body. Frames of the
		// stream which are still in flight are ignored
		return nil
	}

	if !f.StreamEnded() {
		if len(data) > 0 {
			c.replenish(s.id, len(data))
		}

		return nil
	}

	delete(c.streams, s.id)
	return s.decoder.End()
}

func (c *Conn) replenish(id uint32, n int) {
	err := c.encoder.control(func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(id, uint32(n))
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("write window update")
	}
}

// abort cancels the stream, both its receiving and responding sides.
func (c *Conn) abort(id uint32, err error) {
	if s, ok := c.streams[id]; ok {
		s.decoder.Abort(err)
		delete(c.streams, id)
	}

	if cancel, ok := c.active.LoadAndDelete(id); ok {
		cancel()
	}

	c.flow.close(id)
}

func (c *Conn) reset(id uint32, code http2.ErrCode) {
	c.abort(id, context.Canceled)

	err := c.encoder.control(func(fr *http2.Framer) error {
		return fr.WriteRSTStream(id, code)
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("write RST_STREAM")
	}
}

func (c *Conn) goAway(code http2.ErrCode) {
	if c.goneAway.Swap(true) {
		return
	}

	err := c.encoder.control(func(fr *http2.Framer) error {
		return fr.WriteGoAway(c.lastStream, code, nil)
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("write GOAWAY")
	}
}

// dispatch resolves the request concurrently.
func (c *Conn) dispatch(id uint32, request *http.Request) {
	c.inflight.Add(1)

	go func() {
		defer c.inflight.Done()
		defer c.finish(id)

		resp := c.resolve(request)
		if err := c.encoder.Write(request.Ctx, id, request, resp); err != nil {
			c.writeFailed(id, err)
		}
	}()
}

// respondError answers the stream with an error, bypassing the responder.
func (c *Conn) respondError(id uint32, err error) {
	c.logger.Debug().Err(err).Uint32("stream", id).Msg("bad request")

	request := http.NewRequest(c.ctx, c.client.Remote(), kv.New(), kv.New())
	c.flow.open(id)
	c.inflight.Add(1)

	go func() {
		defer c.inflight.Done()
		defer c.flow.close(id)

		if err := c.encoder.Write(c.ctx, id, request, http.Error(err)); err != nil {
			c.writeFailed(id, err)
		}
	}()
}

func (c *Conn) finish(id uint32) {
	if cancel, ok := c.active.LoadAndDelete(id); ok {
		cancel()
	}

	c.flow.close(id)

	if c.draining.Load() && c.active.Size() == 0 {
		// unblock the reader, there's nothing left to wait for
		_ = c.client.Conn().SetReadDeadline(time.Unix(1, 0))
	}
}

func (c *Conn) resolve(request *http.Request) (resp *http.Response) {
	defer request.Body.Abandon()
	defer func() {
		if r := recover(); r != nil {
			c.report(errors.Wrapf(status.ErrResponderPanic, "%v", r))
			resp = http.Error(status.ErrResponderPanic)
		}
	}()

	resp, err := c.responder.Respond(request.Ctx, request)
	switch {
	case err != nil:
		var httpErr status.HTTPError
		if errors.As(err, &httpErr) {
			return http.Error(err)
		}

		c.report(err)
		return http.Error(status.ErrInternalServerError)
	case resp == nil:
		c.report(errors.Wrap(status.ErrInternalServerError, "responder returned nil response"))
		return http.Error(status.ErrInternalServerError)
	default:
		return resp
	}
}

func (c *Conn) writeFailed(id uint32, err error) {
	switch {
	case errors.Is(err, errStreamClosed), errors.Is(err, context.Canceled):
	case status.KindOf(err) == status.KindInternal:
		c.report(err)
	default:
		c.logger.Debug().Err(err).Uint32("stream", id).Msg("write failed")
	}
}

func (c *Conn) newRequest(ctx context.Context, id uint32, f *http2.MetaHeadersFrame) (*http.Request, error) {
	request := http.NewRequest(
		ctx,
		c.client.Remote(),
		kv.NewPrealloc(max(len(f.Fields), c.cfg.Headers.Number.Default)),
		kv.NewPrealloc(c.cfg.URI.ParamsPrealloc),
	)
	request.Protocol = proto.HTTP2
	request.KeepAlive = true
	request.Env = c.env
	request.Env.StreamID = id

	name := f.PseudoValue("method")
	if !method.IsToken(name) {
		return nil, status.ErrBadRequest
	}

	request.Method = method.Parse(name)
	request.MethodName = name

	if err := parsePath(request, f.PseudoValue("path")); err != nil {
		return nil, err
	}

	if authority := f.PseudoValue("authority"); len(authority) > 0 {
		request.Headers.Add("host", authority)
	}

	for _, field := range f.RegularFields() {
		request.Headers.Add(field.Name, field.Value)

		if field.Name == "content-length" {
			length, err := strconv.ParseInt(field.Value, 10, 64)
			if err != nil || length < 0 ||
				(request.ContentLength != -1 && request.ContentLength != length) {
				return nil, status.ErrBadContentLength
			}

			request.ContentLength = length
		}
	}

	if request.Headers.Len() > c.cfg.Headers.Number.Maximal {
		return nil, status.ErrTooManyHeaders
	}

	return request, nil
}

func parsePath(request *http.Request, target string) error {
	if len(target) == 0 {
		return status.ErrBadRequest
	}

	if target == "*" {
		request.Path = target
		return nil
	}

	path, query, _ := bytes.Cut(uf.S2B(target), []byte("?"))
	if len(path) == 0 || path[0] != '/' {
		return status.ErrBadRequest
	}

	decoded, _, err := urlencoded.Decode(path, nil)
	if err != nil {
		return err
	}

	for _, char := range decoded {
		if char < 0x20 || char > 0x7e {
			return status.ErrURLDecoding
		}
	}

	request.Path = string(decoded)
	request.Query = string(query)

	return urlencoded.ParseParams(request.Query, request.Params)
}

func (c *Conn) report(err error) {
	protocol.Report(c.cfg, c.logger, err)
}

// drain announces the shutdown. True is returned if there are streams left to respond to.
func (c *Conn) drain() bool {
	c.goAway(http2.ErrCodeNo)
	c.draining.Store(true)

	return c.active.Size() > 0
}

// connReader adapts the client to io.Reader. Once GOAWAY is sent or received, the connection
// is read directly until all the active streams are responded, as the peer keeps granting
// the flow-control window.
type connReader struct {
	c *Conn
}

func (r connReader) Read(b []byte) (int, error) {
	c := r.c
	if len(c.rest) > 0 {
		n := copy(b, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}

	if !c.draining.Load() {
		data, err := c.client.Read()
		if len(data) > 0 {
			n := copy(b, data)
			c.rest = data[n:]
			return n, nil
		}

		if !errors.Is(err, io.EOF) || !c.client.Draining() || !c.drain() {
			return 0, err
		}
	}

	for {
		if c.active.Size() == 0 {
			return 0, io.EOF
		}

		n, err := c.client.Conn().Read(b)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			// either the idle timeout or the deadline set once the last stream was responded
			_ = c.client.Conn().SetReadDeadline(time.Time{})
			continue
		}

		return n, err
	}
}
