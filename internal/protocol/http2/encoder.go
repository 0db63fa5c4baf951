package http2

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/response"
	"github.com/indigo-web/utils/strcomp"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// encoder writes responses as HEADERS and DATA frames. All the frames are written under
// the lock, so responses of different streams interleave on frame boundaries only.
type encoder struct {
	mu           sync.Mutex
	framer       *http2.Framer
	hbuf         bytes.Buffer
	henc         *hpack.Encoder
	flow         *flow
	maxFrameSize uint32
	defaults     []hpack.HeaderField
}

func newEncoder(cfg *config.Config, framer *http2.Framer, flow *flow) *encoder {
	e := &encoder{
		framer:       framer,
		flow:         flow,
		maxFrameSize: http2.DefaultMaxFrameSize,
		defaults:     defaultHeaders(cfg),
	}
	e.henc = hpack.NewEncoder(&e.hbuf)

	return e
}

// Write sends the response on the stream. The body is sent within the flow-control windows
// granted by the peer, so the call may block until the peer is ready.
func (e *encoder) Write(ctx context.Context, streamID uint32, request *http.Request, resp *http.Response) error {
	fields := resp.Reveal()
	if err := ctx.Err(); err != nil {
		// the stream was reset in the meanwhile
		_ = closeStream(fields)
		return err
	}

	if fields.Err != nil {
		_ = closeStream(fields)
		fields = http.Error(fields.Err).Reveal()
	}

	if fields.Code == status.SwitchingProtocols {
		// there's nothing to switch to within a single stream
		_ = closeStream(fields)
		fields = http.Error(status.ErrBadUpgrade).Reveal()
	}

	defer closeStream(fields)

	size := fields.Size()
	bodiless := fields.Code.Bodiless() || request.Method == method.HEAD ||
		(fields.Buffered() && size == 0)

	if err := e.writeHeaders(streamID, fields, size, bodiless); err != nil {
		return err
	}

	if bodiless {
		return nil
	}

	if fields.Buffered() {
		return e.writeData(ctx, streamID, fields.Body, true)
	}

	return e.writeStream(ctx, streamID, fields)
}

func (e *encoder) writeHeaders(streamID uint32, fields *response.Fields, size int64, endStream bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hbuf.Reset()
	code := status.StringCode(fields.Code)
	if len(code) == 0 {
		code = strconv.Itoa(int(fields.Code))
	}

	e.field(":status", code)
	if !fields.Code.Bodiless() && len(fields.ContentType) > 0 {
		e.field("content-type", fields.ContentType)
	}

	for _, header := range fields.Headers {
		if connectionSpecific(header.Key) || strcomp.EqualFold(header.Key, "content-length") {
			continue
		}

		e.field(strings.ToLower(header.Key), header.Value)
	}

	for _, header := range e.defaults {
		if !hasHeader(fields, header.Name) {
			e.field(header.Name, header.Value)
		}
	}

	if size >= 0 && !fields.Code.Bodiless() {
		e.field("content-length", strconv.FormatInt(size, 10))
	}

	block := e.hbuf.Bytes()
	first := true

	for first || len(block) > 0 {
		fragment := block[:min(len(block), int(e.maxFrameSize))]
		block = block[len(fragment):]

		var err error
		if first {
			err = e.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: fragment,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = e.framer.WriteContinuation(streamID, len(block) == 0, fragment)
		}

		if err != nil {
			return errors.Wrap(err, "write headers")
		}
	}

	return nil
}

func (e *encoder) field(name, value string) {
	_ = e.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

// writeData sends the data, splitting it by the frame size and the flow-control windows.
func (e *encoder) writeData(ctx context.Context, streamID uint32, data []byte, endStream bool) error {
	if len(data) == 0 && endStream {
		return e.frame(streamID, nil, true)
	}

	for len(data) > 0 {
		granted, err := e.flow.take(ctx, streamID, int64(min(len(data), int(e.frameSize()))))
		if err != nil {
			return err
		}

		last := int(granted) == len(data)
		if err = e.frame(streamID, data[:granted], endStream && last); err != nil {
			return err
		}

		data = data[granted:]
	}

	return nil
}

func (e *encoder) writeStream(ctx context.Context, streamID uint32, fields *response.Fields) error {
	reader := fields.Stream
	if fields.StreamSize >= 0 {
		reader = io.LimitReader(reader, fields.StreamSize)
	}

	buff := make([]byte, e.frameSize())
	var sent int64

	for {
		n, err := reader.Read(buff)
		if n > 0 {
			sent += int64(n)
			if werr := e.writeData(ctx, streamID, buff[:n], false); werr != nil {
				return werr
			}
		}

		switch {
		case err == io.EOF:
			if fields.StreamSize >= 0 && sent != fields.StreamSize {
				return status.ErrNoBody
			}

			return e.writeData(ctx, streamID, nil, true)
		case err != nil:
			return err
		}
	}
}

func (e *encoder) frame(streamID uint32, data []byte, endStream bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return errors.Wrap(e.framer.WriteData(streamID, endStream, data), "write data")
}

func (e *encoder) frameSize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.maxFrameSize
}

func (e *encoder) setMaxFrameSize(size uint32) {
	e.mu.Lock()
	e.maxFrameSize = size
	e.mu.Unlock()
}

// control writes a connection-level frame under the lock.
func (e *encoder) control(write func(*http2.Framer) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return write(e.framer)
}

func closeStream(fields *response.Fields) error {
	if c, ok := fields.Stream.(io.Closer); ok {
		fields.Stream = nil
		return c.Close()
	}

	return nil
}

// connectionSpecific headers are prohibited in HTTP/2 (RFC 9113, 8.2.2).
func connectionSpecific(key string) bool {
	switch {
	case strcomp.EqualFold(key, "connection"), strcomp.EqualFold(key, "keep-alive"),
		strcomp.EqualFold(key, "proxy-connection"), strcomp.EqualFold(key, "transfer-encoding"),
		strcomp.EqualFold(key, "upgrade"):
		return true
	default:
		return false
	}
}

func hasHeader(fields *response.Fields, key string) bool {
	for _, header := range fields.Headers {
		if strcomp.EqualFold(header.Key, key) {
			return true
		}
	}

	return false
}

func defaultHeaders(cfg *config.Config) []hpack.HeaderField {
	headers := make([]hpack.HeaderField, 0, len(cfg.Headers.Default)+1)
	if len(cfg.HTTP.ServerName) > 0 {
		headers = append(headers, hpack.HeaderField{Name: "server", Value: cfg.HTTP.ServerName})
	}

	for key, value := range cfg.Headers.Default {
		if len(strings.TrimSpace(key)) == 0 || connectionSpecific(key) {
			continue
		}

		headers = append(headers, hpack.HeaderField{Name: strings.ToLower(key), Value: value})
	}

	return headers
}
