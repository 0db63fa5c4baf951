package http1

import (
	"io"
	"strconv"
	"strings"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/mime"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/codecutil"
	"github.com/indigo-web/relay/internal/response"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/utils/strcomp"
	"github.com/pkg/errors"
)

// serializer encodes responses into the connection. The head is always buffered entirely, while
// bodies are flushed straight into the writer once the buffer reaches the configured maximum,
// so a slow peer blocks the serializer.
type serializer struct {
	cfg            *config.Config
	w              io.Writer
	buff           []byte
	readBuff       []byte
	defaultHeaders defaultHeaders
	codecs         codecutil.Cache
	closed         bool
}

func newSerializer(cfg *config.Config, w io.Writer, codecs codecutil.Cache) *serializer {
	return &serializer{
		cfg:            cfg,
		w:              w,
		buff:           make([]byte, 0, cfg.NET.WriteBufferSize.Maximal),
		defaultHeaders: preprocessDefaultHeaders(cfg),
		codecs:         codecs,
	}
}

// Write encodes the response to the request. keepAlive is whether the connection is going to
// serve further requests. The returned value tells whether the connection may stay open after
// this response. Once it's false, every further call fails with status.ErrWriteAfterClose.
func (s *serializer) Write(request *http.Request, resp *http.Response, keepAlive bool) (bool, error) {
	if s.closed {
		return false, status.ErrWriteAfterClose
	}

	fields := resp.Reveal()
	if fields.Err != nil {
		closeStream(fields)
		fields = http.Error(fields.Err).Reveal()
	}

	protocol := request.Protocol
	if !proto.HTTP1.Supports(protocol) {
		// the request line might have been malformed, so the parser had no chance of
		// reaching the protocol
		protocol = proto.HTTP11
	}

	closes := responseCloses(fields)
	if closes {
		keepAlive = false
	}

	f := s.frame(request, protocol, fields, keepAlive)
	if f.closeDelimited {
		keepAlive = false
	}

	s.appendStatusLine(protocol, fields.Code, fields.Status)
	s.appendHeaders(fields, f)

	switch {
	case closes:
	case !keepAlive:
		s.appendKnownHeader("Connection: ", "close")
	case protocol == proto.HTTP10:
		s.appendKnownHeader("Connection: ", "keep-alive")
	}

	if len(f.coding) > 0 {
		s.appendKnownHeader("Content-Encoding: ", f.coding)
		s.appendKnownHeader("Vary: ", "Accept-Encoding")
	}

	switch {
	case f.chunked:
		s.appendKnownHeader("Transfer-Encoding: ", "chunked")
	case f.length >= 0:
		s.appendContentLength(f.length)
	}

	s.crlf()

	err := s.writeBody(request, fields, f)
	if err == nil {
		err = s.flush()
	}

	s.defaultHeaders.Reset()

	if !keepAlive || err != nil {
		s.closed = true
		keepAlive = false
	}

	return keepAlive, err
}

// Upgrade writes the 101 Switching Protocols response carrying the directive, which must be
// already validated. No more responses can be written afterward.
func (s *serializer) Upgrade(request *http.Request, fields *response.Fields) error {
	if s.closed {
		return status.ErrWriteAfterClose
	}

	protocol := request.Protocol
	if !proto.HTTP1.Supports(protocol) {
		protocol = proto.HTTP11
	}

	s.appendStatusLine(protocol, status.SwitchingProtocols, fields.Status)
	s.appendKnownHeader("Connection: ", "upgrade")
	s.appendKnownHeader("Upgrade: ", fields.Upgrade.Protocol)

	for _, header := range fields.Upgrade.Headers {
		s.appendHeader(header)
	}

	for _, header := range fields.Headers {
		if skipOnUpgrade(header.Key) {
			continue
		}

		s.appendHeader(header)
	}

	s.crlf()
	s.closed = true

	return s.flush()
}

type framing struct {
	// length is the value of Content-Length to be written. -1 means no header.
	length         int64
	chunked        bool
	closeDelimited bool
	bodiless       bool
	// transferCoded is set when the response declares Transfer-Encoding itself. The declared
	// framing headers are then replaced by the serializer's own.
	transferCoded bool
	coding        string
}

func (s *serializer) frame(
	request *http.Request, protocol proto.Protocol, fields *response.Fields, keepAlive bool,
) (f framing) {
	f.length = -1
	f.transferCoded = hasHeader(fields.Headers, "Transfer-Encoding")

	if fields.Code.Bodiless() {
		f.bodiless = true
		return f
	}

	if !f.transferCoded && hasHeader(fields.Headers, "Content-Length") {
		// the user takes the responsibility for the framing
		f.length = -1
		return f
	}

	size := fields.Size()
	if s.cfg.HTTP.Compression && size != 0 && !hasHeader(fields.Headers, "Content-Encoding") &&
		mime.Compressible(fields.ContentType) && (size < 0 || size >= s.cfg.NET.SmallBody) {
		f.coding = s.codecs.Negotiate(request.Headers.Value("Accept-Encoding"))
		if len(f.coding) > 0 {
			size = -1
		}
	}

	switch {
	case size >= 0 && !f.transferCoded:
		f.length = size
	case protocol == proto.HTTP11 && (keepAlive || f.transferCoded):
		f.chunked = true
	default:
		f.closeDelimited = true
	}

	return f
}

func (s *serializer) writeBody(request *http.Request, fields *response.Fields, f framing) (err error) {
	defer func() {
		if cerr := closeStream(fields); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if f.bodiless || request.Method == method.HEAD {
		return nil
	}

	var encoder io.WriteCloser = identityWriter{s}
	if f.chunked {
		encoder = chunkedWriter{s}
	}

	if len(f.coding) > 0 {
		compressor := s.codecs.Get(f.coding)
		compressor.Reset(encoder)
		encoder = closeBoth{compressor, encoder}
	}

	if fields.Buffered() {
		if _, err = encoder.Write(fields.Body); err != nil {
			return err
		}

		return encoder.Close()
	}

	var source io.Reader = fields.Stream
	if fields.StreamSize >= 0 && len(f.coding) == 0 && f.length >= 0 {
		source = io.LimitReader(source, fields.StreamSize)
	}

	written, err := s.copyStream(encoder, source)
	if err != nil {
		return errors.Wrap(err, "response stream")
	}

	if f.length >= 0 && fields.StreamSize >= 0 && written != fields.StreamSize {
		return errors.Errorf("response stream: declared %d bytes, got %d", fields.StreamSize, written)
	}

	return encoder.Close()
}

func (s *serializer) copyStream(dst io.Writer, src io.Reader) (total int64, err error) {
	if s.readBuff == nil {
		s.readBuff = make([]byte, s.cfg.NET.WriteBufferSize.Default)
	}

	for {
		n, err := src.Read(s.readBuff)
		if n > 0 {
			if _, werr := dst.Write(s.readBuff[:n]); werr != nil {
				return total, werr
			}

			total += int64(n)
		}

		switch err {
		case nil:
		case io.EOF:
			return total, nil
		default:
			return total, err
		}
	}
}

// safeAppend tries to append data into a limited capacity buffer, which can possibly overflow.
// If the input data is longer than free space left in the buffer, the buffer is filled till full
// and flushed, leaving thereby free space for the rest of the data.
func (s *serializer) safeAppend(data []byte) error {
	for len(data) > 0 {
		freeSpace := cap(s.buff) - len(s.buff)

		if len(data) <= freeSpace {
			s.buff = append(s.buff, data...)
			return nil
		}

		s.buff = append(s.buff, data[:freeSpace]...)
		if err := s.flush(); err != nil {
			return err
		}

		data = data[freeSpace:]
	}

	return nil
}

func (s *serializer) flush() (err error) {
	if len(s.buff) > 0 {
		_, err = s.w.Write(s.buff)
		s.buff = s.buff[:0]
	}

	return err
}

func (s *serializer) appendStatusLine(protocol proto.Protocol, code status.Code, text status.Status) {
	s.buff = append(s.buff, protocol.String()...)
	s.sp()

	if str := status.StringCode(code); len(str) > 0 {
		s.buff = append(s.buff, str...)
	} else {
		// some non-standard code
		s.buff = strconv.AppendUint(s.buff, uint64(code), 10)
	}

	s.sp()

	if len(text) == 0 {
		text = status.Text(code)
	}

	s.buff = append(s.buff, text...)
	s.crlf()
}

func (s *serializer) appendHeaders(fields *response.Fields, f framing) {
	if !fields.Code.Bodiless() && len(fields.ContentType) > 0 {
		s.defaultHeaders.Exclude("Content-Type")
		s.appendKnownHeader("Content-Type: ", fields.ContentType)
	}

	for _, header := range fields.Headers {
		if f.transferCoded && isFramingHeader(header.Key) {
			continue
		}

		s.defaultHeaders.Exclude(header.Key)
		s.appendHeader(header)
	}

	for _, header := range s.defaultHeaders {
		if header.Excluded {
			continue
		}

		s.buff = append(s.buff, header.Full...)
	}
}

// appendHeader writes a complete header field line.
func (s *serializer) appendHeader(header kv.Pair) {
	s.buff = append(s.buff, header.Key...)
	s.buff = append(s.buff, ':', ' ')
	s.buff = append(s.buff, header.Value...)
	s.crlf()
}

// appendKnownHeader differs from appendHeader only by the fact that the key is known to already
// have a colon and a space included.
func (s *serializer) appendKnownHeader(key, value string) {
	s.buff = append(s.buff, key...)
	s.buff = append(s.buff, value...)
	s.crlf()
}

func (s *serializer) appendContentLength(value int64) {
	s.buff = append(s.buff, "Content-Length: "...)
	s.buff = strconv.AppendInt(s.buff, value, 10)
	s.crlf()
}

func (s *serializer) sp() {
	s.buff = append(s.buff, ' ')
}

const crlf = "\r\n"

func (s *serializer) crlf() {
	s.buff = append(s.buff, crlf...)
}

type chunkedWriter struct {
	s *serializer
}

// Write emits the data as a single chunk.
func (c chunkedWriter) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}

	c.s.buff = strconv.AppendUint(c.s.buff, uint64(len(b)), 16)
	c.s.crlf()

	if err = c.s.safeAppend(b); err != nil {
		return 0, err
	}

	if err = c.s.safeAppend([]byte(crlf)); err != nil {
		return 0, err
	}

	return len(b), c.s.flush()
}

func (c chunkedWriter) Close() error {
	if err := c.s.safeAppend([]byte("0\r\n\r\n")); err != nil {
		return err
	}

	return c.s.flush()
}

type identityWriter struct {
	s *serializer
}

func (i identityWriter) Write(p []byte) (int, error) {
	err := i.s.safeAppend(p)
	return len(p), err
}

func (i identityWriter) Close() error {
	return i.s.flush()
}

// closeBoth finalizes the compressed stream first, and the framing after.
type closeBoth struct {
	io.WriteCloser
	framing io.WriteCloser
}

func (c closeBoth) Close() error {
	if err := c.WriteCloser.Close(); err != nil {
		return err
	}

	return c.framing.Close()
}

func closeStream(fields *response.Fields) error {
	if c, ok := fields.Stream.(io.Closer); ok {
		fields.Stream = nil
		return c.Close()
	}

	return nil
}

func responseCloses(fields *response.Fields) bool {
	for _, header := range fields.Headers {
		if !strcomp.EqualFold(header.Key, "Connection") {
			continue
		}

		for token := range tokens(header.Value) {
			if strcomp.EqualFold(token, "close") {
				return true
			}
		}
	}

	return false
}

func hasHeader(headers []kv.Pair, key string) bool {
	for _, header := range headers {
		if strcomp.EqualFold(header.Key, key) {
			return true
		}
	}

	return false
}

func skipOnUpgrade(key string) bool {
	return strcomp.EqualFold(key, "Connection") || strcomp.EqualFold(key, "Upgrade") ||
		isFramingHeader(key)
}

func isFramingHeader(key string) bool {
	return strcomp.EqualFold(key, "Content-Length") || strcomp.EqualFold(key, "Transfer-Encoding")
}

func preprocessDefaultHeaders(cfg *config.Config) defaultHeaders {
	processed := make(defaultHeaders, 0, len(cfg.Headers.Default)+1)

	if len(cfg.HTTP.ServerName) > 0 && kv.ValidField(cfg.HTTP.ServerName) {
		processed = append(processed, newDefaultHeader("Server", cfg.HTTP.ServerName))
	}

	for key, value := range cfg.Headers.Default {
		if !kv.ValidField(key) || !kv.ValidField(value) || strings.TrimSpace(key) == "" {
			continue
		}

		processed = append(processed, newDefaultHeader(key, value))
	}

	return processed
}

type defaultHeader struct {
	Excluded bool
	Key      string
	Full     string
}

func newDefaultHeader(key, value string) defaultHeader {
	serialized := key + ": " + value + crlf

	return defaultHeader{
		Key:  serialized[:len(key)],
		Full: serialized,
	}
}

type defaultHeaders []defaultHeader

func (d defaultHeaders) Exclude(key string) {
	for i, header := range d {
		if strcomp.EqualFold(header.Key, key) {
			d[i].Excluded = true
		}
	}
}

func (d defaultHeaders) Reset() {
	for i := range d {
		d[i].Excluded = false
	}
}
