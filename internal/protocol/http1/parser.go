package http1

import (
	"bytes"
	"iter"
	"strings"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/buffer"
	"github.com/indigo-web/relay/internal/urlencoded"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
)

type parserState uint8

const (
	eMethod parserState = iota + 1
	eTarget
	eProtocol
	eHeaderKey
	eHeaderValue
	eHeadersCRLFCR
)

// Parser is an incremental parser of request heads. Data may be fed in arbitrary pieces,
// every produced request owns its strings, so it stays valid while the next ones are parsed.
type Parser struct {
	state         parserState
	cfg           *config.Config
	newRequest    func() *http.Request
	request       *http.Request
	requestLine   buffer.Buffer
	headers       buffer.Buffer
	key           string
	headersNumber int
	contentLength int64
	chunked       bool
	close         bool
	keepAlive     bool
	connUpgrade   bool
	trailer       bool
	upgrade       string
}

func NewParser(cfg *config.Config, newRequest func() *http.Request) *Parser {
	return &Parser{
		state:      eMethod,
		cfg:        cfg,
		newRequest: newRequest,
		requestLine: buffer.New(
			cfg.URI.RequestLineSize.Default, cfg.URI.RequestLineSize.Maximal,
		),
		headers: buffer.New(
			cfg.Headers.Space.Default, cfg.Headers.Space.Maximal,
		),
		contentLength: -1,
	}
}

// Parse consumes the data. Once the head is complete, the request is returned together
// with the rest of data, which is not part of the head. Nil request means more data is
// required. After an error the parser must not be used anymore.
func (p *Parser) Parse(data []byte) (request *http.Request, extra []byte, err error) {
	if p.request == nil {
		p.request = p.newRequest()
	}

	request = p.request
	requestLine := &p.requestLine
	headers := &p.headers

	switch p.state {
	case eMethod:
		goto method
	case eTarget:
		goto target
	case eProtocol:
		goto protocol
	case eHeaderKey:
		goto headerKey
	case eHeaderValue:
		goto headerValue
	case eHeadersCRLFCR:
		goto headersCRLFCR
	default:
		panic("unreachable code")
	}

method:
	{
		if requestLine.SegmentLength() == 0 {
			// empty lines preceding the request line must be ignored (RFC 9112, 2.2)
			data = bytes.TrimLeft(data, "\r\n")
			if len(data) == 0 {
				return nil, nil, nil
			}
		}

		sp := bytes.IndexByte(data, ' ')
		if sp == -1 {
			if !requestLine.Append(data) {
				return nil, nil, status.ErrMethodNotImplemented
			}

			return nil, nil, nil
		}

		if !requestLine.Append(data[:sp]) {
			return nil, nil, status.ErrMethodNotImplemented
		}

		name := string(requestLine.Finish())
		if !method.IsToken(name) {
			return nil, nil, status.ErrBadRequest
		}

		request.Method = method.Parse(name)
		request.MethodName = name
		data = data[sp+1:]
		// fallthrough to target
	}

target:
	{
		sp := bytes.IndexByte(data, ' ')
		if sp == -1 {
			if !requestLine.Append(data) {
				return nil, nil, status.ErrTooLongRequestLine
			}

			p.state = eTarget
			return nil, nil, nil
		}

		if !requestLine.Append(data[:sp]) {
			return nil, nil, status.ErrTooLongRequestLine
		}

		if err = parseTarget(request, requestLine.Finish()); err != nil {
			return nil, nil, err
		}

		data = data[sp+1:]
		// fallthrough to protocol
	}

protocol:
	{
		lf := bytes.IndexByte(data, '\n')
		if lf == -1 {
			if !requestLine.Append(data) {
				return nil, nil, status.ErrTooLongRequestLine
			}

			p.state = eProtocol
			return nil, nil, nil
		}

		if !requestLine.Append(data[:lf]) {
			return nil, nil, status.ErrTooLongRequestLine
		}

		raw := stripCR(requestLine.Finish())
		request.Protocol = proto.FromBytes(raw)
		if !proto.HTTP1.Supports(request.Protocol) {
			if bytes.HasPrefix(raw, []byte("HTTP/")) {
				return nil, nil, status.ErrHTTPVersionNotSupported
			}

			return nil, nil, status.ErrBadRequest
		}

		data = data[lf+1:]
		// fallthrough to headerKey
	}

headerKey:
	{
		if len(data) == 0 {
			p.state = eHeaderKey
			return nil, nil, nil
		}

		if headers.SegmentLength() == 0 {
			switch data[0] {
			case '\n':
				return p.complete(data[1:])
			case '\r':
				data = data[1:]
				goto headersCRLFCR
			case ' ', '\t':
				return nil, nil, status.ErrObsoleteFolding
			}
		}

		colon := bytes.IndexByte(data, ':')
		if colon == -1 {
			if !headers.Append(data) {
				return nil, nil, status.ErrHeaderFieldsTooLarge
			}

			p.state = eHeaderKey
			return nil, nil, nil
		}

		if !headers.Append(data[:colon]) {
			return nil, nil, status.ErrHeaderFieldsTooLarge
		}

		if err = validateKey(headers.Preview()); err != nil {
			return nil, nil, err
		}

		p.key = string(headers.Finish())
		data = data[colon+1:]

		if p.headersNumber++; p.headersNumber > p.cfg.Headers.Number.Maximal {
			return nil, nil, status.ErrTooManyHeaders
		}

		// fallthrough to headerValue
	}

headerValue:
	{
		lf := bytes.IndexByte(data, '\n')
		if lf == -1 {
			if !headers.Append(data) {
				return nil, nil, status.ErrHeaderFieldsTooLarge
			}

			p.state = eHeaderValue
			return nil, nil, nil
		}

		if !headers.Append(data[:lf]) {
			return nil, nil, status.ErrHeaderFieldsTooLarge
		}

		value := trimOWS(stripCR(headers.Finish()))
		if !validValue(value) {
			return nil, nil, status.ErrBadHeader
		}

		if err = p.header(p.key, string(value)); err != nil {
			return nil, nil, err
		}

		data = data[lf+1:]
		goto headerKey
	}

headersCRLFCR:
	if len(data) == 0 {
		p.state = eHeadersCRLFCR
		return nil, nil, nil
	}

	if data[0] != '\n' {
		return nil, nil, status.ErrBadRequest
	}

	return p.complete(data[1:])
}

func (p *Parser) header(key, value string) (err error) {
	request := p.request
	request.Headers.Add(key, value)

	switch len(key) {
	case 7:
		if strcomp.EqualFold(key, "Upgrade") {
			p.upgrade = value
		} else if strcomp.EqualFold(key, "Trailer") {
			p.trailer = true
		}
	case 10:
		if strcomp.EqualFold(key, "Connection") {
			for token := range tokens(value) {
				switch {
				case strcomp.EqualFold(token, "close"):
					p.close = true
				case strcomp.EqualFold(token, "keep-alive"):
					p.keepAlive = true
				case strcomp.EqualFold(token, "upgrade"):
					p.connUpgrade = true
				}
			}
		}
	case 14:
		if strcomp.EqualFold(key, "Content-Length") {
			length, ok := parseContentLength(value)
			if !ok || (p.contentLength != -1 && p.contentLength != length) {
				return status.ErrBadContentLength
			}

			p.contentLength = length
		}
	case 17:
		if strcomp.EqualFold(key, "Transfer-Encoding") {
			for token := range tokens(value) {
				// chunked must be the only and the final coding, as no other transfer codings
				// are supported
				if p.chunked || !strcomp.EqualFold(token, "chunked") {
					return status.ErrBadEncoding
				}

				p.chunked = true
			}
		}
	}

	return nil
}

func (p *Parser) complete(extra []byte) (*http.Request, []byte, error) {
	request := p.request

	if p.chunked {
		switch {
		case p.contentLength != -1, request.Protocol == proto.HTTP10:
			return nil, nil, status.ErrBadEncoding
		case p.trailer:
			return nil, nil, status.ErrTrailerNotSupported
		}
	}

	request.ContentLength = p.contentLength
	request.Chunked = p.chunked

	switch request.Protocol {
	case proto.HTTP10:
		request.KeepAlive = p.keepAlive && !p.close
	default:
		request.KeepAlive = !p.close
	}

	if p.connUpgrade && len(p.upgrade) > 0 {
		request.Upgrade = p.upgrade
	}

	p.reset()

	return request, extra, nil
}

func (p *Parser) reset() {
	p.state = eMethod
	p.request = nil
	p.key = ""
	p.headersNumber = 0
	p.contentLength = -1
	p.chunked = false
	p.close = false
	p.keepAlive = false
	p.connUpgrade = false
	p.trailer = false
	p.upgrade = ""
	p.requestLine.Clear()
	p.headers.Clear()
}

// parseTarget fills path, query and params of the request. Origin, absolute and asterisk forms
// are supported.
func parseTarget(request *http.Request, target []byte) error {
	switch {
	case len(target) == 0:
		return status.ErrBadRequest
	case len(target) == 1 && target[0] == '*':
		request.Path = "*"
		return nil
	case target[0] != '/':
		scheme := bytes.Index(target, []byte("://"))
		if scheme <= 0 {
			return status.ErrBadRequest
		}

		target = target[scheme+len("://"):]
		slash := bytes.IndexAny(target, "/?")
		if slash == -1 {
			target = []byte("/")
		} else if target = target[slash:]; target[0] == '?' {
			target = append([]byte("/"), target...)
		}
	}

	if bytes.IndexByte(target, '#') != -1 {
		// fragments are never sent by conforming user agents
		return status.ErrBadRequest
	}

	path, query, _ := bytes.Cut(target, []byte("?"))
	for _, c := range path {
		if isProhibitedChar(c) {
			return status.ErrBadRequest
		}
	}

	decoded, _, err := urlencoded.Decode(path, nil)
	if err != nil {
		return err
	}

	for _, c := range decoded {
		if isProhibitedChar(c) {
			return status.ErrURLDecoding
		}
	}

	request.Path = string(decoded)
	request.Query = string(query)

	return urlencoded.ParseParams(uf.B2S(query), request.Params)
}

func parseContentLength(value string) (length int64, ok bool) {
	const maxDigits = 18

	if len(value) == 0 || len(value) > maxDigits {
		return 0, false
	}

	for i := 0; i < len(value); i++ {
		char := value[i]
		if char < '0' || char > '9' {
			return 0, false
		}

		length = length*10 + int64(char-'0')
	}

	return length, true
}

// tokens iterates over the comma-separated list, skipping empty elements.
func tokens(value string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for len(value) > 0 {
			var token string
			token, value, _ = strings.Cut(value, ",")
			token = strings.TrimSpace(token)
			if len(token) == 0 {
				continue
			}

			if !yield(token) {
				return
			}
		}
	}
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return status.ErrBadHeader
	}

	if last := key[len(key)-1]; last == ' ' || last == '\t' {
		return status.ErrSpaceBeforeColon
	}

	if !method.IsToken(uf.B2S(key)) {
		return status.ErrBadHeader
	}

	return nil
}

func validValue(value []byte) bool {
	for _, c := range value {
		if (c < 0x20 && c != '\t') || c == 0x7f {
			return false
		}
	}

	return true
}

func trimOWS(b []byte) []byte {
	return bytes.Trim(b, " \t")
}

func stripCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}

	return b
}

func isProhibitedChar(c byte) bool {
	return c < 0x20 || c > 0x7e
}

// Pending tells whether a request head was started but isn't complete yet.
func (p *Parser) Pending() bool {
	return p.state != eMethod || p.requestLine.SegmentLength() > 0
}
