// Package websocket upgrades HTTP/1.1 connections to WebSocket (RFC 6455). The handshake is
// validated and answered by relay itself, the session is then run by golang.org/x/net/websocket.
package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	stdhttp "net/http"
	"net/url"
	"strings"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/utils/strcomp"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

const (
	Protocol = "websocket"
	Version  = "13"
	// magic is appended to the key in order to compute the accept value.
	magic    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	keyBytes = 16
)

var (
	ErrNotWebSocket = status.NewError(status.BadRequest, "not a websocket handshake")
	ErrBadKey       = status.NewError(status.BadRequest, "bad Sec-WebSocket-Key")
	ErrBadVersion   = status.NewError(status.UpgradeRequired, "unsupported websocket version")
)

// Handler serves a single session. The connection is closed after it returns.
type Handler func(*websocket.Conn)

type Upgrader struct {
	// MaxPayloadBytes limits the payload of a single frame. Zero means the default of x/net.
	MaxPayloadBytes int
	// Protocols are subprotocols the server speaks, in order of preference.
	Protocols []string
}

func New(cfg config.WebSocket, protocols ...string) Upgrader {
	return Upgrader{
		MaxPayloadBytes: cfg.MaxFrameSize,
		Protocols:       protocols,
	}
}

// Upgrade validates the handshake and returns the 101 Switching Protocols response, handing
// the connection over to the handler. If the handshake is invalid, an error response is
// returned instead, so the connection stays HTTP.
func (u Upgrader) Upgrade(request *http.Request, handler Handler) *http.Response {
	key, err := validate(request)
	if err != nil {
		resp := http.Error(err)
		if errors.Is(err, ErrBadVersion) {
			resp.Header("Sec-WebSocket-Version", Version)
		}

		return resp
	}

	headers := []kv.Pair{{Key: "Sec-WebSocket-Accept", Value: Accept(key)}}
	if subprotocol := u.choose(request); len(subprotocol) > 0 {
		headers = append(headers, kv.Pair{Key: "Sec-WebSocket-Protocol", Value: subprotocol})
	}

	return http.NewResponse().Upgrade(&http.Upgrade{
		Protocol: Protocol,
		Headers:  headers,
		Handler:  u.session(request, handler),
	})
}

// Accept computes the Sec-WebSocket-Accept value for the key.
func Accept(key string) string {
	digest := sha1.Sum([]byte(key + magic))
	return base64.StdEncoding.EncodeToString(digest[:])
}

func validate(request *http.Request) (key string, err error) {
	if request.Method != method.GET || request.Protocol != proto.HTTP11 {
		return "", ErrNotWebSocket
	}

	if !hasToken(request.Headers, "upgrade", Protocol) || !hasToken(request.Headers, "connection", "upgrade") {
		return "", ErrNotWebSocket
	}

	if request.Headers.Value("sec-websocket-version") != Version {
		return "", ErrBadVersion
	}

	key = strings.TrimSpace(request.Headers.Value("sec-websocket-key"))
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != keyBytes {
		return "", ErrBadKey
	}

	return key, nil
}

func (u Upgrader) choose(request *http.Request) string {
	for _, supported := range u.Protocols {
		if hasToken(request.Headers, "sec-websocket-protocol", supported) {
			return supported
		}
	}

	return ""
}

// hasToken tells whether any value of the comma-separated header carries the token.
func hasToken(headers *kv.Storage, key, token string) bool {
	for value := range headers.Values(key) {
		for _, element := range strings.Split(value, ",") {
			if strcomp.EqualFold(strings.TrimSpace(element), token) {
				return true
			}
		}
	}

	return false
}

// session runs the handler over the connection. x/net/websocket exposes the server side
// only through net/http hijacking, so the handshake is replayed to it with the response
// head being swallowed, as it was sent already.
func (u Upgrader) session(request *http.Request, handler Handler) func(net.Conn) {
	host := request.Headers.ValueOr("host", "localhost")
	header := make(stdhttp.Header, request.Headers.Len())
	for key, value := range request.Headers.Pairs() {
		header.Add(key, value)
	}

	target := &url.URL{Path: request.Path, RawQuery: request.Query}

	return func(conn net.Conn) {
		req := &stdhttp.Request{
			Method:     stdhttp.MethodGet,
			URL:        target,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     header,
			Host:       host,
			RemoteAddr: conn.RemoteAddr().String(),
		}

		server := websocket.Server{
			Handler: func(ws *websocket.Conn) {
				if u.MaxPayloadBytes > 0 {
					ws.MaxPayloadBytes = u.MaxPayloadBytes
				}

				handler(ws)
			},
		}
		server.ServeHTTP(&hijacker{conn: conn}, req)
	}
}

// hijacker hands the connection over to x/net/websocket.
type hijacker struct {
	conn   net.Conn
	header stdhttp.Header
}

func (h *hijacker) Header() stdhttp.Header {
	if h.header == nil {
		h.header = make(stdhttp.Header)
	}

	return h.header
}

func (h *hijacker) Write(b []byte) (int, error) {
	return h.conn.Write(b)
}

func (h *hijacker) WriteHeader(int) {}

func (h *hijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	writer := bufio.NewWriter(&headSkipper{w: h.conn})
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), writer), nil
}

// headSkipper drops everything up to and including the first empty line.
type headSkipper struct {
	w    io.Writer
	seen int
	done bool
}

func (s *headSkipper) Write(b []byte) (int, error) {
	if s.done {
		return s.w.Write(b)
	}

	const terminator = "\r\n\r\n"

	for i, char := range b {
		if char == terminator[s.seen] {
			s.seen++
		} else if char == terminator[0] {
			s.seen = 1
		} else {
			s.seen = 0
		}

		if s.seen == len(terminator) {
			s.done = true
			n, err := s.w.Write(b[i+1:])
			return i + 1 + n, err
		}
	}

	return len(b), nil
}
