package websocket

import (
	"bufio"
	"context"
	"net"
	stdhttp "net/http"
	"strings"
	"testing"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/kv"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

func newRequest(headers ...string) *http.Request {
	request := http.NewRequest(context.Background(), nil, kv.New(), kv.New())
	request.Method = method.GET
	request.Protocol = proto.HTTP11
	request.Path = "/chat"

	for i := 0; i < len(headers); i += 2 {
		request.Headers.Add(headers[i], headers[i+1])
	}

	return request
}

func handshake(key string) []string {
	return []string{
		"host", "localhost",
		"upgrade", "websocket",
		"connection", "keep-alive, Upgrade",
		"sec-websocket-version", "13",
		"sec-websocket-key", key,
	}
}

func nop(*websocket.Conn) {}

func TestAccept(t *testing.T) {
	// the sample from RFC 6455, section 1.3
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", Accept(sampleKey))
}

func TestUpgrade(t *testing.T) {
	upgrader := New(config.Default().WebSocket, "chat", "superchat")

	t.Run("switching protocols", func(t *testing.T) {
		request := newRequest(append(handshake(sampleKey), "sec-websocket-protocol", "superchat, chat")...)
		fields := upgrader.Upgrade(request, nop).Reveal()
		require.Equal(t, status.SwitchingProtocols, fields.Code)
		require.NotNil(t, fields.Upgrade)
		require.Equal(t, "websocket", fields.Upgrade.Protocol)
		require.Equal(t, []kv.Pair{
			{Key: "Sec-WebSocket-Accept", Value: "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="},
			{Key: "Sec-WebSocket-Protocol", Value: "chat"},
		}, fields.Upgrade.Headers)
	})

	t.Run("bad handshakes", func(t *testing.T) {
		tcs := []struct {
			Name    string
			Request *http.Request
			Code    status.Code
		}{
			{
				Name:    "no upgrade",
				Request: newRequest("connection", "upgrade", "sec-websocket-version", "13", "sec-websocket-key", sampleKey),
				Code:    status.BadRequest,
			},
			{
				Name:    "no connection token",
				Request: newRequest("upgrade", "websocket", "sec-websocket-version", "13", "sec-websocket-key", sampleKey),
				Code:    status.BadRequest,
			},
			{
				Name:    "short key",
				Request: newRequest(handshake("aGVsbG8=")...),
				Code:    status.BadRequest,
			},
			{
				Name:    "malformed key",
				Request: newRequest(handshake("not base64!")...),
				Code:    status.BadRequest,
			},
			{
				Name: "unsupported version",
				Request: newRequest(
					"upgrade", "websocket", "connection", "upgrade",
					"sec-websocket-version", "8", "sec-websocket-key", sampleKey,
				),
				Code: status.UpgradeRequired,
			},
		}

		for _, tc := range tcs {
			t.Run(tc.Name, func(t *testing.T) {
				fields := upgrader.Upgrade(tc.Request, nop).Reveal()
				require.Equal(t, tc.Code, fields.Code)
				require.Nil(t, fields.Upgrade)
			})
		}
	})

	t.Run("version is advertised", func(t *testing.T) {
		request := newRequest(
			"upgrade", "websocket", "connection", "upgrade",
			"sec-websocket-version", "8", "sec-websocket-key", sampleKey,
		)
		fields := upgrader.Upgrade(request, nop).Reveal()
		require.Contains(t, fields.Headers, kv.Pair{Key: "Sec-WebSocket-Version", Value: "13"})
	})

	t.Run("not GET", func(t *testing.T) {
		request := newRequest(handshake(sampleKey)...)
		request.Method = method.POST
		require.Equal(t, status.BadRequest, upgrader.Upgrade(request, nop).Reveal().Code)
	})
}

// bufferedConn reads through the reader, which might have buffered the bytes already.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

// acceptSession serves the handshake like the HTTP/1 connection does and hands the connection
// over to the session.
func acceptSession(t *testing.T, conn net.Conn, upgrader Upgrader, handler Handler) {
	reader := bufio.NewReader(conn)
	req, err := stdhttp.ReadRequest(reader)
	require.NoError(t, err)

	request := newRequest()
	request.Path = req.URL.Path
	request.Headers.Add("host", req.Host)
	for key, values := range req.Header {
		for _, value := range values {
			request.Headers.Add(strings.ToLower(key), value)
		}
	}

	fields := upgrader.Upgrade(request, handler).Reveal()
	require.Equal(t, status.SwitchingProtocols, fields.Code)

	head := "HTTP/1.1 101 Switching Protocols\r\nConnection: upgrade\r\nUpgrade: websocket\r\n"
	for _, header := range fields.Upgrade.Headers {
		head += header.Key + ": " + header.Value + "\r\n"
	}

	_, err = conn.Write([]byte(head + "\r\n"))
	require.NoError(t, err)
	fields.Upgrade.Handler(bufferedConn{Conn: conn, reader: reader})
}

func dial(t *testing.T, conn net.Conn) *websocket.Conn {
	cfg, err := websocket.NewConfig("ws://localhost/chat", "http://localhost")
	require.NoError(t, err)
	ws, err := websocket.NewClient(cfg, conn)
	require.NoError(t, err)

	return ws
}

func TestSession(t *testing.T) {
	t.Run("echo", func(t *testing.T) {
		server, client := net.Pipe()
		done := make(chan struct{})

		go func() {
			defer close(done)
			acceptSession(t, server, New(config.Default().WebSocket), func(ws *websocket.Conn) {
				var msg string
				for websocket.Message.Receive(ws, &msg) == nil {
					if websocket.Message.Send(ws, "echo: "+msg) != nil {
						return
					}
				}
			})
		}()

		ws := dial(t, client)
		require.NoError(t, websocket.Message.Send(ws, "hello"))
		var reply string
		require.NoError(t, websocket.Message.Receive(ws, &reply))
		require.Equal(t, "echo: hello", reply)

		require.NoError(t, ws.Close())
		<-done
	})

	t.Run("frame too large", func(t *testing.T) {
		server, client := net.Pipe()
		received := make(chan error, 1)

		go func() {
			acceptSession(t, server, Upgrader{MaxPayloadBytes: 4}, func(ws *websocket.Conn) {
				var msg string
				received <- websocket.Message.Receive(ws, &msg)
			})
		}()

		ws := dial(t, client)
		require.NoError(t, websocket.Message.Send(ws, "too long"))
		require.ErrorIs(t, <-received, websocket.ErrFrameTooLarge)
		_ = ws.Close()
	})
}
