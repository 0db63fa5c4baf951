package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	stdhttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/responder"
	"github.com/indigo-web/relay/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/http2"
	xwebsocket "golang.org/x/net/websocket"
)

type running struct {
	app    *App
	addr   string
	served chan error
}

func start(t *testing.T, app *App, r responder.Func) *running {
	started := make(chan struct{})
	app.Logger(zerolog.Nop()).NotifyOnStart(func() {
		close(started)
	})

	run := &running{app: app, served: make(chan error, 1)}
	go func() {
		run.served <- app.Serve(responder.Static(r))
	}()

	select {
	case <-started:
	case err := <-run.served:
		require.FailNow(t, "failed to start", err)
	}

	run.addr = app.Addrs()[0].String()
	return run
}

func (r *running) stop(t *testing.T) {
	r.app.Stop()
	require.NoError(t, <-r.served)
}

func hello(_ context.Context, request *http.Request) (*http.Response, error) {
	return http.String("Hello from " + request.Path), nil
}

func TestApp(t *testing.T) {
	t.Run("HTTP/1.1", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		run := start(t, New("127.0.0.1:0"), hello)
		defer run.stop(t)

		client := &stdhttp.Client{Transport: &stdhttp.Transport{}}
		defer client.CloseIdleConnections()

		resp, err := client.Get("http://" + run.addr + "/hello")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		require.Equal(t, "HTTP/1.1", resp.Proto)
		require.Equal(t, "relay", resp.Header.Get("Server"))
		require.Equal(t, "Hello from /hello", string(body))
	})

	t.Run("HTTP/2 prior knowledge", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		run := start(t, New("127.0.0.1:0"), hello)
		defer run.stop(t)

		tr := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
		defer tr.CloseIdleConnections()

		resp, err := (&stdhttp.Client{Transport: tr}).Get("http://" + run.addr + "/h2c")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		require.Equal(t, 2, resp.ProtoMajor)
		require.Equal(t, "Hello from /h2c", string(body))
	})

	t.Run("HTTPS with ALPN", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		cert, key, err := selfSigned(t.TempDir())
		require.NoError(t, err)

		run := start(t, New("").Listen("127.0.0.1:0", TLS(cert, key)), hello)
		defer run.stop(t)

		for _, h2 := range []bool{true, false} {
			tr := &stdhttp.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				ForceAttemptHTTP2: h2,
			}
			resp, err := (&stdhttp.Client{Transport: tr}).Get("https://" + run.addr + "/secure")
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.NoError(t, resp.Body.Close())
			tr.CloseIdleConnections()

			require.Equal(t, "Hello from /secure", string(body))
			if h2 {
				require.Equal(t, 2, resp.ProtoMajor)
			} else {
				require.Equal(t, 1, resp.ProtoMajor)
			}
		}
	})

	t.Run("websocket", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		upgrader := websocket.New(config.Default().WebSocket)
		run := start(t, New("127.0.0.1:0"), func(_ context.Context, request *http.Request) (*http.Response, error) {
			return upgrader.Upgrade(request, func(ws *xwebsocket.Conn) {
				_, _ = io.Copy(ws, ws)
			}), nil
		})
		defer run.stop(t)

		ws, err := xwebsocket.Dial("ws://"+run.addr+"/ws", "", "http://localhost")
		require.NoError(t, err)

		require.NoError(t, xwebsocket.Message.Send(ws, "ping"))
		var reply string
		require.NoError(t, xwebsocket.Message.Receive(ws, &reply))
		require.Equal(t, "ping", reply)
		require.NoError(t, ws.Close())
	})

	t.Run("graceful shutdown", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		entered, release := make(chan struct{}), make(chan struct{})
		var stopped atomic.Bool
		app := New("127.0.0.1:0").NotifyOnStop(func() {
			stopped.Store(true)
		})
		run := start(t, app, func(_ context.Context, request *http.Request) (*http.Response, error) {
			close(entered)
			<-release
			return http.String("done"), nil
		})

		conn, err := net.Dial("tcp", run.addr)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte("GET /slow HTTP/1.1\r\nHost: localhost\r\n\r\n"))
		require.NoError(t, err)
		<-entered

		gracefulDone := make(chan struct{})
		go func() {
			app.GracefulStop()
			close(gracefulDone)
		}()

		// new connections are refused while the old ones are still being served
		require.Eventually(t, func() bool {
			c, err := net.Dial("tcp", run.addr)
			if err == nil {
				_ = c.Close()
			}

			return err != nil
		}, time.Second, 5*time.Millisecond)

		close(release)
		resp, err := stdhttp.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "done", string(body))

		<-gracefulDone
		require.NoError(t, <-run.served)
		require.True(t, stopped.Load())
	})

	t.Run("bad transport", func(t *testing.T) {
		app := New("").Listen("127.0.0.1:0", TLS("non-existing.crt", "non-existing.key"))
		require.Error(t, app.Serve(responder.Static(responder.Func(hello))))

		app = New("").Listen("127.0.0.1:0", HTTPS())
		require.ErrorIs(t, app.Serve(responder.Static(responder.Func(hello))), ErrNoCertificates)

		require.ErrorIs(t, New("127.0.0.1:0").Serve(nil), ErrNoResponder)
	})

	t.Run("address in use", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		run := start(t, New("127.0.0.1:0"), hello)
		defer run.stop(t)

		app := New(run.addr).Logger(zerolog.Nop())
		err := app.Serve(responder.Static(responder.Func(hello)))
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "bind"), err.Error())
	})
}

func TestNextProtos(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, []string{"h2", "http/1.1"}, nextProtos(cfg.HTTP.Versions))
}
