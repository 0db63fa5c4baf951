package http1

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/dchest/uniuri"
	"github.com/indigo-web/relay/config"
	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/method"
	"github.com/indigo-web/relay/http/proto"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/kv"
	"github.com/stretchr/testify/require"
)

func getParser(cfg *config.Config) *Parser {
	if cfg == nil {
		cfg = config.Default()
	}

	return NewParser(cfg, func() *http.Request {
		return http.NewRequest(context.Background(), nil, kv.New(), kv.New())
	})
}

func generateRequest(path string, headers []string) []byte {
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\n%s\r\n\r\n", path, strings.Join(headers, "\r\n"),
	))
}

func BenchmarkParser(b *testing.B) {
	for _, n := range []int{5, 10, 50} {
		b.Run(fmt.Sprintf("with %d headers", n), func(b *testing.B) {
			parser := getParser(nil)
			data := generateRequest("/"+strings.Repeat("a", 500), genHeaders(n))
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				_, _, _ = parser.Parse(data)
			}
		})
	}

	b.Run("escaped 10 headers", func(b *testing.B) {
		parser := getParser(nil)
		data := generateRequest("/"+strings.Repeat("%20", 500), genHeaders(10))
		b.SetBytes(int64(len(data)))
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_, _, _ = parser.Parse(data)
		}
	})
}

type wantedRequest struct {
	Headers  map[string][]string
	Path     string
	Method   method.Method
	Protocol proto.Protocol
}

func compareRequests(t *testing.T, wanted wantedRequest, actual *http.Request) {
	require.Equal(t, wanted.Method, actual.Method)
	require.Equal(t, wanted.Path, actual.Path)
	require.Equal(t, wanted.Protocol, actual.Protocol)

	for key, values := range wanted.Headers {
		require.Equal(t, values, slices.Collect(actual.Headers.Values(key)))
	}
}

func splitIntoParts(req []byte, n int) (parts [][]byte) {
	for i := 0; i < len(req); i += n {
		parts = append(parts, req[i:min(i+n, len(req))])
	}

	return parts
}

func feedPartially(p *Parser, raw []byte, n int) (request *http.Request, extra []byte, err error) {
	parts := splitIntoParts(raw, n)

	for i, chunk := range parts {
		request, extra, err = p.Parse(chunk)
		if err != nil || request != nil {
			if i+1 < len(parts) {
				return request, extra, fmt.Errorf("not all chunks were fed: %d/%d", i+1, len(parts))
			}

			break
		}
	}

	return request, extra, err
}

func TestParser(t *testing.T) {
	t.Run("simple GET", func(t *testing.T) {
		request, extra, err := getParser(nil).Parse([]byte("GET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.NotNil(t, request)
		require.Empty(t, extra)

		compareRequests(t, wantedRequest{
			Method:   method.GET,
			Path:     "/",
			Protocol: proto.HTTP11,
		}, request)
		require.True(t, request.KeepAlive)
		require.Equal(t, int64(-1), request.ContentLength)
	})

	t.Run("leading CRLF", func(t *testing.T) {
		request, extra, err := getParser(nil).Parse([]byte("\r\n\r\nGET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.NotNil(t, request)
		require.Empty(t, extra)
		require.Equal(t, method.GET, request.Method)
	})

	t.Run("GET with headers", func(t *testing.T) {
		raw := "GET / HTTP/1.1\r\nHello: World!\r\nEaster: Egg\r\n\r\n"
		request, extra, err := getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.Empty(t, extra)

		compareRequests(t, wantedRequest{
			Method:   method.GET,
			Path:     "/",
			Protocol: proto.HTTP11,
			Headers: map[string][]string{
				"hello":  {"World!"},
				"easter": {"Egg"},
			},
		}, request)
	})

	t.Run("multiple header values", func(t *testing.T) {
		raw := "GET / HTTP/1.1\r\nAccept: one,two\r\nAccept: three\r\n\r\n"
		request, _, err := getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		compareRequests(t, wantedRequest{
			Method:   method.GET,
			Path:     "/",
			Protocol: proto.HTTP11,
			Headers: map[string][]string{
				"accept": {"one,two", "three"},
			},
		}, request)
	})

	t.Run("only lf", func(t *testing.T) {
		raw := "GET / HTTP/1.1\nHello: World!\n\n"
		request, extra, err := getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.Empty(t, extra)
		compareRequests(t, wantedRequest{
			Method:   method.GET,
			Path:     "/",
			Protocol: proto.HTTP11,
			Headers:  map[string][]string{"hello": {"World!"}},
		}, request)
	})

	t.Run("fuzz GET", func(t *testing.T) {
		raw := "GET /path?a=b HTTP/1.1\r\nHello: World!\r\nEaster: Egg\r\n\r\n"
		parser := getParser(nil)

		for i := 1; i < len(raw); i++ {
			request, extra, err := feedPartially(parser, []byte(raw), i)
			require.NoError(t, err, i)
			require.NotNil(t, request, i)
			require.Empty(t, extra)

			compareRequests(t, wantedRequest{
				Method:   method.GET,
				Path:     "/path",
				Protocol: proto.HTTP11,
				Headers:  map[string][]string{"hello": {"World!"}},
			}, request)
			require.Equal(t, "b", request.Params.Value("a"))
		}
	})

	t.Run("pipelined requests", func(t *testing.T) {
		parser := getParser(nil)
		raw := []byte("GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n")

		first, extra, err := parser.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "/1", first.Path)

		second, extra, err := parser.Parse(extra)
		require.NoError(t, err)
		require.Empty(t, extra)
		require.Equal(t, "/2", second.Path)
		require.Equal(t, "/1", first.Path)
		require.NotSame(t, first, second)
	})

	t.Run("unknown method", func(t *testing.T) {
		request, _, err := getParser(nil).Parse([]byte("PROPFIND / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, method.Unknown, request.Method)
		require.Equal(t, "PROPFIND", request.MethodName)
	})

	t.Run("asterisk and absolute forms", func(t *testing.T) {
		request, _, err := getParser(nil).Parse([]byte("OPTIONS * HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "*", request.Path)

		raw := "GET http://www.w3.org/pub/WWW/TheProject.html?x=1 HTTP/1.1\r\n\r\n"
		request, _, err = getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, "/pub/WWW/TheProject.html", request.Path)
		require.Equal(t, "x=1", request.Query)
	})

	t.Run("content length", func(t *testing.T) {
		parser := getParser(nil)
		raw := "POST / HTTP/1.1\r\nContent-Length: 13\r\n\r\nHello, world!"
		request, extra, err := parser.Parse([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, "Hello, world!", string(extra))
		require.Equal(t, int64(13), request.ContentLength)
		require.Equal(t, "13", request.Headers.Value("content-length"))
		require.True(t, request.ExpectsBody())

		raw = "POST / HTTP/1.1\r\nContent-Length: 13\r\nContent-Length: 13\r\n\r\n"
		request, _, err = parser.Parse([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, int64(13), request.ContentLength)
	})

	t.Run("keep-alive", func(t *testing.T) {
		for _, tc := range []struct {
			Raw       string
			KeepAlive bool
		}{
			{"GET / HTTP/1.1\r\n\r\n", true},
			{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
			{"GET / HTTP/1.1\r\nConnection: keep-alive, Close\r\n\r\n", false},
			{"GET / HTTP/1.0\r\n\r\n", false},
			{"GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
		} {
			request, _, err := getParser(nil).Parse([]byte(tc.Raw))
			require.NoError(t, err)
			require.Equal(t, tc.KeepAlive, request.KeepAlive, tc.Raw)
		}
	})

	t.Run("upgrade", func(t *testing.T) {
		raw := "GET / HTTP/1.1\r\nConnection: keep-alive, Upgrade\r\nUpgrade: websocket\r\n\r\n"
		request, _, err := getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, "websocket", request.Upgrade)
		require.True(t, request.WantsUpgrade())

		raw = "GET / HTTP/1.1\r\nUpgrade: websocket\r\n\r\n"
		request, _, err = getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.False(t, request.WantsUpgrade())
	})

	t.Run("chunked", func(t *testing.T) {
		raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"
		request, _, err := getParser(nil).Parse([]byte(raw))
		require.NoError(t, err)
		require.True(t, request.Chunked)
		require.True(t, request.ExpectsBody())
	})

	t.Run("urldecode", func(t *testing.T) {
		parseRequestLine := func(target string) (*http.Request, error) {
			raw := fmt.Sprintf("GET %s HTTP/1.1\r\n\r\n", target)
			parser := getParser(nil)

			for i := 0; i < len(raw); i++ {
				request, _, err := parser.Parse([]byte{raw[i]})
				if err != nil || request != nil {
					return request, err
				}
			}

			return nil, nil
		}

		t.Run("path", func(t *testing.T) {
			request, err := parseRequestLine("/%41%41%41")
			require.NoError(t, err)
			require.Equal(t, "/AAA", request.Path)
		})

		t.Run("unicode path", func(t *testing.T) {
			request, err := parseRequestLine("/%D0%9F%D0%B0%D0%B2%D0%BB%D0%BE")
			require.Error(t, err)
			require.Nil(t, request)
		})

		t.Run("params", func(t *testing.T) {
			request, err := parseRequestLine("/?hello%20world=Slava+%55kraini")
			require.NoError(t, err)
			require.Equal(t, "/", request.Path)
			require.Equal(t, "hello%20world=Slava+%55kraini", request.Query)
			require.Equal(t, "Slava Ukraini", request.Params.Value("hello world"))
		})
	})
}

func TestParser_Errors(t *testing.T) {
	const buffsize = 64
	cfg := config.Default()
	cfg.URI.RequestLineSize.Default = buffsize
	cfg.URI.RequestLineSize.Maximal = buffsize

	for _, tc := range []struct {
		Name, Raw string
		Want      error
	}{
		{"absent method", " / HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"invalid method", "G(T / HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"too long method", strings.Repeat("A", buffsize+1) + " / HTTP/1.1\r\n\r\n", status.ErrMethodNotImplemented},
		{"absent path", "GET  HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"too long path", "GET /" + strings.Repeat("a", buffsize) + " HTTP/1.1\r\n\r\n", status.ErrTooLongRequestLine},
		{"nonprintable path", "GET /\x00 HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"fragment", "GET /hello#Section1 HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"fragment after query", "GET /?hello=world#Section1 HTTP/1.1\r\n\r\n", status.ErrBadRequest},
		{"unsupported minor", "GET / HTTP/1.2\r\n\r\n", status.ErrHTTPVersionNotSupported},
		{"unsupported major", "GET / HTTP/42.0\r\n\r\n", status.ErrHTTPVersionNotSupported},
		{"HTTP/2 over HTTP/1 framing", "GET / HTTP/2.0\r\n\r\n", status.ErrHTTPVersionNotSupported},
		{"invalid protocol", "GET / HTTPS/1.1\r\n\r\n", status.ErrBadRequest},
		{"lf cr cr lf", "GET / HTTP/1.1\n\r\r\n", status.ErrBadRequest},
		{"space before colon", "GET / HTTP/1.1\r\nHost : x\r\n\r\n", status.ErrSpaceBeforeColon},
		{"bad header name", "GET / HTTP/1.1\r\nHo(st: x\r\n\r\n", status.ErrBadHeader},
		{"empty header name", "GET / HTTP/1.1\r\n: x\r\n\r\n", status.ErrBadHeader},
		{"obsolete folding", "GET / HTTP/1.1\r\nHost: x\r\n folded\r\n\r\n", status.ErrObsoleteFolding},
		{"control in value", "GET / HTTP/1.1\r\nHost: a\x00b\r\n\r\n", status.ErrBadHeader},
		{"bare CR in value", "GET / HTTP/1.1\r\nHost: a\rb\r\n\r\n", status.ErrBadHeader},
		{"invalid content length", "GET / HTTP/1.1\r\nContent-Length: 1f5\r\n\r\n", status.ErrBadContentLength},
		{"negative content length", "GET / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", status.ErrBadContentLength},
		{"conflicting content length", "GET / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", status.ErrBadContentLength},
		{"unsupported transfer coding", "GET / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", status.ErrBadEncoding},
		{"chunked is not final", "GET / HTTP/1.1\r\nTransfer-Encoding: chunked, gzip\r\n\r\n", status.ErrBadEncoding},
		{"duplicate chunked", "GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nTransfer-Encoding: chunked\r\n\r\n", status.ErrBadEncoding},
		{"chunked with content length", "GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n", status.ErrBadEncoding},
		{"chunked over HTTP/1.0", "GET / HTTP/1.0\r\nTransfer-Encoding: chunked\r\n\r\n", status.ErrBadEncoding},
		{"trailer", "GET / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nTrailer: Expires\r\n\r\n", status.ErrTrailerNotSupported},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			request, _, err := getParser(cfg).Parse([]byte(tc.Raw))
			require.Nil(t, request)
			require.ErrorIs(t, err, tc.Want)
		})
	}

	t.Run("too many headers", func(t *testing.T) {
		raw := generateRequest("/", genHeaders(config.Default().Headers.Number.Maximal+1))
		_, _, err := getParser(nil).Parse(raw)
		require.ErrorIs(t, err, status.ErrTooManyHeaders)
	})

	t.Run("too large headers", func(t *testing.T) {
		cfg := config.Default()
		cfg.Headers.Space.Maximal = 64
		raw := generateRequest("/", []string{"X-Long: " + strings.Repeat("a", 64)})
		_, _, err := getParser(cfg).Parse(raw)
		require.ErrorIs(t, err, status.ErrHeaderFieldsTooLarge)
	})

	t.Run("too long method split", func(t *testing.T) {
		parser := getParser(cfg)

		for i := 0; i < buffsize; i++ {
			request, _, err := parser.Parse([]byte("A"))
			require.NoError(t, err)
			require.Nil(t, request)
			require.True(t, parser.Pending())
		}

		_, _, err := parser.Parse([]byte("A"))
		require.ErrorIs(t, err, status.ErrMethodNotImplemented)
	})
}

func TestTokens(t *testing.T) {
	for _, tc := range []struct {
		Sample string
		Want   []string
	}{
		{"", nil},
		{"chunked", []string{"chunked"}},
		{"chunked,gzip", []string{"chunked", "gzip"}},
		{" gzip,    chunked  ", []string{"gzip", "chunked"}},
		{"gzip,,chunked, ", []string{"gzip", "chunked"}},
	} {
		require.Equal(t, tc.Want, slices.Collect(tokens(tc.Sample)), tc.Sample)
	}
}

func genHeaders(n int) (out []string) {
	for i := 0; i < n; i++ {
		out = append(out, genHeader())
	}

	return out
}

func genHeader() string {
	return fmt.Sprintf("%[1]s: %[1]s", uniuri.NewLen(16))
}
