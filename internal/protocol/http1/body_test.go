package http1

import (
	"testing"

	"github.com/indigo-web/relay/http"
	"github.com/indigo-web/relay/http/status"
	"github.com/stretchr/testify/require"
)

func readBody(t *testing.T, reader *bodyReader, parts ...string) (body string, extra []byte, done bool) {
	for _, part := range parts {
		require.False(t, done, "body is completed before all the parts were fed")
		chunk, rest, finished, err := reader.next([]byte(part))
		require.NoError(t, err)
		body += string(chunk)
		extra, done = rest, finished
	}

	return body, extra, done
}

func TestBodyReader(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		reader := newBodyReader()
		reader.init(&http.Request{ContentLength: 13})
		body, extra, done := readBody(t, reader, "Hello, world!GET / HTTP/1.1\r\n")
		require.True(t, done)
		require.Equal(t, "Hello, world!", body)
		require.Equal(t, "GET / HTTP/1.1\r\n", string(extra))
	})

	t.Run("plain split", func(t *testing.T) {
		reader := newBodyReader()
		reader.init(&http.Request{ContentLength: 13})
		body, extra, done := readBody(t, reader, "Hel", "lo, ", "wor", "ld!")
		require.True(t, done)
		require.Empty(t, extra)
		require.Equal(t, "Hello, world!", body)
	})

	t.Run("plain incomplete", func(t *testing.T) {
		reader := newBodyReader()
		reader.init(&http.Request{ContentLength: 13})
		_, _, done := readBody(t, reader, "Hello")
		require.False(t, done)
	})

	t.Run("chunked", func(t *testing.T) {
		reader := newBodyReader()
		reader.init(&http.Request{Chunked: true})
		raw := "d\r\nHello, world!\r\n0\r\n\r\nGET"
		body, extra, done := readBody(t, reader, raw)
		require.True(t, done)
		require.Equal(t, "Hello, world!", body)
		require.Equal(t, "GET", string(extra))
	})

	t.Run("chunked split", func(t *testing.T) {
		raw := "5\r\nHello\r\n8\r\n, world!\r\n0\r\n\r\n"

		for n := 1; n < len(raw); n++ {
			reader := newBodyReader()
			reader.init(&http.Request{Chunked: true})
			body, extra, done := readBody(t, reader, splitString(raw, n)...)
			require.True(t, done, n)
			require.Empty(t, extra, n)
			require.Equal(t, "Hello, world!", body, n)
		}
	})

	t.Run("trailer fields", func(t *testing.T) {
		for _, parts := range [][]string{
			{"5\r\nhello\r\n0\r\nX-Foo: bar\r\n\r\n"},
			{"5\r\nhello\r\n0\r\n", "X-Foo: bar\r\n\r\n"},
		} {
			reader := newBodyReader()
			reader.init(&http.Request{Chunked: true})

			var err error
			for _, part := range parts {
				if _, _, _, err = reader.next([]byte(part)); err != nil {
					break
				}
			}

			require.ErrorIs(t, err, status.ErrBadChunk)
		}
	})

	t.Run("malformed chunk", func(t *testing.T) {
		reader := newBodyReader()
		reader.init(&http.Request{Chunked: true})
		_, _, _, err := reader.next([]byte("zz\r\nHello\r\n"))
		require.ErrorIs(t, err, status.ErrBadChunk)
	})
}

func splitString(s string, n int) (parts []string) {
	for i := 0; i < len(s); i += n {
		parts = append(parts, s[i:min(i+n, len(s))])
	}

	return parts
}
