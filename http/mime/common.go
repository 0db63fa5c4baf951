package mime

import "strings"

type MIME = string

const (
	OctetStream    MIME = "application/octet-stream"
	Plain          MIME = "text/plain"
	HTML           MIME = "text/html"
	XML            MIME = "text/xml"
	JSON           MIME = "application/json"
	FormUrlencoded MIME = "application/x-www-form-urlencoded"
	Multipart      MIME = "multipart/form-data"
	CSS            MIME = "text/css"
	JS             MIME = "text/javascript"
	SVG            MIME = "image/svg+xml"
	WASM           MIME = "application/wasm"
)

// Complies returns whether two MIMEs are compatible. Empty MIME is
// considered compatible with any other MIME
func Complies(mime MIME, with string) bool {
	// get rid of parameters if any
	with, _, _ = strings.Cut(with, ";")
	with = strings.TrimSpace(with)
	return len(with) == 0 || with == mime
}

// Compressible tells whether compressing a body of the MIME makes sense at all.
func Compressible(mime MIME) bool {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.TrimSpace(mime)

	switch {
	case strings.HasPrefix(mime, "text/"):
		return true
	case mime == JSON, mime == XML, mime == SVG, mime == WASM, mime == FormUrlencoded, mime == JS:
		return true
	default:
		return false
	}
}
