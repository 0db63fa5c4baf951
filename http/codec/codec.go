package codec

import (
	"io"
	"strconv"
	"strings"

	"github.com/indigo-web/utils/strcomp"
)

// Codec is a content coding the server is able to apply on response bodies.
type Codec interface {
	// Token returns a coding token associated with the codec itself.
	Token() string
	New() Compressor
}

// Compressor is a reusable instance of a codec. It must be reset before each use.
type Compressor interface {
	io.WriteCloser
	Reset(w io.Writer)
}

type baseCodec struct {
	token   string
	newInst func() Compressor
}

func newBaseCodec(token string, newInst func() Compressor) baseCodec {
	return baseCodec{
		token:   token,
		newInst: newInst,
	}
}

func (b baseCodec) Token() string {
	return b.token
}

func (b baseCodec) New() Compressor {
	return b.newInst()
}

// Default returns all the supported codecs in order of the server's preference.
func Default() []Codec {
	return []Codec{NewZSTD(), NewGZIP(), NewDeflate()}
}

// Negotiate picks the codec preferred by the client, as listed in the Accept-Encoding header
// value. Ties are resolved by the order of codecs. Nil is returned if none is acceptable.
func Negotiate(acceptEncoding string, codecs []Codec) Codec {
	var (
		best    Codec
		quality = 0.0
	)

	for len(acceptEncoding) > 0 {
		var token string
		token, acceptEncoding, _ = strings.Cut(acceptEncoding, ",")
		token, params, _ := strings.Cut(token, ";")
		token = strings.TrimSpace(token)
		q := parseQuality(params)
		if q <= 0 {
			continue
		}

		for _, c := range codecs {
			if !strcomp.EqualFold(c.Token(), token) && token != "*" {
				continue
			}

			if q > quality || (q == quality && preferred(codecs, c, best)) {
				best, quality = c, q
			}

			if token != "*" {
				break
			}
		}
	}

	return best
}

func preferred(codecs []Codec, c, than Codec) bool {
	if than == nil {
		return true
	}

	for _, codec := range codecs {
		switch codec.Token() {
		case c.Token():
			return true
		case than.Token():
			return false
		}
	}

	return false
}

func parseQuality(params string) float64 {
	params = strings.TrimSpace(params)
	if len(params) == 0 {
		return 1
	}

	value, found := strings.CutPrefix(params, "q=")
	if !found {
		return 1
	}

	q, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}

	return q
}
