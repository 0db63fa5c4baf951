package codecutil

import (
	"github.com/indigo-web/relay/http/codec"
)

// Cache holds lazily instantiated compressors of a single connection.
type Cache struct {
	codecs    []codec.Codec
	instances []codec.Compressor
}

func NewCache(codecs []codec.Codec) Cache {
	return Cache{
		codecs:    codecs,
		instances: make([]codec.Compressor, len(codecs)),
	}
}

func (c Cache) find(token string) int {
	for i, entry := range c.codecs {
		if entry.Token() == token {
			return i
		}
	}

	return -1
}

// Get returns a compressor by the coding token, or nil if the coding isn't supported.
func (c Cache) Get(token string) codec.Compressor {
	idx := c.find(token)
	if idx == -1 {
		return nil
	}

	inst := c.instances[idx]
	if inst == nil {
		inst = c.codecs[idx].New()
		c.instances[idx] = inst
	}

	return inst
}

// Negotiate picks the coding by the Accept-Encoding header value. Empty token is returned if
// no supported coding is acceptable.
func (c Cache) Negotiate(acceptEncoding string) (token string) {
	if len(acceptEncoding) == 0 || len(c.codecs) == 0 {
		return ""
	}

	chosen := codec.Negotiate(acceptEncoding, c.codecs)
	if chosen == nil {
		return ""
	}

	return chosen.Token()
}
