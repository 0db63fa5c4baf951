package codec

import (
	"github.com/klauspost/compress/flate"
)

func NewDeflate() Codec {
	return newBaseCodec("deflate", func() Compressor {
		writer, err := flate.NewWriter(nil, 5)
		if err != nil {
			panic(err)
		}

		return writer
	})
}
