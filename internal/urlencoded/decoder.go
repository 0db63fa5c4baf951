package urlencoded

import (
	"bytes"
	"strings"

	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/hexconv"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/utils/uf"
)

// Decode decodes data into the given buffer, but omits it if there's no data to be
// decoded. `into` can be data[:0] as well in order to decode "into itself".
func Decode(src, dst []byte) (decoded, buffer []byte, err error) {
	percent := bytes.IndexByte(src, '%')
	if percent == -1 {
		return src, dst, nil
	}

	for percent != -1 {
		if percent >= len(src)-2 {
			return nil, dst, status.ErrURLDecoding
		}

		dst = append(dst, src[:percent]...)
		a, b := hexconv.Halfbyte[src[percent+1]], hexconv.Halfbyte[src[percent+2]]
		if a|b > 0x0f {
			return nil, dst, status.ErrURLDecoding
		}

		dst = append(dst, (a<<4)|b)
		src = src[percent+3:]
		percent = bytes.IndexByte(src, '%')
	}

	dst = append(dst, src...)
	return dst, dst, nil
}

// ExtendedDecode is the same as Decode, but on top also decodes + as spaces.
func ExtendedDecode(src, dst []byte) (decoded, buffer []byte, err error) {
	if bytes.IndexByte(src, '+') == -1 {
		return Decode(src, dst)
	}

	offset := len(dst)
	dst, _, err = Decode(src, dst)
	if err != nil {
		return nil, dst, err
	}

	if len(dst) == offset {
		// nothing was decoded, so the source was returned as is. Copy it in order not to
		// modify the caller's memory
		dst = append(dst, src...)
	}

	decoded = dst[offset:]
	for i, c := range decoded {
		if c == '+' {
			decoded[i] = ' '
		}
	}

	return decoded, dst, nil
}

// ParseParams decodes the query string into key-value pairs. Pairs without value
// get an empty one.
func ParseParams(query string, into *kv.Storage) error {
	var buff []byte

	for len(query) > 0 {
		var pair string
		pair, query, _ = strings.Cut(query, "&")
		if len(pair) == 0 {
			continue
		}

		key, value, _ := strings.Cut(pair, "=")
		decodedKey, err := decodeParam(key, &buff)
		if err != nil {
			return status.ErrBadParams
		}

		decodedValue, err := decodeParam(value, &buff)
		if err != nil {
			return status.ErrBadParams
		}

		into.Add(decodedKey, decodedValue)
	}

	return nil
}

func decodeParam(param string, buff *[]byte) (string, error) {
	decoded, b, err := ExtendedDecode(uf.S2B(param), (*buff)[:0])
	*buff = b
	if err != nil {
		return "", err
	}

	// always copy, as the buffer gets reused and the source may be reused by the caller
	return string(decoded), nil
}
