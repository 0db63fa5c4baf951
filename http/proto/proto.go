package proto

import "github.com/indigo-web/utils/uf"

// Protocol is a bitmask of HTTP versions. A single value denotes the version a request was
// received over, a combination of them denotes a set of versions the server supports.
type Protocol uint8

const (
	Unknown Protocol = 0
	HTTP10  Protocol = 1 << iota
	HTTP11
	HTTP2

	HTTP1 = HTTP10 | HTTP11
)

func (p Protocol) String() string {
	switch p {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	default:
		return ""
	}
}

// Major returns the major version number. 0 is returned for sets and unknown protocols.
func (p Protocol) Major() int {
	switch p {
	case HTTP10, HTTP11:
		return 1
	case HTTP2:
		return 2
	default:
		return 0
	}
}

// Minor returns the minor version number.
func (p Protocol) Minor() int {
	if p == HTTP11 {
		return 1
	}

	return 0
}

// Supports tells whether the set contains the protocol.
func (p Protocol) Supports(other Protocol) bool {
	return other != Unknown && p&other == other
}

var majorMinorVersionLUT = [10][10]Protocol{
	1: {0: HTTP10, 1: HTTP11},
	2: {0: HTTP2},
}

func FromBytes(raw []byte) Protocol {
	const (
		protoTokenLength   = len("HTTP/x.x")
		majorVersionOffset = len("HTTP/x") - 1
		minorVersionOffset = len("HTTP/x.x") - 1
		httpScheme         = "HTTP/"
	)

	if len(raw) != protoTokenLength || uf.B2S(raw[:majorVersionOffset]) != httpScheme ||
		raw[majorVersionOffset+1] != '.' {
		return Unknown
	}

	return Parse(raw[majorVersionOffset]-'0', raw[minorVersionOffset]-'0')
}

func Parse(major, minor uint8) Protocol {
	if major > 9 || minor > 9 {
		return Unknown
	}

	return majorMinorVersionLUT[major][minor]
}

// FromALPN maps a negotiated TLS application protocol onto the HTTP version. An empty string
// means no ALPN took place, which implies HTTP/1.1.
func FromALPN(token string) Protocol {
	switch token {
	case "h2":
		return HTTP2
	case "http/1.1", "":
		return HTTP11
	case "http/1.0":
		return HTTP10
	default:
		return Unknown
	}
}

// ALPN returns the application protocol names for the set, in order of preference.
func (p Protocol) ALPN() (tokens []string) {
	if p.Supports(HTTP2) {
		tokens = append(tokens, "h2")
	}

	if p.Supports(HTTP11) {
		tokens = append(tokens, "http/1.1")
	}

	if p.Supports(HTTP10) {
		tokens = append(tokens, "http/1.0")
	}

	return tokens
}
