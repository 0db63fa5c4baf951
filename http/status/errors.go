package status

import (
	"github.com/pkg/errors"
)

// Kind classifies an error by the way a connection must react to it.
type Kind uint8

const (
	// KindTransport errors can't be answered: the connection is torn down silently.
	KindTransport Kind = iota
	// KindProtocol errors are answered with a 4xx response, then the connection is closed.
	KindProtocol
	// KindLimit errors are answered with a 413-class response, then the connection is closed.
	KindLimit
	// KindResponder errors are answered with a 5xx response and the connection stays open.
	KindResponder
	// KindUpgrade errors revert the connection to plain HTTP processing.
	KindUpgrade
	// KindInternal errors are bugs in the pipeline itself. The connection is closed.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindLimit:
		return "limit"
	case KindResponder:
		return "responder"
	case KindUpgrade:
		return "upgrade"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Fatal tells whether the connection can't survive an error of the kind.
func (k Kind) Fatal() bool {
	switch k {
	case KindResponder, KindUpgrade:
		return false
	default:
		return true
	}
}

type HTTPError struct {
	Message string
	Code    Code
	Kind    Kind
}

func NewError(code Code, message string) error {
	kind := KindResponder
	if code >= 400 && code < 500 {
		kind = KindProtocol
	}

	return HTTPError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

func newKindError(kind Kind, code Code, message string) error {
	return HTTPError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

func (h HTTPError) Error() string {
	return h.Message
}

// KindOf returns the kind of the error. Errors not produced by this package are
// considered transport failures, as this is the only source of foreign errors
// within the pipeline.
func KindOf(err error) Kind {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Kind
	}

	return KindTransport
}

// CodeOf returns the status code the error should be answered with.
func CodeOf(err error) Code {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}

	return InternalServerError
}

var (
	ErrBadRequest              = NewError(BadRequest, "bad request")
	ErrTooLongRequestLine      = NewError(RequestURITooLong, "request line is too long")
	ErrURLDecoding             = NewError(BadRequest, "invalid urlencoded sequence")
	ErrBadParams               = NewError(BadRequest, "bad URI params")
	ErrBadHeader               = NewError(BadRequest, "malformed header field")
	ErrSpaceBeforeColon        = NewError(BadRequest, "whitespace between header field name and colon")
	ErrObsoleteFolding         = NewError(BadRequest, "obsolete header line folding")
	ErrBadContentLength        = NewError(BadRequest, "invalid or conflicting Content-Length")
	ErrBadEncoding             = NewError(BadRequest, "bad request encoding")
	ErrBadChunk                = NewError(BadRequest, "malformed chunk-encoded data")
	ErrTrailerNotSupported     = NewError(BadRequest, "trailer fields are not supported")
	ErrUnexpectedEvent         = NewError(BadRequest, "unexpected message event")
	ErrMethodNotImplemented    = NewError(NotImplemented, "request method is not supported")
	ErrURITooLong              = NewError(RequestURITooLong, "request URI too long")
	ErrHeaderFieldsTooLarge    = NewError(RequestHeaderFieldsTooLarge, "too large headers section")
	ErrTooManyHeaders          = NewError(RequestHeaderFieldsTooLarge, "too many headers")
	ErrHTTPVersionNotSupported = NewError(HTTPVersionNotSupported, "HTTP version not supported")
	ErrRequestTimeout          = NewError(RequestTimeout, "request timeout")
	ErrNotFound                = NewError(NotFound, "not found")
	ErrUnsupportedMediaType    = NewError(UnsupportedMediaType, "unsupported media type")
	ErrInternalServerError     = NewError(InternalServerError, "internal server error")
	ErrServiceUnavailable      = NewError(ServiceUnavailable, "service unavailable")

	ErrBodyTooLarge = newKindError(KindLimit, RequestEntityTooLarge, "request body is too large")

	ErrResponderPanic = newKindError(KindResponder, InternalServerError, "responder panicked")
	ErrBadHeaderField = newKindError(KindResponder, InternalServerError, "header field contains CR or LF")
	ErrNoBody         = newKindError(KindResponder, InternalServerError, "response has a size but no body")

	ErrBadUpgrade = newKindError(KindUpgrade, InternalServerError, "malformed protocol upgrade")

	ErrWriteAfterClose = newKindError(KindInternal, InternalServerError, "write to a closed connection")

	// ErrCloseConnection isn't an error but a signal, that the connection must be closed
	// after the current exchange.
	ErrCloseConnection = newKindError(KindTransport, 0, "actively closing the connection")
	// ErrBodyAbandoned is observed by a body stream producer after the consumer gave up.
	ErrBodyAbandoned = newKindError(KindInternal, 0, "body stream was abandoned by the consumer")
)
