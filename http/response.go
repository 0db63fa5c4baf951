package http

import (
	"io"

	"github.com/indigo-web/relay/http/mime"
	"github.com/indigo-web/relay/http/status"
	"github.com/indigo-web/relay/internal/response"
	"github.com/indigo-web/relay/kv"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Upgrade is a directive to switch the connection to another protocol. See Response.Upgrade.
type Upgrade = response.Upgrade

// why 7? I don't know. There's no theory behind this number nor researches.
const preallocRespHeaders = 7

type Response struct {
	fields *response.Fields
}

// NewResponse returns a new instance of the Response object with status code set to 200 OK,
// pre-allocated space for response headers and text/html content-type.
func NewResponse() *Response {
	return &Response{
		&response.Fields{
			Code:        status.OK,
			Headers:     make([]kv.Pair, 0, preallocRespHeaders),
			ContentType: response.DefaultContentType,
		},
	}
}

// Code sets a Response code and a corresponding status.
// In case of unknown code, "Unknown Status Code" will be set as a status
// code. In this case you should call Status explicitly
func (r *Response) Code(code status.Code) *Response {
	r.fields.Code = code
	return r
}

// Status sets a custom status text. This text does not matter at all, and usually
// totally ignored by client, so there is actually no reasons to use this except some
// rare cases when you need to represent a Response status text somewhere
func (r *Response) Status(status status.Status) *Response {
	if !kv.ValidField(string(status)) {
		return r.invalid()
	}

	r.fields.Status = status
	return r
}

// ContentType sets a custom Content-Type header value.
func (r *Response) ContentType(value mime.MIME) *Response {
	if !kv.ValidField(value) {
		return r.invalid()
	}

	r.fields.ContentType = value
	return r
}

// Header sets header values to a key. In case it already exists the value will
// be appended. Names or values containing CR or LF poison the response: it won't be
// sent and a 500 is written instead.
func (r *Response) Header(key string, values ...string) *Response {
	if !kv.ValidField(key) {
		return r.invalid()
	}

	if strcomp.EqualFold(key, "content-type") && len(values) > 0 {
		return r.ContentType(values[0])
	}

	for _, value := range values {
		if !kv.ValidField(value) {
			return r.invalid()
		}

		r.fields.Headers = append(r.fields.Headers, kv.Pair{
			Key:   key,
			Value: value,
		})
	}

	return r
}

// Headers simply merges passed headers into Response.
func (r *Response) Headers(headers map[string][]string) *Response {
	resp := r

	for k, v := range headers {
		resp = resp.Header(k, v...)
	}

	return resp
}

// String sets the response's body to the passed string
func (r *Response) String(body string) *Response {
	return r.Bytes(uf.S2B(body))
}

// Bytes sets the response's body to passed slice WITHOUT COPYING. Changing
// the passed slice later will affect the response by itself
func (r *Response) Bytes(body []byte) *Response {
	r.fields.Body = body
	r.fields.Stream = nil
	return r
}

// Write implements io.Writer interface. It always returns n=len(b) and err=nil
func (r *Response) Write(b []byte) (n int, err error) {
	r.fields.Body = append(r.fields.Body, b...)
	return len(b), nil
}

// Stream sets the reader as the response's body. Size must be -1 if it isn't known in advance,
// in which case the body is transferred chunked on keep-alive connections and close-delimited
// otherwise. If the reader implements io.Closer, it'll be closed after the response is written.
func (r *Response) Stream(reader io.Reader, size int64) *Response {
	if size < 0 {
		size = -1
	}

	r.fields.Stream = reader
	r.fields.StreamSize = size
	r.fields.Body = nil
	return r
}

// TryJSON receives a model (must be a pointer to the structure) and returns a new Response
// object and an error
func (r *Response) TryJSON(model any) (*Response, error) {
	r.fields.Body = r.fields.Body[:0]
	stream := json.ConfigDefault.BorrowStream(r)
	stream.WriteVal(model)
	err := stream.Flush()
	json.ConfigDefault.ReturnStream(stream)

	return r.ContentType(mime.JSON), err
}

// JSON does the same as TryJSON does, except returned error is being implicitly wrapped
// by Error
func (r *Response) JSON(model any) *Response {
	resp, err := r.TryJSON(model)
	if err != nil {
		return r.Error(err)
	}

	return resp
}

// Error returns a response builder with an error set. If passed err is nil, nothing will happen.
// If an instance of status.HTTPError is passed, error code will be automatically set. Custom
// codes can be passed, however only first will be used. By default, the error is
// status.ErrInternalServerError
func (r *Response) Error(err error, code ...status.Code) *Response {
	if err == nil {
		return r
	}

	var httpErr status.HTTPError
	if errors.As(err, &httpErr) {
		return r.
			Code(httpErr.Code).
			ContentType(mime.Plain).
			String(httpErr.Message)
	}

	c := status.InternalServerError
	if len(code) > 0 {
		// peek the first, ignore the rest
		c = code[0]
	}

	return r.
		Code(c).
		ContentType(mime.Plain).
		String(err.Error())
}

// Upgrade switches the response to 101 Switching Protocols carrying the directive.
func (r *Response) Upgrade(upgrade *Upgrade) *Response {
	r.fields.Code = status.SwitchingProtocols
	r.fields.Upgrade = upgrade
	return r
}

// Reveal returns a struct with values, filled by builder. Used mostly in internal purposes
func (r *Response) Reveal() *response.Fields {
	return r.fields
}

// Clear discards everything was done with Response object before
func (r *Response) Clear() *Response {
	r.fields.Clear()
	return r
}

func (r *Response) invalid() *Response {
	r.fields.Err = status.ErrBadHeaderField
	return r
}

// Code is a shorthand for NewResponse().Code(...)
func Code(code status.Code) *Response {
	return NewResponse().Code(code)
}

// String is a shorthand for NewResponse().String(...)
func String(str string) *Response {
	return NewResponse().String(str)
}

// Bytes is a shorthand for NewResponse().Bytes(...)
func Bytes(b []byte) *Response {
	return NewResponse().Bytes(b)
}

// JSON is a shorthand for NewResponse().JSON(...)
func JSON(model any) *Response {
	return NewResponse().JSON(model)
}

// Error is a shorthand for NewResponse().Error(...)
func Error(err error, code ...status.Code) *Response {
	return NewResponse().Error(err, code...)
}
