package twiliofn

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	headerContentType = "Content-Type"

	contentTypeJSON = "application/json"
	contentTypeXML  = "text/xml"
	contentTypeText = "text/plain; charset=utf-8"
)

// Response is the value a function hands back to its caller. It mirrors the
// Response object of the Twilio Functions runtime: a body, a set of headers
// and a status code.
type Response struct {
	body       any
	headers    map[string]string
	statusCode int
}

// NewResponse returns a Response with an empty body, no headers and status 200.
func NewResponse() *Response {
	return &Response{
		body:       map[string]any{},
		headers:    map[string]string{},
		statusCode: http.StatusOK,
	}
}

// SetBody replaces the response body. Maps and structs are encoded as JSON,
// strings and byte slices are written as they are.
func (r *Response) SetBody(body any) *Response {
	r.body = body
	return r
}

// SetStatusCode sets the HTTP status code.
func (r *Response) SetStatusCode(code int) *Response {
	r.statusCode = code
	return r
}

// AppendHeader sets a header, replacing any previous value for key.
func (r *Response) AppendHeader(key, value string) *Response {
	r.headers[key] = value
	return r
}

func (r *Response) Body() any {
	return r.body
}

// Headers returns a copy of the response headers.
func (r *Response) Headers() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

func (r *Response) Header(key string) string {
	return r.headers[key]
}

func (r *Response) StatusCode() int {
	return r.statusCode
}

// Encode serializes the body and resolves the content type. An explicit
// Content-Type header always wins over the inferred one.
func (r *Response) Encode() (contentType string, payload []byte, err error) {
	switch b := r.body.(type) {
	case nil:
		contentType = contentTypeText
	case string:
		contentType, payload = contentTypeText, []byte(b)
	case []byte:
		contentType, payload = contentTypeText, b
	case TwiML:
		contentType, payload = contentTypeXML, []byte(b)
	default:
		payload, err = json.Marshal(b)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal response body: %w", err)
		}
		contentType = contentTypeJSON
	}

	if ct := r.headers[headerContentType]; ct != "" {
		contentType = ct
	}

	return contentType, payload, nil
}
