package twiliofn

import (
	"encoding/json"
	"fmt"
)

// Renderer is implemented by handler outputs that know how to turn
// themselves into a Response.
type Renderer interface {
	Render() (*Response, error)
}

// TwiML is a rendered TwiML document. The transport writes it with a
// text/xml content type.
type TwiML string

func (t TwiML) String() string {
	return string(t)
}

// Result is the outcome of a function that calls an external service:
// either Ok with a payload or Err with the reason the call failed. A failed
// call is still a completed invocation; the failure travels in the body.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful payload.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Err wraps a failure. A nil err is reported as an unknown failure.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = errUnknownFailure
	}
	return Result[T]{err: err}
}

func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Unwrap returns the payload and the failure reason.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}

const (
	resultKeySuccess = "success"
	// The failure key is part of the public wire contract.
	resultKeyError = "errore"
)

// Render encodes the result as a JSON envelope. Ok merges the payload's
// JSON fields next to "success": true; Err reports "success": false and the
// error text under "errore". Both variants use status 200.
func (r Result[T]) Render() (*Response, error) {
	resp := NewResponse()
	resp.AppendHeader(headerContentType, contentTypeJSON)

	if r.err != nil {
		resp.SetBody(map[string]any{
			resultKeySuccess: false,
			resultKeyError:   r.err.Error(),
		})
		return resp, nil
	}

	body, err := payloadFields(r.value)
	if err != nil {
		return nil, err
	}
	body[resultKeySuccess] = true
	resp.SetBody(body)

	return resp, nil
}

func payloadFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result payload: %w", err)
	}

	fields := map[string]any{}
	if string(raw) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("result payload must encode as a JSON object: %w", err)
	}
	return fields, nil
}

// Render converts any handler output into a Response.
func Render(out any) (*Response, error) {
	switch v := out.(type) {
	case nil:
		return NewResponse(), nil
	case *Response:
		if v == nil {
			return NewResponse(), nil
		}
		return v, nil
	case Response:
		return &v, nil
	case Renderer:
		return v.Render()
	case TwiML:
		return NewResponse().SetBody(v).AppendHeader(headerContentType, contentTypeXML), nil
	case string:
		return NewResponse().SetBody(v), nil
	default:
		return NewResponse().SetBody(v).AppendHeader(headerContentType, contentTypeJSON), nil
	}
}
