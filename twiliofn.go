// Package twiliofn runs Twilio-style serverless functions from Go.
//
// A function receives a per-invocation Context (credentials, environment
// and a lazily built Twilio client) and a typed event, and returns a value
// that is rendered back to the caller:
//
//	func handler(ctx context.Context, fc *twiliofn.Context, event MyEvent) (*twiliofn.Response, error) {
//	    return twiliofn.NewResponse().SetBody(map[string]any{"ok": true}), nil
//	}
//
//	func main() {
//	    cfg, _ := twiliofn.LoadConfig(".env")
//	    srv := twiliofn.NewServer(cfg)
//	    twiliofn.Handle(srv, "/my-function", handler)
//	    srv.ListenAndServe(context.Background(), ":3000")
//	}
package twiliofn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout matches the execution limit of a Twilio Function.
const DefaultTimeout = 10 * time.Second

// Func is the signature every function implements. The returned value is
// passed through Render: *Response, Result[T], TwiML, string or any
// JSON-serializable value.
type Func[E, R any] func(ctx context.Context, fc *Context, event E) (R, error)

type options struct {
	clientFactory ClientFactory
	hooks         []Hook
	logger        *slog.Logger
	authToken     string
	timeout       time.Duration
}

// Option is a function that modifies Options.
type Option func(*options)

// WithLogger sets a custom slog logger. If not provided, DefaultLogger is
// used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClientFactory replaces the client factory derived from the
// configured credentials on every invocation Context.
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) {
		o.clientFactory = f
	}
}

// WithHook registers a lifecycle hook with the server.
func WithHook(h Hook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, h)
	}
}

// WithTimeout bounds every invocation. Non-positive values keep
// DefaultTimeout. A function still running at the deadline is answered with
// Function.Timeout; its goroutine is left to finish on its own, since calls
// such as twilio-go's CreateMessage cannot be cancelled.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSignatureValidation rejects requests whose X-Twilio-Signature does not
// match the request signed with authToken. Server and lambdahost enforce it.
func WithSignatureValidation(authToken string) Option {
	return func(o *options) {
		o.authToken = authToken
	}
}

func newOptions(opts []Option) *options {
	o := &options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = DefaultLogger()
	}
	return o
}

// Call runs fn once with panic recovery. A panic is returned as an
// *ErrorResponse carrying the stack trace.
func Call[E, R any](ctx context.Context, fc *Context, fn Func[E, R], event E) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			out = zero
			err = newPanicResponse(r)
		}
	}()

	return fn(ctx, fc, event)
}

// Invoker turns a raw parameter map into one function invocation: it builds
// the Context, decodes the event, calls the function and renders its output.
type Invoker[E, R any] struct {
	name    string
	fn      Func[E, R]
	cfg     *Config
	options *options
	observe func(context.Context, InvocationInfo)

	validator *SignatureValidator
}

// NewInvoker binds fn to cfg under the given function name.
func NewInvoker[E, R any](name string, cfg *Config, fn Func[E, R], opts ...Option) *Invoker[E, R] {
	iv := &Invoker[E, R]{
		name:    name,
		fn:      fn,
		cfg:     cfg,
		options: newOptions(opts),
	}
	if iv.options.authToken != "" {
		iv.validator = NewSignatureValidator(iv.options.authToken)
	}
	return iv
}

func (iv *Invoker[E, R]) Name() string {
	return iv.name
}

// SignatureValidator returns the validator configured with
// WithSignatureValidation, or nil when requests are not validated.
func (iv *Invoker[E, R]) SignatureValidator() *SignatureValidator {
	return iv.validator
}

// Invoke runs the function once. Failures are returned as *ErrorResponse.
func (iv *Invoker[E, R]) Invoke(ctx context.Context, requestID string, params map[string]any) (*Response, error) {
	logger := iv.options.logger.With("requestId", requestID, "function", iv.name)

	fc := iv.cfg.NewContext(requestID)
	fc.SetLogger(logger)
	if iv.options.clientFactory != nil {
		fc.SetClientFactory(iv.options.clientFactory)
	}

	ctx, cancel := context.WithTimeout(ctx, iv.options.timeout)
	defer cancel()
	ctx = NewContext(ctx, fc)

	if iv.observe != nil {
		deadline, _ := ctx.Deadline()
		iv.observe(ctx, InvocationInfo{
			RequestID: requestID,
			Function:  iv.name,
			Deadline:  deadline,
		})
	}

	event, err := decodeEvent[E](params)
	if err != nil {
		return nil, iv.fail(ctx, requestID, err)
	}

	out, err := iv.call(ctx, fc, event)
	if err != nil {
		errResp := newErrorResponse(err)
		if errors.Is(err, context.DeadlineExceeded) {
			errResp.Type = ErrorTypeTimeout
		}
		return nil, iv.fail(ctx, requestID, errResp)
	}

	resp, err := Render(out)
	if err != nil {
		return nil, iv.fail(ctx, requestID, &ErrorResponse{
			Message: fmt.Sprintf("failed to render output: %v", err),
			Type:    ErrorTypeMarshal,
			cause:   err,
		})
	}

	return resp, nil
}

type callResult[R any] struct {
	out R
	err error
}

// call runs the function on its own goroutine and stops waiting for it when
// ctx is done.
func (iv *Invoker[E, R]) call(ctx context.Context, fc *Context, event E) (R, error) {
	done := make(chan callResult[R], 1)
	go func() {
		out, err := Call(ctx, fc, iv.fn, event)
		done <- callResult[R]{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (iv *Invoker[E, R]) fail(ctx context.Context, requestID string, err error) *ErrorResponse {
	errResp := newErrorResponse(err)

	iv.options.logger.ErrorContext(
		ctx,
		"invocation error",
		"error", errResp,
		slog.Group("record",
			"requestId", requestID,
			"function", iv.name,
			"panicked", errResp.panicked(),
		),
	)

	return errResp
}

func decodeEvent[E any](params map[string]any) (E, error) {
	var event E

	raw, err := json.Marshal(params)
	if err != nil {
		return event, &ErrorResponse{
			Message: fmt.Sprintf("failed to marshal input: %v", err),
			Type:    ErrorTypeMarshal,
			cause:   err,
		}
	}

	if err := json.Unmarshal(raw, &event); err != nil {
		return event, &ErrorResponse{
			Message: fmt.Sprintf("failed to unmarshal input: %v", err),
			Type:    ErrorTypeUnmarshal,
			cause:   err,
		}
	}

	return event, nil
}
