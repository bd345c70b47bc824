package twiliofn

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
)

var (
	// ErrNoClient is returned by Context.TwilioClient when no client factory
	// is attached, usually because credentials were not configured.
	ErrNoClient = errors.New("twiliofn: no Twilio client configured for this context")

	// ErrMissingOutboundNumber is returned when OUTBOUND_PHONE_NUMBER is unset.
	ErrMissingOutboundNumber = errors.New("twiliofn: " + EnvOutboundPhoneNumber + " is not set")

	errUnknownFailure  = errors.New("unknown failure")
	errHandlerPanicked = errors.New("handler panicked")
)

// Values of ErrorResponse.Type produced by the runtime itself. Handler
// errors are typed Function.<TypeName>.
const (
	ErrorTypePrefix       = "Function."
	ErrorTypeHandlerError = ErrorTypePrefix + "HandlerError"
	ErrorTypeUnknown      = ErrorTypePrefix + "Unknown"
	ErrorTypePanic        = ErrorTypePrefix + "Panic"
	ErrorTypeUnmarshal    = ErrorTypePrefix + "UnmarshalError"
	ErrorTypeMarshal      = ErrorTypePrefix + "MarshalError"
	ErrorTypeTimeout      = ErrorTypePrefix + "Timeout"
	ErrorTypeForbidden    = ErrorTypePrefix + "Forbidden"
)

// ErrorResponse is the body written back when an invocation fails outright:
// the handler returned an error, panicked or its input could not be decoded.
type ErrorResponse struct {
	Type       string       `json:"errorType"`
	Message    string       `json:"errorMessage"`
	StackTrace []StackFrame `json:"stackTrace,omitempty"`

	cause error
}

// Error implements the error interface for ErrorResponse
func (e *ErrorResponse) Error() string {
	return e.Message
}

func (e *ErrorResponse) Unwrap() error {
	return e.cause
}

// LogValue implements the slog.LogValuer interface for structured logging
func (e *ErrorResponse) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("errorType", e.Type),
		slog.String("errorMessage", e.Message),
	}

	if len(e.StackTrace) > 0 {
		frameValues := make([]any, len(e.StackTrace))
		for i, frame := range e.StackTrace {
			frameValues[i] = map[string]any{
				"path":  frame.Path,
				"line":  frame.Line,
				"label": frame.Label,
			}
		}
		attrs = append(attrs, slog.Any("stackTrace", frameValues))
	}

	return slog.GroupValue(attrs...)
}

func (e *ErrorResponse) panicked() bool {
	return len(e.StackTrace) > 0
}

// StackFrame represents a single frame in a stack trace
type StackFrame struct {
	Path  string `json:"path"`
	Line  int    `json:"line"`
	Label string `json:"label"`
}

func newErrorResponse(err error) *ErrorResponse {
	var errResp *ErrorResponse
	if errors.As(err, &errResp) {
		return errResp
	}

	return &ErrorResponse{
		Message: err.Error(),
		Type:    getErrorType(err),
		cause:   err,
	}
}

// getErrorType names an error as Function.<TypeName>, falling back to
// Function.HandlerError for anonymous and stdlib wrapper types.
func getErrorType(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}

	t := reflect.TypeOf(err)
	typeName := t.Name()
	if t.Kind() == reflect.Pointer {
		typeName = t.Elem().Name()
	}

	switch {
	case typeName == "":
		return ErrorTypeHandlerError
	case typeName == "errorString" || typeName == "joinError":
		return ErrorTypeHandlerError
	case strings.Contains(typeName, "wrap"):
		return ErrorTypeHandlerError
	}
	return ErrorTypePrefix + typeName
}

func newPanicResponse(panicValue any) *ErrorResponse {
	resp := &ErrorResponse{
		Message:    fmt.Sprintf("%v", panicValue),
		Type:       getPanicType(panicValue),
		StackTrace: captureStackTrace(),
		cause:      errHandlerPanicked,
	}
	if err, ok := panicValue.(error); ok {
		resp.cause = fmt.Errorf("%w: %w", errHandlerPanicked, err)
	}
	return resp
}

func getPanicType(panicValue any) string {
	if panicValue == nil {
		return ErrorTypePanic
	}

	t := reflect.TypeOf(panicValue)
	typeName := t.Name()
	if t.Kind() == reflect.Pointer && t.Elem().Name() != "" {
		typeName = t.Elem().Name()
	}
	if typeName != "" {
		return ErrorTypePanic + "." + typeName
	}

	typeStr := fmt.Sprintf("%T", panicValue)
	if idx := strings.LastIndex(typeStr, "."); idx >= 0 {
		typeStr = typeStr[idx+1:]
	}
	if typeStr != "" {
		return ErrorTypePanic + "." + typeStr
	}

	return ErrorTypePanic
}

// captureStackTrace captures the current stack trace, skipping the frames
// of the recovery machinery itself.
func captureStackTrace() []StackFrame {
	const maxFrames = 32
	const framesToSkip = 4 // captureStackTrace -> newPanicResponse -> recover -> handler

	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(framesToSkip, pcs)
	if n == 0 {
		return []StackFrame{}
	}

	frames := runtime.CallersFrames(pcs[:n])
	var stackFrames []StackFrame

	for {
		frame, more := frames.Next()
		stackFrames = append(stackFrames, formatFrame(frame))
		if !more {
			break
		}
	}

	return stackFrames
}

func formatFrame(frame runtime.Frame) StackFrame {
	path := frame.File
	label := frame.Function

	// Keep as many trailing path components as the function has package
	// path segments.
	slashCount := strings.Count(label, "/")
	if slashCount > 0 {
		parts := strings.Split(path, "/")
		if len(parts) > slashCount+1 {
			path = strings.Join(parts[len(parts)-slashCount-1:], "/")
		}
	}

	if idx := strings.LastIndex(label, "/"); idx >= 0 {
		label = label[idx+1:]
	}
	if idx := strings.Index(label, "."); idx >= 0 {
		label = label[idx+1:]
	}

	return StackFrame{
		Path:  path,
		Line:  frame.Line,
		Label: label,
	}
}
