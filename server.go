package twiliofn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/google/uuid"
)

const (
	headerRequestID      = "X-Request-Id"
	headerForwardedProto = "X-Forwarded-Proto"

	maxRequestBodyBytes = 1 << 20

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server hosts functions over HTTP the way Twilio invokes them: webhooks
// posting urlencoded forms, or plain GET requests with query parameters.
type Server struct {
	mux       *http.ServeMux
	cfg       *Config
	opts      []Option
	options   *options
	hooks     *hookManager
	validator *SignatureValidator
}

// NewServer creates a server whose functions share cfg and opts.
func NewServer(cfg *Config, opts ...Option) *Server {
	o := newOptions(opts)
	// Functions share the server's resolved logger.
	opts = append(opts[:len(opts):len(opts)], WithLogger(o.logger))

	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		opts:    opts,
		options: o,
		hooks:   newHookManager(o.hooks, o.logger),
	}

	if o.authToken != "" {
		s.validator = NewSignatureValidator(o.authToken)
	}

	return s
}

// Handle registers fn at path. The function name reported to hooks and
// logs is the path without its leading slash.
func Handle[E, R any](s *Server, path string, fn Func[E, R]) {
	iv := NewInvoker(strings.TrimPrefix(path, "/"), s.cfg, fn, s.opts...)
	iv.observe = s.hooks.dispatch
	s.mux.Handle(path, s.handler(iv.Invoke))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type invokeFunc func(ctx context.Context, requestID string, params map[string]any) (*Response, error)

func (s *Server) handler(invoke invokeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			s.writeError(w, r, http.StatusMethodNotAllowed, &ErrorResponse{
				Message: fmt.Sprintf("method %s not allowed", r.Method),
				Type:    ErrorTypeHandlerError,
			})
			return
		}

		params, rawJSON, err := requestParams(w, r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, &ErrorResponse{
				Message: fmt.Sprintf("failed to parse request: %v", err),
				Type:    ErrorTypeUnmarshal,
				cause:   err,
			})
			return
		}

		if s.validator != nil && !s.validSignature(r, rawJSON) {
			s.writeError(w, r, http.StatusForbidden, &ErrorResponse{
				Message: "invalid Twilio signature",
				Type:    ErrorTypeForbidden,
			})
			return
		}

		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		resp, err := invoke(r.Context(), requestID, params)
		if err != nil {
			errResp := newErrorResponse(err)
			status := http.StatusInternalServerError
			switch errResp.Type {
			case ErrorTypeUnmarshal:
				status = http.StatusBadRequest
			case ErrorTypeTimeout:
				status = http.StatusGatewayTimeout
			}
			s.writeError(w, r, status, errResp)
			return
		}

		s.writeResponse(w, r, resp)
	})
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	contentType, payload, err := resp.Encode()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, &ErrorResponse{
			Message: err.Error(),
			Type:    ErrorTypeMarshal,
			cause:   err,
		})
		return
	}

	for k, v := range resp.Headers() {
		w.Header().Set(k, v)
	}
	w.Header().Set(headerContentType, contentType)
	w.WriteHeader(resp.StatusCode())

	if _, err := w.Write(payload); err != nil {
		s.options.logger.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, errResp *ErrorResponse) {
	errorJSON, err := json.Marshal(errResp)
	if err != nil {
		errorJSON = fmt.Appendf(nil, `{"errorMessage":"failed to marshal error: %s","errorType":"%s"}`, err.Error(), ErrorTypeMarshal)
	}

	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)

	if _, err := w.Write(errorJSON); err != nil {
		s.options.logger.ErrorContext(r.Context(), "failed to write error response", "error", err)
	}
}

// validSignature checks X-Twilio-Signature against the public URL of the
// request and either its form parameters or its raw JSON body.
func (s *Server) validSignature(r *http.Request, rawJSON []byte) bool {
	signature := r.Header.Get(HeaderTwilioSignature)
	if rawJSON != nil {
		return s.validator.ValidateJSON(requestURL(r), rawJSON, signature)
	}
	return s.validator.ValidateForm(requestURL(r), r.PostForm, signature)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get(headerForwardedProto); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// requestParams merges the query string with the urlencoded form or JSON
// object in the body. Body values win over query values. A JSON body is also
// returned as read, for signature validation.
func requestParams(w http.ResponseWriter, r *http.Request) (map[string]any, []byte, error) {
	params := map[string]any{}
	addValues(params, r.URL.Query())

	if r.Body == nil || r.Method == http.MethodGet {
		return params, nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	mediaType := ""
	if ct := r.Header.Get(headerContentType); ct != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid content type: %w", err)
		}
	}

	if mediaType == contentTypeJSON {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read body: %w", err)
		}

		body := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range body {
			params[k] = v
		}
		return params, raw, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, nil, err
	}
	addValues(params, r.PostForm)

	return params, nil, nil
}

func addValues(params map[string]any, values url.Values) {
	for k, v := range values {
		switch len(v) {
		case 0:
		case 1:
			params[k] = v[0]
		default:
			params[k] = append([]string(nil), v...)
		}
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs hooks' OnInit, serves on ln until ctx is done, then shuts the
// HTTP server down gracefully and runs hooks' OnShutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.hooks.start(); err != nil {
		ln.Close()
		return err
	}
	defer s.hooks.shutdown()

	srv := &http.Server{
		Handler:           gziphandler.GzipHandler(s),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.options.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.options.logger.InfoContext(ctx, "serving functions", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
