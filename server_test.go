package twiliofn

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smsEvent struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func echoHandler(ctx context.Context, fc *Context, event smsEvent) (*Response, error) {
	return NewResponse().
		AppendHeader("Content-Type", "application/json").
		SetBody(map[string]any{"to": event.To, "body": event.Body, "requestId": fc.RequestID}), nil
}

func newTestServer(opts ...Option) *Server {
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	srv := NewServer(testConfig(), opts...)
	Handle(srv, "/echo", echoHandler)
	Handle(srv, "/voice", func(ctx context.Context, fc *Context, _ map[string]any) (TwiML, error) {
		return TwiML(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>Hi</Say></Response>`), nil
	})
	Handle(srv, "/panic", func(ctx context.Context, fc *Context, _ map[string]any) (*Response, error) {
		panic("oh no!")
	})
	return srv
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_FormPost(t *testing.T) {
	srv := newTestServer()

	form := url.Values{"To": {"+447824336224"}, "Body": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(headerRequestID, "req-form")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-form", rec.Header().Get(headerRequestID))

	body := decodeBody(t, rec)
	assert.Equal(t, "+447824336224", body["to"])
	assert.Equal(t, "hi", body["body"])
	assert.Equal(t, "req-form", body["requestId"])
}

func TestServer_JSONPost(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/echo?body=fromquery", strings.NewReader(`{"to":"+15005550006"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "+15005550006", body["to"])
	assert.Equal(t, "fromquery", body["body"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestServer_GetQuery(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/echo?to=%2B15005550006", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+15005550006", decodeBody(t, rec)["to"])
}

func TestServer_TwiML(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Hi</Say></Response>`, rec.Body.String())
}

func TestServer_Panic(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "oh no!", errResp.Message)
	assert.Equal(t, "Function.Panic.string", errResp.Type)
	assert.NotEmpty(t, errResp.StackTrace)
}

func TestServer_InvalidJSON(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, ErrorTypeUnmarshal, errResp.Type)
}

func TestServer_UndecodableEvent(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/echo?to=a&to=b", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodDelete, "/echo", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestServer_NotFound(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// twilioSignature signs a request the way Twilio does: HMAC-SHA1 over the
// URL followed by key+value for every key in order and every distinct value
// of that key in order.
func twilioSignature(authToken, rawURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		values := append([]string(nil), form[k]...)
		sort.Strings(values)
		for i, v := range values {
			if i > 0 && values[i-1] == v {
				continue
			}
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestServer_SignatureValidation(t *testing.T) {
	const authToken = "12345"
	srv := newTestServer(WithSignatureValidation(authToken))

	form := url.Values{"To": {"+447824336224"}, "From": {"+15005550006"}}

	tests := []struct {
		name       string
		signature  string
		wantStatus int
	}{
		{
			name:       "valid signature",
			signature:  twilioSignature(authToken, "http://example.com/echo", form),
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong signature",
			signature:  twilioSignature("other-token", "http://example.com/echo", form),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing signature",
			signature:  "",
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "http://example.com/echo", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.signature != "" {
				req.Header.Set(HeaderTwilioSignature, tt.signature)
			}
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusForbidden {
				var errResp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
				assert.Equal(t, ErrorTypeForbidden, errResp.Type)
			}
		})
	}
}

func bodySHA256(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func TestServer_SignatureValidation_JSON(t *testing.T) {
	const authToken = "12345"
	srv := newTestServer(WithSignatureValidation(authToken))

	signedBody := `{"to":"+447824336224","body":"hi"}`
	signedURL := "http://example.com/echo?bodySHA256=" + bodySHA256(signedBody)

	tests := []struct {
		name       string
		url        string
		body       string
		wantStatus int
	}{
		{
			name:       "signed body",
			url:        signedURL,
			body:       signedBody,
			wantStatus: http.StatusOK,
		},
		{
			name:       "tampered body",
			url:        signedURL,
			body:       `{"to":"+19999999999","body":"attacker"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no body hash in url",
			url:        "http://example.com/echo",
			body:       signedBody,
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.url, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(HeaderTwilioSignature, twilioSignature(authToken, tt.url, nil))
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "+447824336224", decodeBody(t, rec)["to"])
			}
		})
	}
}

func TestServer_SignatureValidation_RepeatedKeys(t *testing.T) {
	const authToken = "12345"
	srv := newTestServer(WithSignatureValidation(authToken))

	form := url.Values{
		"To":       {"+447824336224"},
		"MediaUrl": {"https://example.com/b.png", "https://example.com/a.png"},
	}
	req := httptest.NewRequest(http.MethodPost, "http://example.com/echo", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderTwilioSignature, twilioSignature(authToken, "http://example.com/echo", form))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/echo?a=1", nil)
	assert.Equal(t, "http://example.com/echo?a=1", requestURL(req))

	req.Header.Set(headerForwardedProto, "https")
	assert.Equal(t, "https://example.com/echo?a=1", requestURL(req))
}

func TestServer_Serve_Hooks(t *testing.T) {
	var mu sync.Mutex
	var initCalled, shutdownCalled bool
	var invoked []InvocationInfo
	invokedCh := make(chan struct{}, 1)

	srv := newTestServer(WithHook(Hook{
		Name: "recorder",
		OnInit: func() error {
			mu.Lock()
			defer mu.Unlock()
			initCalled = true
			return nil
		},
		OnInvoke: func(ctx context.Context, info InvocationInfo) {
			mu.Lock()
			invoked = append(invoked, info)
			mu.Unlock()
			invokedCh <- struct{}{}
		},
		OnShutdown: func(ctx context.Context) {
			mu.Lock()
			defer mu.Unlock()
			shutdownCalled = true
		},
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/echo?to=%2B15005550006")
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-invokedCh:
	case <-time.After(time.Second):
		t.Fatal("expected OnInvoke to be called")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, initCalled)
	assert.True(t, shutdownCalled)
	require.Len(t, invoked, 1)
	assert.Equal(t, "echo", invoked[0].Function)
	assert.NotEmpty(t, invoked[0].RequestID)
}

func TestServer_Serve_InitError(t *testing.T) {
	srv := newTestServer(
		WithHook(Hook{
			Name:     "ok",
			OnInvoke: func(ctx context.Context, info InvocationInfo) {},
		}),
		WithHook(Hook{
			Name: "broken",
			OnInit: func() error {
				return &ErrorResponse{Message: "init failed", Type: "HookError"}
			},
		}),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = srv.Serve(context.Background(), ln)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook broken init failed")

	// The event loop of the hook initialized before the failure has exited.
	stopped := make(chan struct{})
	go func() {
		srv.hooks.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hook event loop still running after init failure")
	}
}
