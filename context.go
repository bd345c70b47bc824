package twiliofn

import (
	"context"
	"log/slog"
	"sync"
)

const (
	EnvOutboundPhoneNumber = "OUTBOUND_PHONE_NUMBER"
	EnvAPIKey              = "API_KEY"
	EnvAPISecret           = "API_SECRET"
	EnvTwilioAccountSID    = "TWILIO_ACCOUNT_SID"
)

// Context is the per-invocation bundle a function receives: credentials,
// the function environment and the capability to build a Twilio client.
type Context struct {
	// AccountSID is the Twilio account the client acts on behalf of.
	AccountSID string

	// APIKey and APISecret authenticate the REST client.
	APIKey    string
	APISecret string

	// RequestID identifies the invocation.
	RequestID string

	// Env holds the function environment, e.g. OUTBOUND_PHONE_NUMBER.
	Env map[string]string

	logger *slog.Logger

	mu        sync.Mutex
	factory   ClientFactory
	client    MessageCreator
	clientErr error
	built     bool
}

// HasCredentials reports whether all three credential fields are set.
func (c *Context) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != "" && c.AccountSID != ""
}

// Getenv returns the value of an environment variable of the function.
func (c *Context) Getenv(key string) string {
	return c.Env[key]
}

func (c *Context) OutboundPhoneNumber() string {
	return c.Getenv(EnvOutboundPhoneNumber)
}

// Logger returns the invocation logger, falling back to slog.Default.
func (c *Context) Logger() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

func (c *Context) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetClientFactory attaches the client capability and drops any client
// built by a previous factory. A nil factory detaches the capability.
func (c *Context) SetClientFactory(f ClientFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.factory = f
	c.client = nil
	c.clientErr = nil
	c.built = false
}

// HasClient reports whether a client factory is attached.
func (c *Context) HasClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factory != nil
}

// TwilioClient returns the client for this context, building it on first
// use. The factory runs at most once per attached factory.
func (c *Context) TwilioClient() (MessageCreator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.factory == nil {
		return nil, ErrNoClient
	}
	if !c.built {
		c.client, c.clientErr = c.factory()
		c.built = true
	}
	return c.client, c.clientErr
}

type contextKey struct{}

var functionContextKey = &contextKey{}

// NewContext returns a new context with the function Context attached
func NewContext(parent context.Context, fc *Context) context.Context {
	return context.WithValue(parent, functionContextKey, fc)
}

// FromContext extracts the function Context from ctx, if present
func FromContext(ctx context.Context) (*Context, bool) {
	fc, ok := ctx.Value(functionContextKey).(*Context)
	return fc, ok
}
