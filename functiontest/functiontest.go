// Package functiontest provides the pieces a hosting platform would inject
// into a function, so functions can be called directly from tests.
//
//	fc := &twiliofn.Context{APIKey: "SK...", APISecret: "...", AccountSID: "AC...",
//	    Env: map[string]string{twiliofn.EnvOutboundPhoneNumber: "+15005550006"}}
//	rt := functiontest.Setup(fc, functiontest.WithClient(functiontest.NewStubClient()))
//	defer rt.Teardown()
//
//	result, err := functions.OutboundMessage(ctx, fc, functions.OutboundEvent{To: "+447824336224"})
package functiontest

import (
	"sync"

	"github.com/hotsock/twiliofn"
)

type options struct {
	factory twiliofn.ClientFactory
}

// Option configures Setup.
type Option func(*options)

// WithClient makes the installed client factory hand out c instead of a
// real twilio-go REST client.
func WithClient(c twiliofn.MessageCreator) Option {
	return func(o *options) {
		o.factory = twiliofn.StaticClient(c)
	}
}

// Runtime is the state installed by Setup on one Context. It is not shared
// between contexts, so tests using separate contexts may run in parallel.
type Runtime struct {
	mu        sync.Mutex
	fc        *twiliofn.Context
	installed bool
	// attached records whether Setup gave fc a client factory.
	attached bool
}

// Setup installs the runtime on fc. When fc carries an API key, API secret
// and account SID, a client factory bound to those credentials is attached;
// otherwise fc is left without a client and TwilioClient reports
// twiliofn.ErrNoClient.
func Setup(fc *twiliofn.Context, opts ...Option) *Runtime {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	rt := &Runtime{fc: fc, installed: true}
	if fc.HasCredentials() {
		factory := o.factory
		if factory == nil {
			factory = twiliofn.RestClientFactory(fc.APIKey, fc.APISecret, fc.AccountSID)
		}
		fc.SetClientFactory(factory)
		rt.attached = true
	}

	return rt
}

// Teardown removes everything Setup installed and nothing else: a client
// factory the caller attached before Setup survives. Calling it more than
// once is a no-op.
func (r *Runtime) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.installed {
		return
	}
	if r.attached {
		r.fc.SetClientFactory(nil)
		r.attached = false
	}
	r.installed = false
}

func (r *Runtime) Installed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed
}

// Context returns the context the runtime was installed on.
func (r *Runtime) Context() *twiliofn.Context {
	return r.fc
}

// NewResponse builds an empty response, as the platform's Response
// constructor would.
func (r *Runtime) NewResponse() *twiliofn.Response {
	return twiliofn.NewResponse()
}
