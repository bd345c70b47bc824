package twiliofn

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Variable names used by the Twilio serverless scaffolding. They are read
// when the canonical names above are unset.
const (
	envAccountSID = "ACCOUNT_SID"
	envAuthToken  = "AUTH_TOKEN"
	envTwilioSID  = "TWILIO_SID"
)

// Config is the deployment-wide configuration every invocation Context is
// derived from.
type Config struct {
	AccountSID string
	APIKey     string
	APISecret  string

	// Env is copied into each invocation Context.
	Env map[string]string
}

// LoadConfig reads the function environment from the process environment
// and, when envFile is non-empty, from a dotenv file. Process variables take
// precedence over the file.
func LoadConfig(envFile string) (*Config, error) {
	env := map[string]string{}

	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	for k := range env {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for _, k := range []string{
		EnvOutboundPhoneNumber, EnvAPIKey, EnvAPISecret, EnvTwilioAccountSID,
		envAccountSID, envAuthToken, envTwilioSID,
	} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	return NewConfig(env), nil
}

// NewConfig builds a Config from an environment map, resolving credentials
// from their canonical names first and the scaffolding names second.
func NewConfig(env map[string]string) *Config {
	cfg := &Config{Env: make(map[string]string, len(env))}
	for k, v := range env {
		cfg.Env[k] = v
	}

	cfg.APIKey = firstNonEmpty(env[EnvAPIKey], env[envAccountSID])
	cfg.APISecret = firstNonEmpty(env[EnvAPISecret], env[envAuthToken])
	cfg.AccountSID = firstNonEmpty(env[EnvTwilioAccountSID], env[envTwilioSID], env[envAccountSID])

	return cfg
}

// NewContext builds a fresh invocation Context. When the configuration
// carries all credentials, the context gets a twilio-go REST client factory.
func (c *Config) NewContext(requestID string) *Context {
	fc := &Context{
		AccountSID: c.AccountSID,
		APIKey:     c.APIKey,
		APISecret:  c.APISecret,
		RequestID:  requestID,
		Env:        make(map[string]string, len(c.Env)),
	}
	for k, v := range c.Env {
		fc.Env[k] = v
	}

	if fc.HasCredentials() {
		fc.SetClientFactory(RestClientFactory(fc.APIKey, fc.APISecret, fc.AccountSID))
	}

	return fc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
