package config

import "strings"

const (
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultRedirectURI  = "https://console.anthropic.com/oauth/code/callback"

	DefaultCloudflareAPI     = "https://api.cloudflare.com/client/v4"
	DefaultScriptName        = "tokfresh-scheduler"
	DefaultNamespaceTitle    = "tokfresh-token-store"
	DefaultCompatibilityDate = "2024-01-01"

	DefaultMessagesURL = "https://api.anthropic.com/v1/messages?beta=true"
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultAPIVersion  = "2023-06-01"
	DefaultBetaFlags   = "oauth-2025-04-20,interleaved-thinking-2025-05-14"
	DefaultUserAgent   = "claude-cli/2.1.2 (external, cli)"
	DefaultKVBinding   = "TOKEN_STORE"

	DefaultStart    = "06:00"
	DefaultTimezone = "Asia/Seoul"
)

var DefaultScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Default returns a config with every field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
		c.Logging.Console = true
	}

	o := &c.OAuth
	setDefault(&o.ClientID, DefaultClientID)
	setDefault(&o.AuthorizeURL, DefaultAuthorizeURL)
	setDefault(&o.TokenURL, DefaultTokenURL)
	setDefault(&o.RedirectURI, DefaultRedirectURI)
	if len(o.Scopes) == 0 {
		o.Scopes = append([]string(nil), DefaultScopes...)
	}

	cf := &c.Cloudflare
	setDefault(&cf.APIBase, DefaultCloudflareAPI)
	setDefault(&cf.ScriptName, DefaultScriptName)
	setDefault(&cf.NamespaceTitle, DefaultNamespaceTitle)
	setDefault(&cf.CompatibilityDate, DefaultCompatibilityDate)

	w := &c.Worker
	setDefault(&w.MessagesURL, DefaultMessagesURL)
	setDefault(&w.Model, DefaultModel)
	setDefault(&w.APIVersion, DefaultAPIVersion)
	setDefault(&w.BetaFlags, DefaultBetaFlags)
	setDefault(&w.UserAgent, DefaultUserAgent)
	setDefault(&w.KVBinding, DefaultKVBinding)
	if w.MaxTokens <= 0 {
		w.MaxTokens = 10
	}

	setDefault(&c.Schedule.Start, DefaultStart)

	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 1
	}
	setDefault(&c.Notifier.Timeout, "10s")

	setDefault(&c.Storage.Driver, "none")

	s := &c.Server
	setDefault(&s.Addr, "127.0.0.1:8787")
	if s.RatePerSec <= 0 {
		s.RatePerSec = 5
	}
	if s.Burst <= 0 {
		s.Burst = 10
	}
	setDefault(&s.ShutdownTimeout, "10s")

	setDefault(&c.HTTPTimeout, "30s")
}

func setDefault(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}
