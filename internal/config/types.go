package config

// Config is the on-disk configuration (JSON or YAML).
//
// Every field has a default (see Default), so an empty file is valid. Secrets
// such as the Cloudflare API token or the refresh token are never read from
// this file; they come from flags or TOKFRESH_* environment variables (see Env).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	OAuth      OAuthConfig      `json:"oauth"`
	Cloudflare CloudflareConfig `json:"cloudflare"`
	Worker     WorkerConfig     `json:"worker"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Notifier   NotifierConfig   `json:"notifier"`
	Storage    StorageConfig    `json:"storage"`
	Server     ServerConfig     `json:"server"`

	// HTTPTimeout bounds every outbound HTTP call (Go duration string).
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OAuthConfig describes the identity provider client.
//
// Defaults point at the Anthropic console public client used by the CLI.
type OAuthConfig struct {
	ClientID     string   `json:"client_id"`
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	RedirectURI  string   `json:"redirect_uri"`
	Scopes       []string `json:"scopes"`
}

// CloudflareConfig names the remote resources created in the user's account.
type CloudflareConfig struct {
	APIBase string `json:"api_base"`
	// ScriptName is the Worker script name; redeploys overwrite it.
	ScriptName string `json:"script_name"`
	// NamespaceTitle is the KV namespace looked up (or created) by title.
	NamespaceTitle    string `json:"namespace_title"`
	CompatibilityDate string `json:"compatibility_date"`
}

// WorkerConfig feeds the generated Worker source.
type WorkerConfig struct {
	MessagesURL string `json:"messages_url"`
	Model       string `json:"model"`
	MaxTokens   int    `json:"max_tokens"`
	APIVersion  string `json:"api_version"`
	BetaFlags   string `json:"beta_flags"`
	UserAgent   string `json:"user_agent"`
	// KVBinding is the variable name the KV namespace is bound to inside the Worker.
	KVBinding string `json:"kv_binding"`
}

type ScheduleConfig struct {
	// Start is the default anchor ("HH:MM", minute 00 or 30).
	Start string `json:"start"`
	// Timezone is an IANA name. Empty means detect.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls local webhook delivery (trigger/run commands).
type NotifierConfig struct {
	RatePerSec int    `json:"rate_per_sec"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig controls the deployment history / local token store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tokfresh_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ServerConfig controls the HTTP API (serve command).
type ServerConfig struct {
	Addr            string   `json:"addr"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	RatePerSec      int      `json:"rate_per_sec"`
	Burst           int      `json:"burst"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	Metrics         bool     `json:"metrics"`
	// Pprof mounts net/http/pprof under /debug. Keep Addr on loopback when set.
	Pprof bool `json:"pprof,omitempty"`
}
