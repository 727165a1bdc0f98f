package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables holding secrets. They are never written to the config
// file and never logged.
const (
	EnvAPIToken     = "TOKFRESH_CF_API_TOKEN"
	EnvAccountID    = "TOKFRESH_CF_ACCOUNT_ID"
	EnvRefreshToken = "TOKFRESH_REFRESH_TOKEN"
	EnvWebhookURL   = "TOKFRESH_WEBHOOK_URL"
	EnvTimezone     = "TOKFRESH_TIMEZONE"
)

// Env is the secret/override material taken from the process environment.
type Env struct {
	APIToken     string
	AccountID    string
	RefreshToken string
	WebhookURL   string
	Timezone     string
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ReadEnv snapshots the TOKFRESH_* variables.
func ReadEnv() Env {
	return Env{
		APIToken:     strings.TrimSpace(os.Getenv(EnvAPIToken)),
		AccountID:    strings.TrimSpace(os.Getenv(EnvAccountID)),
		RefreshToken: strings.TrimSpace(os.Getenv(EnvRefreshToken)),
		WebhookURL:   strings.TrimSpace(os.Getenv(EnvWebhookURL)),
		Timezone:     strings.TrimSpace(os.Getenv(EnvTimezone)),
	}
}

// Or returns v when non-empty, otherwise fallback.
func Or(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
