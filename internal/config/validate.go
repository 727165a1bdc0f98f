package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the config after defaults have been applied.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	for path, raw := range map[string]string{
		"oauth.authorize_url": c.OAuth.AuthorizeURL,
		"oauth.token_url":     c.OAuth.TokenURL,
		"oauth.redirect_uri":  c.OAuth.RedirectURI,
		"cloudflare.api_base": c.Cloudflare.APIBase,
		"worker.messages_url": c.Worker.MessagesURL,
	} {
		if err := checkURL(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"http_timeout":            c.HTTPTimeout,
		"notifier.timeout":        c.Notifier.Timeout,
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// ParseDuration parses a Go duration string config field. Empty means 0.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns the parsed field or def when it is empty, zero or invalid.
// Call Validate first to surface invalid values.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: expected http(s) URL, got %q", path, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", path, raw)
	}
	return nil
}
