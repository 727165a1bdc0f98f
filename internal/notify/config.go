// Package notify delivers short status messages to Slack or Discord incoming
// webhooks, and owns the NOTIFICATION_CONFIG format shared with the Worker.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Channel string

const (
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
)

var ErrInvalidConfig = errors.New("invalid notification config")

// Config is a notification preference. It is stored as JSON in the
// NOTIFICATION_CONFIG Worker secret, so the field names are part of the
// Worker contract.
type Config struct {
	Channel    Channel `json:"channel"`
	WebhookURL string  `json:"webhookUrl"`
	// FailureOnly suppresses success messages and reports failures instead.
	FailureOnly bool `json:"failureOnly,omitempty"`
}

// ParseChannel accepts "slack", "discord" and "none" (or empty).
func ParseChannel(s string) (Channel, bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return "", false, nil
	case string(ChannelSlack):
		return ChannelSlack, true, nil
	case string(ChannelDiscord):
		return ChannelDiscord, true, nil
	default:
		return "", false, fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, s)
	}
}

func (c Config) Validate() error {
	if c.Channel != ChannelSlack && c.Channel != ChannelDiscord {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, c.Channel)
	}
	u, err := url.Parse(strings.TrimSpace(c.WebhookURL))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: webhook url must be an absolute http(s) url", ErrInvalidConfig)
	}
	return nil
}

// Encode renders the NOTIFICATION_CONFIG secret value.
func (c Config) Encode() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a NOTIFICATION_CONFIG value.
func Decode(raw string) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ShouldNotify reports whether an outcome is worth a message under c.
func (c Config) ShouldNotify(success bool) bool {
	if c.FailureOnly {
		return !success
	}
	return success
}

// Message is the text sent for one keep-alive outcome. at is rendered in loc.
func Message(success bool, at time.Time, loc *time.Location, cause error) string {
	if loc == nil {
		loc = time.UTC
	}
	stamp := at.In(loc).Format("1/2/2006, 3:04:05 PM MST")
	if success {
		return "TokFresh: Token timer triggered at " + stamp
	}
	msg := "TokFresh: Token timer failed at " + stamp
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return msg
}

// payload builds the channel-specific JSON body.
func payload(ch Channel, text string) any {
	if ch == ChannelDiscord {
		return map[string]string{"content": text}
	}
	return map[string]string{"text": text}
}
