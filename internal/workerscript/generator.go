// Package workerscript renders the module Worker that performs the keep-alive
// on the remote scheduler.
package workerscript

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// TokenKey is the KV key holding the current refresh token.
const TokenKey = "refresh_token"

var ErrInvalidOptions = errors.New("invalid worker options")

//go:embed worker.js.tmpl
var workerTemplate string

var tmpl = template.Must(template.New("worker.js").Funcs(template.FuncMap{
	"q": jsString,
}).Parse(workerTemplate))

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Options are the values baked into the Worker source.
type Options struct {
	ClientID    string
	TokenURL    string
	MessagesURL string
	Model       string
	MaxTokens   int
	APIVersion  string
	BetaFlags   string
	UserAgent   string
	// KVBinding must match the binding name used when uploading the script.
	KVBinding string
}

type Generator struct {
	opts Options
}

func New(opts Options) (*Generator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Generator{opts: opts}, nil
}

func (o Options) validate() error {
	required := map[string]string{
		"client id":    o.ClientID,
		"token url":    o.TokenURL,
		"messages url": o.MessagesURL,
		"model":        o.Model,
		"api version":  o.APIVersion,
		"user agent":   o.UserAgent,
	}
	var errs []error
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalidOptions, name))
		}
	}
	if o.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("%w: max tokens must be positive", ErrInvalidOptions))
	}
	if !identRe.MatchString(o.KVBinding) {
		errs = append(errs, fmt.Errorf("%w: kv binding %q is not a valid identifier", ErrInvalidOptions, o.KVBinding))
	}
	return errors.Join(errs...)
}

// KVBinding is the binding name the source expects.
func (g *Generator) KVBinding() string { return g.opts.KVBinding }

// Source renders the Worker module.
func (g *Generator) Source() (string, error) {
	data := struct {
		Options
		TokenKey string
	}{Options: g.opts, TokenKey: TokenKey}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render worker: %w", err)
	}
	return buf.String(), nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
