package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// fakeProvider is a conformant PKCE provider: it remembers the challenge
// from the authorization URL and only accepts a verifier that hashes to it.
type fakeProvider struct {
	mu        sync.Mutex
	challenge string
	calls     int
	lastGrant map[string]string
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var grant map[string]string
	if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	p.lastGrant = grant

	switch grant["grant_type"] {
	case "authorization_code":
		sum := sha256.Sum256([]byte(grant["code_verifier"]))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != p.challenge {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
	case "refresh_token":
		if grant["refresh_token"] != "rt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_refresh"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2"}`))
	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
	}
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		ClientID:     "client-1",
		AuthorizeURL: "https://auth.example.com/oauth/authorize",
		TokenURL:     srv.URL + "/v1/oauth/token",
		RedirectURI:  "https://auth.example.com/callback",
		Scopes:       []string{"user:profile", "user:inference"},
	}, WithHTTPClient(srv.Client()))
	return c, srv
}

func TestAuthorizationRequest(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.NotFoundHandler())
	c.rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, 32))

	ar, err := c.AuthorizationRequest()
	if err != nil {
		t.Fatalf("AuthorizationRequest error: %v", err)
	}
	if ar.Verifier != strings.Repeat("ab", 32) {
		t.Fatalf("Verifier = %q", ar.Verifier)
	}
	sum := sha256.Sum256([]byte(ar.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); ar.Challenge != want {
		t.Fatalf("Challenge = %q, want %q", ar.Challenge, want)
	}
	if strings.ContainsAny(ar.Challenge, "+/=") {
		t.Fatalf("challenge is not unpadded base64url: %q", ar.Challenge)
	}

	u, err := url.Parse(ar.URL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "auth.example.com" || u.Path != "/oauth/authorize" {
		t.Fatalf("URL = %s", ar.URL)
	}
	q := u.Query()
	want := map[string]string{
		"code":                  "true",
		"client_id":             "client-1",
		"response_type":         "code",
		"redirect_uri":          "https://auth.example.com/callback",
		"scope":                 "user:profile user:inference",
		"code_challenge":        ar.Challenge,
		"code_challenge_method": "S256",
		"state":                 ar.Verifier,
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestAuthorizationRequestIsRandom(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{AuthorizeURL: "https://auth.example.com/authorize"})
	a, err := c.AuthorizationRequest()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.AuthorizationRequest()
	if err != nil {
		t.Fatal(err)
	}
	if a.Verifier == b.Verifier {
		t.Fatal("two requests produced the same verifier")
	}
	if len(a.Verifier) != 64 {
		t.Fatalf("verifier length = %d, want 64", len(a.Verifier))
	}
}

func TestPKCERoundTrip(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	c, _ := newTestClient(t, p)

	ar, err := c.AuthorizationRequest()
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(ar.URL)
	p.mu.Lock()
	p.challenge = u.Query().Get("code_challenge")
	p.mu.Unlock()

	tp, err := c.ExchangeCode(context.Background(), "auth-code#state-xyz", ar.Verifier)
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}
	if tp.AccessToken != "at-1" || tp.RefreshToken != "rt-1" {
		t.Fatalf("tokens = %+v", tp)
	}
	if tp.ExpiresIn.Seconds() != 3600 {
		t.Fatalf("ExpiresIn = %v", tp.ExpiresIn)
	}

	p.mu.Lock()
	grant := p.lastGrant
	p.mu.Unlock()
	if grant["code"] != "auth-code" || grant["state"] != "state-xyz" {
		t.Fatalf("code/state not split: %v", grant)
	}
	if grant["client_id"] != "client-1" || grant["redirect_uri"] != "https://auth.example.com/callback" {
		t.Fatalf("client fields = %v", grant)
	}

	// One tampered character must be rejected.
	tampered := []byte(ar.Verifier)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	_, err = c.ExchangeCode(context.Background(), "auth-code", string(tampered))
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Status != http.StatusBadRequest || !strings.Contains(he.Body, "invalid_grant") {
		t.Fatalf("HTTPError = %+v", he)
	}
}

func TestExchangeCodeMissingInput(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	c, _ := newTestClient(t, p)

	for _, tc := range [][2]string{{"", "v"}, {"c", ""}, {"  ", "  "}} {
		_, err := c.ExchangeCode(context.Background(), tc[0], tc[1])
		if !errors.Is(err, ErrMissingInput) {
			t.Fatalf("ExchangeCode(%q,%q) err = %v, want ErrMissingInput", tc[0], tc[1], err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls != 0 {
		t.Fatalf("provider called %d times for invalid input", p.calls)
	}
}

func TestExchangeCodeLenientAndMalformed(t *testing.T) {
	t.Parallel()
	var body string
	var mu sync.Mutex
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write([]byte(body))
	}))

	mu.Lock()
	body = `{}`
	mu.Unlock()
	tp, err := c.ExchangeCode(context.Background(), "code", "verifier")
	if err != nil {
		t.Fatalf("missing fields should not fail: %v", err)
	}
	if tp.AccessToken != "" || tp.RefreshToken != "" {
		t.Fatalf("tokens = %+v", tp)
	}

	mu.Lock()
	body = `<html>oops</html>`
	mu.Unlock()
	_, err = c.ExchangeCode(context.Background(), "code", "verifier")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestExchangeCodeTransportError(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()
	_, err := c.ExchangeCode(context.Background(), "code", "verifier")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var he *HTTPError
	if errors.As(err, &he) {
		t.Fatalf("transport error should not be an HTTPError: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	c, _ := newTestClient(t, p)

	tp, err := c.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if tp.AccessToken != "at-2" || tp.RefreshToken != "rt-2" {
		t.Fatalf("tokens = %+v", tp)
	}

	_, err = c.Refresh(context.Background(), "stale")
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if _, err := c.Refresh(context.Background(), ""); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("err = %v, want ErrMissingInput", err)
	}
}

func TestSplitCode(t *testing.T) {
	t.Parallel()
	tests := []struct{ raw, code, state string }{
		{"abc#def", "abc", "def"},
		{"abc", "abc", ""},
		{" abc#def#ghi ", "abc", "def"},
		{"a#b#c", "a", "b"},
		{"abc#", "abc", ""},
		{"#def", "", "def"},
	}
	for _, tt := range tests {
		code, state := SplitCode(tt.raw)
		if code != tt.code || state != tt.state {
			t.Fatalf("SplitCode(%q) = %q,%q", tt.raw, code, state)
		}
	}
}
