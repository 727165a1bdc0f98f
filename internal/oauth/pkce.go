package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
)

// verifierBytes is the entropy behind a PKCE verifier (hex-encoded to 64 chars).
const verifierBytes = 32

// AuthRequest is everything the caller needs to send the user to the
// provider and later redeem the code. The caller must keep Verifier across
// the redirect; it is also used as the state value.
type AuthRequest struct {
	URL       string
	Verifier  string
	Challenge string
}

// GenerateVerifier reads 32 random bytes from r (crypto/rand when nil).
func GenerateVerifier(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, verifierBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Challenge derives the S256 challenge: base64url(sha256(verifier)), unpadded.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// SplitCode separates a pasted "code#state" value. The state is the second
// '#'-separated field; anything after a further '#' is dropped. It is empty
// when no delimiter is present.
func SplitCode(raw string) (code, state string) {
	parts := strings.Split(strings.TrimSpace(raw), "#")
	code = parts[0]
	if len(parts) > 1 {
		state = parts[1]
	}
	return code, state
}

// AuthorizationRequest builds a fresh PKCE authorization URL.
func (c *Client) AuthorizationRequest() (AuthRequest, error) {
	verifier, err := GenerateVerifier(c.rand)
	if err != nil {
		return AuthRequest{}, err
	}

	oc := oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.cfg.AuthorizeURL,
			TokenURL: c.cfg.TokenURL,
		},
	}
	// The provider shows the code on its own page when code=true.
	u := oc.AuthCodeURL(verifier,
		oauth2.SetAuthURLParam("code", "true"),
		oauth2.S256ChallengeOption(verifier),
	)
	return AuthRequest{URL: u, Verifier: verifier, Challenge: Challenge(verifier)}, nil
}
