package broker

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"uwgate/internal/provider"
	"uwgate/pkg/logging"

	"golang.org/x/oauth2"
)

// DefaultRedirectTTL bounds how long a pending redirect stays valid.
const DefaultRedirectTTL = 10 * time.Minute

// nonceBytes is the entropy of the redirect correlation nonce.
const nonceBytes = 32

// RedirectConfig describes the authorization-code flow of the ticketing
// provider. ClientID and the URLs are not secret.
type RedirectConfig struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
	TTL         time.Duration
}

func (r RedirectConfig) configured() bool {
	return r.AuthURL != "" && r.ClientID != "" && r.RedirectURI != ""
}

func generateNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginRedirectFlow stores a fresh single-use nonce and PKCE verifier for
// the provider, replacing any earlier pending redirect, and returns the
// login URL to open.
func (b *Broker) BeginRedirectFlow(ctx context.Context, p provider.Provider) (string, error) {
	if !p.Supports(provider.OAuthAuthCode) {
		return "", &ConfigurationError{Provider: p, Message: "authorization-code flow is not supported"}
	}
	if !b.redirect.configured() {
		return "", &ConfigurationError{Provider: p, Message: "redirect flow needs an authorize URL, client ID and redirect URI"}
	}

	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	err = b.store.Update(ctx, func(s *State) error {
		s.ensureMaps()
		s.Pending[p] = &PendingRedirect{
			Nonce:     nonce,
			Verifier:  verifier,
			CreatedAt: b.clock.Now(),
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store pending redirect: %w", err)
	}

	cfg := oauth2.Config{
		ClientID:    b.redirect.ClientID,
		RedirectURL: b.redirect.RedirectURI,
		Scopes:      b.redirect.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: b.redirect.AuthURL},
	}
	logging.Debug("Broker", "Started %s redirect flow", p)
	return cfg.AuthCodeURL(nonce, oauth2.S256ChallengeOption(verifier)), nil
}

// CompleteRedirectFlow validates the callback nonce and exchanges code for
// a token. The pending nonce is consumed before anything else, so a second
// callback with the same nonce always fails without a network call.
func (b *Broker) CompleteRedirectFlow(ctx context.Context, p provider.Provider, code, returnedNonce string) (*Token, error) {
	var pending *PendingRedirect
	err := b.store.Update(ctx, func(s *State) error {
		pending = s.Pending[p]
		delete(s.Pending, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending redirect: %w", err)
	}

	if pending == nil {
		logging.Warn("Broker", "Rejected %s callback: no redirect pending", p)
		return nil, &InvalidCallbackError{Provider: p, Reason: "no redirect is pending"}
	}
	if subtle.ConstantTimeCompare([]byte(pending.Nonce), []byte(returnedNonce)) != 1 {
		logging.Warn("Broker", "Rejected %s callback: state mismatch", p)
		return nil, &InvalidCallbackError{Provider: p, Reason: "state does not match"}
	}
	ttl := b.redirect.TTL
	if ttl <= 0 {
		ttl = DefaultRedirectTTL
	}
	if b.clock.Now().Sub(pending.CreatedAt) > ttl {
		logging.Warn("Broker", "Rejected %s callback: redirect expired", p)
		return nil, &InvalidCallbackError{Provider: p, Reason: "redirect expired"}
	}
	if code == "" {
		return nil, &InvalidCallbackError{Provider: p, Reason: "missing authorization code"}
	}

	return b.Authenticate(ctx, p, authCodeCredentials{Code: code, Verifier: pending.Verifier})
}
