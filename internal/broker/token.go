package broker

import (
	"time"

	"uwgate/internal/provider"
)

// RedactedToken hides a credential from fmt, logs and JSON output. Use
// Value only when building an Authorization header.
type RedactedToken struct {
	value string
}

// NewRedactedToken wraps value.
func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the wrapped credential.
func (t RedactedToken) Value() string { return t.value }

// IsEmpty reports whether no credential is wrapped.
func (t RedactedToken) IsEmpty() bool { return t.value == "" }

func (t RedactedToken) String() string { return "[REDACTED]" }

func (t RedactedToken) GoString() string { return "broker.RedactedToken{[REDACTED]}" }

func (t RedactedToken) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Token is the authoritative credential for one provider.
type Token struct {
	Provider     provider.Provider
	AccessToken  RedactedToken
	RefreshToken RedactedToken
	TokenType    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Strategy     provider.Strategy
	// ServiceAccount marks Basic sessions opened with the gateway's own
	// account; those can be re-issued without asking the user.
	ServiceAccount bool
}

// ValidAt reports whether the token may be used at now given the safety
// margin. The margin never exceeds half of the token's lifetime, so a
// short-lived token is usable right after it was issued.
func (t *Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken.IsEmpty() {
		return false
	}
	if !t.IssuedAt.IsZero() {
		if half := t.ExpiresAt.Sub(t.IssuedAt) / 2; half < margin {
			margin = half
		}
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

func (t *Token) record() *TokenRecord {
	return &TokenRecord{
		AccessToken:    t.AccessToken.Value(),
		RefreshToken:   t.RefreshToken.Value(),
		TokenType:      t.TokenType,
		IssuedAt:       t.IssuedAt,
		ExpiresAt:      t.ExpiresAt,
		Strategy:       t.Strategy,
		ServiceAccount: t.ServiceAccount,
	}
}

func tokenFromRecord(p provider.Provider, r *TokenRecord) *Token {
	return &Token{
		Provider:       p,
		AccessToken:    NewRedactedToken(r.AccessToken),
		RefreshToken:   NewRedactedToken(r.RefreshToken),
		TokenType:      r.TokenType,
		IssuedAt:       r.IssuedAt,
		ExpiresAt:      r.ExpiresAt,
		Strategy:       r.Strategy,
		ServiceAccount: r.ServiceAccount,
	}
}

// Credentials is what Authenticate exchanges for a token. Exactly one of
// PasswordCredentials, BasicCredentials or ClientCredentials.
type Credentials interface {
	strategy() provider.Strategy
}

// PasswordCredentials drive the OAuth password grant.
type PasswordCredentials struct {
	Username string
	Password string
}

func (PasswordCredentials) strategy() provider.Strategy { return provider.OAuthPassword }

// BasicCredentials are validated once by the gateway and traded for a
// pseudo-token. An empty pair asks the gateway to use its service account.
type BasicCredentials struct {
	Username string
	Password string
}

func (BasicCredentials) strategy() provider.Strategy { return provider.Basic }

// ClientCredentials request a client-credentials token; the gateway holds
// the secret.
type ClientCredentials struct{}

func (ClientCredentials) strategy() provider.Strategy { return provider.ClientCredentials }

// authCodeCredentials is used internally by CompleteRedirectFlow.
type authCodeCredentials struct {
	Code     string
	Verifier string
}

func (authCodeCredentials) strategy() provider.Strategy { return provider.OAuthAuthCode }
