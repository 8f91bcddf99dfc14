package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"uwgate/internal/clock"
	"uwgate/internal/provider"
	"uwgate/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSafetyMargin is subtracted from a token's expiry before use.
	DefaultSafetyMargin = 60 * time.Second

	// defaultTokenLifetime applies when a token response omits expires_in.
	defaultTokenLifetime = 30 * time.Minute

	defaultRetryInterval = 500 * time.Millisecond
)

// Exchanger performs the token round trips through the gateway. Failures
// are reported as *AuthenticationError, *ConfigurationError or
// *UpstreamTransientError.
type Exchanger interface {
	ExchangePassword(ctx context.Context, username, password string) (*provider.TokenResponse, error)
	ExchangeRefresh(ctx context.Context, refreshToken string) (*provider.TokenResponse, error)
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResponse, error)
	Autoconnect(ctx context.Context, username, password string) (*provider.TokenResponse, error)
	ExchangeClientCredentials(ctx context.Context) (*provider.TokenResponse, error)
}

// Doer sends protected requests through the gateway.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Broker.
type Options struct {
	Exchanger Exchanger
	// Transport is used by Do. Optional when Do is not needed.
	Transport Doer
	Store     Store
	Clock     clock.Clock

	// SafetyMargin defaults to DefaultSafetyMargin when zero.
	SafetyMargin time.Duration

	// MaxRetries bounds retries of transient failures during automatic
	// refresh. Interactive authentication is never retried.
	MaxRetries    int
	RetryInterval time.Duration

	Redirect RedirectConfig

	// Autoconnect opens a ticketing session with the gateway's service
	// account when nobody has authenticated.
	Autoconnect bool
}

// SessionState is the externally visible state of one provider.
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateAuthenticating  SessionState = "authenticating"
	StateAuthenticated   SessionState = "authenticated"
	StateRefreshing      SessionState = "refreshing"
	StateExpired         SessionState = "expired"
)

// ProviderStatus is a point-in-time snapshot of one provider's session.
type ProviderStatus struct {
	Provider       provider.Provider
	State          SessionState
	Strategy       provider.Strategy
	ExpiresAt      time.Time
	ServiceAccount bool
	Refreshable    bool
}

// Broker acquires, caches and refreshes tokens for every provider. All
// methods are safe for concurrent use.
type Broker struct {
	exchanger     Exchanger
	transport     Doer
	store         Store
	clock         clock.Clock
	margin        time.Duration
	maxRetries    int
	retryInterval time.Duration
	redirect      RedirectConfig
	autoconnect   bool

	mu         sync.Mutex
	tokens     map[provider.Provider]*Token
	generation map[provider.Provider]uint64
	inflight   map[string]SessionState

	group singleflight.Group
}

// New builds a Broker and restores persisted tokens from the store.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.Exchanger == nil {
		return nil, errors.New("broker: exchanger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("broker: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.SafetyMargin == 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	b := &Broker{
		exchanger:     opts.Exchanger,
		transport:     opts.Transport,
		store:         opts.Store,
		clock:         opts.Clock,
		margin:        opts.SafetyMargin,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		redirect:      opts.Redirect,
		autoconnect:   opts.Autoconnect,
		tokens:        make(map[provider.Provider]*Token),
		generation:    make(map[provider.Provider]uint64),
		inflight:      make(map[string]SessionState),
	}
	if err := b.restore(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// restore loads persisted tokens. Expired tokens that cannot be refreshed
// are dropped from the store.
func (b *Broker) restore(ctx context.Context) error {
	state, err := b.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session state: %w", err)
	}

	now := b.clock.Now()
	var stale []provider.Provider
	for p, rec := range state.Tokens {
		if rec == nil {
			continue
		}
		tok := tokenFromRecord(p, rec)
		if !now.Before(tok.ExpiresAt) && !b.refreshable(tok) {
			stale = append(stale, p)
			continue
		}
		b.tokens[p] = tok
	}

	if len(stale) > 0 {
		logging.Debug("Broker", "Dropping %d expired token(s) on restore", len(stale))
		err := b.store.Update(ctx, func(s *State) error {
			for _, p := range stale {
				delete(s.Tokens, p)
			}
			return nil
		})
		if err != nil {
			logging.Warn("Broker", "Failed to drop expired tokens: %v", err)
		}
	}
	return nil
}

func (b *Broker) refreshable(tok *Token) bool {
	if tok == nil {
		return false
	}
	switch {
	case tok.Provider == provider.IDP:
		return true
	case !tok.RefreshToken.IsEmpty():
		return true
	case tok.Strategy == provider.Basic && tok.ServiceAccount:
		return true
	}
	return false
}

// Authenticate exchanges credentials for a token in one round trip through
// the gateway. A concurrent Authenticate for the same provider waits for the
// one already in flight and shares its outcome. A refresh that is still
// running when authentication starts is superseded: its result is not
// stored. On failure the provider's cached token is cleared and nothing is
// cached.
func (b *Broker) Authenticate(ctx context.Context, p provider.Provider, creds Credentials) (*Token, error) {
	if creds == nil {
		return nil, fmt.Errorf("%s: credentials are required", p)
	}
	strategy := creds.strategy()
	if !p.Supports(strategy) {
		return nil, &ConfigurationError{Provider: p, Message: fmt.Sprintf("strategy %s is not supported", strategy)}
	}

	return b.flight(ctx, p, StateAuthenticating, func(ctx context.Context, gen uint64) (*Token, error) {
		resp, serviceAccount, err := b.exchange(ctx, p, creds)
		if err != nil {
			if KindOf(err) == KindAuthentication {
				b.drop(ctx, p, gen)
			}
			return nil, err
		}
		return b.tokenFromResponse(p, resp, strategy, serviceAccount, nil)
	})
}

func (b *Broker) exchange(ctx context.Context, p provider.Provider, creds Credentials) (*provider.TokenResponse, bool, error) {
	switch c := creds.(type) {
	case PasswordCredentials:
		resp, err := b.exchanger.ExchangePassword(ctx, c.Username, c.Password)
		return resp, false, err
	case BasicCredentials:
		resp, err := b.exchanger.Autoconnect(ctx, c.Username, c.Password)
		return resp, c.Username == "" && c.Password == "", err
	case ClientCredentials:
		resp, err := b.exchanger.ExchangeClientCredentials(ctx)
		return resp, false, err
	case authCodeCredentials:
		resp, err := b.exchanger.ExchangeCode(ctx, c.Code, c.Verifier, b.redirect.RedirectURI)
		return resp, false, err
	default:
		return nil, false, fmt.Errorf("%s: unsupported credentials %T", p, creds)
	}
}

// GetToken returns a token valid for at least the safety margin. When the
// cached token is missing or too close to expiry one refresh runs per
// provider, shared by all concurrent callers.
func (b *Broker) GetToken(ctx context.Context, p provider.Provider) (*Token, error) {
	if tok := b.cached(p); tok != nil {
		return tok, nil
	}
	return b.flight(ctx, p, StateRefreshing, func(ctx context.Context, gen uint64) (*Token, error) {
		return b.refresh(ctx, p, gen)
	})
}

func (b *Broker) cached(p provider.Provider) *Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok := b.tokens[p]
	if !tok.ValidAt(b.clock.Now(), b.margin) {
		return nil
	}
	cp := *tok
	return &cp
}

func (b *Broker) refresh(ctx context.Context, p provider.Provider, gen uint64) (*Token, error) {
	// a flight that finished just before this one may already have stored
	// a fresh token
	if tok := b.cached(p); tok != nil {
		return tok, nil
	}

	b.mu.Lock()
	current := b.tokens[p]
	b.mu.Unlock()

	var (
		op             func(context.Context) (*provider.TokenResponse, error)
		strategy       provider.Strategy
		serviceAccount bool
	)
	switch {
	case p == provider.IDP:
		strategy = provider.ClientCredentials
		op = b.exchanger.ExchangeClientCredentials
	case current != nil && !current.RefreshToken.IsEmpty():
		strategy = current.Strategy
		refreshToken := current.RefreshToken.Value()
		op = func(ctx context.Context) (*provider.TokenResponse, error) {
			return b.exchanger.ExchangeRefresh(ctx, refreshToken)
		}
	case (current != nil && current.Strategy == provider.Basic && current.ServiceAccount) ||
		(current == nil && b.autoconnect && p == provider.Ticketing):
		strategy = provider.Basic
		serviceAccount = true
		op = func(ctx context.Context) (*provider.TokenResponse, error) {
			return b.exchanger.Autoconnect(ctx, "", "")
		}
	case current != nil:
		logging.Info("Broker", "Token for %s expired and cannot be refreshed", p)
		b.drop(ctx, p, gen)
		return nil, &TokenUnavailableError{Provider: p, Reason: "session expired"}
	default:
		return nil, &TokenUnavailableError{Provider: p, Reason: "not authenticated"}
	}

	logging.Debug("Broker", "Refreshing %s token using %s", p, strategy)
	resp, err := b.retry(ctx, p, op)
	if err != nil {
		if KindOf(err) == KindAuthentication {
			b.drop(ctx, p, gen)
		}
		return nil, err
	}
	return b.tokenFromResponse(p, resp, strategy, serviceAccount, current)
}

// retry runs op with exponential backoff. Only transient failures are
// retried.
func (b *Broker) retry(ctx context.Context, p provider.Provider, op func(context.Context) (*provider.TokenResponse, error)) (*provider.TokenResponse, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.retryInterval
	expBackoff.MaxInterval = 20 * b.retryInterval
	expBackoff.Reset()

	attempt := 0
	operation := func() (*provider.TokenResponse, error) {
		attempt++
		resp, err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(b.maxRetries+1)), // #nosec G115 -- maxRetries is non-negative
		backoff.WithNotify(func(err error, d time.Duration) {
			logging.Warn("Broker", "Refreshing %s failed (attempt %d/%d), retrying in %v: %v",
				p, attempt, b.maxRetries+1, d, err)
		}),
	)
}

func flightKey(p provider.Provider, kind SessionState) string {
	return string(kind) + ":" + string(p)
}

// flight runs fn at most once per provider and kind at a time. Callers that
// arrive while fn is running wait for its result, each bounded by its own
// ctx. The shared work itself is not cancelled when one waiter gives up.
//
// An authenticating flight starts a new generation, so a refresh running
// alongside it cannot overwrite the token obtained from the user's
// credentials.
func (b *Broker) flight(ctx context.Context, p provider.Provider, kind SessionState, fn func(context.Context, uint64) (*Token, error)) (*Token, error) {
	key := flightKey(p, kind)
	ch := b.group.DoChan(key, func() (interface{}, error) {
		b.mu.Lock()
		if kind == StateAuthenticating {
			b.generation[p]++
		}
		gen := b.generation[p]
		b.inflight[key] = kind
		b.mu.Unlock()

		defer func() {
			b.mu.Lock()
			delete(b.inflight, key)
			b.mu.Unlock()
		}()

		fctx := context.WithoutCancel(ctx)
		tok, err := fn(fctx, gen)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.generation[p] != gen {
			current := b.tokens[p]
			b.mu.Unlock()
			if current.ValidAt(b.clock.Now(), b.margin) {
				logging.Debug("Broker", "Discarding superseded %s token", p)
				cp := *current
				return &cp, nil
			}
			logging.Debug("Broker", "Discarding %s token obtained before the session was cleared", p)
			return nil, &TokenUnavailableError{Provider: p, Reason: "session cleared"}
		}
		b.tokens[p] = tok
		b.mu.Unlock()

		b.persist(fctx, p, tok)
		logging.Info("Broker", "Obtained %s token via %s, expires %s", p, tok.Strategy, tok.ExpiresAt.Format(time.RFC3339))

		cp := *tok
		return &cp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tok := *res.Val.(*Token)
		return &tok, nil
	}
}

func (b *Broker) tokenFromResponse(p provider.Provider, resp *provider.TokenResponse, strategy provider.Strategy, serviceAccount bool, previous *Token) (*Token, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, &AuthenticationError{Provider: p, Description: "token response did not contain an access token"}
	}

	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if resp.ExpiresIn <= 0 {
		lifetime = defaultTokenLifetime
	}

	now := b.clock.Now()
	tok := &Token{
		Provider:       p,
		AccessToken:    NewRedactedToken(resp.AccessToken),
		RefreshToken:   NewRedactedToken(resp.RefreshToken),
		TokenType:      resp.TokenType,
		IssuedAt:       now,
		ExpiresAt:      now.Add(lifetime),
		Strategy:       strategy,
		ServiceAccount: serviceAccount,
	}
	// refresh responses may omit a new refresh token
	if tok.RefreshToken.IsEmpty() && previous != nil && tok.Strategy == previous.Strategy {
		tok.RefreshToken = previous.RefreshToken
	}
	return tok, nil
}

func (b *Broker) persist(ctx context.Context, p provider.Provider, tok *Token) {
	err := b.store.Update(ctx, func(s *State) error {
		s.ensureMaps()
		s.Tokens[p] = tok.record()
		return nil
	})
	if err != nil {
		logging.Warn("Broker", "Failed to persist %s token: %v", p, err)
	}
}

// drop removes the provider's token from memory and storage without
// touching an in-flight call. Nothing happens when gen is no longer the
// provider's current generation.
func (b *Broker) drop(ctx context.Context, p provider.Provider, gen uint64) {
	b.mu.Lock()
	if b.generation[p] != gen {
		b.mu.Unlock()
		return
	}
	delete(b.tokens, p)
	b.mu.Unlock()

	err := b.store.Update(ctx, func(s *State) error {
		delete(s.Tokens, p)
		return nil
	})
	if err != nil {
		logging.Warn("Broker", "Failed to remove %s token from storage: %v", p, err)
	}
}

// ClearToken discards the provider's token and any in-flight acquisition;
// a result that arrives later is not stored. Calling it again is a no-op.
func (b *Broker) ClearToken(ctx context.Context, p provider.Provider) error {
	b.mu.Lock()
	delete(b.tokens, p)
	b.generation[p]++
	b.mu.Unlock()
	b.group.Forget(flightKey(p, StateAuthenticating))
	b.group.Forget(flightKey(p, StateRefreshing))

	return b.store.Update(ctx, func(s *State) error {
		delete(s.Tokens, p)
		return nil
	})
}

// Invalidate is called when an upstream answered 401 to a request made
// with the provider's token.
func (b *Broker) Invalidate(ctx context.Context, p provider.Provider) error {
	logging.Warn("Broker", "Upstream rejected the %s token, invalidating session", p)
	return b.ClearToken(ctx, p)
}

// Status returns a snapshot of the provider's session.
func (b *Broker) Status(p provider.Provider) ProviderStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := ProviderStatus{Provider: p, State: StateUnauthenticated}
	tok := b.tokens[p]
	if tok != nil {
		st.Strategy = tok.Strategy
		st.ExpiresAt = tok.ExpiresAt
		st.ServiceAccount = tok.ServiceAccount
		st.Refreshable = b.refreshable(tok)
		if tok.ValidAt(b.clock.Now(), b.margin) {
			st.State = StateAuthenticated
		} else {
			st.State = StateExpired
		}
	}
	if _, ok := b.inflight[flightKey(p, StateRefreshing)]; ok {
		st.State = StateRefreshing
	}
	if _, ok := b.inflight[flightKey(p, StateAuthenticating)]; ok {
		st.State = StateAuthenticating
	}
	return st
}

// Do sends req with the provider's bearer token. A 401 answer invalidates
// the token and is returned as *AuthenticationError; network failures are
// returned as *UpstreamTransientError.
func (b *Broker) Do(ctx context.Context, p provider.Provider, req *http.Request) (*http.Response, error) {
	if b.transport == nil {
		return nil, errors.New("broker: no transport configured")
	}
	tok, err := b.GetToken(ctx, p)
	if err != nil {
		return nil, err
	}

	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken.Value())

	resp, err := b.transport.Do(req)
	if err != nil {
		var transient *UpstreamTransientError
		if errors.As(err, &transient) {
			return nil, err
		}
		return nil, &UpstreamTransientError{Provider: p, Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		_ = b.Invalidate(ctx, p)
		return nil, &AuthenticationError{
			Provider:    p,
			Status:      resp.StatusCode,
			Description: strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
