package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"uwgate/internal/clock"
	"uwgate/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger records every round trip and answers through respond.
type fakeExchanger struct {
	mu      sync.Mutex
	calls   []string
	respond func(method string, args ...string) (*provider.TokenResponse, error)
}

func (f *fakeExchanger) call(method string, args ...string) (*provider.TokenResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return &provider.TokenResponse{AccessToken: method + "-token", ExpiresIn: 3600}, nil
	}
	return respond(method, args...)
}

func (f *fakeExchanger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExchanger) ExchangePassword(_ context.Context, username, password string) (*provider.TokenResponse, error) {
	return f.call("password", username, password)
}

func (f *fakeExchanger) ExchangeRefresh(_ context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return f.call("refresh", refreshToken)
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, code, verifier, redirectURI string) (*provider.TokenResponse, error) {
	return f.call("code", code, verifier, redirectURI)
}

func (f *fakeExchanger) Autoconnect(_ context.Context, username, password string) (*provider.TokenResponse, error) {
	return f.call("autoconnect", username, password)
}

func (f *fakeExchanger) ExchangeClientCredentials(_ context.Context) (*provider.TokenResponse, error) {
	return f.call("client_credentials")
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestBroker(t *testing.T, ex *fakeExchanger, mutate ...func(*Options)) (*Broker, *clock.Mock, *MemoryStore) {
	t.Helper()
	clk := clock.NewMock(testEpoch)
	store := NewMemoryStore()
	opts := Options{
		Exchanger:     ex,
		Store:         store,
		Clock:         clk,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
		Redirect: RedirectConfig{
			AuthURL:     "https://sn.example.com/oauth_auth.do",
			ClientID:    "client-123",
			RedirectURI: "https://uw.example.com/callback",
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	b, err := New(context.Background(), opts)
	require.NoError(t, err)
	return b, clk, store
}

func TestNew_RequiresExchangerAndStore(t *testing.T) {
	_, err := New(context.Background(), Options{Store: NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{Exchanger: &fakeExchanger{}})
	assert.Error(t, err)
}

func TestGetToken_ConcurrentCallersShareOneExchange(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		<-release
		return &provider.TokenResponse{AccessToken: "idp-abc", ExpiresIn: 3600}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.GetToken(context.Background(), provider.IDP)
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken.Value()
			}
		}(i)
	}

	// wait until the single flight is running before releasing it
	require.Eventually(t, func() bool { return ex.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, ex.count())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "idp-abc", tokens[i])
	}
}

func TestGetToken_ConcurrentCallersShareOneError(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		<-release
		return nil, &AuthenticationError{Provider: provider.IDP, Status: 401, Code: "invalid_client"}
	}}
	b, _, _ := newTestBroker(t, ex)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.GetToken(context.Background(), provider.IDP)
		}(i)
	}
	require.Eventually(t, func() bool { return ex.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, ex.count())
	for _, err := range errs {
		assert.Equal(t, KindAuthentication, KindOf(err))
	}
}

func TestAuthenticate_PasswordGrantIsCached(t *testing.T) {
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		assert.Equal(t, "password", method)
		assert.Equal(t, []string{"jdoe", "s3cret"}, args)
		return &provider.TokenResponse{AccessToken: "sn-1", RefreshToken: "rt-1", ExpiresIn: 1800}, nil
	}}
	b, clk, store := newTestBroker(t, ex)

	tok, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "jdoe", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(30*time.Minute), tok.ExpiresAt)
	assert.Equal(t, provider.OAuthPassword, tok.Strategy)

	clk.Advance(10 * time.Minute)
	for i := 0; i < 5; i++ {
		got, err := b.GetToken(context.Background(), provider.Ticketing)
		require.NoError(t, err)
		assert.Equal(t, "sn-1", got.AccessToken.Value())
	}
	assert.Equal(t, 1, ex.count())

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.Tokens[provider.Ticketing])
	assert.Equal(t, "sn-1", state.Tokens[provider.Ticketing].AccessToken)
	assert.Equal(t, "rt-1", state.Tokens[provider.Ticketing].RefreshToken)
}

func TestGetToken_RefreshesWithinSafetyMargin(t *testing.T) {
	n := 0
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		n++
		switch method {
		case "password":
			return &provider.TokenResponse{AccessToken: "sn-1", RefreshToken: "rt-1", ExpiresIn: 600}, nil
		case "refresh":
			assert.Equal(t, []string{"rt-1"}, args)
			return &provider.TokenResponse{AccessToken: "sn-2", ExpiresIn: 600}, nil
		}
		t.Errorf("unexpected call %s", method)
		return nil, nil
	}}
	b, clk, _ := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)

	// 9m30s in: still before expiry, but inside the 60s margin
	clk.Advance(9*time.Minute + 30*time.Second)
	tok, err := b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, "sn-2", tok.AccessToken.Value())
	assert.Equal(t, 2, n)
	// refresh token carried over when the response omits a new one
	assert.Equal(t, "rt-1", tok.RefreshToken.Value())
}

func TestGetToken_NoPriorAuthentication(t *testing.T) {
	ex := &fakeExchanger{}
	b, _, _ := newTestBroker(t, ex)

	_, err := b.GetToken(context.Background(), provider.Ticketing)
	var unavailable *TokenUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 0, ex.count())
	assert.Equal(t, StateUnauthenticated, b.Status(provider.Ticketing).State)
}

func TestGetToken_AutoconnectWithServiceAccount(t *testing.T) {
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		assert.Equal(t, "autoconnect", method)
		assert.Equal(t, []string{"", ""}, args)
		return &provider.TokenResponse{AccessToken: "pseudo", ExpiresIn: 1800}, nil
	}}
	b, clk, _ := newTestBroker(t, ex, func(o *Options) { o.Autoconnect = true })

	tok, err := b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, provider.Basic, tok.Strategy)
	assert.True(t, tok.ServiceAccount)

	// service-account sessions are re-issued after expiry
	clk.Advance(time.Hour)
	_, err = b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.count())
}

func TestGetToken_ExpiredBasicSessionIsNotReused(t *testing.T) {
	ex := &fakeExchanger{}
	b, clk, store := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.Ticketing, BasicCredentials{Username: "jdoe", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, b.Status(provider.Ticketing).State)

	clk.Advance(2 * time.Hour)
	assert.Equal(t, StateExpired, b.Status(provider.Ticketing).State)

	_, err = b.GetToken(context.Background(), provider.Ticketing)
	assert.Equal(t, KindTokenUnavailable, KindOf(err))
	assert.Equal(t, 1, ex.count())
	assert.Equal(t, StateUnauthenticated, b.Status(provider.Ticketing).State)

	state, _ := store.Load(context.Background())
	assert.Nil(t, state.Tokens[provider.Ticketing])
}

func TestAuthenticate_FailureClearsStaleToken(t *testing.T) {
	fail := false
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		if fail {
			return nil, &AuthenticationError{Provider: provider.Ticketing, Status: 401, Code: "access_denied", Description: "bad password"}
		}
		return &provider.TokenResponse{AccessToken: "sn-1", ExpiresIn: 3600}, nil
	}}
	b, _, store := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)

	fail = true
	_, err = b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "u", Password: "wrong"})
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 401, authErr.Status)
	assert.Equal(t, "access_denied", authErr.Code)

	_, err = b.GetToken(context.Background(), provider.Ticketing)
	assert.Equal(t, KindTokenUnavailable, KindOf(err))

	state, _ := store.Load(context.Background())
	assert.Empty(t, state.Tokens)
}

func TestAuthenticate_InvalidBasicCredentials(t *testing.T) {
	ex := &fakeExchanger{respond: func(method string, _ ...string) (*provider.TokenResponse, error) {
		assert.Equal(t, "autoconnect", method)
		return nil, &AuthenticationError{Provider: provider.Ticketing, Status: 401, Description: "User Not Authenticated"}
	}}
	b, _, _ := newTestBroker(t, ex)

	tok, err := b.Authenticate(context.Background(), provider.Ticketing, BasicCredentials{Username: "jdoe", Password: "nope"})
	assert.Nil(t, tok)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, StateUnauthenticated, b.Status(provider.Ticketing).State)
}

func TestAuthenticate_MalformedResponse(t *testing.T) {
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		return &provider.TokenResponse{TokenType: "Bearer"}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.IDP, ClientCredentials{})
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, StateUnauthenticated, b.Status(provider.IDP).State)
}

func TestAuthenticate_UnsupportedStrategy(t *testing.T) {
	ex := &fakeExchanger{}
	b, _, _ := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.IDP, PasswordCredentials{Username: "u", Password: "p"})
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, 0, ex.count())
}

func TestRefresh_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, &UpstreamTransientError{Provider: provider.IDP, Status: 503}
		}
		return &provider.TokenResponse{AccessToken: "idp-ok", ExpiresIn: 3600}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	tok, err := b.GetToken(context.Background(), provider.IDP)
	require.NoError(t, err)
	assert.Equal(t, "idp-ok", tok.AccessToken.Value())
	assert.Equal(t, 3, attempts)
}

func TestRefresh_GivesUpAfterMaxRetries(t *testing.T) {
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		return nil, &UpstreamTransientError{Provider: provider.IDP, Cause: errors.New("connection refused")}
	}}
	b, _, _ := newTestBroker(t, ex)

	_, err := b.GetToken(context.Background(), provider.IDP)
	assert.Equal(t, KindUpstreamTransient, KindOf(err))
	assert.Equal(t, 3, ex.count())
}

func TestRefresh_AuthenticationErrorsAreNotRetried(t *testing.T) {
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		return nil, &AuthenticationError{Provider: provider.IDP, Status: 400, Code: "invalid_client"}
	}}
	b, _, _ := newTestBroker(t, ex)

	_, err := b.GetToken(context.Background(), provider.IDP)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, 1, ex.count())
}

func TestClearToken_DiscardsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		<-release
		return &provider.TokenResponse{AccessToken: "late", ExpiresIn: 3600}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	done := make(chan error, 1)
	go func() {
		_, err := b.GetToken(context.Background(), provider.IDP)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.Status(provider.IDP).State == StateRefreshing }, time.Second, time.Millisecond)

	require.NoError(t, b.ClearToken(context.Background(), provider.IDP))
	require.NoError(t, b.ClearToken(context.Background(), provider.IDP))
	close(release)

	err := <-done
	assert.Equal(t, KindTokenUnavailable, KindOf(err))
	assert.Nil(t, b.cached(provider.IDP))
}

func TestGetToken_WaiterHonoursOwnContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		<-release
		return &provider.TokenResponse{AccessToken: "x", ExpiresIn: 60}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.GetToken(ctx, provider.IDP)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRestore_DropsExpiredUnrefreshableTokens(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Update(context.Background(), func(s *State) error {
		s.Tokens[provider.Ticketing] = &TokenRecord{
			AccessToken: "old",
			ExpiresAt:   testEpoch.Add(-time.Minute),
			Strategy:    provider.Basic,
		}
		s.Tokens[provider.IDP] = &TokenRecord{
			AccessToken: "idp",
			ExpiresAt:   testEpoch.Add(time.Hour),
			Strategy:    provider.ClientCredentials,
		}
		return nil
	}))

	b, err := New(context.Background(), Options{
		Exchanger: &fakeExchanger{},
		Store:     store,
		Clock:     clock.NewMock(testEpoch),
	})
	require.NoError(t, err)

	assert.Equal(t, StateUnauthenticated, b.Status(provider.Ticketing).State)
	assert.Equal(t, StateAuthenticated, b.Status(provider.IDP).State)

	state, _ := store.Load(context.Background())
	assert.Nil(t, state.Tokens[provider.Ticketing])
	assert.NotNil(t, state.Tokens[provider.IDP])
}

func TestRedirectFlow_HappyPath(t *testing.T) {
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		assert.Equal(t, "code", method)
		assert.Equal(t, "auth-code", args[0])
		assert.NotEmpty(t, args[1])
		assert.Equal(t, "https://uw.example.com/callback", args[2])
		return &provider.TokenResponse{AccessToken: "sn-code", RefreshToken: "rt", ExpiresIn: 1800}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	loginURL, err := b.BeginRedirectFlow(context.Background(), provider.Ticketing)
	require.NoError(t, err)

	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "sn.example.com", u.Host)
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	state := q.Get("state")
	require.Len(t, state, 43)

	tok, err := b.CompleteRedirectFlow(context.Background(), provider.Ticketing, "auth-code", state)
	require.NoError(t, err)
	assert.Equal(t, provider.OAuthAuthCode, tok.Strategy)

	// replaying the consumed nonce fails without any exchange
	_, err = b.CompleteRedirectFlow(context.Background(), provider.Ticketing, "auth-code", state)
	var invalid *InvalidCallbackError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, ex.count())
}

func TestRedirectFlow_RejectsBadCallbacks(t *testing.T) {
	tests := []struct {
		name  string
		begin bool
		state func(issued string) string
		wait  time.Duration
	}{
		{name: "never issued", begin: false, state: func(string) string { return "made-up" }},
		{name: "mismatch", begin: true, state: func(s string) string { return s + "x" }},
		{name: "empty", begin: true, state: func(string) string { return "" }},
		{name: "expired", begin: true, state: func(s string) string { return s }, wait: 11 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchanger{}
			b, clk, store := newTestBroker(t, ex)

			issued := ""
			if tt.begin {
				loginURL, err := b.BeginRedirectFlow(context.Background(), provider.Ticketing)
				require.NoError(t, err)
				u, _ := url.Parse(loginURL)
				issued = u.Query().Get("state")
			}
			clk.Advance(tt.wait)

			_, err := b.CompleteRedirectFlow(context.Background(), provider.Ticketing, "code", tt.state(issued))
			assert.Equal(t, KindInvalidCallback, KindOf(err))
			assert.Equal(t, 0, ex.count())

			// consumed regardless of outcome
			state, _ := store.Load(context.Background())
			assert.Nil(t, state.Pending[provider.Ticketing])
		})
	}
}

func TestRedirectFlow_BeginOverwritesPending(t *testing.T) {
	ex := &fakeExchanger{}
	b, _, _ := newTestBroker(t, ex)

	first, err := b.BeginRedirectFlow(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	_, err = b.BeginRedirectFlow(context.Background(), provider.Ticketing)
	require.NoError(t, err)

	u, _ := url.Parse(first)
	_, err = b.CompleteRedirectFlow(context.Background(), provider.Ticketing, "code", u.Query().Get("state"))
	assert.Equal(t, KindInvalidCallback, KindOf(err))
}

func TestRedirectFlow_Unsupported(t *testing.T) {
	b, _, _ := newTestBroker(t, &fakeExchanger{})
	_, err := b.BeginRedirectFlow(context.Background(), provider.IDP)
	assert.Equal(t, KindConfiguration, KindOf(err))

	b, _, _ = newTestBroker(t, &fakeExchanger{}, func(o *Options) { o.Redirect = RedirectConfig{} })
	_, err = b.BeginRedirectFlow(context.Background(), provider.Ticketing)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestDo_NeverSendsExpiredToken(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	var issued atomic.Int32
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		n := issued.Add(1)
		return &provider.TokenResponse{AccessToken: "idp-" + string(rune('0'+n)), ExpiresIn: 120}, nil
	}}
	b, clk, _ := newTestBroker(t, ex, func(o *Options) { o.Transport = upstream.Client() })

	for i := 0; i < 4; i++ {
		req, err := http.NewRequest(http.MethodGet, upstream.URL+"/x", nil)
		require.NoError(t, err)
		resp, err := b.Do(context.Background(), provider.IDP, req)
		require.NoError(t, err)
		resp.Body.Close()

		tok := b.cached(provider.IDP)
		require.NotNil(t, tok)
		assert.True(t, clk.Now().Before(tok.ExpiresAt))
		clk.Advance(70 * time.Second)
	}

	assert.Equal(t, []string{"Bearer idp-1", "Bearer idp-2", "Bearer idp-3", "Bearer idp-4"}, seen)
}

func TestDo_UnauthorizedInvalidatesToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token revoked"}`))
	}))
	defer upstream.Close()

	ex := &fakeExchanger{}
	b, _, _ := newTestBroker(t, ex, func(o *Options) { o.Transport = upstream.Client() })
	_, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	_, err = b.Do(context.Background(), provider.Ticketing, req)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.True(t, strings.Contains(authErr.Description, "token revoked"))
	assert.Equal(t, StateUnauthenticated, b.Status(provider.Ticketing).State)
}

func TestDo_NetworkFailureIsTransient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	b, _, _ := newTestBroker(t, &fakeExchanger{}, func(o *Options) { o.Transport = http.DefaultClient })
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	_, err := b.Do(context.Background(), provider.IDP, req)
	assert.Equal(t, KindUpstreamTransient, KindOf(err))
}

func TestAuthenticate_ConcurrentCallersShareOneExchange(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		<-release
		return &provider.TokenResponse{AccessToken: "sn-" + args[0], ExpiresIn: 3600}, nil
	}}
	b, _, _ := newTestBroker(t, ex)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "alice", Password: "pw"})
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken.Value()
			}
		}(i)
	}

	require.Eventually(t, func() bool { return ex.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, ex.count())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "sn-alice", tokens[i])
	}
}

func TestAuthenticate_DuringRefreshUsesOwnCredentials(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		if method == "autoconnect" {
			<-release
			return &provider.TokenResponse{AccessToken: "service-account-token", ExpiresIn: 3600}, nil
		}
		return &provider.TokenResponse{AccessToken: "sn-" + args[0], ExpiresIn: 3600}, nil
	}}
	b, _, store := newTestBroker(t, ex, func(o *Options) { o.Autoconnect = true })

	refreshed := make(chan *Token, 1)
	go func() {
		tok, err := b.GetToken(context.Background(), provider.Ticketing)
		if err != nil {
			t.Errorf("GetToken: %v", err)
		}
		refreshed <- tok
	}()
	require.Eventually(t, func() bool { return ex.count() == 1 }, time.Second, time.Millisecond)

	tok, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "sn-alice", tok.AccessToken.Value())
	assert.Equal(t, provider.OAuthPassword, tok.Strategy)

	close(release)
	late := <-refreshed
	require.NotNil(t, late)
	assert.Equal(t, "sn-alice", late.AccessToken.Value())

	ex.mu.Lock()
	assert.Equal(t, []string{"autoconnect", "password"}, ex.calls)
	ex.mu.Unlock()

	current, err := b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, "sn-alice", current.AccessToken.Value())

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Tokens[provider.Ticketing])
	assert.Equal(t, "sn-alice", st.Tokens[provider.Ticketing].AccessToken)
}

func TestAuthenticate_FailedRefreshKeepsNewSession(t *testing.T) {
	release := make(chan struct{})
	ex := &fakeExchanger{respond: func(method string, args ...string) (*provider.TokenResponse, error) {
		if method == "autoconnect" {
			<-release
			return nil, &AuthenticationError{Provider: provider.Ticketing, Status: 401}
		}
		return &provider.TokenResponse{AccessToken: "sn-" + args[0], ExpiresIn: 3600}, nil
	}}
	b, _, _ := newTestBroker(t, ex, func(o *Options) { o.Autoconnect = true })

	done := make(chan error, 1)
	go func() {
		_, err := b.GetToken(context.Background(), provider.Ticketing)
		done <- err
	}()
	require.Eventually(t, func() bool { return ex.count() == 1 }, time.Second, time.Millisecond)

	_, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	close(release)
	assert.Error(t, <-done)

	tok, err := b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, "sn-alice", tok.AccessToken.Value())
}

func TestGetToken_ShortLivedTokenUsableAfterLogin(t *testing.T) {
	ex := &fakeExchanger{respond: func(string, ...string) (*provider.TokenResponse, error) {
		return &provider.TokenResponse{AccessToken: "short", ExpiresIn: 30}, nil
	}}
	b, clk, store := newTestBroker(t, ex)

	_, err := b.Authenticate(context.Background(), provider.Ticketing, PasswordCredentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	tok, err := b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, "short", tok.AccessToken.Value())
	assert.Equal(t, StateAuthenticated, b.Status(provider.Ticketing).State)

	clk.Advance(10 * time.Second)
	_, err = b.GetToken(context.Background(), provider.Ticketing)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.count())

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEpoch, st.Tokens[provider.Ticketing].IssuedAt.UTC())

	// past half of the 30s lifetime the token is no longer handed out
	clk.Advance(6 * time.Second)
	_, err = b.GetToken(context.Background(), provider.Ticketing)
	assert.Equal(t, KindTokenUnavailable, KindOf(err))
}
