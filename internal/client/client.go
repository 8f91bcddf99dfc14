package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"uwgate/internal/broker"
	"uwgate/internal/provider"
	"uwgate/pkg/logging"
	ustrings "uwgate/pkg/strings"
)

// DefaultTimeout bounds every request made to the gateway.
const DefaultTimeout = 45 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 64 << 10

// maxErrorMessage caps the body excerpt in error strings.
const maxErrorMessage = 200

// Gateway route paths.
const (
	TicketingOAuthPath       = "/auth/ticketing/oauth"
	TicketingAutoconnectPath = "/auth/ticketing/autoconnect"
	TicketingAPIPath         = "/api/ticketing"
	TicketingAttachmentPath  = "/api/ticketing/attachment"
	IDPAuthPath              = "/auth/idp"
	IDPAPIPath               = "/api/idp"
)

// Client is an HTTP client for the gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New returns a client for the gateway at gatewayURL. A zero timeout uses
// DefaultTimeout.
func New(gatewayURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(gatewayURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", gatewayURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// URL resolves a gateway path with an optional query.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// NewRequest builds a request against a gateway path.
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.URL(path, query), body)
}

// Do sends req. Transport failures, including timeouts, are returned as
// *broker.UpstreamTransientError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &broker.UpstreamTransientError{Provider: providerForPath(req.URL.Path), Cause: err}
	}
	return resp, nil
}

func providerForPath(path string) provider.Provider {
	if strings.Contains(path, "/idp") {
		return provider.IDP
	}
	return provider.Ticketing
}

// Health checks the gateway liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// ExchangePassword runs the password grant for the ticketing provider.
func (c *Client) ExchangePassword(ctx context.Context, username, password string) (*provider.TokenResponse, error) {
	return c.postForm(ctx, provider.Ticketing, TicketingOAuthPath, url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	})
}

// ExchangeRefresh trades a ticketing refresh token for a new access token.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return c.postForm(ctx, provider.Ticketing, TicketingOAuthPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// ExchangeCode redeems an authorization code and its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResponse, error) {
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	return c.postForm(ctx, provider.Ticketing, TicketingOAuthPath, form)
}

// Autoconnect validates a Basic-Auth pair, or the gateway's service account
// when both are empty, and returns a pseudo-token.
func (c *Client) Autoconnect(ctx context.Context, username, password string) (*provider.TokenResponse, error) {
	form := url.Values{}
	if username != "" || password != "" {
		form.Set("username", username)
		form.Set("password", password)
	}
	return c.postForm(ctx, provider.Ticketing, TicketingAutoconnectPath, form)
}

// ExchangeClientCredentials obtains a document-processing token.
func (c *Client) ExchangeClientCredentials(ctx context.Context) (*provider.TokenResponse, error) {
	return c.postForm(ctx, provider.IDP, IDPAuthPath, url.Values{
		"grant_type": {"client_credentials"},
	})
}

func (c *Client) postForm(ctx context.Context, p provider.Provider, path string, form url.Values) (*provider.TokenResponse, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		logging.Debug("GatewayClient", "POST %s failed: %v", path, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &broker.UpstreamTransientError{Provider: p, Status: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, TokenError(p, resp.StatusCode, body)
	}

	var tr provider.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &broker.AuthenticationError{
			Provider:    p,
			Status:      resp.StatusCode,
			Description: "malformed token response",
		}
	}
	if tr.Error != "" {
		return nil, &broker.AuthenticationError{Provider: p, Status: resp.StatusCode, Code: tr.Error, Description: tr.ErrorDescription}
	}
	return &tr, nil
}

// errorDetails pulls whatever error fields a relayed body carries. Token
// endpoints use error/error_description; the gateway uses error/cause/code.
type errorDetails struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Cause            string          `json:"cause"`
	Code             string          `json:"code"`
}

func parseErrorBody(body []byte) (code, description, gatewayCode string) {
	var d errorDetails
	if err := json.Unmarshal(body, &d); err != nil {
		return "", strings.TrimSpace(string(body)), ""
	}

	// ticketing table API errors nest: {"error":{"message":..,"detail":..}}
	var s string
	if err := json.Unmarshal(d.Error, &s); err == nil {
		code = s
	} else {
		var nested struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(d.Error, &nested); err == nil {
			code = nested.Message
			if d.ErrorDescription == "" {
				d.ErrorDescription = nested.Detail
			}
		}
	}

	description = d.ErrorDescription
	if description == "" {
		description = d.Cause
	}
	return code, description, d.Code
}

// TokenError classifies a non-2xx answer from a token route.
func TokenError(p provider.Provider, status int, body []byte) error {
	code, description, gatewayCode := parseErrorBody(body)

	switch {
	case gatewayCode == provider.ErrorCodeNotConfigured:
		return &broker.ConfigurationError{Provider: p, Message: code}
	case gatewayCode == provider.ErrorCodeUnreachable,
		status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests:
		return &broker.UpstreamTransientError{Provider: p, Status: status, Body: joinNonEmpty(code, description)}
	default:
		return &broker.AuthenticationError{Provider: p, Status: status, Code: code, Description: description}
	}
}

// HTTPError is a non-2xx answer from an /api route that is neither an
// authentication failure nor transient.
type HTTPError struct {
	Provider provider.Provider
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: request failed with status %d: %s", e.Provider, e.Status, ustrings.OneLine(e.Body, maxErrorMessage))
}

// CheckResponse returns nil for 2xx responses. Otherwise it consumes and
// closes the body and classifies the failure.
func CheckResponse(p provider.Provider, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	code, description, gatewayCode := parseErrorBody(body)

	switch {
	case gatewayCode == provider.ErrorCodeNotConfigured:
		return &broker.ConfigurationError{Provider: p, Message: code}
	case gatewayCode == provider.ErrorCodeUnreachable, resp.StatusCode >= 500:
		return &broker.UpstreamTransientError{Provider: p, Status: resp.StatusCode, Body: joinNonEmpty(code, description)}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &broker.AuthenticationError{Provider: p, Status: resp.StatusCode, Code: code, Description: description}
	default:
		return &HTTPError{Provider: p, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ": ")
}
