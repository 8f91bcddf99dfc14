// Package provider defines the upstream identity providers known to uwgate
// and the wire shapes shared by the broker and the gateway.
package provider

import (
	"fmt"
	"strings"
)

// Provider identifies an upstream identity source. Each provider has its own
// credential lifecycle; tokens are never shared between providers.
type Provider string

const (
	// Ticketing is the workflow/record-keeping platform holding submissions
	// and attachments ("SN").
	Ticketing Provider = "ticketing"

	// IDP is the document-processing API that extracts fields from uploads.
	IDP Provider = "idp"
)

// All lists every known provider in a stable order.
var All = []Provider{Ticketing, IDP}

// Parse converts a user-supplied name into a Provider.
// "sn" and "servicenow" are accepted as aliases for Ticketing.
func Parse(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ticketing", "sn", "servicenow":
		return Ticketing, nil
	case "idp", "document", "documents":
		return IDP, nil
	default:
		return "", fmt.Errorf("unknown provider %q (expected ticketing or idp)", s)
	}
}

// Strategy is the authentication strategy that produced a token.
type Strategy string

const (
	OAuthPassword     Strategy = "oauth_password"
	OAuthAuthCode     Strategy = "oauth_authcode"
	Basic             Strategy = "basic"
	ClientCredentials Strategy = "client_credentials"
)

// Supports reports whether the provider accepts the given strategy.
func (p Provider) Supports(s Strategy) bool {
	switch p {
	case Ticketing:
		return s == OAuthPassword || s == OAuthAuthCode || s == Basic
	case IDP:
		return s == ClientCredentials
	default:
		return false
	}
}

// TokenResponse is the JSON body returned by token endpoints and by the
// gateway's autoconnect route. Failure bodies use Error/ErrorDescription.
type TokenResponse struct {
	AccessToken      string `json:"access_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ErrorBody is the structured error payload written by the gateway.
type ErrorBody struct {
	Error string `json:"error"`
	Cause string `json:"cause,omitempty"`
	// Code is a machine-readable classification; see the ErrorCode constants.
	Code string `json:"code,omitempty"`
}

// Error codes set by the gateway on its own (non-relayed) error bodies.
const (
	ErrorCodeNotConfigured  = "not_configured"
	ErrorCodeUnreachable    = "upstream_unreachable"
	ErrorCodeBadRequest     = "bad_request"
	ErrorCodeTooLarge       = "body_too_large"
	ErrorCodeInvalidSession = "invalid_session"
	ErrorCodeInternal       = "internal"
)
