package broker

import (
	"errors"
	"fmt"
	"strings"

	"uwgate/internal/provider"
)

// Kind classifies broker errors so callers can branch exhaustively instead
// of matching on messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthentication
	KindInvalidCallback
	KindUpstreamTransient
	KindTokenUnavailable
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindInvalidCallback:
		return "invalid_callback"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindTokenUnavailable:
		return "token_unavailable"
	case KindPartialBatch:
		return "partial_batch"
	default:
		return "unknown"
	}
}

// ConfigurationError means a required server-side value is missing. It is
// never retried.
type ConfigurationError struct {
	Provider provider.Provider
	Message  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: not configured: %s", e.Provider, e.Message)
}

func (e *ConfigurationError) Kind() Kind { return KindConfiguration }

// AuthenticationError means the upstream rejected the credentials. Status,
// Code and Description come from the relayed upstream response.
type AuthenticationError struct {
	Provider    provider.Provider
	Status      int
	Code        string
	Description string
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: authentication failed", e.Provider)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, ": %s", e.Description)
	}
	return b.String()
}

func (e *AuthenticationError) Kind() Kind { return KindAuthentication }

// InvalidCallbackError rejects a redirect callback whose nonce is absent,
// expired, mismatched or already consumed.
type InvalidCallbackError struct {
	Provider provider.Provider
	Reason   string
}

func (e *InvalidCallbackError) Error() string {
	return fmt.Sprintf("%s: invalid redirect callback: %s", e.Provider, e.Reason)
}

func (e *InvalidCallbackError) Kind() Kind { return KindInvalidCallback }

// UpstreamTransientError covers network failures, timeouts and 5xx
// responses. Callers may retry.
type UpstreamTransientError struct {
	Provider provider.Provider
	Status   int
	Body     string
	Cause    error
}

func (e *UpstreamTransientError) Error() string {
	msg := fmt.Sprintf("%s: upstream unavailable", e.Provider)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *UpstreamTransientError) Unwrap() error { return e.Cause }

func (e *UpstreamTransientError) Kind() Kind { return KindUpstreamTransient }

// TokenUnavailableError means there is no usable token and no way to obtain
// one without the user authenticating again.
type TokenUnavailableError struct {
	Provider provider.Provider
	Reason   string
}

func (e *TokenUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: no token available", e.Provider)
	}
	return fmt.Sprintf("%s: no token available: %s", e.Provider, e.Reason)
}

func (e *TokenUnavailableError) Kind() Kind { return KindTokenUnavailable }

// PartialBatchFailure reports that some items of a batch failed. The
// successful items are still delivered alongside it.
type PartialBatchFailure struct {
	Total  int
	Failed []string
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%d of %d files failed: %s", len(e.Failed), e.Total, strings.Join(e.Failed, ", "))
}

func (e *PartialBatchFailure) Kind() Kind { return KindPartialBatch }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}

// UserMessage turns an error into the sentence shown to the person at the
// keyboard.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindConfiguration:
		return "The service is not configured on the gateway. Contact your administrator."
	case KindAuthentication:
		var ae *AuthenticationError
		errors.As(err, &ae)
		if ae.Description != "" {
			return "Login failed: " + ae.Description + ". Please check your credentials."
		}
		return "Login failed. Please check your credentials."
	case KindInvalidCallback:
		return "The sign-in callback could not be verified. Start the sign-in again."
	case KindUpstreamTransient:
		return "The service is unavailable right now. Try again shortly."
	case KindTokenUnavailable:
		return "You are not signed in. Run `uwgate login` first."
	case KindPartialBatch:
		return err.Error()
	default:
		return err.Error()
	}
}
