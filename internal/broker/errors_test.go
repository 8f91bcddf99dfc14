package broker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"uwgate/internal/provider"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&ConfigurationError{Provider: provider.IDP, Message: "idp.authURL"}, KindConfiguration},
		{&AuthenticationError{Provider: provider.Ticketing, Status: 401}, KindAuthentication},
		{&InvalidCallbackError{Provider: provider.Ticketing}, KindInvalidCallback},
		{&UpstreamTransientError{Provider: provider.IDP, Status: 502}, KindUpstreamTransient},
		{&TokenUnavailableError{Provider: provider.IDP}, KindTokenUnavailable},
		{&PartialBatchFailure{Total: 3, Failed: []string{"b.pdf"}}, KindPartialBatch},
		{fmt.Errorf("wrapped: %w", &AuthenticationError{}), KindAuthentication},
		{errors.New("plain"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&UpstreamTransientError{}))
	assert.False(t, IsRetryable(&AuthenticationError{}))
	assert.False(t, IsRetryable(&ConfigurationError{}))
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(&AuthenticationError{}), "check your credentials")
	assert.Contains(t, UserMessage(&AuthenticationError{Description: "bad password"}), "bad password")
	assert.Contains(t, UserMessage(&UpstreamTransientError{}), "unavailable")
	assert.Contains(t, UserMessage(&ConfigurationError{}), "not configured")
	assert.Equal(t, "", UserMessage(nil))
}

func TestErrorStrings(t *testing.T) {
	err := &AuthenticationError{Provider: provider.Ticketing, Status: 401, Code: "invalid_grant", Description: "expired"}
	assert.Equal(t, "ticketing: authentication failed (status 401): invalid_grant: expired", err.Error())

	cause := errors.New("dial tcp: connection refused")
	transient := &UpstreamTransientError{Provider: provider.IDP, Cause: cause}
	assert.ErrorIs(t, transient, cause)

	batch := &PartialBatchFailure{Total: 3, Failed: []string{"b.pdf"}}
	assert.True(t, strings.HasPrefix(batch.Error(), "1 of 3 files failed"))
}

func TestRedactedToken(t *testing.T) {
	tok := NewRedactedToken("super-secret")
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", tok))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", tok))
	assert.NotContains(t, fmt.Sprintf("%#v", tok), "super-secret")
	assert.NotContains(t, fmt.Sprintf("%+v", Token{AccessToken: tok}), "super-secret")
	assert.Equal(t, "super-secret", tok.Value())
}
