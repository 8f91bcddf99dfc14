package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"uwgate/internal/provider"
	"uwgate/pkg/logging"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Gateway", "Failed to write response: %v", err)
	}
}

// writeError writes the gateway's own structured error body.
func writeError(w http.ResponseWriter, status int, code, message, cause string) {
	writeJSON(w, status, provider.ErrorBody{Error: message, Cause: cause, Code: code})
}

func notConfigured(w http.ResponseWriter, what string) {
	writeError(w, http.StatusInternalServerError, provider.ErrorCodeNotConfigured, what+" not configured", "")
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, provider.ErrorCodeBadRequest, message, "")
}

// isTooLarge reports whether err came from a body that exceeded its limit.
func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func tooLarge(w http.ResponseWriter, limit int64) {
	writeError(w, http.StatusRequestEntityTooLarge, provider.ErrorCodeTooLarge,
		"request body too large", fmt.Sprintf("limit is %d bytes", limit))
}

// upstreamFailed reports a network-level failure talking to an upstream:
// DNS, refused connections, TLS errors and timeouts all end up here.
func upstreamFailed(w http.ResponseWriter, p provider.Provider, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		tooLarge(w, maxErr.Limit)
		return
	}
	writeError(w, http.StatusInternalServerError, provider.ErrorCodeUnreachable,
		string(p)+" upstream request failed", networkCause(err))
}

// networkCause strips the request URL from err and names the failure.
func networkCause(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
