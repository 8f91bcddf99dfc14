package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateOptionalURL checks that a non-empty value is an absolute http(s) URL.
func ValidateOptionalURL(field, value string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ValidationError{
			Field:   field,
			Value:   value,
			Message: "must be an absolute http or https URL",
		}
	}
	return nil
}

// Validate checks the whole configuration eagerly. Missing upstream values
// are not errors here: the affected gateway routes report them per request.
// Malformed values are.
func (c Config) Validate() error {
	var errs ValidationErrors

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs.Add("gateway.port", "must be between 1 and 65535", c.Gateway.Port)
	}
	if c.Gateway.UpstreamTimeout <= 0 {
		errs.Add("gateway.upstreamTimeout", "must be positive", c.Gateway.UpstreamTimeout)
	}
	if c.Gateway.APIBodyLimit <= 0 {
		errs.Add("gateway.apiBodyLimit", "must be positive", c.Gateway.APIBodyLimit)
	}
	if c.Gateway.UploadBodyLimit <= 0 {
		errs.Add("gateway.uploadBodyLimit", "must be positive", c.Gateway.UploadBodyLimit)
	}
	if c.Gateway.PseudoTokenTTL <= 0 {
		errs.Add("gateway.pseudoTokenTTL", "must be positive", c.Gateway.PseudoTokenTTL)
	}
	if c.Gateway.SealingKey != "" {
		if key, err := base64.StdEncoding.DecodeString(c.Gateway.SealingKey); err != nil || len(key) != 32 {
			errs.Add("gateway.sealingKey", "must be 32 bytes encoded as standard base64")
		}
	}

	urlFields := map[string]string{
		"ticketing.instance":    c.Ticketing.Instance,
		"ticketing.redirectURI": c.Ticketing.RedirectURI,
		"idp.authURL":           c.IDP.AuthURL,
		"idp.apiBaseURL":        c.IDP.APIBaseURL,
		"client.gatewayURL":     c.Client.GatewayURL,
	}
	for field, value := range urlFields {
		if err := ValidateOptionalURL(field, value); err != nil {
			errs = append(errs, err.(ValidationError))
		}
	}
	for i, origin := range c.CORS.AllowedOrigins {
		if err := ValidateOptionalURL(fmt.Sprintf("cors.allowedOrigins[%d]", i), origin); err != nil {
			errs = append(errs, err.(ValidationError))
		}
	}

	if c.IDP.PathPrefix != "" && !strings.HasPrefix(c.IDP.PathPrefix, "/") {
		errs.Add("idp.pathPrefix", "must be empty or start with /", c.IDP.PathPrefix)
	}
	if c.IDP.BatchConcurrency <= 0 {
		errs.Add("idp.batchConcurrency", "must be positive", c.IDP.BatchConcurrency)
	}

	if c.Client.Timeout <= 0 {
		errs.Add("client.timeout", "must be positive", c.Client.Timeout)
	}
	if c.Client.SafetyMargin < 0 {
		errs.Add("client.safetyMargin", "must not be negative", c.Client.SafetyMargin)
	}
	if c.Client.MaxRetries < 0 {
		errs.Add("client.maxRetries", "must not be negative", c.Client.MaxRetries)
	}
	if err := ValidateOneOf("client.store", c.Client.Store, []string{StoreFile, StoreKeyring, StoreMemory}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	if err := ValidateOneOf("logging.format", c.Logging.Format, []string{"text", "json"}); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
