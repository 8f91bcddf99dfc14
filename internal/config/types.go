package config

import (
	"strings"
	"time"
)

// Config is the top-level configuration structure for uwgate. The same file
// serves the gateway (`uwgate serve`) and the client commands; each side only
// reads the sections it needs.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Ticketing TicketingConfig `yaml:"ticketing"`
	IDP       IDPConfig       `yaml:"idp"`
	CORS      CORSConfig      `yaml:"cors"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig configures the forwarding gateway HTTP server.
type GatewayConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// UpstreamTimeout bounds every call the gateway makes to an upstream.
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout,omitempty"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty"`

	// APIBodyLimit caps request bodies on the ticketing table route.
	APIBodyLimit int64 `yaml:"apiBodyLimit,omitempty"`
	// UploadBodyLimit caps request bodies on attachment and document routes.
	UploadBodyLimit int64 `yaml:"uploadBodyLimit,omitempty"`

	// SealingKey is a base64 32-byte key used to seal Basic-Auth pseudo-tokens.
	// When empty a random key is generated at start-up.
	SealingKey     string `yaml:"sealingKey,omitempty"`
	SealingKeyFile string `yaml:"sealingKeyFile,omitempty"`
	// PseudoTokenTTL is the declared lifetime of Basic-Auth pseudo-tokens.
	PseudoTokenTTL time.Duration `yaml:"pseudoTokenTTL,omitempty"`
}

// TicketingConfig describes the ticketing system ("SN") upstream.
type TicketingConfig struct {
	// Instance is the base URL, e.g. https://example.service-now.com.
	Instance string `yaml:"instance,omitempty"`

	ClientID         string `yaml:"clientID,omitempty"`
	ClientSecret     string `yaml:"clientSecret,omitempty"`
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// Username/Password are the service account used by autoconnect when the
	// caller supplies no credentials.
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// RedirectURI is registered with the ticketing OAuth application for the
	// authorization-code flow.
	RedirectURI string `yaml:"redirectURI,omitempty"`

	AuthorizePath   string   `yaml:"authorizePath,omitempty"`
	TokenPath       string   `yaml:"tokenPath,omitempty"`
	AutoconnectPath string   `yaml:"autoconnectPath,omitempty"`
	Scopes          []string `yaml:"scopes,omitempty"`
}

// IDPConfig describes the document-processing API and its identity provider.
type IDPConfig struct {
	// AuthURL is the full token endpoint of the identity provider.
	AuthURL string `yaml:"authURL,omitempty"`
	// APIBaseURL is the base URL of the document-processing REST API.
	APIBaseURL string `yaml:"apiBaseURL,omitempty"`

	ClientID         string `yaml:"clientID,omitempty"`
	ClientSecret     string `yaml:"clientSecret,omitempty"`
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`
	Scope            string `yaml:"scope,omitempty"`

	// PathPrefix replaces the /api/idp route prefix when forwarding.
	PathPrefix string `yaml:"pathPrefix"`

	// APIKey, SubmissionKey and Env are client-side identifiers attached to
	// document uploads.
	APIKey        string `yaml:"apiKey,omitempty"`
	SubmissionKey string `yaml:"submissionKey,omitempty"`
	Env           string `yaml:"env,omitempty"`

	// BatchConcurrency limits parallel uploads in a batch.
	BatchConcurrency int `yaml:"batchConcurrency,omitempty"`
}

// CORSConfig lists the browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// Store backends for the client-side credential broker.
const (
	StoreFile    = "file"
	StoreKeyring = "keyring"
	StoreMemory  = "memory"
)

// ClientConfig configures the credential broker used by client commands.
type ClientConfig struct {
	// GatewayURL is where the forwarding gateway listens.
	GatewayURL string `yaml:"gatewayURL,omitempty"`
	// Timeout bounds every call the client makes to the gateway.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// SafetyMargin is subtracted from token expiry before a token is used.
	SafetyMargin time.Duration `yaml:"safetyMargin,omitempty"`
	// Store selects durable storage: file, keyring or memory.
	Store string `yaml:"store,omitempty"`
	// StatePath is the session file for the file store.
	StatePath string `yaml:"statePath,omitempty"`
	// MaxRetries bounds retries of transient failures during auto-refresh.
	MaxRetries int `yaml:"maxRetries,omitempty"`
	// Autoconnect lets the broker open a ticketing session with the
	// gateway's service account when no user has authenticated.
	Autoconnect bool `yaml:"autoconnect,omitempty"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TicketingOAuthConfigured reports whether the password/refresh/code token
// exchange has everything it needs server-side.
func (c TicketingConfig) TicketingOAuthConfigured() bool {
	return c.Instance != "" && c.ClientID != ""
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return joinHostPort(g.Host, g.Port)
}

// AuthorizeURL is the ticketing authorization endpoint for the redirect flow.
func (c TicketingConfig) AuthorizeURL() string {
	if c.Instance == "" || c.AuthorizePath == "" {
		return ""
	}
	return strings.TrimSuffix(c.Instance, "/") + c.AuthorizePath
}
