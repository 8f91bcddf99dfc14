package config

import (
	"net"
	"strconv"
	"time"
)

const (
	// DefaultGatewayPort matches the port the single-page UI proxies /api to.
	DefaultGatewayPort = 3001

	// DefaultUpstreamTimeout bounds every upstream call made by the gateway.
	DefaultUpstreamTimeout = 30 * time.Second

	// DefaultClientTimeout bounds every call the broker makes to the gateway.
	// It is longer than the upstream timeout so the gateway reports first.
	DefaultClientTimeout = 45 * time.Second

	// DefaultSafetyMargin is subtracted from token expiry before use.
	DefaultSafetyMargin = 60 * time.Second

	DefaultAPIBodyLimit    = 10 << 20
	DefaultUploadBodyLimit = 100 << 20

	DefaultPseudoTokenTTL = 30 * time.Minute

	DefaultTicketingInstance        = "https://nextgenbpmnp1.service-now.com"
	DefaultTicketingAuthorizePath   = "/oauth_auth.do"
	DefaultTicketingTokenPath       = "/oauth_token.do"
	DefaultTicketingAutoconnectPath = "/api/now/table/sys_user?sysparm_limit=1"

	DefaultBatchConcurrency = 4
	DefaultMaxRetries       = 3
)

// DefaultCORSOrigins are the local development origins of the UI.
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:4173",
}

// GetDefaultConfig returns the configuration used before any file or
// environment overrides are applied.
func GetDefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			Host:            "localhost",
			Port:            DefaultGatewayPort,
			UpstreamTimeout: DefaultUpstreamTimeout,
			ShutdownTimeout: 10 * time.Second,
			APIBodyLimit:    DefaultAPIBodyLimit,
			UploadBodyLimit: DefaultUploadBodyLimit,
			PseudoTokenTTL:  DefaultPseudoTokenTTL,
		},
		Ticketing: TicketingConfig{
			Instance:        DefaultTicketingInstance,
			AuthorizePath:   DefaultTicketingAuthorizePath,
			TokenPath:       DefaultTicketingTokenPath,
			AutoconnectPath: DefaultTicketingAutoconnectPath,
		},
		IDP: IDPConfig{
			BatchConcurrency: DefaultBatchConcurrency,
		},
		CORS: CORSConfig{
			AllowedOrigins: append([]string(nil), DefaultCORSOrigins...),
		},
		Client: ClientConfig{
			GatewayURL:   "http://localhost:3001",
			Timeout:      DefaultClientTimeout,
			SafetyMargin: DefaultSafetyMargin,
			Store:        StoreFile,
			MaxRetries:   DefaultMaxRetries,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
