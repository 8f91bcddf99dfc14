package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"uwgate/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/uwgate"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns ~/.config/uwgate.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig builds the configuration once at process start: defaults, then
// config.yaml from configPath (if present), then environment overrides, then
// eager validation.
func LoadConfig(configPath string) (Config, error) {
	return loadConfig(configPath, os.LookupEnv)
}

func loadConfig(configPath string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := GetDefaultConfig()

	if configPath != "" {
		configFilePath := filepath.Join(configPath, configFileName)
		data, err := os.ReadFile(configFilePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
		case err != nil:
			return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
			}
			logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
		}
	}

	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envStrings maps environment variable names to string fields. The VITE_*
// names are the ones the UI build already uses, so one .env serves both.
func envStrings(cfg *Config) map[string]*string {
	return map[string]*string{
		"UWGATE_HOST":                   &cfg.Gateway.Host,
		"UWGATE_SEALING_KEY":            &cfg.Gateway.SealingKey,
		"UWGATE_SEALING_KEY_FILE":       &cfg.Gateway.SealingKeyFile,
		"VITE_SN_INSTANCE":              &cfg.Ticketing.Instance,
		"VITE_SN_CLIENT_ID":             &cfg.Ticketing.ClientID,
		"VITE_SN_CLIENT_SECRET":         &cfg.Ticketing.ClientSecret,
		"UWGATE_SN_CLIENT_SECRET_FILE":  &cfg.Ticketing.ClientSecretFile,
		"VITE_SN_USERNAME":              &cfg.Ticketing.Username,
		"VITE_SN_PASSWORD":              &cfg.Ticketing.Password,
		"UWGATE_SN_PASSWORD_FILE":       &cfg.Ticketing.PasswordFile,
		"VITE_SN_REDIRECT_URI":          &cfg.Ticketing.RedirectURI,
		"VITE_IDP_AUTH_URL":             &cfg.IDP.AuthURL,
		"VITE_IDP_API_BASE_URL":         &cfg.IDP.APIBaseURL,
		"VITE_IDP_CLIENT_ID":            &cfg.IDP.ClientID,
		"VITE_IDP_CLIENT_SECRET":        &cfg.IDP.ClientSecret,
		"UWGATE_IDP_CLIENT_SECRET_FILE": &cfg.IDP.ClientSecretFile,
		"UWGATE_IDP_PATH_PREFIX":        &cfg.IDP.PathPrefix,
		"VITE_IDP_API_KEY":              &cfg.IDP.APIKey,
		"VITE_IDP_SUBMISSION_KEY":       &cfg.IDP.SubmissionKey,
		"VITE_IDP_ENV":                  &cfg.IDP.Env,
		"UWGATE_GATEWAY_URL":            &cfg.Client.GatewayURL,
		"UWGATE_STORE":                  &cfg.Client.Store,
		"UWGATE_STATE_PATH":             &cfg.Client.StatePath,
		"UWGATE_LOG_LEVEL":              &cfg.Logging.Level,
		"UWGATE_LOG_FORMAT":             &cfg.Logging.Format,
	}
}

func envDurations(cfg *Config) map[string]*time.Duration {
	return map[string]*time.Duration{
		"UWGATE_UPSTREAM_TIMEOUT": &cfg.Gateway.UpstreamTimeout,
		"UWGATE_CLIENT_TIMEOUT":   &cfg.Client.Timeout,
		"UWGATE_SAFETY_MARGIN":    &cfg.Client.SafetyMargin,
	}
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	for name, field := range envStrings(cfg) {
		if v, ok := lookupEnv(name); ok && v != "" {
			*field = v
		}
	}

	for name, field := range envDurations(cfg) {
		v, ok := lookupEnv(name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return ValidationError{Field: name, Value: v, Message: "must be a duration such as 30s"}
		}
		*field = d
	}

	if v, ok := lookupEnv("UWGATE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ValidationError{Field: "UWGATE_PORT", Value: v, Message: "must be an integer"}
		}
		cfg.Gateway.Port = port
	}

	if v, ok := lookupEnv("UWGATE_AUTOCONNECT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ValidationError{Field: "UWGATE_AUTOCONNECT", Value: v, Message: "must be a boolean"}
		}
		cfg.Client.Autoconnect = b
	}

	if v, ok := lookupEnv("UWGATE_CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}

	return nil
}

// AllowedOrigins returns the CORS allow-list: configured origins plus the
// origin of the ticketing redirect URI (the production UI).
func (c Config) AllowedOrigins() []string {
	origins := append([]string(nil), c.CORS.AllowedOrigins...)
	if prod := strings.TrimSuffix(c.Ticketing.RedirectURI, "/"); prod != "" {
		for _, o := range origins {
			if o == prod {
				return origins
			}
		}
		origins = append(origins, prod)
	}
	return origins
}
