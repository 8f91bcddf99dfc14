// Package config provides configuration management for uwgate.
//
// Configuration is loaded once at process start from a single directory,
// ~/.config/uwgate by default or the directory passed with --config-path.
// Loading happens in four steps:
//
//  1. GetDefaultConfig supplies defaults (gateway on port 3001, 30s upstream
//     timeout, 60s token safety margin, the development CORS origins).
//  2. config.yaml in the configuration directory, if present, overrides them.
//  3. Environment variables override the file. The VITE_* names used by the
//     single-page UI build are honoured alongside UWGATE_* names.
//  4. Validate checks every value eagerly and returns ValidationErrors.
//
// Missing upstream settings (for example no idp.authURL) are not a start-up
// error; the gateway reports them per request with a structured 500.
//
// # Secrets
//
// Server-held secrets (client secrets, the service account password and the
// pseudo-token sealing key) can be given inline or through *File keys. A
// SecretSource resolves them and a SecretWatcher reloads them when the files
// change, so rotated Kubernetes secrets take effect without a restart.
//
// # Example config.yaml
//
//	gateway:
//	  port: 3001
//	  upstreamTimeout: 30s
//	ticketing:
//	  instance: https://example.service-now.com
//	  clientID: abc
//	  clientSecretFile: /var/run/secrets/uwgate/sn-client-secret
//	idp:
//	  authURL: https://login.example.com/oauth2/token
//	  apiBaseURL: https://idp.example.com
//	client:
//	  gatewayURL: http://localhost:3001
//	  store: keyring
package config
