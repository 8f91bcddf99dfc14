// Package logging provides structured logging for uwgate on top of log/slog.
//
// Every record carries a subsystem attribute so gateway, broker and CLI
// output can be filtered independently:
//
//	logging.Init(logging.LevelInfo, logging.FormatJSON, os.Stderr)
//	logging.Info("Gateway", "Listening on %s", addr)
//	logging.Error("Broker", err, "Token refresh failed for %s", provider)
//
// Access tokens, client secrets and passwords must never be passed to these
// functions. Identifiers such as redirect nonces go through Redact first.
package logging
