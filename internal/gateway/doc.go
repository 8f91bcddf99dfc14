// Package gateway implements the forwarding gateway: a stateless HTTP server
// that sits between the UI (or the uwgate client) and the two upstreams.
//
// The gateway holds the server-side secrets (OAuth client secrets, the
// ticketing service account and the pseudo-token sealing key) and never
// returns them. Browser-supplied client secrets are discarded, only
// allow-listed headers are forwarded, and upstream answers are relayed with
// their original status and body. Errors the gateway raises itself are JSON
// bodies of the form {"error": ..., "cause": ..., "code": ...}.
//
// Routes:
//
//	POST /auth/ticketing/oauth        token exchange (password, refresh_token, authorization_code)
//	POST /auth/ticketing/autoconnect  Basic-Auth check, answers with a sealed pseudo-token
//	ANY  /api/ticketing?snpath=...    ticketing table API
//	ANY  /api/ticketing/attachment/*  ticketing attachment API
//	POST /auth/idp                    client-credentials exchange
//	ANY  /api/idp/*                   document-processing API
//	GET  /healthz                     liveness
//	GET  /metrics                     Prometheus metrics
//
// No request is retried by the gateway; retry policy belongs to the client.
package gateway
