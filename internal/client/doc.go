// Package client talks to a running uwgate gateway.
//
// Client implements broker.Exchanger for the token routes (/auth/...) and
// carries the protected /api/... requests issued through broker.Broker.Do.
// Every call has a finite timeout; a timeout is reported exactly like any
// other network failure, as *broker.UpstreamTransientError.
//
// Gateway responses are classified into the broker error taxonomy:
//
//   - structured "not_configured" errors become *broker.ConfigurationError
//   - network failures, timeouts and 5xx answers become
//     *broker.UpstreamTransientError
//   - other 4xx answers on token routes become *broker.AuthenticationError
//     carrying the relayed status, error code and description
package client
