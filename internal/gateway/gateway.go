package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"uwgate/internal/clock"
	"uwgate/internal/config"
	"uwgate/pkg/logging"

	"github.com/go-chi/chi/v5"
)

const readHeaderTimeout = 10 * time.Second

// Options configure a gateway Server.
type Options struct {
	Config config.Config
	// Secrets supplies server-held secrets. Nil means none are configured.
	Secrets *config.SecretSource
	// HTTPClient performs upstream calls. Defaults to a client with
	// Config.Gateway.UpstreamTimeout.
	HTTPClient *http.Client
	Metrics    *Metrics
	Clock      clock.Clock
}

// Server is the forwarding gateway.
type Server struct {
	cfg      config.Config
	secrets  *config.SecretSource
	upstream *http.Client
	metrics  *Metrics
	clock    clock.Clock
	router   chi.Router

	// ephemeralKey seals pseudo-tokens when no sealing key is configured.
	ephemeralKey *[32]byte

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	done       chan error
}

// New builds a gateway Server. It does not start listening.
func New(opts Options) (*Server, error) {
	s := &Server{
		cfg:      opts.Config,
		secrets:  opts.Secrets,
		upstream: opts.HTTPClient,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}
	if s.secrets == nil {
		s.secrets = config.StaticSecrets(config.Secrets{})
	}
	if s.upstream == nil {
		timeout := s.cfg.Gateway.UpstreamTimeout
		if timeout <= 0 {
			timeout = config.DefaultUpstreamTimeout
		}
		s.upstream = &http.Client{Timeout: timeout}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	s.ephemeralKey = &key
	if s.secrets.Current().SealingKey == nil {
		logging.Warn("Gateway", "No sealing key configured; autoconnect sessions will not survive a restart")
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		requestID,
		s.metrics.middleware,
		recoverer,
		accessLog,
		corsHandler(s.cfg.AllowedOrigins()),
	)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/auth/ticketing/oauth", s.ticketingToken)
	r.Post("/auth/ticketing/autoconnect", s.autoconnect)
	r.HandleFunc("/api/ticketing", s.ticketingAPI)
	r.HandleFunc("/api/ticketing/attachment/*", s.ticketingAttachment)

	r.Post("/auth/idp", s.idpToken)
	r.HandleFunc("/api/idp/*", s.idpAPI)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "", "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", "")
	})
	return r
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the gateway's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sealingKey prefers the configured key so pseudo-tokens survive restarts
// and rotate with the key file.
func (s *Server) sealingKey() *[32]byte {
	if k := s.secrets.Current().SealingKey; k != nil {
		return k
	}
	return s.ephemeralKey
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("gateway already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Gateway.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Gateway.Addr(), err)
	}

	s.listener = ln
	s.done = make(chan error, 1)
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func(srv *http.Server, done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.httpServer, s.done)

	logging.Info("Gateway", "Listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done yields the error that stopped the server, or nil after a clean
// Shutdown.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	logging.Info("Gateway", "Shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown failed: %w", err)
	}
	return nil
}
