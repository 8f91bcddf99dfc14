package cmd

import (
	"context"
	"fmt"
	"os"

	"uwgate/internal/broker"
	"uwgate/internal/client"
	"uwgate/internal/config"
	"uwgate/internal/idp"
	"uwgate/internal/ticketing"
	"uwgate/pkg/logging"
)

// loadConfig reads configuration from --config-path (or the default
// directory) and initialises logging from it.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.GetDefaultConfigPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	initLogging(cfg)
	return cfg, nil
}

func initLogging(cfg config.Config) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logging.LevelDebug
	}
	logging.Init(level, logging.Format(cfg.Logging.Format), os.Stderr)
}

// clientRuntime bundles everything a client command needs.
type clientRuntime struct {
	cfg       config.Config
	gateway   *client.Client
	broker    *broker.Broker
	sessions  *broker.Sessions
	ticketing *ticketing.Client
	idp       *idp.Client
}

// newClientRuntime wires the gateway client, the durable store and the
// broker together. ephemeral forces the in-memory store.
func newClientRuntime(ctx context.Context, cfg config.Config, ephemeral bool) (*clientRuntime, error) {
	gw, err := client.New(cfg.Client.GatewayURL, cfg.Client.Timeout)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, ephemeral)
	if err != nil {
		return nil, err
	}

	b, err := broker.New(ctx, broker.Options{
		Exchanger:    gw,
		Transport:    gw,
		Store:        store,
		SafetyMargin: cfg.Client.SafetyMargin,
		MaxRetries:   cfg.Client.MaxRetries,
		Redirect: broker.RedirectConfig{
			AuthURL:     cfg.Ticketing.AuthorizeURL(),
			ClientID:    cfg.Ticketing.ClientID,
			RedirectURI: cfg.Ticketing.RedirectURI,
			Scopes:      cfg.Ticketing.Scopes,
		},
		Autoconnect: cfg.Client.Autoconnect,
	})
	if err != nil {
		return nil, err
	}

	tc := ticketing.New(gw, b)
	return &clientRuntime{
		cfg:       cfg,
		gateway:   gw,
		broker:    b,
		sessions:  broker.NewSessions(b, ticketing.Directory{Client: tc}),
		ticketing: tc,
		idp: idp.New(gw, b, idp.Options{
			APIKey:        cfg.IDP.APIKey,
			SubmissionKey: cfg.IDP.SubmissionKey,
			Env:           cfg.IDP.Env,
			Concurrency:   cfg.IDP.BatchConcurrency,
		}),
	}, nil
}

func openStore(cfg config.Config, ephemeral bool) (broker.Store, error) {
	if ephemeral {
		return broker.NewMemoryStore(), nil
	}

	switch cfg.Client.Store {
	case config.StoreMemory:
		return broker.NewMemoryStore(), nil
	case config.StoreKeyring:
		if err := broker.CheckKeyring(); err != nil {
			return nil, fmt.Errorf("system keyring unavailable (set client.store to file): %w", err)
		}
		return broker.NewKeyringStore(), nil
	default:
		path := cfg.Client.StatePath
		if path == "" {
			p, err := broker.DefaultStatePath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		logging.Debug("CLI", "Using session file %s", path)
		return broker.NewFileStore(path), nil
	}
}

// setupClient is the common prologue of client commands.
func setupClient(ctx context.Context, ephemeral bool) (*clientRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClientRuntime(ctx, cfg, ephemeral)
}
