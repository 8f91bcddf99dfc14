package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"uwgate/internal/config"
	"uwgate/internal/gateway"
	"uwgate/pkg/logging"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forwarding gateway",
		Long: `Runs the forwarding gateway in the foreground.

The gateway holds the ticketing and document-processing client secrets and
the ticketing service account, exchanges tokens on behalf of the UI and
forwards API calls with an allow-listed set of headers. Secret files
(clientSecretFile, passwordFile, sealingKeyFile) are watched and reloaded
when they change.

Under systemd (Type=notify) readiness is reported once the listener is
bound. SIGINT and SIGTERM trigger a graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	secrets, err := config.NewSecretSource(cfg)
	if err != nil {
		return err
	}
	watcher, err := config.WatchSecrets(secrets)
	if err != nil {
		return err
	}
	if watcher != nil {
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch secret files: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	srv, err := gateway.New(gateway.Options{Config: cfg, Secrets: secrets})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("Serve", "Failed to notify systemd: %v", err)
	} else if sent {
		logging.Debug("Serve", "Notified systemd of readiness")
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srv.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	timeout := cfg.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
