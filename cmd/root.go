package cmd

import (
	"os"

	"uwgate/internal/broker"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable session exists; run login.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the provider rejected the credentials or
	// the redirect callback.
	ExitCodeAuthFailed = 3
	// ExitCodeConfiguration indicates a provider is not configured.
	ExitCodeConfiguration = 4
	// ExitCodeUnavailable indicates the gateway or an upstream is unreachable.
	ExitCodeUnavailable = 5
	// ExitCodePartialFailure indicates some files of a batch failed.
	ExitCodePartialFailure = 6
)

var (
	// configPath overrides the configuration directory (default ~/.config/uwgate).
	configPath string
	// debug forces debug logging regardless of logging.level.
	debug bool
)

// rootCmd represents the base command for the uwgate application.
var rootCmd = &cobra.Command{
	Use:   "uwgate",
	Short: "Credential broker and forwarding gateway for the underwriting workbench",
	Long: `uwgate brokers credentials for the ticketing system and the
document-processing API, and runs the gateway that forwards calls to both.

Run 'uwgate serve' on the server side. On the client side, 'uwgate login'
opens a session; other commands reuse and refresh it automatically.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "uwgate version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps broker error kinds onto exit codes for scripting.
func getExitCode(err error) int {
	switch broker.KindOf(err) {
	case broker.KindTokenUnavailable:
		return ExitCodeAuthRequired
	case broker.KindAuthentication, broker.KindInvalidCallback:
		return ExitCodeAuthFailed
	case broker.KindConfiguration:
		return ExitCodeConfiguration
	case broker.KindUpstreamTransient:
		return ExitCodeUnavailable
	case broker.KindPartialBatch:
		return ExitCodePartialFailure
	default:
		return ExitCodeError
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Directory containing config.yaml (default ~/.config/uwgate)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
}
