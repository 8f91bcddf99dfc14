package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"uwgate/internal/broker"
	"uwgate/internal/provider"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login [user-id]",
		Short: "Sign in to the ticketing system",
		Long: `Signs in with the ticketing password grant and stores the session.

Missing values are prompted for. The user ID "demo" opens a demo session
that needs no ticketing account.

Examples:
  uwgate login jdoe
  uwgate login demo`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			username := firstArg(args)
			if !strings.EqualFold(username, broker.DemoUsername) {
				if username, password, err = promptCredentials(username, password); err != nil {
					return err
				}
			}
			info, err := rt.sessions.Login(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("%s: %w", broker.UserMessage(err), err)
			}
			printSession(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "connect [user-id]",
		Short: "Link a ticketing account to the current session",
		Long: `Authenticates against the ticketing system and merges the real profile
into the current session. A demo session stops being a demo.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			username, password, err := promptCredentials(firstArg(args), password)
			if err != nil {
				return err
			}
			info, err := rt.sessions.Connect(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("%s: %w", broker.UserMessage(err), err)
			}
			printSession(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and delete every stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := rt.sessions.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var checkGateway bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session and the state of each provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			info, err := rt.sessions.Restore(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSession(out, info)
			fmt.Fprintln(out)

			statuses := make([]broker.ProviderStatus, 0, len(provider.All))
			for _, p := range provider.All {
				statuses = append(statuses, rt.broker.Status(p))
			}
			renderProviderTable(out, statuses, time.Now())

			if checkGateway {
				fmt.Fprintf(out, "\nGateway:  %s ", rt.cfg.Client.GatewayURL)
				if err := rt.gateway.Health(cmd.Context()); err != nil {
					fmt.Fprintln(out, text.FgRed.Sprint("unreachable"))
					return err
				}
				fmt.Fprintln(out, text.FgGreen.Sprint("ok"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkGateway, "check", false, "Also check that the gateway is reachable")
	return cmd
}

func printSession(out io.Writer, info *broker.SessionInfo) {
	if info == nil || info.Profile == nil {
		fmt.Fprintf(out, "Session:  %s\n", text.FgYellow.Sprint("not signed in"))
		fmt.Fprintln(out, "          Run: uwgate login")
		return
	}

	p := info.Profile
	state := text.FgGreen.Sprint("signed in")
	switch {
	case p.IsDemo:
		state = text.FgCyan.Sprint("demo")
	case !info.Authenticated:
		state = text.FgYellow.Sprint("expired")
	}
	fmt.Fprintf(out, "Session:  %s\n", state)
	fmt.Fprintf(out, "User:     %s (%s)\n", p.Name, p.UserID)
	if p.Email != "" {
		fmt.Fprintf(out, "Email:    %s\n", p.Email)
	}
	fmt.Fprintf(out, "Role:     %s, %s\n", p.Role, p.Domain)
}

func renderProviderTable(out io.Writer, statuses []broker.ProviderStatus, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("PROVIDER"),
		text.FgHiCyan.Sprint("STATE"),
		text.FgHiCyan.Sprint("STRATEGY"),
		text.FgHiCyan.Sprint("EXPIRES"),
		text.FgHiCyan.Sprint("REFRESH"),
	})
	for _, st := range statuses {
		strategy := string(st.Strategy)
		if st.ServiceAccount {
			strategy += " (service account)"
		}
		refresh := "-"
		if st.State != broker.StateUnauthenticated {
			refresh = "no"
			if st.Refreshable {
				refresh = "yes"
			}
		}
		t.AppendRow(table.Row{st.Provider, formatState(st.State), dashIfEmpty(strategy), formatExpiry(st.ExpiresAt, now), refresh})
	}
	t.Render()
}

func formatState(s broker.SessionState) string {
	switch s {
	case broker.StateAuthenticated:
		return text.FgGreen.Sprint(s)
	case broker.StateExpired:
		return text.FgYellow.Sprint(s)
	case broker.StateUnauthenticated:
		return text.FgHiBlack.Sprint(s)
	default:
		return text.FgCyan.Sprint(s)
	}
}

// formatExpiry renders "in 12m" or "3m ago".
func formatExpiry(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	d := at.Sub(now).Round(time.Second)
	if d >= 0 {
		return "in " + d.String()
	}
	return (-d).String() + " ago"
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func init() {
	rootCmd.AddCommand(newLoginCmd(), newConnectCmd(), newLogoutCmd(), newStatusCmd())
}
