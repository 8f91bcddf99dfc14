package cmd

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"uwgate/internal/broker"
	"uwgate/internal/idp"
	"uwgate/internal/provider"
	ustrings "uwgate/pkg/strings"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newIDPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idp",
		Short: "Work with the document-processing API",
	}

	auth := &cobra.Command{
		Use:   "auth",
		Short: "Obtain a document-processing token with the gateway's client credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			tok, err := rt.broker.Authenticate(cmd.Context(), provider.IDP, broker.ClientCredentials{})
			if err != nil {
				return fmt.Errorf("%s: %w", broker.UserMessage(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document-processing token valid until %s\n", tok.ExpiresAt.Local().Format("15:04:05"))
			return nil
		},
	}

	var record string
	var quiet bool
	upload := &cobra.Command{
		Use:   "upload --record <sys_id> <file>...",
		Short: "Upload documents and start their extraction",
		Long: `Uploads each file to the ingestion endpoint and triggers processing,
linking the submission to the ticketing record given by --record.

Files are uploaded in parallel. A failed file does not stop the others;
the command exits with status 6 when some files failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			files := make([]idp.File, 0, len(args))
			for _, path := range args {
				f := idp.FileFromPath(path)
				f.ContentType = mime.TypeByExtension(filepath.Ext(path))
				files = append(files, f)
			}

			var s *spinner.Spinner
			if !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Writer = cmd.ErrOrStderr()
				s.Suffix = fmt.Sprintf(" Uploading 0/%d...", len(files))
				s.Start()
			}
			progress := func(done, total int, _ idp.FileResult) {
				if s != nil {
					s.Lock()
					s.Suffix = fmt.Sprintf(" Uploading %d/%d...", done, total)
					s.Unlock()
				}
			}

			results, err := rt.idp.UploadAndProcessBatch(cmd.Context(), files, record, progress)
			if s != nil {
				s.Stop()
			}

			var partial *broker.PartialBatchFailure
			if err != nil && !errors.As(err, &partial) {
				return fmt.Errorf("%s: %w", broker.UserMessage(err), err)
			}
			renderUploadResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	upload.Flags().StringVar(&record, "record", "", "sys_id of the ticketing record the documents belong to")
	upload.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress spinner")
	_ = upload.MarkFlagRequired("record")

	cmd.AddCommand(auth, upload)
	return cmd
}

func renderUploadResults(out io.Writer, results []idp.FileResult) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("FILE"),
		text.FgHiCyan.Sprint("RESULT"),
		text.FgHiCyan.Sprint("SUBMISSION"),
		text.FgHiCyan.Sprint("MESSAGE"),
	})

	failed := 0
	for _, r := range results {
		status := text.FgGreen.Sprint("ok")
		message := r.Message
		if !r.Success {
			failed++
			status = text.FgRed.Sprint("failed")
			if r.Err != nil {
				message = broker.UserMessage(r.Err)
			}
		}
		t.AppendRow(table.Row{r.FileName, status, dashIfEmpty(r.SubmissionID), ustrings.OneLine(message, 60)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d ok", len(results)-failed, len(results)), "", ""})
	t.Render()
}

func init() {
	rootCmd.AddCommand(newIDPCmd())
}
