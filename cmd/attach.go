package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"uwgate/internal/broker"
	"uwgate/internal/ticketing"

	"github.com/spf13/cobra"
)

func newAttachCmd() *cobra.Command {
	var tableName, record string
	cmd := &cobra.Command{
		Use:   "attach --table <name> --record <sys_id> <file>",
		Short: "Attach a file to a ticketing record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			att, err := rt.ticketing.UploadAttachment(cmd.Context(), ticketing.AttachmentTarget{
				TableName:  tableName,
				TableSysID: record,
				FileName:   filepath.Base(path),
			}, mime.TypeByExtension(filepath.Ext(path)), f)
			if err != nil {
				return fmt.Errorf("%s: %w", broker.UserMessage(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to %s/%s (attachment %s)\n", att.FileName, tableName, record, att.SysID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tableName, "table", "", "Table of the record, e.g. x_submission")
	cmd.Flags().StringVar(&record, "record", "", "sys_id of the record")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func init() {
	rootCmd.AddCommand(newAttachCmd())
}
