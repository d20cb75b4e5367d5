package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/extractor"
	"github.com/JakeFAU/callrelay/internal/logging"
)

// newProbeCmd creates the 'probe' subcommand. It runs the record extractor
// over a saved dashboard page, which is how selector drift is diagnosed.
func newProbeCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "probe <page.html>",
		Short: "Extracts call records from a saved dashboard page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := logging.New(true)
				if err != nil {
					return fmt.Errorf("logger init failed: %w", err)
				}
				logger = l
			}
			html, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read page: %w", err)
			}
			records, err := extractor.New(nil, logger).Extract(html)
			if err != nil {
				return err
			}
			if records == nil {
				records = []calls.Record{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(records); err != nil {
				return fmt.Errorf("encode records: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log each strategy decision")
	return cmd
}
