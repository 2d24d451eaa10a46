package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

func newRunCmd() *cobra.Command {
	var (
		jobID string
		poll  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job now and wait for it to finish",
		Long: `Starts a manual run for the given job, ignoring the run hour, and
prints the finished run as JSON. Ctrl-C cancels the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			run, err := appInstance.RunJob(cmd.Context(), jobID, poll)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return fmt.Errorf("encode run: %w", err)
			}
			if run.Status == discovery.RunStatusFailed {
				return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "discovery job id")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "how often to check the run status")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
