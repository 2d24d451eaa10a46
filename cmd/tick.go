package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass and exit",
		Long: `Performs a single scheduler tick: outside the configured run hour it
does nothing, otherwise every active job that has not succeeded today runs
within the daily cap. Useful from an external cron.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Scheduler().Tick(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(appInstance.Scheduler().Status()); err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			return nil
		},
	}
}
