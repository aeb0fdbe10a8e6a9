package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass against the runtime and exit",
		Long: "Runs one sweeper pass. The registry starts empty, so every " +
			"labelled container is treated as an orphan and removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			report := e.sessions.TriggerCleanup(cmd.Context())
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if len(report.Failures) > 0 {
				return fmt.Errorf("sweep finished with %d failures", len(report.Failures))
			}
			return nil
		},
	}
}

func newPullImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull-images",
		Short: "Pull every configured browser image",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			results, pullErr := e.sessions.PullImages(cmd.Context())
			if err := printJSON(cmd, results); err != nil {
				return err
			}
			return pullErr
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
