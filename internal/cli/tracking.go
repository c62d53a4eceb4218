package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) trackingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Inspect or clear the record of processed files",
		Long: `The processed files record is keyed by knowledge base, data source, bucket
and prefix. The same four values select the record here.

Examples:
  kb-ingest tracking show --knowledge-base-id KB123 --data-source-id DS456 --bucket docs
  kb-ingest tracking reset --knowledge-base-id KB123 --data-source-id DS456 --bucket docs --yes`,
	}

	var keys bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show where processed files are recorded and how many",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.require(flagKnowledgeBaseID, flagDataSourceID, flagBucket); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := a.openTracking(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("tracking is disabled (--%s)", flagNoTracking)
			}
			defer closeStore(store, a.logger)

			set, err := store.Load(ctx)
			if err != nil {
				return fmt.Errorf("load tracking: %w", err)
			}
			fmt.Fprintf(out, "Record:    %s\n", store.Location())
			fmt.Fprintf(out, "Processed: %d files\n", set.Len())
			if keys {
				for _, k := range set.Keys() {
					fmt.Fprintf(out, "  %s\n", k)
				}
			}
			return nil
		},
	}
	show.Flags().BoolVar(&keys, "keys", false, "print every recorded key")

	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Forget every processed file so the next run submits all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.require(flagKnowledgeBaseID, flagDataSourceID, flagBucket); err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			ctx := cmd.Context()

			store, err := a.openTracking(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("tracking is disabled (--%s)", flagNoTracking)
			}
			defer closeStore(store, a.logger)

			if err := store.Reset(ctx); err != nil {
				return fmt.Errorf("reset tracking: %w", err)
			}
			a.logger.Info("tracking record reset", "location", store.Location())
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", store.Location())
			return nil
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "confirm the reset")

	cmd.AddCommand(show, reset)
	return cmd
}
