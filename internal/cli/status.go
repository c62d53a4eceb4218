package cli

import (
	"fmt"

	"github.com/raphaelgruber/kbctl/internal/ingest"
	"github.com/spf13/cobra"
)

func (a *app) statusCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an ingestion job",
		Long: `Show the status of an ingestion job, optionally waiting until it finishes.

Examples:
  kb-ingest status --knowledge-base-id KB123 --data-source-id DS456 JOB789
  kb-ingest status --knowledge-base-id KB123 --data-source-id DS456 --wait JOB789`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.require(flagKnowledgeBaseID, flagDataSourceID); err != nil {
				return err
			}
			ctx := cmd.Context()
			jobID := args[0]

			clients, err := a.newClients(ctx, a.s.Region)
			if err != nil {
				return fmt.Errorf("aws clients: %w", err)
			}
			poller := a.poller(clients.Agent)

			status := poller.Status(ctx, jobID)
			if wait && status.InProgress() {
				outcome, err := poller.Wait(ctx, &ingest.Job{ID: jobID})
				if err != nil {
					return err
				}
				status = outcome.Status
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", jobID, status)
			if status == ingest.StatusError {
				return fmt.Errorf("could not fetch status of job %s", jobID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, flagWait, false, "poll until the job leaves the in-progress states")
	return cmd
}
