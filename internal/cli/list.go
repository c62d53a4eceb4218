package cli

import (
	"fmt"

	"github.com/raphaelgruber/kbctl/internal/batch"
	"github.com/raphaelgruber/kbctl/internal/storage"
	"github.com/spf13/cobra"
)

func (a *app) listCommand() *cobra.Command {
	var skipMetadata, onlyNew bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the objects that would be ingested",
		Long: `List the objects under the bucket and prefix, marking those already
recorded as processed.

Examples:
  kb-ingest list --bucket docs --prefix policies/
  kb-ingest list --bucket docs --knowledge-base-id KB123 --data-source-id DS456 --new`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.require(flagBucket); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			clients, err := a.newClients(ctx, a.s.Region)
			if err != nil {
				return fmt.Errorf("aws clients: %w", err)
			}

			// Tracking is keyed by knowledge base and data source; without them there is
			// nothing to compare against.
			var tracked batch.Membership
			if a.s.KnowledgeBaseID != "" && a.s.DataSourceID != "" {
				store, err := a.openTracking(ctx)
				if err != nil {
					return err
				}
				defer closeStore(store, a.logger)
				if store != nil {
					set, err := store.Load(ctx)
					if err != nil {
						return fmt.Errorf("load tracking: %w", err)
					}
					tracked = set
				}
			}

			objects, err := storage.NewS3Lister(clients.S3, a.logger).ListObjects(ctx, a.s.Bucket, a.s.Prefix)
			if err != nil {
				return err
			}

			shown, done := 0, 0
			for _, obj := range objects {
				if batch.DirectoryMarker(obj.Key) || (skipMetadata && batch.MetadataFile(obj.Key)) {
					continue
				}
				processed := tracked != nil && tracked.Contains(obj.Key)
				if processed {
					done++
					if onlyNew {
						continue
					}
				}
				mark := " "
				if processed {
					mark = "✓"
				}
				fmt.Fprintf(out, "%s %10d  %s  %s\n", mark, obj.Size, obj.LastModified.Format("2006-01-02 15:04"), obj.Key)
				shown++
			}

			fmt.Fprintf(out, "\n%d objects in %s", shown, batch.URI(a.s.Bucket, a.s.Prefix))
			if tracked != nil {
				fmt.Fprintf(out, " (%d already processed)", done)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMetadata, flagSkipMetadata, false, "hide .metadata.json files")
	cmd.Flags().BoolVar(&onlyNew, "new", false, "only show files not yet processed")
	return cmd
}
