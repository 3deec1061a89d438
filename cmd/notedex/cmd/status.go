package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/queue"
	"github.com/notedex/notedex/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index and task-queue status",
		Long: `Status reads the metadata database directly without repairing or
locking anything, so it is safe to run next to a serve process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if _, err := os.Stat(cfg.MetadataDBPath()); err != nil {
				fmt.Println("No index found. Run 'notedex serve' or 'notedex rebuild' first.")
				return nil
			}

			metadata, err := store.OpenSQLiteStoreNoSchema(cfg.MetadataDBPath())
			if err != nil {
				return err
			}
			defer metadata.Close()

			docs, err := metadata.CountDocuments(ctx)
			if err != nil {
				return err
			}
			chunks, err := metadata.CountChunks(ctx)
			if err != nil {
				return err
			}

			q := queue.New(metadata, queue.Options{MaxRetries: cfg.Queue.MaxRetries})
			counts, err := q.Counts(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Documents:  %d\n", docs)
			fmt.Printf("Chunks:     %d\n", chunks)
			fmt.Printf("Tasks:      %d pending, %d processing, %d completed, %d failed\n",
				counts.Pending, counts.Processing, counts.Completed, counts.Failed)

			if model, err := metadata.GetState(ctx, store.StateKeyEmbeddingModel); err == nil && model != "" {
				fmt.Printf("Embeddings: %s\n", model)
			}

			printFailures(ctx, q)
			return nil
		},
	}
}

func printFailures(ctx context.Context, q *queue.TaskQueue) {
	failed, err := q.ListFailed(ctx, 5)
	if err != nil || len(failed) == 0 {
		return
	}
	fmt.Println("\nRecent failures:")
	for _, task := range failed {
		fmt.Printf("  %s (%s): %s\n", task.DocumentPath, task.TaskType, task.ErrorMessage)
	}
}
