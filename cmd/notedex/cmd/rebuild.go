package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/health"
)

func newRebuildCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drop both stores and re-index every document from disk",
		Long: `Rebuild unconditionally regenerates the index: both store schemas are
dropped and recreated, the document tree is re-scanned, and a full
re-index task is enqueued for every document. With --wait the queue is
drained before exiting; otherwise the next serve run processes it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer rt.close()

			opts := healthOptions(cfg, rt.logger)
			enqueued, err := health.RebuildInPlace(ctx, opts, &rt.health.Stores)
			if err != nil {
				return err
			}
			fmt.Printf("Rebuild enqueued %d documents\n", enqueued)

			if !wait {
				return nil
			}
			return drainQueue(ctx, rt)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Process all enqueued tasks before exiting")
	return cmd
}

// drainQueue processes tasks inline until none are pending.
func drainQueue(ctx context.Context, rt *runtime) error {
	processed, failed := 0, 0
	for {
		task, err := rt.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			break
		}
		if err := rt.indexer.ProcessTask(ctx, task); err != nil {
			failed++
			rt.logger.Warn("task failed during rebuild",
				"document_id", task.DocumentID, "error", err)
			if err := rt.queue.Fail(ctx, task.ID, err); err != nil {
				return err
			}
			continue
		}
		if err := rt.queue.Complete(ctx, task.ID); err != nil {
			return err
		}
		processed++
	}

	fmt.Printf("Processed %d tasks", processed)
	if failed > 0 {
		fmt.Printf(", %d failed (see 'notedex status')", failed)
	}
	fmt.Println()
	return nil
}
