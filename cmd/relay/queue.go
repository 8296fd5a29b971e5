package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybroker/relay/internal/domain"
)

func createQueueCmd() *cobra.Command {
	var (
		name       string
		pattern    string
		workerID   string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "create-queue",
		Short: "bind a queue to a worker by routing-key pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q domain.Queue
			req := map[string]any{
				"name":        name,
				"pattern":     pattern,
				"worker_id":   workerID,
				"max_retries": maxRetries,
			}
			if err := postJSON("/queues", req, &q); err != nil {
				return err
			}
			fmt.Printf("queue created: id=%s name=%s pattern=%s worker=%s max_retries=%d\n", q.ID, q.Name, q.Pattern, q.WorkerID, q.MaxRetries)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "queue name")
	cmd.Flags().StringVar(&pattern, "pattern", "", "routing-key binding pattern")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker to deliver to")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget before dead-lettering (0 = default)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("pattern")
	cmd.MarkFlagRequired("worker-id")

	return cmd
}
