package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybroker/relay/internal/domain"
)

func createWorkerCmd() *cobra.Command {
	var (
		name     string
		endpoint string
		rps      int
	)

	cmd := &cobra.Command{
		Use:   "create-worker",
		Short: "register a worker endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w domain.Worker
			req := map[string]any{"name": name, "endpoint": endpoint, "rps": rps}
			if err := postJSON("/workers", req, &w); err != nil {
				return err
			}
			fmt.Printf("worker created: id=%s name=%s endpoint=%s rps=%d\n", w.ID, w.Name, w.Endpoint, w.RPS)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "HTTP endpoint to invoke")
	cmd.Flags().IntVar(&rps, "rps", 0, "requests per second limit (0 = one delivery per tick)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("endpoint")

	return cmd
}
