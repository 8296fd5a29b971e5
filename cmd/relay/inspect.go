package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaybroker/relay/internal/domain"
)

func deliveriesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deliveries <queue-name>",
		Short: "list a queue's pending deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deliveries []domain.Delivery
			if err := getJSON(fmt.Sprintf("/queues/%s/deliveries?limit=%d", args[0], limit), &deliveries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGE\tROUTING KEY\tRETRIES\tLOCKED\tENQUEUED")
			for _, d := range deliveries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%v\t%s\n", d.ID, d.MessageID, d.RoutingKey, d.Retries, d.Locked, d.EnqueuedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max rows to return")
	return cmd
}

func deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters <queue-name>",
		Short: "list a queue's quarantined deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dead []domain.DeadLetter
			if err := getJSON(fmt.Sprintf("/queues/%s/deadletters?limit=%d", args[0], limit), &dead); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGE\tROUTING KEY\tRETRIES\tLAST ERROR\tDEAD AT")
			for _, d := range dead {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.MessageID, d.RoutingKey, d.Retries, d.LastError, d.DeadAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max rows to return")
	return cmd
}
