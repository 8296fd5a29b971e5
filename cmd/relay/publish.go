package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	var (
		id         string
		routingKey string
		body       string
		delay      int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish a message to be routed to matching queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(body)) {
				return fmt.Errorf("--body must be valid JSON")
			}
			if id == "" {
				id = uuid.New().String()
			}

			var resp struct {
				MessageID  string `json:"message_id"`
				Deliveries int    `json:"deliveries"`
			}
			req := map[string]any{
				"id":            id,
				"routing_key":   routingKey,
				"body":          json.RawMessage(body),
				"delay_seconds": delay,
			}
			if err := postJSON("/publish", req, &resp); err != nil {
				return err
			}
			fmt.Printf("published: message_id=%s deliveries=%d\n", resp.MessageID, resp.Deliveries)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "message id (generated if omitted); reusing an id is rejected as a duplicate")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "message routing key")
	cmd.Flags().StringVar(&body, "body", "{}", "JSON message body")
	cmd.Flags().IntVar(&delay, "delay", 0, "seconds to postpone visibility")
	cmd.MarkFlagRequired("routing-key")

	return cmd
}
