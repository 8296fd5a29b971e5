package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	apiAddr    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "relay - a topic-routed HTTP message broker",
		Long:  "relay delivers published JSON messages to HTTP worker endpoints by routing-key pattern, with retries, dead-lettering and delayed delivery.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, env vars override)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8089", "address of a running relay admin API, for client subcommands")

	rootCmd.AddCommand(
		serveCmd(),
		createWorkerCmd(),
		createQueueCmd(),
		publishCmd(),
		deliveriesCmd(),
		deadLettersCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
