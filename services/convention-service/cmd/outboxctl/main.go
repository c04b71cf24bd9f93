package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/conventions/libs/config"
)

var (
	serverAddr string
	token      string
	jsonOutput bool
	timeout    time.Duration

	client *adminClient
)

var rootCmd = &cobra.Command{
	Use:           "outboxctl",
	Short:         "Operate the convention-service event outbox",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = newAdminClient(serverAddr, token, timeout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", config.String("OUTBOXCTL_SERVER", "http://localhost:8090"), "convention-service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", config.String("OUTBOXCTL_TOKEN", ""), "admin bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
