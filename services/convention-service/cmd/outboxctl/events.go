package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect outbox events",
}

var (
	listTopic  string
	listStatus string
	listLimit  int
	listBefore string
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := client.ListEvents(context.Background(), listTopic, listStatus, listLimit, listBefore)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		printEventTable(cmd.OutOrStdout(), list)
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one event with its publication history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evt, err := client.GetEvent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("event %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), evt)
		}
		printEventDetail(cmd.OutOrStdout(), evt)
		return nil
	},
}

func init() {
	eventsListCmd.Flags().StringVar(&listTopic, "topic", "", "filter by topic")
	eventsListCmd.Flags().StringVar(&listStatus, "status", "", "published, unpublished or quarantined")
	eventsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of events")
	eventsListCmd.Flags().StringVar(&listBefore, "before", "", "only events that occurred before this RFC3339 time")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsShowCmd)
}
