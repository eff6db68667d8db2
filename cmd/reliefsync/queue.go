package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the emergency dispatch queue",
	Long:  "Inspect queued emergency calls without running the server.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued emergency calls, including failed ones",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func init() {
	addStoreFlags(queueCmd)
	queueCmd.AddCommand(queueListCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	resp := types.QueueListResponse{Items: items, Total: len(items)}
	for i := range items {
		if items[i].Failed() {
			resp.Failed++
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Emergency queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tPHONE\tENQUEUED\tRETRIES\tSTATE\tLAST ERROR")
	for _, item := range items {
		state := "pending"
		if item.Failed() {
			state = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			item.ID,
			item.Payload.ContactPhone,
			formatTime(item.EnqueuedAt),
			item.Retries, item.MaxRetries,
			state,
			orDash(item.LastError),
		)
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d queued, %d failed\n", resp.Total, resp.Failed)
	return nil
}
