package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var logOwner string

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the offline operation log",
	Long:  "Inspect an owner's unsynced and conflicted operations without running the server.",
}

var logPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List an owner's entries awaiting replay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogList(cmd, "pending")
	},
}

var logConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List an owner's conflicted entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogList(cmd, "conflicts")
	},
}

func init() {
	addStoreFlags(logCmd)
	logCmd.PersistentFlags().StringVar(&logOwner, "owner", "", "Owner ID (required)")

	logCmd.AddCommand(logPendingCmd)
	logCmd.AddCommand(logConflictsCmd)
}

func runLogList(cmd *cobra.Command, view string) error {
	if logOwner == "" {
		return errors.New("--owner is required")
	}
	ctx := context.Background()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var entries []types.SyncLogEntry
	if view == "conflicts" {
		entries, err = db.ConflictedEntries(ctx, logOwner)
	} else {
		entries, err = db.PendingEntries(ctx, logOwner)
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", view, err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), types.EntryListResponse{Entries: entries, Total: len(entries)})
	}

	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s entries for %s.\n", view, logOwner)
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tENTITY\tACTION\tORIGIN\tSTATUS\tATTEMPTS\tDETAIL")
	for _, e := range entries {
		detail := e.LastError
		if e.ConflictData != nil {
			detail = e.ConflictData.Message
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.EntityType, e.EntityID,
			e.Action,
			formatTime(e.OriginTimestamp),
			e.Status,
			e.Attempts,
			orDash(detail),
		)
	}
	w.Flush()
	return nil
}
