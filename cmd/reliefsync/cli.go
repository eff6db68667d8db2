package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reliefsync/internal/config"
	"github.com/hyperengineering/reliefsync/internal/store"
)

// Flags shared by the offline operator commands.
var (
	dbPathOverride string
	jsonOutput     bool
)

// addStoreFlags registers --db and --json on an operator command group.
func addStoreFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and RELIEFSYNC_DB_PATH)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// openStore opens the sync database named by --db or the configuration.
func openStore() (*store.SQLiteStore, error) {
	path := dbPathOverride
	if path == "" {
		dbCfg, err := config.LoadDatabaseConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = dbCfg.Path
	}
	return store.NewSQLiteStore(path)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// orDash substitutes "-" for empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
