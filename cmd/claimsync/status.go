package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync and connectivity status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	network := app.Monitor.Status(ctx)
	overall := app.Sync.OverallStatus()
	queueStats := app.Queue.Stats()
	conflictStats := app.Conflicts.Stats()
	storeStats := app.Store.Stats()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"network":   network,
			"sync":      overall,
			"queue":     queueStats,
			"conflicts": conflictStats,
			"store":     storeStats,
		})
		return nil
	}

	if network.Online() {
		printSuccess("Network: online (%s, quality %s)", network.Type, network.Quality)
	} else {
		printError("Network: offline")
	}

	if overall.LastSuccessfulSyncAt > 0 {
		last := time.UnixMilli(overall.LastSuccessfulSyncAt)
		printInfo("Last successful sync: %s ago", time.Since(last).Round(time.Second))
	} else {
		printInfo("Last successful sync: never")
	}

	fmt.Printf("Pending changes:      %d\n", app.Sync.PendingChanges())
	fmt.Printf("Queued operations:    %d (%d failed)\n", queueStats.Total, queueStats.Failed)
	fmt.Printf("Unresolved conflicts: %d\n", conflictStats.Unresolved)

	for entity, count := range storeStats.Entities {
		fmt.Printf("  %-15s %d records\n", entity, count)
	}
	return nil
}
