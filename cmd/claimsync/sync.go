package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/unioneyes/claimsync/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity]",
	Short: "Synchronize with the server",
	Long: `Sync pushes local changes to the server and pulls remote updates.

With no argument, every registered entity syncs in priority order.
Name an entity to sync just that one.`,
	Example: `  claimsync sync
  claimsync sync claims
  claimsync sync --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var (
	syncWatch     bool
	syncDirection string
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep running: background interval, connectivity and realtime triggers")
	syncCmd.Flags().StringVarP(&syncDirection, "direction", "d", "both",
		"Sync direction (push, pull, both)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nInterrupted, shutting down...")
		cancel()
	}()

	app.Start(ctx)

	unsub := app.Sync.AddStatusListener(func(entity string, st models.SyncStatus) {
		if jsonOutput || !st.Syncing {
			return
		}
		fmt.Printf("\r%-15s %3.0f%%", entity, st.Progress)
	})
	defer unsub()

	start := time.Now()
	var err error
	if len(args) == 1 {
		err = app.Sync.Sync(ctx, args[0], models.SyncDirection(syncDirection))
	} else {
		err = app.Sync.SyncAll(ctx)
	}
	fmt.Println()

	status := app.Sync.OverallStatus()
	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":             err == nil,
			"duration":            time.Since(start).String(),
			"pendingChanges":      status.PendingChanges,
			"failedOperations":    status.FailedOperations,
			"unresolvedConflicts": app.Conflicts.Stats().Unresolved,
		})
	} else {
		if status.PendingChanges > 0 {
			printWarning("Pending changes: %d", status.PendingChanges)
		}
		if status.FailedOperations > 0 {
			printWarning("Failed operations: %d (see 'claimsync queue list')", status.FailedOperations)
		}
		if unresolved := app.Conflicts.Stats().Unresolved; unresolved > 0 {
			printWarning("Unresolved conflicts: %d (see 'claimsync conflicts list')", unresolved)
		}
	}

	if err != nil {
		printError("Sync failed: %v", err)
		return err
	}

	if !jsonOutput {
		printSuccess("Sync completed in %s", time.Since(start).Round(time.Millisecond))
	}

	if syncWatch {
		printInfo("Watching for changes (Ctrl-C to stop)...")
		<-ctx.Done()
	}
	return nil
}
