package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unioneyes/claimsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed operations and process the queue",
	RunE:  runQueueRetry,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove operations that exhausted their retries",
	RunE:  runQueueClear,
}

var queueListFailed bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueClearCmd)

	queueListCmd.Flags().BoolVar(&queueListFailed, "failed", false,
		"Only show operations that exhausted their retries")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	filter := models.OperationFilter{}
	if queueListFailed {
		exhausted := true
		filter.Exhausted = &exhausted
	}

	ops := app.Queue.List(filter)

	if jsonOutput {
		printJSON(ops)
		return nil
	}

	if len(ops) == 0 {
		printInfo("Queue is empty")
		return nil
	}

	fmt.Printf("%-40s %-8s %-14s %-8s %s\n", "ID", "TYPE", "ENTITY", "RETRIES", "LAST ERROR")
	for _, op := range ops {
		lastError := op.LastError
		if len(lastError) > 40 {
			lastError = lastError[:37] + "..."
		}
		fmt.Printf("%-40s %-8s %-14s %d/%-6d %s\n",
			op.ID, op.Type, op.Entity, op.RetryCount, op.MaxRetries, lastError)
	}

	stats := app.Queue.Stats()
	fmt.Printf("\n%d total, %d pending, %d failed\n", stats.Total, stats.Pending, stats.Failed)
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reset := app.Queue.RetryFailed(ctx)
	if err := app.Queue.Process(ctx); err != nil {
		printError("Queue processing failed: %v", err)
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"reset": reset, "stats": app.Queue.Stats()})
		return nil
	}
	printSuccess("Reset %d failed operations, queue processed", reset)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	cleared := app.Queue.ClearFailed()

	if jsonOutput {
		printJSON(map[string]interface{}{"cleared": cleared})
		return nil
	}
	printSuccess("Cleared %d failed operations", cleared)
	return nil
}
