package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict with a chosen value",
	Long: `Resolve records your chosen value for a conflict held for manual
review. Pick one side with --use, or supply a full replacement payload
with --data.`,
	Example: `  claimsync conflicts resolve conflict_claims_42_... --use local
  claimsync conflicts resolve conflict_claims_42_... --data '{"id":"42","status":"approved"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Purge old resolved conflicts",
	RunE:  runConflictsClear,
}

var (
	conflictEntity    string
	conflictUse       string
	conflictData      string
	conflictClearDays int
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsClearCmd)

	conflictsListCmd.Flags().StringVarP(&conflictEntity, "entity", "e", "",
		"Only show conflicts for this entity type")
	conflictsResolveCmd.Flags().StringVar(&conflictUse, "use", "",
		"Take one side wholesale (local or server)")
	conflictsResolveCmd.Flags().StringVar(&conflictData, "data", "",
		"Replacement payload as JSON")
	conflictsClearCmd.Flags().IntVar(&conflictClearDays, "older-than", 7,
		"Purge resolved conflicts older than this many days")
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	conflicts := app.Conflicts.Unresolved(conflictEntity)

	if jsonOutput {
		printJSON(conflicts)
		return nil
	}

	if len(conflicts) == 0 {
		printSuccess("No unresolved conflicts")
		return nil
	}

	for _, c := range conflicts {
		age := time.Since(time.UnixMilli(c.LocalTimestamp)).Round(time.Minute)
		fmt.Printf("%s\n", c.ID)
		fmt.Printf("  entity: %s/%s  strategy: %s  age: %s\n",
			c.Entity, c.EntityID, c.Strategy, age)
		for _, fc := range c.FieldConflicts {
			fmt.Printf("  %s: local=%v server=%v\n", fc.Field, fc.LocalValue, fc.ServerValue)
		}
	}
	fmt.Printf("\n%d unresolved\n", len(conflicts))
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	id := args[0]

	c, ok := app.Conflicts.Get(id)
	if !ok {
		printError("Conflict %s not found", id)
		os.Exit(1)
	}

	var resolution json.RawMessage
	switch {
	case conflictData != "":
		if !json.Valid([]byte(conflictData)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		resolution = json.RawMessage(conflictData)
	case conflictUse == "local":
		resolution = c.LocalVersion
	case conflictUse == "server":
		resolution = c.ServerVersion
	default:
		return fmt.Errorf("pass --use local, --use server, or --data")
	}

	if err := app.Conflicts.ResolveManually(id, resolution); err != nil {
		return err
	}

	// The chosen value becomes the local truth and syncs out normally.
	if err := app.Store.Save(c.Entity, resolution); err != nil {
		return fmt.Errorf("apply resolution: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"resolved": id})
	} else {
		printSuccess("Conflict %s resolved", id)
	}
	return nil
}

func runConflictsClear(cmd *cobra.Command, args []string) error {
	cleared := app.Conflicts.ClearResolved(conflictClearDays)

	if jsonOutput {
		printJSON(map[string]interface{}{"cleared": cleared})
	} else {
		printSuccess("Cleared %d resolved conflicts", cleared)
	}
	return nil
}
