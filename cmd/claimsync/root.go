package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unioneyes/claimsync/internal/client"
	"github.com/unioneyes/claimsync/internal/config"
	"github.com/unioneyes/claimsync/internal/events"
)

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *events.Logger
	app    *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "claimsync",
	Short: "Offline-first claims synchronization",
	Long: `Claimsync keeps a local claims database in step with the server.

Local edits queue while offline and drain automatically once the
connection returns. Conflicting edits resolve per entity strategy or
are held for manual review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		cfg, err = config.NewLoader(cfgFile).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = events.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		app, err = client.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("init client: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app != nil {
			return app.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
}
