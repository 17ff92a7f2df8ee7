// Command boa is the CLI for the Bayesian optimization campaign server:
// process and campaign management, proposals, observations, decisions,
// metrics, bundles, the background job worker and synthetic benchmarks.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"boa/internal/campaign"
	"boa/internal/config"
	"boa/internal/logging"
	"boa/internal/plugin"
	"boa/internal/store"
)

var (
	cfgPath string
	dbPath  string

	cfg      *config.Config
	registry = plugin.NewBuiltinRegistry()

	// Opened lazily by the first command that needs the store.
	db *store.Store
)

var rootCmd = &cobra.Command{
	Use:   "boa",
	Short: "Server-mediated Bayesian optimization campaigns",
	Long: `boa manages optimization processes and the campaigns run against
them: sampling initial designs, fitting surrogates, proposing candidates,
recording lab observations and decisions, and reporting metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		return logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
			Path:       cfg.Logging.Path,
			JSON:       cfg.Logging.JSON,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// openStore opens the configured database once per invocation.
func openStore() (*store.Store, error) {
	if db != nil {
		return db, nil
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	db = st
	return db, nil
}

func newEngine(st *store.Store) *campaign.Engine {
	return campaign.NewEngine(st, registry, campaign.EngineOptions{
		LockTTL:       cfg.Locking.TTL,
		CheckpointDir: cfg.Checkpoints.Dir,
		KeepLatest:    cfg.Checkpoints.KeepLatest,
	})
}

// printJSON renders a command result to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	defer func() {
		if db != nil {
			db.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "boa.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the database path")
}
