package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tasksync/internal/config"
	"github.com/Mschirtzinger/tasksync/internal/logging"
)

var (
	configPath string
	actorFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Live task lists with offline fallback",
	Long: `tasksync keeps a live, merged view of the tasks in a project, a user's
assignments, or an area, against a relay that serves the shared task store.

Local writes show up immediately and are rolled back if the relay rejects
them. When the relay denies a broad query, tasksync falls back to the tasks
you created or were assigned, and serves the last mirrored view while
offline.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .tasksync/config.toml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "User id to act as (overrides config)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

// loadConfig reads the configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if actorFlag != "" {
		cfg.Actor = actorFlag
	}
	return cfg, nil
}

// requireActor fails commands that act on behalf of a user when none is set.
func requireActor(cfg *config.Config) error {
	if cfg.Actor == "" {
		return fmt.Errorf("no actor configured: pass --actor or set actor in %s", config.ProjectConfigPath())
	}
	return nil
}

func openLogs(cfg *config.Config) *logging.Sink {
	return logging.Open(cfg.Log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
