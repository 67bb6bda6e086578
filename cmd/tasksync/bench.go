package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/tasksync/internal/loadtest"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Load test a relay with concurrent clients",
	Long: `Run a load test against the configured relay.

Each simulated client signs in as its own user (loadtest-000, loadtest-001,
...), watches a shared project and performs task writes, each followed by a
query for its own tasks. The report lists write and query latency and the
number of written tasks missing from the clients' live views, which must be
zero.

Examples:
  # 10 clients, 20 writes each
  tasksync bench

  # 50 clients against a remote relay, JSON output
  tasksync bench --clients 50 --ops 100 --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		clients, _ := cmd.Flags().GetInt("clients")
		ops, _ := cmd.Flags().GetInt("ops")
		project, _ := cmd.Flags().GetString("project")
		keep, _ := cmd.Flags().GetBool("keep")
		format, _ := cmd.Flags().GetString("format")

		if clients <= 0 {
			return fmt.Errorf("--clients must be positive")
		}
		if ops <= 0 {
			return fmt.Errorf("--ops must be positive")
		}

		sink := openLogs(cfg)
		defer sink.Close()

		report, err := loadtest.Run(cmd.Context(), &loadtest.Config{
			URL:          cfg.Relay.URL,
			Clients:      clients,
			OpsPerClient: ops,
			ProjectID:    project,
			Cleanup:      !keep,
			Logger:       sink.Logger("loadtest"),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch format {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
		case "yaml":
			data, err := yaml.Marshal(report)
			if err != nil {
				return fmt.Errorf("failed to marshal report: %w", err)
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
		default:
			report.Print(out)
		}

		if report.Missing > 0 || len(report.Failures) > 0 {
			fmt.Fprintln(os.Stderr, ui.RenderFail(fmt.Sprintf("%d tasks missing from live views, %d client failures", report.Missing, len(report.Failures))))
			return fmt.Errorf("load test failed")
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("clients", 10, "Number of concurrent simulated users")
	benchCmd.Flags().Int("ops", 20, "Task writes per client")
	benchCmd.Flags().String("project", "loadtest", "Project id to write into")
	benchCmd.Flags().Bool("keep", false, "Keep the written tasks and project")
	benchCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(benchCmd)
}
