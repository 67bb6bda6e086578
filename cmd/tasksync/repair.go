package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/tasksync/internal/remote/wsclient"
	"github.com/Mschirtzinger/tasksync/internal/repair"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

var repairCmd = &cobra.Command{
	Use:     "repair",
	GroupID: "sync",
	Short:   "Backfill task membership for your projects",
	Long: `Repair tasks of every project you belong to so that their members list
includes the project's members and owner, you, and the task's assignees.

Tasks written by older clients may lack members, which hides them from the
permission-safe fallback queries. Failures are counted and the pass goes on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActor(cfg); err != nil {
			return err
		}

		sink := openLogs(cfg)
		defer sink.Close()

		dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		client, err := wsclient.Dial(dialCtx, &wsclient.Config{URL: cfg.Relay.URL, Actor: cfg.Actor, Logger: sink.Logger("relay")})
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()

		report, err := repair.New(client, sink.Logger("repair")).Run(cmd.Context(), cfg.Actor)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		out := cmd.OutOrStdout()
		if report.Failed > 0 {
			fmt.Fprintln(out, ui.RenderWarn(fmt.Sprintf("repair finished with %d failures", report.Failed)))
		} else {
			fmt.Fprintln(out, ui.RenderPass("repair finished"))
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
