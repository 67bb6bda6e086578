package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status <kind:id> <task-id> <todo|in_progress|done>",
	GroupID: "tasks",
	Short:   "Change the status of a task",
	Long: `Change the status of a task in a scope.

Completing a task with open subtasks or unfinished dependencies is refused.
Completing a recurring task creates its next occurrence.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := schema.ParseScope(args[0])
		if err != nil {
			return err
		}
		status := schema.Status(strings.ReplaceAll(args[2], "-", "_"))
		if !status.IsValid() {
			return &syncerr.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", args[2])}
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActor(cfg); err != nil {
			return err
		}

		sink := openLogs(cfg)
		defer sink.Close()
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.open(ctx, scope, 3*time.Second); err != nil {
			return err
		}
		if err := s.engine.UpdateStatus(ctx, args[1], status); err != nil {
			return err
		}
		if err := s.settle(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", ui.StatusIcon(status), args[1], status)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <kind:id> <task-id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := schema.ParseScope(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActor(cfg); err != nil {
			return err
		}

		sink := openLogs(cfg)
		defer sink.Close()
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.open(ctx, scope, 3*time.Second); err != nil {
			return err
		}
		if err := s.engine.Remove(ctx, args[1]); err != nil {
			return err
		}
		if err := s.settle(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rmCmd)
}
