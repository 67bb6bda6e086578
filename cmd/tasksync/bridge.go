package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tasksync/internal/engine"
	"github.com/Mschirtzinger/tasksync/internal/remote"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

// lookupProject finds project id among the projects actor is a member of.
func lookupProject(ctx context.Context, store remote.Store, actor, id string) (schema.Project, error) {
	docs, err := store.Query(ctx, remote.NewQuery(schema.CollectionProjects, remote.ArrayContains(schema.FieldMembers, actor)))
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to list projects of %s: %w", actor, err)
	}
	for _, d := range docs {
		if schema.NormalizeScopeID(d.ID) == schema.NormalizeScopeID(id) {
			return schema.ProjectFromFields(d.ID, d.Fields)
		}
	}
	return schema.Project{}, fmt.Errorf("project %s: %w", id, syncerr.ErrNotFound)
}

var bridgeCmd = &cobra.Command{
	Use:     "bridge",
	GroupID: "sync",
	Short:   "Inspect the external task list bridge",
	Long: `The bridge links a project to the external task list whose title matches
the project name. Its items are shown in project views next to the project's
own tasks; items whose title matches a project task are hidden.`,
}

var bridgePullCmd = &cobra.Command{
	Use:   "pull <project-id>",
	Short: "List the external tasks linked to a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActor(cfg); err != nil {
			return err
		}
		if !cfg.Bridge.Enabled {
			return fmt.Errorf("bridge is disabled: set bridge.enabled and bridge.token_file")
		}
		format, _ := cmd.Flags().GetString("format")

		sink := openLogs(cfg)
		defer sink.Close()
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.client == nil {
			return fmt.Errorf("relay unreachable: the project is needed to find its external list")
		}

		scope := schema.ProjectScope(args[0])
		v, err := s.open(ctx, scope, 3*time.Second)
		if err != nil {
			return err
		}
		project, err := lookupProject(ctx, s.client, cfg.Actor, args[0])
		if err != nil {
			return err
		}
		ext, err := s.bridge.Pull(ctx, project, v.Tasks)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if format != "text" {
			return printView(out, engine.View{Scope: scope, Tasks: schema.Views(ext)}, format, schema.DateOf(time.Now()))
		}
		if len(ext) == 0 {
			fmt.Fprintln(out, ui.RenderMuted("no external tasks linked to "+project.Name))
			return nil
		}
		today := schema.DateOf(time.Now())
		for _, t := range schema.Views(ext) {
			fmt.Fprintln(out, ui.TaskLine(t, today))
		}
		return nil
	},
}

func init() {
	bridgePullCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	bridgeCmd.AddCommand(bridgePullCmd)
	rootCmd.AddCommand(bridgeCmd)
}
