package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/tasksync/internal/engine"
	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

// taskRow is the serialized form of one task in a view.
type taskRow struct {
	ID         string   `json:"id" yaml:"id"`
	Text       string   `json:"text" yaml:"text"`
	Status     string   `json:"status" yaml:"status"`
	ScopeID    string   `json:"scopeId,omitempty" yaml:"scope_id,omitempty"`
	DueDate    string   `json:"dueDate,omitempty" yaml:"due_date,omitempty"`
	AssignedTo []string `json:"assignedTo,omitempty" yaml:"assigned_to,omitempty"`
	Origin     string   `json:"origin" yaml:"origin"`
	Overdue    bool     `json:"overdue,omitempty" yaml:"overdue,omitempty"`
}

type viewOutput struct {
	Scope    string    `json:"scope" yaml:"scope"`
	Source   string    `json:"source" yaml:"source"`
	Degraded string    `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Pending  int       `json:"pending" yaml:"pending"`
	Tasks    []taskRow `json:"tasks" yaml:"tasks"`
}

func outputOf(v engine.View, today schema.Date) viewOutput {
	out := viewOutput{Scope: v.Scope.Key(), Source: v.Source.String(), Pending: v.Pending, Tasks: []taskRow{}}
	if v.Err != nil {
		out.Degraded = v.Err.Error()
	}
	for _, t := range v.Tasks {
		out.Tasks = append(out.Tasks, taskRow{
			ID:         t.ID,
			Text:       t.Text,
			Status:     string(t.Status),
			ScopeID:    t.ScopeID,
			DueDate:    string(t.DueDate),
			AssignedTo: t.AssignedTo,
			Origin:     string(t.Origin),
			Overdue:    t.Overdue(today),
		})
	}
	return out
}

// printView writes v in format: text, json or yaml.
func printView(w io.Writer, v engine.View, format string, today schema.Date) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outputOf(v, today))
	case "yaml":
		data, err := yaml.Marshal(outputOf(v, today))
		if err != nil {
			return fmt.Errorf("failed to marshal view: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "text", "":
		fmt.Fprintln(w, ui.Header(v.Scope, v.Source.String(), len(v.Tasks)))
		if v.Err != nil {
			fmt.Fprintln(w, ui.RenderWarn("degraded: "+v.Err.Error()))
		}
		for _, t := range v.Tasks {
			fmt.Fprintln(w, "  "+ui.TaskLine(t, today))
		}
		if len(v.Tasks) == 0 {
			fmt.Fprintln(w, ui.RenderMuted("  no tasks"))
		}
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

// refreshExternal pulls linked external tasks into a project view.
func refreshExternal(ctx context.Context, s *session, scope schema.Scope) error {
	if s.bridge == nil || scope.Kind != schema.ScopeProject || s.client == nil {
		return nil
	}
	project, err := lookupProject(ctx, s.client, s.cfg.Actor, scope.ID)
	if err != nil {
		return err
	}
	return s.engine.RefreshExternal(ctx, project)
}

var viewCmd = &cobra.Command{
	Use:     "view <kind:id>",
	GroupID: "tasks",
	Short:   "Print the merged task view of a scope",
	Long: `Print the tasks of a scope once. Scopes are project:<id>, user:<uid> or
area:<id>.

The mirrored view is shown if the relay does not answer within --wait.`,
	Args: cobra.ExactArgs(1),
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
		format, _ := cmd.Flags().GetString("format")
		wait, _ := cmd.Flags().GetDuration("wait")

		sink := openLogs(cfg)
		defer sink.Close()
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.open(ctx, scope, wait)
		if err != nil {
			return err
		}
		if err := refreshExternal(ctx, s, scope); err != nil {
			fmt.Fprintln(os.Stderr, ui.RenderWarn("external tasks unavailable: "+err.Error()))
		} else if s.bridge != nil {
			v = engine.View{Scope: scope, Tasks: s.engine.Tasks(), Source: v.Source, Err: v.Err, Pending: v.Pending}
		}
		return printView(cmd.OutOrStdout(), v, format, schema.DateOf(time.Now()))
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch <kind:id>",
	GroupID: "sync",
	Short:   "Follow the task view of a scope until interrupted",
	Args:    cobra.ExactArgs(1),
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
		format, _ := cmd.Flags().GetString("format")

		sink := openLogs(cfg)
		defer sink.Close()
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()

		if s.fileStore != nil {
			w, err := s.fileStore.Watch()
			if err != nil {
				fmt.Fprintln(os.Stderr, ui.RenderWarn("not watching the mirror: "+err.Error()))
			} else {
				s.engine.WatchMirror(w)
			}
		}
		if err := s.engine.SetScope(scope); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case v := <-s.views:
				if v.Scope != scope {
					continue
				}
				if err := printView(out, v, format, schema.DateOf(time.Now())); err != nil {
					return err
				}
				fmt.Fprintln(out)
			case err := <-s.errs:
				fmt.Fprintln(os.Stderr, ui.RenderFail(err.Error()))
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	viewCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	viewCmd.Flags().Duration("wait", 3*time.Second, "How long to wait for the relay before showing the mirror")
	watchCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(watchCmd)
}
