package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

// addForm asks for the fields not given on the command line.
func addForm(text, due, assign *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Task").
				Value(text).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("task text is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Due").
				Description("YYYY-MM-DD or a phrase such as \"next friday\"; empty for none").
				Value(due).
				Validate(func(s string) error {
					_, err := parseDue(s, time.Now())
					return err
				}),
			huh.NewInput().
				Title("Assign to").
				Description("Comma-separated user ids").
				Value(assign),
		),
	)
	return form.Run()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var addCmd = &cobra.Command{
	Use:     "add <kind:id> [text...]",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task in a scope. The task is shown immediately and rolled back
if the relay rejects the write.

Without text, and with a terminal attached, an interactive form asks for the
task. Use --external to add the task to the external list linked to a project
instead.

Examples:
  tasksync add project:p1 "Write launch notes" --due "next friday"
  tasksync add project:p1 "Water plants" --repeat weekly --limit 10
  tasksync add project:p1 --assign bob,carol`,
	Args: cobra.MinimumNArgs(1),
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

		text := strings.TrimSpace(strings.Join(args[1:], " "))
		due, _ := cmd.Flags().GetString("due")
		assign, _ := cmd.Flags().GetString("assign")
		description, _ := cmd.Flags().GetString("description")
		repeat, _ := cmd.Flags().GetString("repeat")
		limit, _ := cmd.Flags().GetInt("limit")
		external, _ := cmd.Flags().GetBool("external")

		if text == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return &syncerr.ValidationError{Field: "text", Reason: "is required when stdin is not a terminal"}
			}
			if err := addForm(&text, &due, &assign); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return nil
				}
				return err
			}
		}

		dueDate, err := parseDue(due, time.Now())
		if err != nil {
			return err
		}
		rec, err := parseRecurrence(repeat, limit)
		if err != nil {
			return err
		}
		draft := schema.Task{
			Text:        strings.TrimSpace(text),
			Description: description,
			AssignedTo:  splitList(assign),
			DueDate:     dueDate,
			Recurrence:  rec,
		}

		sink := openLogs(cfg)
		defer sink.Close()
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, sink)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.open(ctx, scope, time.Second); err != nil {
			return err
		}

		var task schema.Task
		if external {
			if scope.Kind != schema.ScopeProject {
				return &syncerr.ValidationError{Field: "scope", Reason: "external tasks belong to a project"}
			}
			if s.client == nil {
				return fmt.Errorf("relay unreachable: the project is needed to find its external list")
			}
			project, err := lookupProject(ctx, s.client, cfg.Actor, scope.ID)
			if err != nil {
				return err
			}
			task, err = s.engine.CreateExternal(ctx, project, draft)
			if err != nil {
				return err
			}
		} else {
			task, err = s.engine.Create(ctx, draft)
			if err != nil {
				return err
			}
			if err := s.settle(); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Created %s\n", ui.RenderPass("✓"), ui.TaskLine(task, schema.DateOf(time.Now())))
		return nil
	},
}

func init() {
	addCmd.Flags().String("due", "", "Due date: YYYY-MM-DD or a phrase such as \"tomorrow\"")
	addCmd.Flags().String("assign", "", "Comma-separated user ids to assign")
	addCmd.Flags().String("description", "", "Longer description")
	addCmd.Flags().String("repeat", "", "Recurrence: daily, weekly, monthly or yearly, optionally /interval")
	addCmd.Flags().Int("limit", 0, "Stop repeating after this many occurrences (0 = unbounded)")
	addCmd.Flags().Bool("external", false, "Add to the external list linked to the project")

	rootCmd.AddCommand(addCmd)
}
