// Package ui renders terminal output for the tasksync CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Mschirtzinger/tasksync/internal/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// StatusIcon returns a one-character marker for a status.
func StatusIcon(s schema.Status) string {
	switch s {
	case schema.StatusDone:
		return RenderPass("✓")
	case schema.StatusInProgress:
		return RenderAccent("◐")
	default:
		return "○"
	}
}

// TaskLine renders one task. Optimistic tasks are marked pending and
// external tasks carry their origin.
func TaskLine(t schema.Task, today schema.Date) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", StatusIcon(t.Status), RenderMuted(t.ID), t.Text)
	if t.DueDate != "" {
		due := "due " + string(t.DueDate)
		if t.Overdue(today) {
			due = RenderFail(due)
		} else {
			due = RenderMuted(due)
		}
		b.WriteString(" " + due)
	}
	if len(t.AssignedTo) > 0 {
		b.WriteString(" " + RenderMuted("@"+strings.Join(t.AssignedTo, ",@")))
	}
	switch t.Origin {
	case schema.OriginOptimistic:
		b.WriteString(" " + RenderWarn("(pending)"))
	case schema.OriginExternal:
		b.WriteString(" " + RenderAccent("[external]"))
	}
	return b.String()
}

// Header renders the title line of a view.
func Header(scope schema.Scope, source string, count int) string {
	return fmt.Sprintf("%s %s %s", RenderBold(scope.Key()), RenderMuted("("+source+")"), RenderMuted(fmt.Sprintf("%d tasks", count)))
}
