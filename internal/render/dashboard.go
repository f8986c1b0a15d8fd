// Package render formats sync results for the terminal.
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/teampulse/teampulse/internal/metrics"
	syncer "github.com/teampulse/teampulse/internal/sync"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("8"))

	workingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	breakStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	offlineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	leaveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))
)

func statusLabel(s metrics.Status) string {
	switch s {
	case metrics.StatusWorking:
		return workingStyle.Render("working")
	case metrics.StatusBreak:
		return breakStyle.Render("break")
	case metrics.StatusOffline:
		return offlineStyle.Render("offline")
	case metrics.StatusLeave:
		return leaveStyle.Render("leave")
	case metrics.StatusNoActivity:
		return dimStyle.Render("no activity")
	default:
		return dimStyle.Render(string(s))
	}
}

// Dashboard renders the member table and the project breakdown for one
// sync result.
func Dashboard(result syncer.Result) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Team dashboard — %s", result.Range.Start.Format("Mon 2 Jan 2006"))))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-20s %-12s %8s %6s %5s %6s %8s", "MEMBER", "STATUS", "TRACKED", "TASKS", "DONE", "SCORE", "BREAKS")))
	b.WriteString("\n")

	for _, m := range result.Members {
		// Status carries ANSI codes, so it is padded by visual width
		// rather than by fmt's byte-count padding.
		b.WriteString(fmt.Sprintf("  %-20s %s %6.1fh %6d %5d %6.0f  %4.0fm/%d",
			truncate(m.Name, 20), pad(statusLabel(m.Status), 12), m.TrackedHours, m.Tasks, m.Done,
			m.Score, m.Breaks.TotalMinutes, m.Breaks.Count))
		if m.CurrentTask != "" {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %s", truncate(m.CurrentTask, 30))))
		}
		b.WriteString("\n")
	}

	if len(result.Projects) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Projects"))
		b.WriteString("\n")
		b.WriteString(Projects(result.Projects))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("synced in %s, %d API requests",
		result.Elapsed.Round(10*time.Millisecond), result.Requests)))
	b.WriteString("\n")

	return b.String()
}

// Projects renders the per-project aggregate table, sorted by tracked time.
func Projects(projects map[string]*metrics.ProjectAggregate) string {
	sorted := make([]*metrics.ProjectAggregate, 0, len(projects))
	for _, p := range projects {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TrackedHours > sorted[j].TrackedHours
	})

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-28s %8s %7s %6s %9s", "PROJECT", "TRACKED", "TASKS", "DONE", "ASSIGNEES")))
	b.WriteString("\n")
	for _, p := range sorted {
		b.WriteString(fmt.Sprintf("  %-28s %7.1fh %7d %6d %9d\n",
			truncate(p.Name, 28), p.TrackedHours, p.TotalTasks, p.CompletedTasks, len(p.Assignees)))
	}
	return b.String()
}

// pad right-pads a styled string to a visual width, accounting for the
// invisible ANSI escape bytes lipgloss adds.
func pad(styled string, width int) string {
	visible := lipgloss.Width(styled)
	if visible >= width {
		return styled
	}
	return styled + strings.Repeat(" ", width-visible)
}

// truncate caps a string at maxLen runes, not bytes, so multibyte names
// are never split mid-rune.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
