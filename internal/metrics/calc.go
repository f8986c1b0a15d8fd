// Package metrics derives member status, tracked time, breaks, task counts
// and scores from raw ClickUp time entries and tasks. Every function here is
// pure and total: malformed input degrades to zero values or sentinels, never
// to an error, so the orchestrator can fan these out in parallel with no
// synchronization.
package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
)

// Status is a member's inferred activity state for the requested window.
type Status string

const (
	StatusWorking    Status = "working"
	StatusBreak      Status = "break"
	StatusOffline    Status = "offline"
	StatusNoActivity Status = "noActivity"
	// StatusLeave is applied as an external overlay (calendar), never
	// inferred from time entries.
	StatusLeave Status = "leave"
)

const (
	DefaultBreakThresholdMinutes = 15
	DefaultBreakGapMinutes       = 5

	// Gaps of 3 hours or more are overnight/multi-day boundaries, not
	// breaks, and are excluded from both total and count.
	maxBreakGap = 180 * time.Minute
)

// Thresholds tune status inference and break detection.
type Thresholds struct {
	BreakThresholdMinutes int
	BreakGapMinutes       int
}

func (t Thresholds) breakThreshold() time.Duration {
	m := t.BreakThresholdMinutes
	if m <= 0 {
		m = DefaultBreakThresholdMinutes
	}
	return time.Duration(m) * time.Minute
}

func (t Thresholds) breakGap() time.Duration {
	m := t.BreakGapMinutes
	if m <= 0 {
		m = DefaultBreakGapMinutes
	}
	return time.Duration(m) * time.Minute
}

// DeriveStatus infers a member's status from the running timer and the
// window's entries. A running entry always wins. Entries without a positive
// duration and an end timestamp are excluded from the most-recent search;
// if everything is excluded the member simply has no activity.
func DeriveStatus(running *clickup.TimeEntry, entries []clickup.TimeEntry, th Thresholds, now time.Time) Status {
	if running.Running() {
		return StatusWorking
	}
	if len(entries) == 0 {
		return StatusNoActivity
	}

	var lastEnd time.Time
	for i := range entries {
		e := &entries[i]
		if !e.Completed() {
			continue
		}
		if end := e.End.Time(); end.After(lastEnd) {
			lastEnd = end
		}
	}
	if lastEnd.IsZero() {
		return StatusNoActivity
	}

	if now.Sub(lastEnd) <= th.breakThreshold() {
		return StatusBreak
	}
	return StatusOffline
}

// TrackedHours sums positive-duration entries plus the elapsed time of a
// running entry. Negative or missing durations are excluded, never
// subtracted, so adding entries can only grow the total.
func TrackedHours(entries []clickup.TimeEntry, running *clickup.TimeEntry, now time.Time) float64 {
	var totalMs int64
	for i := range entries {
		if d := int64(entries[i].Duration); d > 0 {
			totalMs += d
		}
	}
	if running.Running() && !running.Start.IsZero() {
		if elapsed := now.Sub(running.Start.Time()); elapsed > 0 {
			totalMs += elapsed.Milliseconds()
		}
	}
	return float64(totalMs) / float64(time.Hour.Milliseconds())
}

// BreakSummary is the outcome of gap detection between completed entries.
type BreakSummary struct {
	TotalMinutes float64
	Count        int
}

// Breaks finds gaps between consecutive completed entries. A gap counts
// only when strictly above the configured gap threshold and strictly below
// 180 minutes; anything longer is an overnight boundary.
func Breaks(entries []clickup.TimeEntry, th Thresholds) BreakSummary {
	completed := make([]clickup.TimeEntry, 0, len(entries))
	for i := range entries {
		if entries[i].Completed() {
			completed = append(completed, entries[i])
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].Start < completed[j].Start
	})

	minGap := th.breakGap()
	var sum BreakSummary
	for i := 1; i < len(completed); i++ {
		gap := completed[i].Start.Time().Sub(completed[i-1].End.Time())
		if gap > minGap && gap < maxBreakGap {
			sum.TotalMinutes += gap.Minutes()
			sum.Count++
		}
	}
	return sum
}

// TaskCounts separates the displayed task numbers from the completion-ratio
// denominator: tasks in excluded statuses (blocked, on hold, …) are shown
// but never enter the ratio, since they are outside the member's control.
type TaskCounts struct {
	Tasks                 int
	Done                  int
	CompletionDenominator int
}

var excludedStatusWords = []string{"stop", "hold", "help", "block"}
var readyStatusWords = []string{"complete", "done", "ready"}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// TasksAndDone deduplicates the window's entries by task id and classifies
// each unique task as excluded, ready, or in progress from its embedded
// status snapshot.
func TasksAndDone(entries []clickup.TimeEntry) TaskCounts {
	seen := make(map[string]bool)
	var ready, inProgress, excluded int

	for i := range entries {
		e := &entries[i]
		id := e.TaskID()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := strings.ToLower(e.Task.Status.Status)
		switch {
		case containsAny(name, excludedStatusWords):
			excluded++
		case e.Task.Status.Type == "closed" || containsAny(name, readyStatusWords):
			ready++
		default:
			inProgress++
		}
	}

	return TaskCounts{
		Tasks:                 ready + inProgress + excluded,
		Done:                  ready,
		CompletionDenominator: ready + inProgress,
	}
}

// LastSeen returns the most recent moment of observed activity: the end of
// the latest completed entry, or the start of a running entry when that is
// all there is. Zero time means no activity was observed.
func LastSeen(entries []clickup.TimeEntry, running *clickup.TimeEntry, now time.Time) time.Time {
	if running.Running() {
		return now
	}
	var last time.Time
	for i := range entries {
		e := &entries[i]
		if e.Completed() {
			if end := e.End.Time(); end.After(last) {
				last = end
			}
		} else if e.Running() && !e.Start.IsZero() {
			if start := e.Start.Time(); start.After(last) {
				last = start
			}
		}
	}
	return last
}

// StartTime returns the earliest entry start in the window, zero when none.
func StartTime(entries []clickup.TimeEntry, running *clickup.TimeEntry) time.Time {
	var first time.Time
	consider := func(m clickup.Millis) {
		if m.IsZero() {
			return
		}
		t := m.Time()
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	for i := range entries {
		consider(entries[i].Start)
	}
	if running != nil {
		consider(running.Start)
	}
	return first
}

// EndTime returns the latest completed end in the window. With a running
// entry present the member is still working, so "now" stands in for an end.
func EndTime(entries []clickup.TimeEntry, running *clickup.TimeEntry, now time.Time) time.Time {
	if running.Running() {
		return now
	}
	var last time.Time
	for i := range entries {
		e := &entries[i]
		if e.Completed() {
			if end := e.End.Time(); end.After(last) {
				last = end
			}
		}
	}
	return last
}

// Timer returns the elapsed seconds of a running entry, 0 when none.
func Timer(running *clickup.TimeEntry, now time.Time) int64 {
	if !running.Running() || running.Start.IsZero() {
		return 0
	}
	elapsed := now.Sub(running.Start.Time())
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed.Seconds())
}

// PreviousTimer returns the duration of the most recently ended entry. When
// the window has none, the task's cumulative time_spent is the fallback.
func PreviousTimer(entries []clickup.TimeEntry, task *clickup.Task) time.Duration {
	var lastEnd clickup.Millis
	var lastDur clickup.Millis
	for i := range entries {
		e := &entries[i]
		if e.Completed() && e.End > lastEnd {
			lastEnd = e.End
			lastDur = e.Duration
		}
	}
	if lastDur > 0 {
		return time.Duration(lastDur) * time.Millisecond
	}
	if task != nil && task.TimeSpent > 0 {
		return time.Duration(task.TimeSpent) * time.Millisecond
	}
	return 0
}

// defaultWeekend is the Sun–Thu work week: Friday and Saturday off.
var defaultWeekend = []time.Weekday{time.Friday, time.Saturday}

// WorkingDays counts calendar days in [start, end] inclusive that are not
// weekend days, with a floor of 1 so ratios never divide by zero.
func WorkingDays(start, end time.Time, weekend []time.Weekday) int {
	if len(weekend) == 0 {
		weekend = defaultWeekend
	}
	off := make(map[time.Weekday]bool, len(weekend))
	for _, d := range weekend {
		off[d] = true
	}

	days := 0
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
	for !day.After(last) {
		if !off[day.Weekday()] {
			days++
		}
		day = day.AddDate(0, 0, 1)
	}

	if days < 1 {
		days = 1
	}
	return days
}
