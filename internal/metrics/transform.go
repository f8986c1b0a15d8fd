package metrics

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teampulse/teampulse/internal/clickup"
)

// Member is the stable local identity of a tracked person. Everything else
// on a MemberView is derived and replaced wholesale every sync.
type Member struct {
	ID             string
	ClickUpID      int64 // 0 until mapped to a remote user
	Name           string
	Initials       string
	TargetHours    float64
	LastActiveDate time.Time
}

// ScoreWeights are the composite-score component weights in percent. They
// must sum to 100; invalid sets fall back to the defaults.
type ScoreWeights struct {
	Tracked    int
	Throughput int
	Completion int
	Compliance int
}

var DefaultScoreWeights = ScoreWeights{Tracked: 40, Throughput: 20, Completion: 20, Compliance: 20}

func (w ScoreWeights) valid() bool {
	return w.Tracked >= 0 && w.Throughput >= 0 && w.Completion >= 0 && w.Compliance >= 0 &&
		w.Tracked+w.Throughput+w.Completion+w.Compliance == 100
}

// Settings carries the externally configured knobs the transform needs.
type Settings struct {
	Thresholds Thresholds
	WorkStart  string // "HH:MM" local
	WorkEnd    string
	Weekend    []time.Weekday
	Weights    ScoreWeights
}

// Baseline is the slowly-changing team statistic used to normalize the
// throughput score component.
type Baseline struct {
	AvgTasksPerMemberPerDay float64
	UpdatedAt               time.Time
}

// TaskLookup is the read-only slice of the task cache the transform and the
// project aggregator consume. A miss is never an error.
type TaskLookup interface {
	Get(taskID string) (*clickup.Task, bool)
}

// CustomFields is the typed record extracted from a task's loosely named
// custom fields.
type CustomFields struct {
	Publisher string
	Genre     string
	Tags      []string
}

// customFieldMap maps semantic keys to the lowercase name fragments that
// identify them. Resolution happens once per task instead of ad hoc string
// matching scattered across call sites.
var customFieldMap = map[string][]string{
	"publisher": {"publisher"},
	"genre":     {"genre", "category"},
	"tags":      {"tag", "label"},
}

// MemberView is the canonical per-member view model produced by one sync
// cycle. Identity fields are carried over from the Member; every derived
// field reflects exactly the entry window used to compute it.
type MemberView struct {
	Member

	SyncID string    `json:"syncId"`
	Window DateRange `json:"window"`

	Status         Status       `json:"status"`
	TrackedHours   float64      `json:"trackedHours"`
	TimerSeconds   int64        `json:"timerSeconds"`
	CurrentTaskID  string       `json:"currentTaskId"`
	CurrentTask    string       `json:"currentTask"`
	CurrentProject string       `json:"currentProject"`
	Custom         CustomFields `json:"custom"`

	Tasks                 int `json:"tasks"`
	Done                  int `json:"done"`
	CompletionDenominator int `json:"completionDenominator"`

	Breaks BreakSummary `json:"breaks"`

	LastSeen      time.Time     `json:"lastSeen"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	PreviousTimer time.Duration `json:"previousTimer"`

	ComplianceHours      float64 `json:"complianceHours"`
	AvgStartDeltaMinutes float64 `json:"avgStartDeltaMinutes"`
	AvgEndDeltaMinutes   float64 `json:"avgEndDeltaMinutes"`

	Score           float64 `json:"score"`
	WorkingDays     int     `json:"workingDays"`
	Overworked      bool    `json:"overworked"`
	OvertimeMinutes float64 `json:"overtimeMinutes"`
}

// DateRange is a closed window in local time.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TransformMember builds the full view model for one member from the
// running-timer snapshot, the window's entries and the shared task cache.
// It reads the cache but never writes it.
func TransformMember(
	m Member,
	running *clickup.TimeEntry,
	currentTask *clickup.Task,
	entries []clickup.TimeEntry,
	cache TaskLookup,
	baseline Baseline,
	settings Settings,
	workingDays int,
	now time.Time,
) MemberView {
	if workingDays < 1 {
		workingDays = 1
	}

	view := MemberView{Member: m, WorkingDays: workingDays}

	view.Status = DeriveStatus(running, entries, settings.Thresholds, now)
	view.TrackedHours = TrackedHours(entries, running, now)
	view.TimerSeconds = Timer(running, now)
	view.Breaks = Breaks(entries, settings.Thresholds)
	view.LastSeen = LastSeen(entries, running, now)
	view.StartTime = StartTime(entries, running)
	view.EndTime = EndTime(entries, running, now)
	view.PreviousTimer = PreviousTimer(entries, currentTask)

	counts := TasksAndDone(entries)
	view.Tasks = counts.Tasks
	view.Done = counts.Done
	view.CompletionDenominator = counts.CompletionDenominator

	view.CurrentTaskID, view.CurrentTask, view.CurrentProject =
		resolveCurrentTask(running, entries, cache, view.Status)
	view.Custom = ExtractCustomFields(currentTask)

	view.ComplianceHours = complianceHours(entries, running, settings, now)
	view.AvgStartDeltaMinutes, view.AvgEndDeltaMinutes = scheduleDeltas(entries, settings)

	view.Score = score(view, counts, baseline, settings, workingDays)

	target := m.TargetHours * float64(workingDays)
	if target > 0 && view.TrackedHours > target {
		view.Overworked = true
		view.OvertimeMinutes = (view.TrackedHours - target) * 60
	}

	// lastActiveDate is backfill-preserved: only fresh activity updates it
	// here; the orchestrator merges the historical value otherwise.
	if !view.LastSeen.IsZero() {
		view.LastActiveDate = view.LastSeen
	} else {
		view.LastActiveDate = time.Time{}
	}

	return view
}

// resolveCurrentTask picks the task name and project shown on the card:
// the running entry when working, otherwise the most-recently-ended entry.
// The cache enriches the name when it can; misses degrade to the entry's
// own embedded snapshot.
func resolveCurrentTask(running *clickup.TimeEntry, entries []clickup.TimeEntry, cache TaskLookup, status Status) (id, name, project string) {
	var source *clickup.TimeEntry
	if status == StatusWorking && running != nil {
		source = running
	} else {
		var lastEnd clickup.Millis
		for i := range entries {
			e := &entries[i]
			if e.Completed() && e.End > lastEnd {
				lastEnd = e.End
				source = e
			}
		}
	}
	if source == nil {
		return "", "", ""
	}

	id = source.TaskID()
	project = source.ProjectName()
	if source.Task != nil {
		name = source.Task.Name
	}
	if cache != nil && id != "" {
		if cached, ok := cache.Get(id); ok {
			if cached.Name != "" {
				name = cached.Name
			}
			if cached.List.Name != "" {
				project = cached.List.Name
			}
		}
	}
	return id, name, project
}

// ExtractCustomFields resolves a task's custom fields through the typed
// mapping table. Missing fields and unparseable values degrade to defaults.
func ExtractCustomFields(task *clickup.Task) CustomFields {
	var cf CustomFields
	if task == nil {
		return cf
	}

	for _, field := range task.CustomFields {
		name := strings.ToLower(field.Name)
		switch {
		case matchesAny(name, customFieldMap["publisher"]):
			if cf.Publisher == "" {
				cf.Publisher = customFieldString(field.Value)
			}
		case matchesAny(name, customFieldMap["genre"]):
			if cf.Genre == "" {
				cf.Genre = customFieldString(field.Value)
			}
		case matchesAny(name, customFieldMap["tags"]):
			if len(cf.Tags) == 0 {
				cf.Tags = customFieldStrings(field.Value)
			}
		}
	}

	if len(cf.Tags) == 0 {
		for _, t := range task.Tags {
			if t.Name != "" {
				cf.Tags = append(cf.Tags, t.Name)
			}
		}
	}
	return cf
}

func matchesAny(name string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// customFieldString parses a custom-field value that may be a string, a
// number, or a {name: ...} object.
func customFieldString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func customFieldStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := customFieldString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range items {
		if s := customFieldString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseClock(s string, defH, defM int) (int, int) {
	if len(s) == 5 && s[2] == ':' {
		h, herr := strconv.Atoi(s[:2])
		m, merr := strconv.Atoi(s[3:])
		if herr == nil && merr == nil {
			return h, m
		}
	}
	return defH, defM
}

// complianceHours sums the portions of tracked time falling inside the
// configured daily work-hours window.
func complianceHours(entries []clickup.TimeEntry, running *clickup.TimeEntry, settings Settings, now time.Time) float64 {
	startH, startM := parseClock(settings.WorkStart, 9, 0)
	endH, endM := parseClock(settings.WorkEnd, 17, 0)

	overlap := func(from, to time.Time) time.Duration {
		if !to.After(from) {
			return 0
		}
		day := from
		winStart := time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, day.Location())
		winEnd := time.Date(day.Year(), day.Month(), day.Day(), endH, endM, 0, 0, day.Location())
		if from.Before(winStart) {
			from = winStart
		}
		if to.After(winEnd) {
			to = winEnd
		}
		if !to.After(from) {
			return 0
		}
		return to.Sub(from)
	}

	var total time.Duration
	for i := range entries {
		e := &entries[i]
		if e.Completed() {
			total += overlap(e.Start.Time(), e.End.Time())
		}
	}
	if running.Running() && !running.Start.IsZero() {
		total += overlap(running.Start.Time(), now)
	}
	return total.Hours()
}

// scheduleDeltas averages, per active day, how far the first start and last
// end drift from the configured work window. Positive start delta = late.
func scheduleDeltas(entries []clickup.TimeEntry, settings Settings) (startDelta, endDelta float64) {
	startH, startM := parseClock(settings.WorkStart, 9, 0)
	endH, endM := parseClock(settings.WorkEnd, 17, 0)

	type dayBounds struct{ first, last time.Time }
	days := make(map[string]*dayBounds)
	for i := range entries {
		e := &entries[i]
		if !e.Completed() {
			continue
		}
		start, end := e.Start.Time(), e.End.Time()
		key := start.Format("2006-01-02")
		b, ok := days[key]
		if !ok {
			b = &dayBounds{first: start, last: end}
			days[key] = b
			continue
		}
		if start.Before(b.first) {
			b.first = start
		}
		if end.After(b.last) {
			b.last = end
		}
	}
	if len(days) == 0 {
		return 0, 0
	}

	var startSum, endSum float64
	for _, b := range days {
		expStart := time.Date(b.first.Year(), b.first.Month(), b.first.Day(), startH, startM, 0, 0, b.first.Location())
		expEnd := time.Date(b.last.Year(), b.last.Month(), b.last.Day(), endH, endM, 0, 0, b.last.Location())
		startSum += b.first.Sub(expStart).Minutes()
		endSum += b.last.Sub(expEnd).Minutes()
	}
	n := float64(len(days))
	return startSum / n, endSum / n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// score computes the weighted composite: tracked-hours ratio, throughput
// against the team baseline, completion ratio, and compliance, each
// normalized by workingDays so multi-day ranges score on the same scale.
func score(view MemberView, counts TaskCounts, baseline Baseline, settings Settings, workingDays int) float64 {
	weights := settings.Weights
	if !weights.valid() {
		weights = DefaultScoreWeights
	}

	target := view.TargetHours * float64(workingDays)

	var tracked float64
	if target > 0 {
		tracked = clamp01(view.TrackedHours / target)
	}

	var throughput float64
	if baseline.AvgTasksPerMemberPerDay > 0 {
		throughput = clamp01(float64(counts.Tasks) / (baseline.AvgTasksPerMemberPerDay * float64(workingDays)))
	}

	var completion float64
	if counts.CompletionDenominator > 0 {
		completion = clamp01(float64(counts.Done) / float64(counts.CompletionDenominator))
	}

	var compliance float64
	if target > 0 {
		compliance = clamp01(view.ComplianceHours / target)
	}

	return tracked*float64(weights.Tracked) +
		throughput*float64(weights.Throughput) +
		completion*float64(weights.Completion) +
		compliance*float64(weights.Compliance)
}
