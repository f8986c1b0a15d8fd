package metrics

import (
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/teampulse/teampulse/internal/clickup"
)

// ProjectTask is one unique task inside a project aggregate.
type ProjectTask struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	StatusName string   `json:"statusName"`
	Color      string   `json:"color"`
	Assignee   string   `json:"assignee"`
	Priority   string   `json:"priority"`
	Publisher  string   `json:"publisher"`
	Genre      string   `json:"genre"`
	Tags       []string `json:"tags"`
	Completed  bool     `json:"completed"`
}

// ProjectAggregate is the per-project dashboard bucket, rebuilt from scratch
// every sync cycle.
type ProjectAggregate struct {
	Name           string                   `json:"name"`
	TrackedHours   float64                  `json:"trackedHours"`
	TotalTasks     int                      `json:"totalTasks"`
	CompletedTasks int                      `json:"completedTasks"`
	StatusBuckets  map[string][]ProjectTask `json:"statusBuckets"`
	Assignees      map[string]bool          `json:"assignees"`
}

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9A-Fa-f]{3}|[0-9A-Fa-f]{6})$`)
var rgbColorPattern = regexp.MustCompile(`^rgba?\([\d\s.,%]+\)$`)

// statusPalette is the fixed fallback palette. The palette and the hash
// below are part of the visible contract: the same status name must always
// render the same color, even when the remote omits one.
var statusPalette = [9]string{
	"#e6194b", "#3cb44b", "#f5a623",
	"#4363d8", "#911eb4", "#46f0f0",
	"#f032e6", "#808000", "#008080",
}

// StatusColor returns the raw color when it is a valid hex or rgb literal,
// otherwise a stable color hashed from the status name.
func StatusColor(statusName, rawColor string) string {
	raw := strings.TrimSpace(rawColor)
	if hexColorPattern.MatchString(raw) || rgbColorPattern.MatchString(strings.ToLower(raw)) {
		return raw
	}
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(statusName))))
	return statusPalette[h.Sum32()%uint32(len(statusPalette))]
}

var completedStatusWords = []string{"complete", "closed"}

func taskCompleted(status clickup.Status) bool {
	if status.Type == "closed" {
		return true
	}
	return containsAny(strings.ToLower(status.Status), completedStatusWords)
}

// ProjectBreakdown groups the window's positive-duration entries by the
// project name embedded in each entry and deduplicates tasks within each
// project. The cache enriches first-seen tasks with assignee, priority and
// custom fields; misses degrade to defaults and never block aggregation.
func ProjectBreakdown(entries []clickup.TimeEntry, cache TaskLookup) map[string]*ProjectAggregate {
	projects := make(map[string]*ProjectAggregate)
	seenTasks := make(map[string]map[string]bool)

	for i := range entries {
		e := &entries[i]
		if e.Duration <= 0 {
			continue
		}

		name := e.ProjectName()
		agg, ok := projects[name]
		if !ok {
			agg = &ProjectAggregate{
				Name:          name,
				StatusBuckets: make(map[string][]ProjectTask),
				Assignees:     make(map[string]bool),
			}
			projects[name] = agg
			seenTasks[name] = make(map[string]bool)
		}

		agg.TrackedHours += float64(e.Duration) / 3_600_000

		taskID := e.TaskID()
		if taskID == "" || seenTasks[name][taskID] {
			continue
		}
		seenTasks[name][taskID] = true

		pt := projectTaskFromEntry(e, cache)
		agg.TotalTasks++
		if pt.Completed {
			agg.CompletedTasks++
		}
		if pt.Assignee != "" {
			agg.Assignees[pt.Assignee] = true
		}
		agg.StatusBuckets[pt.StatusName] = append(agg.StatusBuckets[pt.StatusName], pt)
	}

	return projects
}

func projectTaskFromEntry(e *clickup.TimeEntry, cache TaskLookup) ProjectTask {
	status := e.Task.Status
	pt := ProjectTask{
		ID:         e.Task.ID,
		Name:       e.Task.Name,
		StatusName: status.Status,
		Completed:  taskCompleted(status),
	}

	// Prefer the entry's own user as assignee; fall back to the cached
	// task's first assignee.
	if e.User != nil && e.User.Username != "" {
		pt.Assignee = e.User.Username
	}

	var cached *clickup.Task
	if cache != nil {
		if t, ok := cache.Get(pt.ID); ok {
			cached = t
		}
	}
	rawColor := status.Color
	if cached != nil {
		if pt.Assignee == "" && len(cached.Assignees) > 0 {
			pt.Assignee = cached.Assignees[0].Username
		}
		if cached.Priority != nil {
			pt.Priority = cached.Priority.Priority
		}
		cf := ExtractCustomFields(cached)
		pt.Publisher = cf.Publisher
		pt.Genre = cf.Genre
		pt.Tags = cf.Tags
		if cached.Status.Status != "" {
			pt.StatusName = cached.Status.Status
			pt.Completed = taskCompleted(cached.Status)
			rawColor = cached.Status.Color
		}
	}
	pt.Color = StatusColor(pt.StatusName, rawColor)

	return pt
}
