package clickup

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Millis is a millisecond epoch timestamp. The ClickUp API returns these
// either as JSON numbers or as numeric strings, so parsing is defensive:
// malformed values decode to zero instead of failing the whole payload.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil {
			*m = 0
			return nil
		}
		v = int64(f)
	}
	*m = Millis(v)
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(m), 10)), nil
}

func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

func (m Millis) IsZero() bool { return m == 0 }

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Initials string `json:"initials"`
	Color    string `json:"color"`
}

type Status struct {
	Status string `json:"status"`
	Type   string `json:"type"`
	Color  string `json:"color"`
}

type Priority struct {
	Priority string `json:"priority"`
	Color    string `json:"color"`
}

type CustomField struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Priority     *Priority     `json:"priority"`
	Assignees    []User        `json:"assignees"`
	Tags         []Tag         `json:"tags"`
	CustomFields []CustomField `json:"custom_fields"`
	List         ListRef       `json:"list"`
	Project      ListRef       `json:"project"`
	DateCreated  Millis        `json:"date_created"`
	DateUpdated  Millis        `json:"date_updated"`
	DateClosed   Millis        `json:"date_closed"`
	DueDate      Millis        `json:"due_date"`
	TimeSpent    Millis        `json:"time_spent"`
}

type Tag struct {
	Name string `json:"name"`
}

// EntryTask is the task snapshot embedded in a time entry.
type EntryTask struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// TaskLocation carries the list/space names embedded in a time entry, so
// project attribution never requires a cache hit.
type TaskLocation struct {
	ListID    string `json:"list_id"`
	ListName  string `json:"list_name"`
	SpaceName string `json:"space_name"`
}

// TimeEntry is an immutable tracked-work interval. A negative Duration
// signals a still-running timer; this sign convention is part of the remote
// contract and must be preserved exactly.
type TimeEntry struct {
	ID           string        `json:"id"`
	Task         *EntryTask    `json:"task"`
	User         *User         `json:"user"`
	Start        Millis        `json:"start"`
	End          Millis        `json:"end"`
	Duration     Millis        `json:"duration"`
	Billable     bool          `json:"billable"`
	Description  string        `json:"description"`
	TaskLocation *TaskLocation `json:"task_location"`
}

// Running reports whether this entry is an active, not-yet-stopped timer.
func (e *TimeEntry) Running() bool { return e != nil && e.Duration < 0 }

// Completed reports whether the entry is a finished interval with usable
// start and end timestamps.
func (e *TimeEntry) Completed() bool {
	return e != nil && e.Duration > 0 && !e.Start.IsZero() && !e.End.IsZero()
}

// UserID returns the owning user id, or 0 when the entry carries none.
func (e *TimeEntry) UserID() int64 {
	if e == nil || e.User == nil {
		return 0
	}
	return e.User.ID
}

// TaskID returns the owning task id, or "" when the entry carries none.
func (e *TimeEntry) TaskID() string {
	if e == nil || e.Task == nil {
		return ""
	}
	return e.Task.ID
}

// ProjectName resolves the entry's project from its embedded location,
// falling back to the space name and then a stable placeholder.
func (e *TimeEntry) ProjectName() string {
	if e == nil || e.TaskLocation == nil {
		return "No project"
	}
	if e.TaskLocation.ListName != "" {
		return e.TaskLocation.ListName
	}
	if e.TaskLocation.SpaceName != "" {
		return e.TaskLocation.SpaceName
	}
	return "No project"
}

// TaskFilter selects tasks for a filtered, paginated team task query.
type TaskFilter struct {
	AssigneeIDs     []int64
	UpdatedAfter    time.Time // zero means no incremental filter
	IncludeClosed   bool
	IncludeSubtasks bool
	Page            int
}

// TaskPage is one page of a filtered task query. HasMore is true exactly
// when the remote returned a full page.
type TaskPage struct {
	Tasks   []Task
	HasMore bool
}
