package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBaseURL = "https://api.clickup.com/api/v2"

const (
	// The remote enforces roughly 100 requests per minute per token.
	requestsPerMinute = 100
	warnUtilization   = 0.8

	// Time-entry queries are capped at a 30-day span per call; callers
	// must chunk longer ranges.
	MaxEntrySpan = 30 * 24 * time.Hour

	// Task list queries return at most 100 rows per page.
	taskPageSize = 100
)

type Client struct {
	token      string
	teamID     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int

	cycleCount atomic.Int64
}

func NewClient(token, teamID, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:   token,
		teamID:  teamID,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// recordRequest advances the rolling 60-second rate window and logs a
// warning once utilization passes 80% of the remote budget.
func (c *Client) recordRequest() {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	c.cycleCount.Add(1)

	if float64(c.windowCount) >= float64(requestsPerMinute)*warnUtilization {
		c.logger.Warn("approaching ClickUp rate limit",
			"requests_this_minute", c.windowCount,
			"limit", requestsPerMinute)
	}
}

// CycleRequestCount returns the number of requests issued since the last
// ResetCycleCount call. The orchestrator resets it once per sync cycle.
func (c *Client) CycleRequestCount() int64 { return c.cycleCount.Load() }

func (c *Client) ResetCycleCount() { c.cycleCount.Store(0) }

// doRequest issues one HTTP call. The client never retries: all network
// failures surface as a generic fetch error and callers decide policy.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	c.recordRequest()
	c.logger.Debug("clickup API request", "method", method, "path", path)

	requestStart := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("API request transport error", "method", method, "path", path, "error", err, "elapsed", time.Since(requestStart))
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("clickup API response", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(respBody), "elapsed", time.Since(requestStart))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("API request failed", "method", method, "path", path, "status", resp.StatusCode, "response", truncate(string(respBody), 200))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	return respBody, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetRunningTimer fetches the user's currently running timer, or nil when
// the user is not tracking time.
func (c *Client) GetRunningTimer(ctx context.Context, userID int64) (*TimeEntry, error) {
	path := fmt.Sprintf("/team/%s/time_entries/current?assignee=%d", c.teamID, userID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("getting running timer: %w", err)
	}

	var resp struct {
		Data *TimeEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing running timer response: %w", err)
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return nil, nil
	}
	return resp.Data, nil
}

// GetTimeEntries fetches all entries overlapping [start, end] for the given
// users. The span must not exceed 30 days; longer ranges must be chunked by
// the caller.
func (c *Client) GetTimeEntries(ctx context.Context, start, end time.Time, userIDs []int64) ([]TimeEntry, error) {
	if end.Sub(start) > MaxEntrySpan {
		return nil, fmt.Errorf("time entry span %s exceeds 30-day API limit", end.Sub(start))
	}

	q := url.Values{}
	q.Set("start_date", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end_date", strconv.FormatInt(end.UnixMilli(), 10))
	if len(userIDs) > 0 {
		ids := make([]string, len(userIDs))
		for i, id := range userIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		q.Set("assignee", strings.Join(ids, ","))
	}

	path := fmt.Sprintf("/team/%s/time_entries?%s", c.teamID, q.Encode())
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("getting time entries: %w", err)
	}

	var resp struct {
		Data []TimeEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing time entries response: %w", err)
	}
	return resp.Data, nil
}

// GetFilteredTasks fetches one page of the team task list. HasMore is true
// exactly when a full page (100 rows) came back.
func (c *Client) GetFilteredTasks(ctx context.Context, filter TaskFilter) (TaskPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(filter.Page))
	q.Set("include_closed", strconv.FormatBool(filter.IncludeClosed))
	q.Set("subtasks", strconv.FormatBool(filter.IncludeSubtasks))
	for _, id := range filter.AssigneeIDs {
		q.Add("assignees[]", strconv.FormatInt(id, 10))
	}
	if !filter.UpdatedAfter.IsZero() {
		q.Set("date_updated_gt", strconv.FormatInt(filter.UpdatedAfter.UnixMilli(), 10))
	}

	path := fmt.Sprintf("/team/%s/task?%s", c.teamID, q.Encode())
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return TaskPage{}, fmt.Errorf("getting filtered tasks: %w", err)
	}

	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return TaskPage{}, fmt.Errorf("parsing tasks response: %w", err)
	}

	return TaskPage{
		Tasks:   resp.Tasks,
		HasMore: len(resp.Tasks) == taskPageSize,
	}, nil
}

// GetTaskDetails fetches a single task. A 404 is not an error: the task is
// simply not known, and the caller falls back to embedded entry data.
func (c *Client) GetTaskDetails(ctx context.Context, taskID string) (*Task, error) {
	path := fmt.Sprintf("/task/%s?include_subtasks=false", url.PathEscape(taskID))
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return nil, nil
		}
		return nil, fmt.Errorf("getting task %s: %w", taskID, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parsing task response: %w", err)
	}
	return &task, nil
}

// GetTeamMembers lists the users on the configured team.
func (c *Client) GetTeamMembers(ctx context.Context) ([]User, error) {
	path := fmt.Sprintf("/team/%s", c.teamID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}

	var resp struct {
		Team struct {
			Members []struct {
				User User `json:"user"`
			} `json:"members"`
		} `json:"team"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing team response: %w", err)
	}

	users := make([]User, 0, len(resp.Team.Members))
	for _, m := range resp.Team.Members {
		users = append(users, m.User)
	}
	return users, nil
}

// StartTimer starts a running timer on a task for the given user.
func (c *Client) StartTimer(ctx context.Context, userID int64, taskID string) (*TimeEntry, error) {
	path := fmt.Sprintf("/team/%s/time_entries/start", c.teamID)
	body := map[string]interface{}{"tid": taskID, "assignee": userID}
	data, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, fmt.Errorf("starting timer: %w", err)
	}

	var resp struct {
		Data *TimeEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing start timer response: %w", err)
	}
	return resp.Data, nil
}

// StopTimer stops the user's running timer.
func (c *Client) StopTimer(ctx context.Context, userID int64) (*TimeEntry, error) {
	path := fmt.Sprintf("/team/%s/time_entries/stop?assignee=%d", c.teamID, userID)
	data, err := c.doRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, fmt.Errorf("stopping timer: %w", err)
	}

	var resp struct {
		Data *TimeEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing stop timer response: %w", err)
	}
	return resp.Data, nil
}
