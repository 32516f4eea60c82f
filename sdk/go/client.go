package scamprobesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal scamprobe HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval paces Wait when the stream is unavailable.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/v1",
		Timeout:      30 * time.Second,
		PollInterval: time.Second,
	}
}

type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Raw   string `json:"raw"`
}

type ToolResult struct {
	ToolName        string         `json:"tool_name"`
	Entity          Entity         `json:"entity"`
	Found           bool           `json:"found"`
	RiskSignal      int            `json:"risk_signal"`
	Verified        bool           `json:"verified,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Success         bool           `json:"success"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

type Verdict struct {
	RiskLevel     string       `json:"risk_level"`
	Confidence    float64      `json:"confidence"`
	Explanation   string       `json:"explanation"`
	EvidenceCited []ToolResult `json:"evidence_cited"`
	ToolsUsed     []string     `json:"tools_used"`
	Source        string       `json:"source,omitempty"`
}

type TimeRange struct {
	MinSeconds int `json:"min_seconds"`
	MaxSeconds int `json:"max_seconds"`
}

// Analysis is the answer to Analyze: a verdict for simple requests, or a
// task to follow for deep ones.
type Analysis struct {
	Type               string     `json:"type"`
	Verdict            *Verdict   `json:"verdict,omitempty"`
	TaskID             string     `json:"task_id,omitempty"`
	StreamURL          string     `json:"stream_url,omitempty"`
	EstimatedTimeRange *TimeRange `json:"estimated_time_range,omitempty"`
}

// Deep reports whether the analysis continues in the background.
func (a Analysis) Deep() bool { return a.Type == "deep" }

type Task struct {
	TaskID         string       `json:"task_id"`
	State          string       `json:"state"`
	Verdict        *Verdict     `json:"verdict,omitempty"`
	PartialVerdict *Verdict     `json:"partial_verdict,omitempty"`
	Error          string       `json:"error,omitempty"`
	Entities       []Entity     `json:"entities"`
	Results        []ToolResult `json:"results"`
	Attempts       int          `json:"attempts"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Finished reports whether the task reached a terminal state.
func (t Task) Finished() bool {
	switch t.State {
	case "completed", "failed", "timed_out":
		return true
	}
	return false
}

// Result is the best verdict the task has: the final one or, after a
// timeout, the partial one.
func (t Task) Result() *Verdict {
	if t.Verdict != nil {
		return t.Verdict
	}
	return t.PartialVerdict
}

type ProgressEvent struct {
	TaskID      string    `json:"task_id"`
	Seq         int64     `json:"seq"`
	Step        string    `json:"step"`
	Message     string    `json:"message"`
	Percent     int       `json:"percent"`
	IsError     bool      `json:"is_error"`
	IsHeartbeat bool      `json:"is_heartbeat"`
	IsTerminal  bool      `json:"is_terminal"`
	TS          time.Time `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrStreamEnded means the stream closed before a terminal event.
var ErrStreamEnded = errors.New("progress stream ended before the task finished")

// Analyze submits message text.
func (c *Client) Analyze(ctx context.Context, sessionID, text string) (Analysis, error) {
	body := map[string]any{"text": text}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Analysis
	err := c.do(ctx, http.MethodPost, "analyze", body, &resp)
	return resp, err
}

// Status fetches a task.
func (c *Client) Status(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Stream delivers progress events to fn until the terminal event, ctx ends
// or fn returns an error. lastSeq resumes after an event already seen; pass
// 0 for the full history.
func (c *Client) Stream(ctx context.Context, taskID string, lastSeq int64, fn func(ProgressEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
	}
	// The request timeout would cut a long stream; ctx bounds it instead.
	client := *c.httpClient()
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode progress event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
			if ev.IsTerminal {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamEnded
}

// Wait follows the task to its end, preferring the stream and falling back to
// polling when the stream breaks. fn, when set, sees every progress event.
func (c *Client) Wait(ctx context.Context, taskID string, fn func(ProgressEvent)) (Task, error) {
	err := c.Stream(ctx, taskID, 0, func(ev ProgressEvent) error {
		if fn != nil {
			fn(ev)
		}
		return nil
	})
	if ctx.Err() != nil {
		return Task{}, ctx.Err()
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return Task{}, err
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		t, err := c.Status(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Finished() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	e := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
