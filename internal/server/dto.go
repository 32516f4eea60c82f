package server

import (
	"time"

	"scamprobe/internal/domain"
	"scamprobe/internal/router"
)

// Request payloads

type AnalyzeRequest struct {
	SessionID string `json:"session_id,omitempty" maxLength:"128"`
	Text      string `json:"text,omitempty" maxLength:"20000" doc:"Message text; OCR happens on the device"`
	Image     []byte `json:"image,omitempty" doc:"Optional screenshot, base64"`
}

// Response payloads

type AnalyzeResponse struct {
	Type               string            `json:"type" enum:"simple,deep"`
	Verdict            *domain.Verdict   `json:"verdict,omitempty"`
	TaskID             string            `json:"task_id,omitempty"`
	StreamURL          string            `json:"stream_url,omitempty"`
	EstimatedTimeRange *router.TimeRange `json:"estimated_time_range,omitempty"`
}

type TaskResponse struct {
	TaskID         string              `json:"task_id"`
	State          domain.TaskState    `json:"state" enum:"queued,running,completed,failed,timed_out"`
	Verdict        *domain.Verdict     `json:"verdict,omitempty"`
	PartialVerdict *domain.Verdict     `json:"partial_verdict,omitempty"`
	Error          string              `json:"error,omitempty"`
	Entities       domain.EntitySet    `json:"entities"`
	Results        []domain.ToolResult `json:"results"`
	Attempts       int                 `json:"attempts"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type HealthResponse struct {
	Status string            `json:"status" enum:"ok,degraded,down"`
	Checks map[string]string `json:"checks"`
}

func analyzeResponse(r router.Response) AnalyzeResponse {
	out := AnalyzeResponse{Type: r.Type, Verdict: r.Verdict}
	if r.Type == router.TypeDeep {
		out.TaskID = r.TaskID
		out.StreamURL = r.StreamURL
		est := r.Estimate
		out.EstimatedTimeRange = &est
	}
	return out
}

// taskResponse never carries internal failure detail.
func taskResponse(t *domain.Task) TaskResponse {
	out := TaskResponse{
		TaskID:         t.ID,
		State:          t.State,
		Verdict:        t.Verdict,
		PartialVerdict: t.PartialVerdict,
		Entities:       t.Entities,
		Results:        t.Results,
		Attempts:       t.Attempts,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.Error != "" {
		out.Error = domain.UserFacingError
	}
	if out.Entities == nil {
		out.Entities = domain.EntitySet{}
	}
	if out.Results == nil {
		out.Results = []domain.ToolResult{}
	}
	return out
}
