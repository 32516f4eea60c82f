package domain

import (
	"strings"
	"time"
)

type EntityType string

const (
	EntityPhone   EntityType = "phone"
	EntityURL     EntityType = "url"
	EntityEmail   EntityType = "email"
	EntityPayment EntityType = "payment"
	EntityAmount  EntityType = "amount"
)

// Entity is a normalized, typed piece of investigable content. Value is the
// normalized form used for dedup and cache keys; Raw is the span as it appeared.
type Entity struct {
	Type  EntityType `json:"type" enum:"phone,url,email,payment,amount"`
	Value string     `json:"value"`
	Raw   string     `json:"raw"`
}

// Key identifies an entity independent of its raw span.
func (e Entity) Key() string {
	return string(e.Type) + "|" + e.Value
}

// Target is what adapters investigate. URLs are investigated as written;
// everything else by normalized value.
func (e Entity) Target() string {
	if e.Type == EntityURL && e.Raw != "" {
		raw := e.Raw
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		return raw
	}
	return e.Value
}

type EntitySet []Entity

// Investigable returns the entities that tools can look up. Amounts only
// provide context for reasoning.
func (s EntitySet) Investigable() EntitySet {
	out := make(EntitySet, 0, len(s))
	for _, e := range s {
		if e.Type == EntityAmount {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s EntitySet) OfType(t EntityType) EntitySet {
	var out EntitySet
	for _, e := range s {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s EntitySet) Contains(e Entity) bool {
	for _, have := range s {
		if have.Key() == e.Key() {
			return true
		}
	}
	return false
}

// ToolResult is one tool's finding for one entity. Never mutated after creation.
type ToolResult struct {
	ToolName        string         `json:"tool_name"`
	Entity          Entity         `json:"entity"`
	Found           bool           `json:"found"`
	RiskSignal      int            `json:"risk_signal" minimum:"0" maximum:"100"`
	Verified        bool           `json:"verified,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Success         bool           `json:"success"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// Key is the dedup key of a result within a task.
func (r ToolResult) Key() string {
	return r.ToolName + "|" + r.Entity.Key()
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (l RiskLevel) Rank() int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

func (l RiskLevel) Valid() bool {
	return l == RiskLow || l == RiskMedium || l == RiskHigh
}

// ParseRiskLevel accepts any casing; unknown values map to "".
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "medium", "moderate":
		return RiskMedium
	case "high":
		return RiskHigh
	}
	return ""
}

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Verdict struct {
	RiskLevel     RiskLevel    `json:"risk_level" enum:"low,medium,high"`
	Confidence    float64      `json:"confidence" minimum:"0" maximum:"1"`
	Explanation   string       `json:"explanation"`
	EvidenceCited []ToolResult `json:"evidence_cited"`
	ToolsUsed     []string     `json:"tools_used"`
	Source        string       `json:"source,omitempty" enum:"reasoner,heuristic,classifier,keywords"`
}

type ProgressEvent struct {
	TaskID      string    `json:"task_id"`
	Seq         int64     `json:"seq"`
	Step        string    `json:"step"`
	Message     string    `json:"message"`
	Percent     int       `json:"percent" minimum:"0" maximum:"100"`
	IsError     bool      `json:"is_error"`
	IsHeartbeat bool      `json:"is_heartbeat"`
	IsTerminal  bool      `json:"is_terminal"`
	TS          time.Time `json:"ts"`
}
