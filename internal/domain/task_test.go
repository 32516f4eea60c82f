package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTaskLifecycle(t *testing.T) {
	task := NewTask("t1", "s1", "Call +18005551234", t0)
	require.Equal(t, TaskQueued, task.State)

	require.NoError(t, task.Start(t0))
	assert.Equal(t, 1, task.Attempts)
	require.NoError(t, task.Complete(Verdict{RiskLevel: RiskHigh}, t0))
	require.NotNil(t, task.Verdict)
	require.NoError(t, task.Validate())

	// terminal states are final
	assert.Error(t, task.Fail("boom", t0))
	assert.Error(t, task.Start(t0))
}

func TestTaskRequeueClearsPreviousAttempt(t *testing.T) {
	task := NewTask("t1", "", "x", t0)
	require.NoError(t, task.Start(t0))
	task.AddResult(ToolResult{ToolName: "scam_record", Entity: Entity{Type: EntityPhone, Value: "+1"}})
	require.NoError(t, task.Requeue(t0))
	require.NoError(t, task.Start(t0))
	assert.Empty(t, task.Results)
	assert.Equal(t, 2, task.Attempts)
}

func TestAddResultReplacesDuplicateKey(t *testing.T) {
	task := NewTask("t1", "", "x", t0)
	e := Entity{Type: EntityURL, Value: "example.com"}
	task.AddResult(ToolResult{ToolName: "web_search", Entity: e, Success: false})
	task.AddResult(ToolResult{ToolName: "web_search", Entity: e, Success: true, RiskSignal: 40})
	task.AddResult(ToolResult{ToolName: "domain_reputation", Entity: e, Success: true})

	require.Len(t, task.Results, 2)
	assert.True(t, task.Results[0].Success)
	assert.Equal(t, 40, task.Results[0].RiskSignal)
}

func TestVerdictInvariant(t *testing.T) {
	task := NewTask("t1", "", "x", t0)
	task.Verdict = &Verdict{RiskLevel: RiskLow}
	assert.Error(t, task.Validate())

	task = NewTask("t2", "", "x", t0)
	require.NoError(t, task.Start(t0))
	require.NoError(t, task.TimeOut(&Verdict{RiskLevel: RiskMedium}, t0))
	assert.Nil(t, task.Verdict)
	assert.NotNil(t, task.PartialVerdict)
	assert.NoError(t, task.Validate())
}

func TestToolErrorKind(t *testing.T) {
	assert.Equal(t, ErrKindToolTimeout, ToolErrorKind(context.DeadlineExceeded))
	assert.Equal(t, ErrKindToolTimeout, ToolErrorKind(fmt.Errorf("call: %w", ErrToolTimeout)))
	assert.Equal(t, ErrKindToolMalformedResponse, ToolErrorKind(fmt.Errorf("decode: %w", ErrToolMalformedResponse)))
	assert.Equal(t, ErrKindToolTransport, ToolErrorKind(fmt.Errorf("dial tcp")))
	assert.Equal(t, ErrorKind(""), ToolErrorKind(nil))
}

func TestEntityTarget(t *testing.T) {
	u := Entity{Type: EntityURL, Value: "example.com/a", Raw: "Example.com/a?utm_source=x"}
	assert.Equal(t, "http://Example.com/a?utm_source=x", u.Target())
	p := Entity{Type: EntityPhone, Value: "+18005551234", Raw: "1-800-555-1234"}
	assert.Equal(t, "+18005551234", p.Target())
}

func TestMaxRisk(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
	assert.Equal(t, RiskMedium, MaxRisk(RiskMedium, RiskLow))
	assert.Equal(t, RiskMedium, ParseRiskLevel(" Moderate "))
}
