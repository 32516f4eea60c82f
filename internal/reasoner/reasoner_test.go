package reasoner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamprobe/internal/domain"
	"scamprobe/internal/llm"
	"scamprobe/internal/tools"
)

var (
	phone = domain.Entity{Type: domain.EntityPhone, Value: "+18005551234", Raw: "800-555-1234"}
	link  = domain.Entity{Type: domain.EntityURL, Value: "paypa1-secure.top/login", Raw: "http://paypa1-secure.top/login"}
)

func ok(tool string, e domain.Entity, risk int) domain.ToolResult {
	return domain.ToolResult{ToolName: tool, Entity: e, Found: risk > 0, RiskSignal: risk, Success: true}
}

func failed(tool string, e domain.Entity, kind domain.ErrorKind) domain.ToolResult {
	return domain.ToolResult{ToolName: tool, Entity: e, Success: false, ErrorKind: kind}
}

func TestHeuristicStrongSignalNotDiluted(t *testing.T) {
	b := Bundle{
		Entities: domain.EntitySet{phone},
		Results: []domain.ToolResult{
			ok(tools.ScamRecordName, phone, 85),
			ok(tools.NumberFormatName, phone, 0),
			ok(tools.WebSearchName, phone, 0),
			failed(tools.BusinessRegistryName, phone, domain.ErrKindToolTimeout),
		},
	}
	v := Heuristic{}.Evaluate(b)
	assert.Equal(t, domain.RiskHigh, v.RiskLevel)
	assert.Equal(t, "heuristic", v.Source)
	require.Len(t, v.EvidenceCited, 3, "every successful result is cited, none of the failures")
	assert.Equal(t, tools.ScamRecordName, v.EvidenceCited[0].ToolName)
	for _, c := range v.EvidenceCited {
		assert.True(t, c.Success)
	}
	assert.Equal(t, []string{tools.BusinessRegistryName, tools.NumberFormatName, tools.ScamRecordName, tools.WebSearchName}, v.ToolsUsed)
	assert.Contains(t, v.Explanation, "1 of 4 checks could not be completed")
}

func TestHeuristicScore(t *testing.T) {
	assert.Zero(t, Score(nil))
	// 0.85*60 = 51, plus 0.15 * 0.7*40 = 4.2
	got := Score([]domain.ToolResult{ok(tools.DomainReputationName, link, 60), ok(tools.WebSearchName, link, 40)})
	assert.InDelta(t, 55.2, got, 0.001)
	assert.Equal(t, 100.0, Score([]domain.ToolResult{
		ok(tools.ScamRecordName, phone, 100),
		ok(tools.WebSearchName, phone, 100),
	}))
	assert.Zero(t, Score([]domain.ToolResult{failed(tools.ScamRecordName, phone, domain.ErrKindToolTransport)}),
		"failed calls carry no risk")
}

func TestHeuristicAllToolsFailed(t *testing.T) {
	v := Heuristic{}.Evaluate(Bundle{
		Entities: domain.EntitySet{phone},
		Results: []domain.ToolResult{
			failed(tools.ScamRecordName, phone, domain.ErrKindToolTransport),
			failed(tools.NumberFormatName, phone, domain.ErrKindToolTimeout),
		},
	})
	assert.Equal(t, domain.RiskLow, v.RiskLevel)
	assert.Less(t, v.Confidence, 0.3)
	assert.Empty(t, v.EvidenceCited)
	assert.Contains(t, v.Explanation, "could be completed")
}

func TestHeuristicVerifiedDoesNotClearRisk(t *testing.T) {
	reg := ok(tools.BusinessRegistryName, link, 0)
	reg.Verified = true
	reg.Found = true
	reg.Evidence = map[string]any{"business": "PayPal"}
	b := Bundle{
		Entities: domain.EntitySet{phone, link},
		Results: []domain.ToolResult{
			reg,
			ok(tools.ScamRecordName, phone, 90),
		},
	}
	v := Heuristic{}.Evaluate(b)
	assert.Equal(t, domain.RiskHigh, v.RiskLevel)
	require.Len(t, v.EvidenceCited, 2)
	assert.True(t, v.EvidenceCited[1].Verified)
	assert.Contains(t, v.Explanation, "PayPal")
	assert.Contains(t, v.Explanation, "does not clear")
}

func TestHeuristicCitesOnlySuccessfulCalls(t *testing.T) {
	v := Heuristic{}.Evaluate(Bundle{
		Entities: domain.EntitySet{link},
		Results: []domain.ToolResult{
			failed(tools.DomainReputationName, link, domain.ErrKindToolTimeout),
			ok(tools.WebSearchName, link, 0),
		},
	})
	assert.Equal(t, domain.RiskLow, v.RiskLevel)
	require.Len(t, v.EvidenceCited, 1)
	assert.Equal(t, tools.WebSearchName, v.EvidenceCited[0].ToolName)
}

func TestFloor(t *testing.T) {
	assert.Equal(t, domain.RiskLow, Floor(nil))
	assert.Equal(t, domain.RiskMedium, Floor([]domain.ToolResult{ok(tools.NumberFormatName, phone, 80)}))
	assert.Equal(t, domain.RiskHigh, Floor([]domain.ToolResult{ok(tools.ScamRecordName, phone, 75)}))
}

func TestLLMReasonerFiltersCitationsAndRaisesToFloor(t *testing.T) {
	fake := &llm.Fake{Replies: []string{"```json\n" +
		`{"risk_level":"low","confidence":0.7,"explanation":"Looks like a normal delivery text.","cited":[1,2,9,0]}` +
		"\n```"}}
	r := LLM{Provider: fake, Model: "gpt-4o-mini"}
	b := Bundle{
		Entities: domain.EntitySet{phone},
		Results: []domain.ToolResult{
			ok(tools.ScamRecordName, phone, 80),
			failed(tools.WebSearchName, phone, domain.ErrKindToolTimeout),
			ok(tools.NumberFormatName, phone, 0),
		},
	}
	v, err := r.Reason(context.Background(), "Call 800-555-1234 now", b)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskHigh, v.RiskLevel)
	assert.Equal(t, "reasoner", v.Source)
	require.Len(t, v.EvidenceCited, 2)
	for _, c := range v.EvidenceCited {
		assert.True(t, c.Success, "citations only point at successful results")
	}
	assert.Contains(t, v.Explanation, "at least high risk")

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSON)
	assert.Contains(t, calls[0].Messages[1].Content, "1 lookups failed")
}

func TestLLMReasonerRejectsInvalidReplies(t *testing.T) {
	b := Bundle{Results: []domain.ToolResult{ok(tools.ScamRecordName, phone, 80)}}
	for _, reply := range []string{
		"I think it is a scam",
		`{"risk_level":"catastrophic","confidence":1,"explanation":"x"}`,
		`{"risk_level":"high","confidence":1,"explanation":""}`,
	} {
		_, err := LLM{Provider: &llm.Fake{Replies: []string{reply}}}.Reason(context.Background(), "", b)
		assert.ErrorIs(t, err, domain.ErrReasonerError, reply)
	}
	_, err := LLM{Provider: &llm.Fake{Err: errors.New("503")}}.Reason(context.Background(), "", b)
	assert.ErrorIs(t, err, domain.ErrReasonerError)
}

func TestFallback(t *testing.T) {
	b := Bundle{Entities: domain.EntitySet{phone}, Results: []domain.ToolResult{ok(tools.ScamRecordName, phone, 80)}}

	v, kind := Fallback(context.Background(), LLM{Provider: &llm.Fake{Block: true}}, 20*time.Millisecond, "", b)
	assert.Equal(t, domain.ErrKindReasonerTimeout, kind)
	assert.Equal(t, "heuristic", v.Source)
	assert.Equal(t, domain.RiskHigh, v.RiskLevel)

	v, kind = Fallback(context.Background(), LLM{Provider: &llm.Fake{Replies: []string{"nope"}}}, time.Second, "", b)
	assert.Equal(t, domain.ErrKindReasonerError, kind)
	assert.Equal(t, "heuristic", v.Source)

	good := &llm.Fake{Replies: []string{`{"risk_level":"high","confidence":0.9,"explanation":"Known scam number.","cited":[1]}`}}
	v, kind = Fallback(context.Background(), LLM{Provider: good}, time.Second, "", b)
	assert.Empty(t, kind)
	assert.Equal(t, "reasoner", v.Source)
	assert.InDelta(t, 0.9, v.Confidence, 0.0001)

	v, kind = Fallback(context.Background(), nil, time.Second, "", b)
	assert.Empty(t, kind)
	assert.Equal(t, "heuristic", v.Source)
}
