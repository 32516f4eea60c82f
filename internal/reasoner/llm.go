package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"scamprobe/internal/domain"
	"scamprobe/internal/llm"
	"scamprobe/internal/logging"
	"scamprobe/internal/telemetry"
)

var tracer = telemetry.Tracer("scamprobe/internal/reasoner")

const maxPromptText = 4000

const systemPrompt = `You assess whether a message a user received is a scam.
You are given the message, the details extracted from it and numbered evidence
from lookup tools. Evidence marked "verified" means the detail belongs to a
known legitimate business; scammers often mix real company contacts with their
own, so verified evidence never clears other warning signs on its own.
Missing evidence is not proof of safety.
Reply with one JSON object:
{"risk_level":"low|medium|high","confidence":0.0-1.0,"explanation":"two or three plain sentences for a non-technical reader","cited":[evidence numbers you relied on]}`

// LLM asks a chat model for the verdict. Its answer is validated and never
// allowed below the level of the strongest single signal.
type LLM struct {
	Provider    llm.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

type llmVerdict struct {
	RiskLevel   string  `json:"risk_level"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
	Cited       []int   `json:"cited"`
}

func (r LLM) Reason(ctx context.Context, text string, b Bundle) (domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "reasoner.llm")
	defer span.End()
	span.SetAttributes(
		attribute.Int("reasoner.results", len(b.Results)),
		attribute.String("gen_ai.request.model", r.Model),
	)

	evidence := successful(b.Results)
	resp, err := r.Provider.Generate(ctx, &llm.Request{
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		JSON:        true,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt(text, b, evidence)},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrReasonerTimeout, err)
		}
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrReasonerError, err)
	}

	var out llmVerdict
	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return domain.Verdict{}, fmt.Errorf("%w: reply is not json", domain.ErrReasonerError)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: decode reply: %v", domain.ErrReasonerError, err)
	}
	level := domain.ParseRiskLevel(out.RiskLevel)
	if !level.Valid() {
		return domain.Verdict{}, fmt.Errorf("%w: invalid risk level %q", domain.ErrReasonerError, out.RiskLevel)
	}
	explanation := strings.TrimSpace(out.Explanation)
	if explanation == "" {
		return domain.Verdict{}, fmt.Errorf("%w: empty explanation", domain.ErrReasonerError)
	}

	cited := make([]domain.ToolResult, 0, len(out.Cited))
	seen := map[int]bool{}
	for _, n := range out.Cited {
		if n < 1 || n > len(evidence) || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, evidence[n-1])
	}

	if floor := Floor(b.Results); floor.Rank() > level.Rank() {
		log.Info().Func(logging.TraceFields(ctx)).
			Str("model_level", string(level)).
			Str("floor", string(floor)).
			Msg("reasoner level raised to evidence floor")
		level = floor
		explanation += fmt.Sprintf(" The tool evidence alone indicates at least %s risk.", floor)
		if len(cited) == 0 {
			cited = Heuristic{}.Evaluate(b).EvidenceCited
		}
	}

	span.SetAttributes(attribute.String("reasoner.risk_level", string(level)))
	return domain.Verdict{
		RiskLevel:     level,
		Confidence:    clamp01(out.Confidence),
		Explanation:   explanation,
		EvidenceCited: cited,
		ToolsUsed:     ToolsUsed(b.Results),
		Source:        "reasoner",
	}, nil
}

func successful(results []domain.ToolResult) []domain.ToolResult {
	out := make([]domain.ToolResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

func prompt(text string, b Bundle, evidence []domain.ToolResult) string {
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	var sb strings.Builder
	sb.WriteString("Message:\n\"\"\"\n")
	sb.WriteString(text)
	sb.WriteString("\n\"\"\"\n\nExtracted details:\n")
	if len(b.Entities) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, e := range b.Entities {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Type, e.Value)
	}
	sb.WriteString("\nEvidence:\n")
	if len(evidence) == 0 {
		sb.WriteString("(no lookup succeeded)\n")
	}
	for i, r := range evidence {
		ev, _ := json.Marshal(r.Evidence)
		kind := "finding"
		if r.Verified {
			kind = "verified"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s on %s %s: found=%t risk=%d %s\n",
			i+1, kind, r.ToolName, r.Entity.Type, r.Entity.Value, r.Found, r.RiskSignal, ev)
	}
	if failed := len(b.Results) - len(evidence); failed > 0 {
		fmt.Fprintf(&sb, "\n%d lookups failed and returned no evidence.\n", failed)
	}
	return sb.String()
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Fallback runs primary under timeout and answers with the heuristic when it
// fails. The returned kind is empty unless the fallback was used.
func Fallback(ctx context.Context, primary Reasoner, timeout time.Duration, text string, b Bundle) (domain.Verdict, domain.ErrorKind) {
	if primary == nil {
		return Heuristic{}.Evaluate(b), ""
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := primary.Reason(rctx, text, b)
	if err == nil {
		return v, ""
	}
	kind := domain.ReasonerErrorKind(err)
	log.Warn().Func(logging.TraceFields(ctx)).Err(err).Str("kind", string(kind)).
		Msg("reasoner failed, using heuristic")
	return Heuristic{}.Evaluate(b), kind
}
