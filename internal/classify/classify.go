// Package classify gives a quick verdict from the message text alone. It
// serves the fast path: messages with nothing to investigate, or any message
// while the worker pool is down.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"scamprobe/internal/domain"
	"scamprobe/internal/llm"
	"scamprobe/internal/logging"
)

type Classifier interface {
	Classify(ctx context.Context, text string, entities domain.EntitySet) (domain.Verdict, error)
}

const classifierPrompt = `You judge whether a message a user received is a scam using only its wording.
No lookups were performed. If extracted details are listed, they could not be
checked and should be treated as unverified.
Reply with one JSON object:
{"risk_level":"low|medium|high","confidence":0.0-1.0,"explanation":"two or three plain sentences for a non-technical reader"}`

// LLM classifies with a chat model.
type LLM struct {
	Provider    llm.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c LLM) Classify(ctx context.Context, text string, entities domain.EntitySet) (domain.Verdict, error) {
	var sb strings.Builder
	sb.WriteString("Message:\n\"\"\"\n")
	if len(text) > 4000 {
		text = text[:4000]
	}
	sb.WriteString(text)
	sb.WriteString("\n\"\"\"\n")
	if len(entities) > 0 {
		sb.WriteString("\nUnverified details:\n")
		for _, e := range entities {
			fmt.Fprintf(&sb, "- %s: %s\n", e.Type, e.Value)
		}
	}
	resp, err := c.Provider.Generate(ctx, &llm.Request{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		JSON:        true,
		Messages: []llm.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("classify: %w", err)
	}
	var out struct {
		RiskLevel   string  `json:"risk_level"`
		Confidence  float64 `json:"confidence"`
		Explanation string  `json:"explanation"`
	}
	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return domain.Verdict{}, fmt.Errorf("classify: reply is not json")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return domain.Verdict{}, fmt.Errorf("classify: decode reply: %w", err)
	}
	level := domain.ParseRiskLevel(out.RiskLevel)
	if !level.Valid() || strings.TrimSpace(out.Explanation) == "" {
		return domain.Verdict{}, fmt.Errorf("classify: invalid reply %q", raw)
	}
	conf := out.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return domain.Verdict{
		RiskLevel:     level,
		Confidence:    conf,
		Explanation:   strings.TrimSpace(out.Explanation),
		EvidenceCited: []domain.ToolResult{},
		ToolsUsed:     []string{},
		Source:        "classifier",
	}, nil
}

// Cue is one family of scam wording.
type Cue struct {
	Name    string
	Weight  float64
	Phrases []string
	Reason  string
}

// DefaultCues is the built-in lexicon.
var DefaultCues = []Cue{
	{Name: "urgency", Weight: 20, Reason: "pressures you to act immediately",
		Phrases: []string{"urgent", "immediately", "within 24 hours", "act now", "final notice", "last chance", "expires today", "right away"}},
	{Name: "payment", Weight: 35, Reason: "asks for payment by gift card, crypto or wire transfer",
		Phrases: []string{"gift card", "itunes card", "google play card", "wire transfer", "western union", "moneygram", "bitcoin", "btc", "usdt", "crypto", "zelle", "cash app", "processing fee", "release fee"}},
	{Name: "impersonation", Weight: 25, Reason: "claims to be a bank, government agency or well-known company",
		Phrases: []string{"irs", "social security", "your bank", "fraud department", "customs", "microsoft support", "apple support", "amazon", "paypal", "usps", "fedex", "dhl", "police"}},
	{Name: "account_threat", Weight: 30, Reason: "threatens account suspension or legal action",
		Phrases: []string{"suspended", "locked", "unusual activity", "unauthorized", "warrant", "arrest", "legal action", "deactivated", "will be closed"}},
	{Name: "credentials", Weight: 35, Reason: "asks for passwords, codes or personal identifiers",
		Phrases: []string{"verify your account", "confirm your identity", "password", "verification code", "one-time code", "otp", "pin", "ssn", "card number", "login details"}},
	{Name: "prize", Weight: 30, Reason: "promises a prize, refund or easy money",
		Phrases: []string{"you have won", "you've won", "winner", "lottery", "prize", "claim your", "refund", "inheritance", "guaranteed return", "double your"}},
}

// Keywords classifies from a fixed lexicon and never fails.
type Keywords struct {
	Cues []Cue
}

func (k Keywords) cues() []Cue {
	if len(k.Cues) == 0 {
		return DefaultCues
	}
	return k.Cues
}

func (k Keywords) Classify(_ context.Context, text string, entities domain.EntitySet) (domain.Verdict, error) {
	return k.Evaluate(text, entities), nil
}

func (k Keywords) Evaluate(text string, entities domain.EntitySet) domain.Verdict {
	lower := " " + strings.ToLower(text) + " "
	var hits []Cue
	score := 0.0
	for _, c := range k.cues() {
		for _, p := range c.Phrases {
			if containsWord(lower, p) {
				hits = append(hits, c)
				score += c.Weight
				break
			}
		}
	}
	if len(hits) > 0 && len(entities.Investigable()) > 0 {
		score += 10
	}
	level := domain.RiskLow
	switch {
	case score >= 70:
		level = domain.RiskHigh
	case score >= 35:
		level = domain.RiskMedium
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Weight > hits[j].Weight })

	var explanation string
	if len(hits) == 0 {
		explanation = fmt.Sprintf("Risk is %s. The wording shows none of the common scam patterns, but nothing in it was checked.", level)
	} else {
		reasons := make([]string, 0, len(hits))
		for _, h := range hits {
			reasons = append(reasons, h.Reason)
		}
		explanation = fmt.Sprintf("Risk is %s. The message %s.", level, strings.Join(reasons, "; it "))
		if len(entities.Investigable()) > 0 {
			explanation += " Its contact details could not be checked right now."
		}
	}
	conf := 0.35 + 0.1*float64(len(hits))
	if conf > 0.7 {
		conf = 0.7
	}
	return domain.Verdict{
		RiskLevel:     level,
		Confidence:    conf,
		Explanation:   explanation,
		EvidenceCited: []domain.ToolResult{},
		ToolsUsed:     []string{},
		Source:        "keywords",
	}
}

// containsWord reports whether phrase occurs in s bounded by non-letters.
// s must be lowercased and padded with spaces.
func containsWord(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(phrase)
		if !isLetter(s[start-1]) && (end >= len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}

// Chain tries Primary under Timeout and falls back to Secondary.
type Chain struct {
	Primary   Classifier
	Secondary Classifier
	Timeout   time.Duration
}

func (c Chain) Classify(ctx context.Context, text string, entities domain.EntitySet) (domain.Verdict, error) {
	if c.Primary != nil {
		pctx := ctx
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		v, err := c.Primary.Classify(pctx, text, entities)
		if err == nil {
			return v, nil
		}
		log.Warn().Func(logging.TraceFields(ctx)).Err(err).Msg("classifier failed, falling back")
	}
	if c.Secondary == nil {
		return Keywords{}.Evaluate(text, entities), nil
	}
	return c.Secondary.Classify(ctx, text, entities)
}
