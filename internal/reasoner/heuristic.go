// Package reasoner turns tool evidence into a verdict.
package reasoner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"scamprobe/internal/domain"
	"scamprobe/internal/tools"
)

// Bundle is the evidence handed to a reasoner: every attempted call,
// successful or not.
type Bundle struct {
	Entities domain.EntitySet
	Results  []domain.ToolResult
}

// Reasoner produces a verdict from the original text and the evidence.
type Reasoner interface {
	Reason(ctx context.Context, text string, b Bundle) (domain.Verdict, error)
}

// Weights rank tool reliability; business_registry never adds risk.
var Weights = map[string]float64{
	tools.ScamRecordName:       1.0,
	tools.DomainReputationName: 0.85,
	tools.WebSearchName:        0.7,
	tools.NumberFormatName:     0.5,
	tools.BusinessRegistryName: 0,
}

const (
	highThreshold   = 70
	mediumThreshold = 35
	corroboration   = 0.15
)

// Heuristic scores by dominance: the strongest weighted signal sets the
// score and the others only add a fraction on top, so absent evidence can
// never dilute a strong finding.
type Heuristic struct{}

type signal struct {
	result   domain.ToolResult
	weighted float64
}

func levelFor(score float64) domain.RiskLevel {
	switch {
	case score >= highThreshold:
		return domain.RiskHigh
	case score >= mediumThreshold:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// weight of a tool; tools without a configured weight count as mid-range.
func weight(tool string) float64 {
	if w, ok := Weights[tool]; ok {
		return w
	}
	return 0.5
}

func signals(results []domain.ToolResult) []signal {
	var out []signal
	for _, r := range results {
		if !r.Success || r.Verified || r.RiskSignal <= 0 {
			continue
		}
		w := weight(r.ToolName)
		if w == 0 {
			continue
		}
		out = append(out, signal{result: r, weighted: w * float64(r.RiskSignal)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].weighted > out[j].weighted })
	return out
}

// Score returns the combined 0..100 score of the results.
func Score(results []domain.ToolResult) float64 {
	sigs := signals(results)
	if len(sigs) == 0 {
		return 0
	}
	score := sigs[0].weighted
	for _, s := range sigs[1:] {
		score += corroboration * s.weighted
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Floor is the level implied by the single strongest signal.
func Floor(results []domain.ToolResult) domain.RiskLevel {
	sigs := signals(results)
	if len(sigs) == 0 {
		return domain.RiskLow
	}
	return levelFor(sigs[0].weighted)
}

// ToolsUsed lists the distinct tools that were attempted.
func ToolsUsed(results []domain.ToolResult) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, r := range results {
		if !seen[r.ToolName] {
			seen[r.ToolName] = true
			out = append(out, r.ToolName)
		}
	}
	sort.Strings(out)
	return out
}

func (Heuristic) Reason(_ context.Context, _ string, b Bundle) (domain.Verdict, error) {
	return Heuristic{}.Evaluate(b), nil
}

// Evaluate is Reason without the context; it cannot fail.
func (Heuristic) Evaluate(b Bundle) domain.Verdict {
	sigs := signals(b.Results)
	score := Score(b.Results)
	level := levelFor(score)

	attempted, succeeded := len(b.Results), 0
	var verified, clean []domain.ToolResult
	for _, r := range b.Results {
		switch {
		case !r.Success:
			continue
		case r.Verified:
			verified = append(verified, r)
		case r.RiskSignal == 0 || weight(r.ToolName) == 0:
			clean = append(clean, r)
		}
		succeeded++
	}

	// Strongest signals first, then verified contacts, then clean checks.
	cited := make([]domain.ToolResult, 0, succeeded)
	strong := 0
	for _, s := range sigs {
		cited = append(cited, s.result)
		if s.weighted >= mediumThreshold {
			strong++
		}
	}
	cited = append(cited, verified...)
	cited = append(cited, clean...)

	return domain.Verdict{
		RiskLevel:     level,
		Confidence:    confidence(attempted, succeeded, strong),
		Explanation:   explain(level, sigs, verified, attempted, succeeded),
		EvidenceCited: cited,
		ToolsUsed:     ToolsUsed(b.Results),
		Source:        "heuristic",
	}
}

func confidence(attempted, succeeded, strong int) float64 {
	if attempted == 0 {
		return 0.3
	}
	if succeeded == 0 {
		return 0.15
	}
	coverage := float64(succeeded) / float64(attempted)
	if strong > 3 {
		strong = 3
	}
	c := 0.3 + 0.4*coverage + 0.1*float64(strong)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func explain(level domain.RiskLevel, sigs []signal, verified []domain.ToolResult, attempted, succeeded int) string {
	var parts []string
	switch {
	case attempted == 0:
		parts = append(parts, "No investigable details were found in the message.")
	case succeeded == 0:
		parts = append(parts, "None of the checks could be completed, so this assessment is uncertain.")
	case len(sigs) == 0:
		parts = append(parts, "No check found warning signs.")
	}
	for i, s := range sigs {
		if i == 3 {
			break
		}
		parts = append(parts, describe(s.result))
	}
	for _, v := range verified {
		name, _ := v.Evidence["business"].(string)
		if name == "" {
			name = "a verified business"
		}
		parts = append(parts, fmt.Sprintf("%s belongs to %s.", v.Entity.Value, name))
	}
	if len(verified) > 0 && level != domain.RiskLow {
		parts = append(parts, "Scammers often reuse real company contacts next to their own, so the verified contact does not clear the other findings.")
	}
	if failed := attempted - succeeded; failed > 0 && succeeded > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d checks could not be completed.", failed, attempted))
	}
	return fmt.Sprintf("Risk is %s. %s", level, strings.Join(parts, " "))
}

func describe(r domain.ToolResult) string {
	v := r.Entity.Value
	switch r.ToolName {
	case tools.ScamRecordName:
		return fmt.Sprintf("%s matches a known scam report (%v reports).", v, r.Evidence["reports"])
	case tools.DomainReputationName:
		return fmt.Sprintf("The domain of %s looks suspicious (%v).", v, flagList(r.Evidence["flags"]))
	case tools.WebSearchName:
		return fmt.Sprintf("Public complaints mention %s (%v hits).", v, r.Evidence["hits"])
	case tools.NumberFormatName:
		return fmt.Sprintf("%s is an unusual number (%v).", v, r.Evidence["line_type"])
	}
	return fmt.Sprintf("%s flagged %s.", r.ToolName, v)
}

func flagList(v any) string {
	switch fs := v.(type) {
	case []string:
		return strings.Join(fs, ", ")
	case []any:
		parts := make([]string, 0, len(fs))
		for _, f := range fs {
			parts = append(parts, fmt.Sprint(f))
		}
		return strings.Join(parts, ", ")
	}
	return "structural warning signs"
}
