package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"scamprobe/internal/domain"
	"scamprobe/internal/extract"
	"scamprobe/internal/repo"
)

// RecordStore is the read side of the curated scam database.
type RecordStore interface {
	LookupScamRecord(ctx context.Context, t domain.EntityType, value string) (domain.ScamRecord, error)
}

// ScamRecord looks entities up in the curated database. URLs and emails are
// also matched by host and registrable domain, which are stored as url
// records.
type ScamRecord struct {
	Store RecordStore
}

func (a ScamRecord) Name() string { return ScamRecordName }

func (a ScamRecord) Supports(t domain.EntityType) bool {
	return supports([]domain.EntityType{domain.EntityPhone, domain.EntityURL, domain.EntityEmail, domain.EntityPayment}, t)
}

func (a ScamRecord) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, a, e, timeout)
}

func (a ScamRecord) Lookup(ctx context.Context, e domain.Entity) (Finding, error) {
	for _, c := range recordCandidates(e) {
		rec, err := a.Store.LookupScamRecord(ctx, c.Type, c.Value)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Finding{}, fmt.Errorf("%w: scam record lookup: %v", domain.ErrToolTransport, err)
		}
		return Finding{
			Found:      true,
			RiskSignal: RecordRisk(rec.Reports),
			Evidence: map[string]any{
				"matched":    rec.Value,
				"category":   rec.Category,
				"reports":    rec.Reports,
				"source":     rec.Source,
				"first_seen": rec.FirstSeen.Format(time.RFC3339),
			},
		}, nil
	}
	return Finding{Evidence: map[string]any{"matched": ""}}, nil
}

// RecordRisk grows with the number of independent reports.
func RecordRisk(reports int) int {
	if reports < 1 {
		reports = 1
	}
	return clampRisk(70 + 5*reports)
}

func recordCandidates(e domain.Entity) []domain.Entity {
	out := []domain.Entity{e}
	add := func(host string) {
		if host == "" {
			return
		}
		for _, have := range out {
			if have.Type == domain.EntityURL && have.Value == host {
				return
			}
		}
		out = append(out, domain.Entity{Type: domain.EntityURL, Value: host})
	}
	var host string
	switch e.Type {
	case domain.EntityURL:
		host = extract.HostOf(e.Value)
	case domain.EntityEmail:
		if i := strings.LastIndexByte(e.Value, '@'); i >= 0 {
			host = e.Value[i+1:]
		}
	default:
		return out
	}
	add(host)
	if reg, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		add(reg)
	}
	return out
}
