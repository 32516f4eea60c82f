package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"scamprobe/internal/domain"
	"scamprobe/internal/repo"
)

// BusinessStore is the read side of the verified-business directory.
type BusinessStore interface {
	BusinessByDomain(ctx context.Context, domainName string) (domain.Business, error)
	BusinessByPhone(ctx context.Context, e164 string) (domain.Business, error)
}

// BusinessRegistry marks entities that belong to a verified business. A hit
// is "verified legitimate" evidence and never carries risk.
type BusinessRegistry struct {
	Store BusinessStore
}

func (a BusinessRegistry) Name() string { return BusinessRegistryName }

func (a BusinessRegistry) Supports(t domain.EntityType) bool {
	return t == domain.EntityPhone || t == domain.EntityURL || t == domain.EntityEmail
}

func (a BusinessRegistry) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, a, e, timeout)
}

func (a BusinessRegistry) Lookup(ctx context.Context, e domain.Entity) (Finding, error) {
	var (
		b   domain.Business
		err error
	)
	switch e.Type {
	case domain.EntityPhone:
		b, err = a.Store.BusinessByPhone(ctx, e.Value)
	default:
		host := strings.TrimPrefix(hostOfEntity(e), "www.")
		b, err = a.Store.BusinessByDomain(ctx, host)
		if errors.Is(err, repo.ErrNotFound) {
			if reg, rerr := publicsuffix.EffectiveTLDPlusOne(host); rerr == nil && reg != host {
				b, err = a.Store.BusinessByDomain(ctx, reg)
			}
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return Finding{}, nil
	}
	if err != nil {
		return Finding{}, fmt.Errorf("%w: business lookup: %v", domain.ErrToolTransport, err)
	}
	return Finding{
		Found:    true,
		Verified: true,
		Evidence: map[string]any{"business": b.Name, "source": b.Source},
	}, nil
}
