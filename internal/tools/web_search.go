package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"scamprobe/internal/domain"
)

// DefaultComplaintTerms mark a search hit as a complaint about the entity.
var DefaultComplaintTerms = []string{
	"scam", "fraud", "phishing", "spam", "fake", "scammer", "complaint",
	"stole", "stolen", "ripped off", "do not call", "beware", "warning",
}

// WebSearch queries an HTTP search provider and counts complaint hits.
//
// The provider contract is GET {Endpoint}?q=...&count=N with an optional
// bearer token, answering {"results":[{"title","snippet","url"}]}.
type WebSearch struct {
	Endpoint string
	APIKey   string
	Count    int
	Terms    []string
	Client   *http.Client
	Limiter  *rate.Limiter
}

func NewWebSearch(endpoint, apiKey string, perSecond float64, burst int) *WebSearch {
	if burst < 1 {
		burst = 1
	}
	return &WebSearch{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Count:    10,
		Terms:    DefaultComplaintTerms,
		Client:   &http.Client{},
		Limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (a *WebSearch) Name() string { return WebSearchName }

func (a *WebSearch) Supports(t domain.EntityType) bool {
	return supports([]domain.EntityType{domain.EntityPhone, domain.EntityURL, domain.EntityEmail, domain.EntityPayment}, t)
}

func (a *WebSearch) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, a, e, timeout)
}

type searchResponse struct {
	Results []searchHit `json:"results"`
}

type searchHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Query is the search string sent for e. URLs are searched as the message
// wrote them, tracking parameters included.
func Query(e domain.Entity) string {
	v := e.Target()
	if i := strings.IndexByte(v, ':'); e.Type == domain.EntityPayment && i > 0 {
		v = v[i+1:]
	}
	return fmt.Sprintf("%q scam", v)
}

func (a *WebSearch) Lookup(ctx context.Context, e domain.Entity) (Finding, error) {
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Finding{}, ctx.Err()
			}
			return Finding{}, fmt.Errorf("%w: rate limit: %v", domain.ErrToolTransport, err)
		}
	}
	u, err := url.Parse(a.Endpoint)
	if err != nil {
		return Finding{}, fmt.Errorf("%w: endpoint: %v", domain.ErrToolTransport, err)
	}
	q := u.Query()
	q.Set("q", Query(e))
	count := a.Count
	if count <= 0 {
		count = 10
	}
	q.Set("count", fmt.Sprint(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Finding{}, fmt.Errorf("%w: %v", domain.ErrToolTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Finding{}, fmt.Errorf("%w: %v", domain.ErrToolTimeout, err)
		}
		return Finding{}, fmt.Errorf("%w: %v", domain.ErrToolTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Finding{}, fmt.Errorf("%w: search status %d", domain.ErrToolTransport, resp.StatusCode)
	}
	var body searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Finding{}, fmt.Errorf("%w: %v", domain.ErrToolMalformedResponse, err)
	}
	if body.Results == nil {
		return Finding{}, fmt.Errorf("%w: missing results", domain.ErrToolMalformedResponse)
	}

	terms := a.Terms
	if len(terms) == 0 {
		terms = DefaultComplaintTerms
	}
	hits := 0
	var sources []string
	for _, h := range body.Results {
		text := strings.ToLower(h.Title + " " + h.Snippet)
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
				if len(sources) < 3 && h.URL != "" {
					sources = append(sources, h.URL)
				}
				break
			}
		}
	}
	ev := map[string]any{"hits": hits, "results": len(body.Results)}
	if len(sources) > 0 {
		ev["sources"] = sources
	}
	return Finding{Found: hits > 0, RiskSignal: SearchRisk(hits), Evidence: ev}, nil
}

// SearchRisk scales with complaint hits.
func SearchRisk(hits int) int {
	return clampRisk(10 * hits)
}
