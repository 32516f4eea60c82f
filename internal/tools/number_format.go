package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nyaruka/phonenumbers"

	"scamprobe/internal/domain"
)

// NumberFormat checks a phone number's structure: validity, line type and
// whether it belongs to the home region. No network access.
type NumberFormat struct {
	HomeRegion string
}

func (a NumberFormat) Name() string { return NumberFormatName }

func (a NumberFormat) Supports(t domain.EntityType) bool { return t == domain.EntityPhone }

func (a NumberFormat) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, a, e, timeout)
}

var lineTypeRisk = map[phonenumbers.PhoneNumberType]struct {
	name string
	risk int
}{
	phonenumbers.PREMIUM_RATE:         {"premium_rate", 70},
	phonenumbers.SHARED_COST:          {"shared_cost", 45},
	phonenumbers.VOIP:                 {"voip", 40},
	phonenumbers.PERSONAL_NUMBER:      {"personal_number", 35},
	phonenumbers.PAGER:                {"pager", 30},
	phonenumbers.UAN:                  {"uan", 15},
	phonenumbers.TOLL_FREE:            {"toll_free", 10},
	phonenumbers.VOICEMAIL:            {"voicemail", 10},
	phonenumbers.MOBILE:               {"mobile", 0},
	phonenumbers.FIXED_LINE:           {"fixed_line", 0},
	phonenumbers.FIXED_LINE_OR_MOBILE: {"fixed_line_or_mobile", 0},
}

func (a NumberFormat) Lookup(_ context.Context, e domain.Entity) (Finding, error) {
	num, err := phonenumbers.Parse(e.Value, a.HomeRegion)
	if err != nil {
		return Finding{}, fmt.Errorf("%w: parse %q: %v", domain.ErrToolMalformedResponse, e.Value, err)
	}
	ev := map[string]any{}
	risk := 0

	valid := phonenumbers.IsValidNumber(num)
	ev["valid"] = valid
	if !valid {
		risk += 40
	}

	lt, ok := lineTypeRisk[phonenumbers.GetNumberType(num)]
	if !ok {
		lt.name = "unknown"
	}
	ev["line_type"] = lt.name
	risk += lt.risk

	region := phonenumbers.GetRegionCodeForNumber(num)
	ev["region"] = region
	if a.HomeRegion != "" && region != "" && region != a.HomeRegion {
		ev["international"] = true
		risk += 20
	}

	risk = clampRisk(risk)
	return Finding{Found: risk >= 35, RiskSignal: risk, Evidence: ev}, nil
}
