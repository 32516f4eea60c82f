package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamprobe/internal/domain"
)

func values(set domain.EntitySet, t domain.EntityType) []string {
	var out []string
	for _, e := range set.OfType(t) {
		out = append(out, e.Value)
	}
	return out
}

func TestExtractPhoneFormats(t *testing.T) {
	x := New("US")
	cases := []struct {
		in   string
		want string
	}{
		{"Call +1 (800) 555-1234 now", "+18005551234"},
		{"call 800-555-1234 today", "+18005551234"},
		{"ring 0044 20 7946 0958", "+442079460958"},
		{"text 1-800-FLOWERS for a refund", "+18003569377"},
		{"dial 8005551234", "+18005551234"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := values(x.Extract(tc.in), domain.EntityPhone)
			require.Equal(t, []string{tc.want}, got)
		})
	}
}

func TestExtractDoesNotReadWordsAsVanityNumbers(t *testing.T) {
	x := New("US")
	for _, in := range []string{
		"Buy 200 new gift cards now",
		"Send 500 more coins today",
		"Only 800 new cars left",
		"call 200-NEW-GIFT now",
	} {
		t.Run(in, func(t *testing.T) {
			assert.Empty(t, x.Extract(in).OfType(domain.EntityPhone))
		})
	}
	assert.Equal(t, []string{"+18003569377"}, values(x.Extract("text 1-800-FLOWERS"), domain.EntityPhone))
}

func TestExtractDedupsSameNumberDifferentFormats(t *testing.T) {
	set := New("US").Extract("Call +1 800 555 1234 or (800) 555-1234 or 800.555.1234")
	require.Len(t, set, 1)
	assert.Equal(t, domain.EntityPhone, set[0].Type)
	assert.Equal(t, "+18005551234", set[0].Value)
	assert.Equal(t, "+1 800 555 1234", set[0].Raw)
}

func TestExtractURLs(t *testing.T) {
	set := New("").Extract("Verify at https://Paypa1-Secure.com/login?utm_source=sms&id=7#top, or visit www.example.org. Also bit.ly/x1.")
	urls := values(set, domain.EntityURL)
	assert.Equal(t, []string{"paypa1-secure.com/login?id=7", "www.example.org", "bit.ly/x1"}, urls)

	first := set.OfType(domain.EntityURL)[0]
	assert.Equal(t, "https://Paypa1-Secure.com/login?utm_source=sms&id=7#top", first.Raw)
}

func TestExtractIgnoresFileNamesAndAbbreviations(t *testing.T) {
	set := New("").Extract("see notes.txt, i.e. nothing here, version 1.2.3")
	assert.Empty(t, set.OfType(domain.EntityURL))
}

func TestExtractIgnoresRunTogetherSentences(t *testing.T) {
	x := New("")
	for _, in := range []string{
		"Your parcel is waiting now.Click below to pay",
		"Act fast.Win a prize today",
		"Thanks for waiting.Buy again soon",
	} {
		t.Run(in, func(t *testing.T) {
			assert.Empty(t, x.Extract(in).OfType(domain.EntityURL))
		})
	}
	got := values(x.Extract("pay at parcel-fee.click/pay or scam-site.com or shop.de"), domain.EntityURL)
	assert.Equal(t, []string{"parcel-fee.click/pay", "scam-site.com", "shop.de"}, got)
}

func TestExtractEmailsNotAlsoURLs(t *testing.T) {
	set := New("").Extract("Reply to Support+Billing@Bank-Alerts.co.uk immediately")
	require.Len(t, set, 1)
	assert.Equal(t, domain.EntityEmail, set[0].Type)
	assert.Equal(t, "support+billing@bank-alerts.co.uk", set[0].Value)
}

func TestExtractPayments(t *testing.T) {
	text := strings.Join([]string{
		"send to 0x52908400098527886E0F7030069857D2E4169EE7",
		"or bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		"or IBAN GB82 WEST 1234 5698 7654 32",
		"or account number: 12345678",
		"or cashapp $QuickRefund",
	}, ", ")
	got := values(New("").Extract(text), domain.EntityPayment)
	assert.Equal(t, []string{
		"eth:0x52908400098527886e0f7030069857d2e4169ee7",
		"btc:bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		"iban:GB82WEST12345698765432",
		"account:12345678",
		"cashtag:$quickrefund",
	}, got)
}

func TestExtractRejectsBadIBAN(t *testing.T) {
	scan := New("").Scan("IBAN GB00 WEST 1234 5698 7654 32")
	assert.Empty(t, scan.Entities.OfType(domain.EntityPayment))
	require.NotEmpty(t, scan.Noise)
	assert.Equal(t, "iban checksum", scan.Noise[0].Reason)
}

func TestExtractAmounts(t *testing.T) {
	got := values(New("").Extract("Pay $1,200.5 now or 300 euros, final notice USD 45"), domain.EntityAmount)
	assert.Equal(t, []string{"USD 1200.50", "EUR 300.00", "USD 45.00"}, got)
}

func TestAmountsAreNotInvestigable(t *testing.T) {
	set := New("").Extract("You owe $500. Call 800-555-1234")
	require.Len(t, set, 2)
	inv := set.Investigable()
	require.Len(t, inv, 1)
	assert.Equal(t, domain.EntityPhone, inv[0].Type)
}

func TestExtractGarbage(t *testing.T) {
	x := New("")
	assert.Empty(t, x.Extract(""))
	assert.Empty(t, x.Extract("   \n\t"))
	assert.Empty(t, x.Extract("hello grandma, see you sunday!"))
	assert.NotNil(t, x.Extract("!!!"))
}

func TestExtractFirstSeenOrder(t *testing.T) {
	set := New("US").Extract("Go to scam-site.com then call 800-555-1234 and mail a@b.com")
	var types []domain.EntityType
	for _, e := range set {
		types = append(types, e.Type)
	}
	// passes run by type; within the set the order is stable across calls
	assert.Equal(t, types, func() []domain.EntityType {
		var again []domain.EntityType
		for _, e := range New("US").Extract("Go to scam-site.com then call 800-555-1234 and mail a@b.com") {
			again = append(again, e.Type)
		}
		return again
	}())
	assert.Len(t, set, 3)
}

func TestNormalizeURL(t *testing.T) {
	got, ok := NormalizeURL("HTTP://Example.COM/?b=2&a=1&fbclid=zz")
	require.True(t, ok)
	assert.Equal(t, "example.com?a=1&b=2", got)

	_, ok = NormalizeURL("http://localhost/x")
	assert.False(t, ok)

	got, ok = NormalizeURL("http://192.168.0.10:8080/pay")
	require.True(t, ok)
	assert.Equal(t, "192.168.0.10:8080/pay", got)
}

func TestValidIBAN(t *testing.T) {
	assert.True(t, ValidIBAN("DE89370400440532013000"))
	assert.False(t, ValidIBAN("DE89370400440532013001"))
	assert.False(t, ValidIBAN("DE89"))
}

func TestPhoneRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	x := New("US")

	layouts := []string{"+1 %s %s %s", "(%s) %s-%s", "%s.%s.%s", "1-%s-%s-%s"}

	properties.Property("formatted US numbers normalize to one E.164 entity", prop.ForAll(
		func(area, exch, line, layout int) bool {
			a := fmt.Sprintf("%d", area)
			e := fmt.Sprintf("%d", exch)
			l := fmt.Sprintf("%04d", line)
			text := "urgent: call " + fmt.Sprintf(layouts[layout], a, e, l) + " before midnight"
			set := x.Extract(text)
			return len(set) == 1 && set[0].Value == "+1"+a+e+l
		},
		gen.IntRange(201, 989),
		gen.IntRange(201, 989),
		gen.IntRange(0, 9999),
		gen.IntRange(0, len(layouts)-1),
	))

	properties.TestingRun(t)
}

func TestEmailRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	x := New("")

	properties.Property("extracting a rendered email yields its normalized value", prop.ForAll(
		func(user, host string) bool {
			addr := user + "@" + host + ".com"
			set := x.Extract("Reply to " + strings.ToUpper(addr) + " today")
			return len(set) == 1 && set[0].Type == domain.EntityEmail && set[0].Value == addr
		},
		gen.RegexMatch(`[a-z][a-z0-9]{2,10}`),
		gen.RegexMatch(`[a-z][a-z0-9]{2,10}`),
	))

	properties.TestingRun(t)
}

func TestNormalizeHandEnteredValues(t *testing.T) {
	x := New("US")
	cases := []struct {
		typ  domain.EntityType
		raw  string
		want string
		ok   bool
	}{
		{domain.EntityPhone, "(415) 555-2671", "+14155552671", true},
		{domain.EntityURL, "HTTPS://Evil.Example.COM/", "evil.example.com", true},
		{domain.EntityEmail, "Billing@Example.com", "billing@example.com", true},
		{domain.EntityPayment, "GB82 WEST 1234 5698 7654 32", "iban:GB82WEST12345698765432", true},
		{domain.EntityPayment, "cashtag:refundteam", "cashtag:refundteam", true},
		{domain.EntityPhone, "not a number", "", false},
		{domain.EntityEmail, "  ", "", false},
	}
	for _, tc := range cases {
		got, ok := x.Normalize(tc.typ, tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
