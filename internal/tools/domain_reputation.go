package tools

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"scamprobe/internal/domain"
	"scamprobe/internal/extract"
)

// CertProbe fetches the certificate chain a host presents.
type CertProbe interface {
	Certificates(ctx context.Context, host string) ([]*x509.Certificate, error)
}

// TLSProbe dials host:443 without verifying the chain; verification is
// done afterwards so an invalid certificate is evidence, not an error.
type TLSProbe struct {
	Port string
}

func (p TLSProbe) Certificates(ctx context.Context, host string) ([]*x509.Certificate, error) {
	port := p.Port
	if port == "" {
		port = "443"
	}
	d := tls.Dialer{Config: &tls.Config{ServerName: host, InsecureSkipVerify: true}}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState().PeerCertificates, nil
}

// DomainReputation scores a URL's or email's host from its structure and, when
// a probe is set, its TLS certificate.
type DomainReputation struct {
	Probe       CertProbe
	NewCertDays int
	Now         func() time.Time
	Shorteners  map[string]bool
	RiskyTLDs   map[string]bool
	Brands      map[string]string
}

func NewDomainReputation(probe CertProbe, newCertDays int) *DomainReputation {
	return &DomainReputation{
		Probe:       probe,
		NewCertDays: newCertDays,
		Now:         time.Now,
		Shorteners:  defaultShorteners,
		RiskyTLDs:   defaultRiskyTLDs,
		Brands:      defaultBrands,
	}
}

var defaultShorteners = setOf("bit.ly", "tinyurl.com", "t.co", "goo.gl", "is.gd", "ow.ly", "buff.ly", "rb.gy", "cutt.ly", "shorturl.at", "tiny.cc", "s.id")

var defaultRiskyTLDs = setOf("zip", "mov", "xyz", "top", "click", "country", "gq", "tk", "ml", "cf", "ga", "work", "support", "rest", "cam", "icu", "loan", "win")

// defaultBrands maps an impersonated brand keyword to its real registrable domain.
var defaultBrands = map[string]string{
	"paypal":     "paypal.com",
	"apple":      "apple.com",
	"amazon":     "amazon.com",
	"microsoft":  "microsoft.com",
	"netflix":    "netflix.com",
	"irs":        "irs.gov",
	"usps":       "usps.com",
	"fedex":      "fedex.com",
	"dhl":        "dhl.com",
	"chase":      "chase.com",
	"wellsfargo": "wellsfargo.com",
	"coinbase":   "coinbase.com",
}

func setOf(vs ...string) map[string]bool {
	m := make(map[string]bool, len(vs))
	for _, v := range vs {
		m[v] = true
	}
	return m
}

var leet = strings.NewReplacer("0", "o", "1", "l", "3", "e", "5", "s", "4", "a", "7", "t")

func (a *DomainReputation) Name() string { return DomainReputationName }

func (a *DomainReputation) Supports(t domain.EntityType) bool {
	return t == domain.EntityURL || t == domain.EntityEmail
}

func (a *DomainReputation) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, a, e, timeout)
}

func hostOfEntity(e domain.Entity) string {
	if e.Type == domain.EntityEmail {
		if i := strings.LastIndexByte(e.Value, '@'); i >= 0 {
			return strings.ToLower(e.Value[i+1:])
		}
		return ""
	}
	return extract.HostOf(e.Target())
}

func (a *DomainReputation) Lookup(ctx context.Context, e domain.Entity) (Finding, error) {
	host := hostOfEntity(e)
	if host == "" {
		return Finding{}, fmt.Errorf("%w: no host in %q", domain.ErrToolMalformedResponse, e.Value)
	}
	ev := map[string]any{"host": host}
	flags := map[string]int{}

	if net.ParseIP(host) != nil {
		flags["ip_host"] = 45
		return a.finish(ev, flags), nil
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registrable = host
	}
	ev["registrable_domain"] = registrable
	suffix, _ := publicsuffix.PublicSuffix(host)
	tld := suffix[strings.LastIndexByte(suffix, '.')+1:]

	if a.Shorteners[registrable] {
		flags["url_shortener"] = 30
	}
	if a.RiskyTLDs[tld] {
		flags["risky_tld"] = 25
	}
	if hasPunycode(host) {
		flags["punycode"] = 35
		if uni, err := idna.ToUnicode(host); err == nil {
			ev["unicode_host"] = uni
		}
	}
	label := strings.TrimSuffix(registrable, "."+suffix)
	if strings.Count(label, "-") >= 2 {
		flags["hyphenated"] = 10
	}
	sub := strings.TrimSuffix(strings.TrimSuffix(host, registrable), ".")
	if sub != "" && strings.Count(sub, ".") >= 2 {
		flags["deep_subdomain"] = 15
	}
	if brand, ok := a.impersonates(host, registrable); ok {
		flags["brand_impersonation"] = 40
		ev["brand"] = brand
	}

	if a.Probe != nil && e.Type == domain.EntityURL {
		if err := a.checkCertificate(ctx, host, ev, flags); err != nil {
			return Finding{}, err
		}
	}
	return a.finish(ev, flags), nil
}

// impersonates reports a brand named in host when host is not under the
// brand's own domain. Short brand names must match a whole label token.
func (a *DomainReputation) impersonates(host, registrable string) (string, bool) {
	tokens := strings.FieldsFunc(leet.Replace(host), func(r rune) bool { return r == '.' || r == '-' })
	brands := make([]string, 0, len(a.Brands))
	for b := range a.Brands {
		brands = append(brands, b)
	}
	sort.Strings(brands)
	for _, brand := range brands {
		official := a.Brands[brand]
		if registrable == official || strings.HasSuffix(host, "."+official) {
			continue
		}
		for _, tok := range tokens {
			if tok == brand || (len(brand) >= 5 && strings.Contains(tok, brand)) {
				return brand, true
			}
		}
	}
	return "", false
}

func hasPunycode(host string) bool {
	for _, l := range strings.Split(host, ".") {
		if strings.HasPrefix(l, "xn--") {
			return true
		}
	}
	return false
}

// checkCertificate records certificate evidence. Only a dead context is an
// error; a failed handshake is itself a signal.
func (a *DomainReputation) checkCertificate(ctx context.Context, host string, ev map[string]any, flags map[string]int) error {
	certs, err := a.Probe.Certificates(ctx, host)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil || len(certs) == 0 {
		flags["no_tls"] = 15
		return nil
	}
	leaf := certs[0]
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	ageDays := int(now().Sub(leaf.NotBefore).Hours() / 24)
	ev["cert_issuer"] = leaf.Issuer.CommonName
	ev["cert_age_days"] = ageDays
	if a.NewCertDays > 0 && ageDays < a.NewCertDays {
		flags["new_certificate"] = 20
	}
	if now().After(leaf.NotAfter) {
		flags["expired_certificate"] = 30
	}
	if err := leaf.VerifyHostname(host); err != nil {
		flags["certificate_host_mismatch"] = 25
	}
	return nil
}

func (a *DomainReputation) finish(ev map[string]any, flags map[string]int) Finding {
	risk := 0
	names := make([]string, 0, len(flags))
	for name, w := range flags {
		risk += w
		names = append(names, name)
	}
	sort.Strings(names)
	ev["flags"] = names
	risk = clampRisk(risk)
	return Finding{Found: len(flags) > 0, RiskSignal: risk, Evidence: ev}
}
