// Package extract turns free text into a deduplicated set of normalized
// entities. It performs no I/O.
package extract

import (
	"math/big"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/net/publicsuffix"

	"scamprobe/internal/domain"
)

const DefaultRegion = "US"

// Noise is a candidate span that looked like an entity but did not normalize.
type Noise struct {
	Type   domain.EntityType
	Raw    string
	Reason string
}

// Scan is the full output of one extraction pass.
type Scan struct {
	Entities domain.EntitySet
	Noise    []Noise
}

// Extractor is safe for concurrent use.
type Extractor struct {
	DefaultRegion string
}

func New(region string) Extractor {
	if strings.TrimSpace(region) == "" {
		region = DefaultRegion
	}
	return Extractor{DefaultRegion: strings.ToUpper(region)}
}

// Extract returns the entities found in text. Empty or garbage input yields
// an empty set.
func (x Extractor) Extract(text string) domain.EntitySet {
	return x.Scan(text).Entities
}

// Normalize turns one hand-entered value into the form extraction would
// produce, so curated records match extracted entities.
func (x Extractor) Normalize(t domain.EntityType, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	switch t {
	case domain.EntityPhone:
		return x.normalizePhone(raw)
	case domain.EntityURL:
		return NormalizeURL(raw)
	}
	for _, e := range x.Extract(raw) {
		if e.Type == t {
			return e.Value, true
		}
	}
	if t == domain.EntityPayment && strings.Contains(raw, ":") {
		// Already in scheme:value form.
		return raw, true
	}
	return "", false
}

func (x Extractor) normalizePhone(raw string) (string, bool) {
	region := x.DefaultRegion
	if region == "" {
		region = DefaultRegion
	}
	return NormalizePhone(raw, region)
}

func (x Extractor) Scan(text string) Scan {
	s := &scanner{
		region: x.DefaultRegion,
		buf:    []byte(text),
		seen:   map[string]int{},
	}
	if s.region == "" {
		s.region = DefaultRegion
	}
	if strings.TrimSpace(text) == "" {
		return Scan{Entities: domain.EntitySet{}}
	}
	s.emails()
	s.urls()
	s.payments()
	s.amounts()
	s.phones()
	if s.out.Entities == nil {
		s.out.Entities = domain.EntitySet{}
	}
	return s.out
}

type scanner struct {
	region string
	buf    []byte
	seen   map[string]int
	out    Scan
}

func (s *scanner) add(t domain.EntityType, value, raw string) {
	e := domain.Entity{Type: t, Value: value, Raw: raw}
	if _, ok := s.seen[e.Key()]; ok {
		return
	}
	s.seen[e.Key()] = len(s.out.Entities)
	s.out.Entities = append(s.out.Entities, e)
}

func (s *scanner) noise(t domain.EntityType, raw, reason string) {
	s.out.Noise = append(s.out.Noise, Noise{Type: t, Raw: raw, Reason: reason})
}

func (s *scanner) mask(start, end int) {
	for i := start; i < end; i++ {
		s.buf[i] = ' '
	}
}

func (s *scanner) emails() {
	for _, loc := range emailPattern.FindAllIndex(s.buf, -1) {
		raw := string(s.buf[loc[0]:loc[1]])
		s.add(domain.EntityEmail, strings.ToLower(raw), raw)
		s.mask(loc[0], loc[1])
	}
}

func (s *scanner) urls() {
	for _, re := range []struct {
		pattern *regexp.Regexp
		bare    bool
	}{{schemeURLPattern, false}, {wwwURLPattern, false}, {bareURLPattern, true}} {
		for _, loc := range re.pattern.FindAllIndex(s.buf, -1) {
			start, end := loc[0], loc[1]
			raw := strings.TrimRight(string(s.buf[start:end]), trailingPunct)
			if raw == "" {
				continue
			}
			if re.bare && start > 0 && (s.buf[start-1] == '@' || s.buf[start-1] == '.') {
				continue
			}
			if re.bare && !plausibleBareLink(raw) {
				continue
			}
			norm, ok := NormalizeURL(raw)
			if !ok {
				if !re.bare {
					s.noise(domain.EntityURL, raw, "unparsable url")
				}
				continue
			}
			s.add(domain.EntityURL, norm, raw)
			s.mask(start, start+len(raw))
		}
	}
}

// plausibleBareLink filters bare matches that are two sentences run
// together ("now.Click"). A path makes it a link; otherwise the top-level
// domain must be a country code or one of the common generic ones, and must
// not be capitalised like the first word of a sentence.
func plausibleBareLink(raw string) bool {
	host := raw
	if i := strings.IndexByte(host, '/'); i >= 0 {
		if i < len(host)-1 {
			return true
		}
		host = host[:i]
	}
	tld := host[strings.LastIndexByte(host, '.')+1:]
	if lower := strings.ToLower(tld); lower != tld && strings.ToUpper(tld) != tld {
		return false
	}
	tld = strings.ToLower(tld)
	return len(tld) == 2 || commonBareTLDs[tld]
}

// NormalizeURL lowercases the host, drops scheme and fragment, and strips
// tracking parameters. The second return is false when raw is not a URL with
// a known top-level domain or an IP host.
func NormalizeURL(raw string) (string, bool) {
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if !validHost(host) {
		return "", false
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	path := u.EscapedPath()
	if path == "/" {
		path = ""
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String(), true
}

// HostOf returns the lowercase host (without port) of a normalized URL value
// or raw URL.
func HostOf(value string) string {
	candidate := value
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	if !strings.Contains(host, ".") {
		return false
	}
	labels := strings.Split(host, ".")
	tld := labels[len(labels)-1]
	if tld == "" {
		return false
	}
	_, icann := publicsuffix.PublicSuffix(tld)
	return icann
}

func (s *scanner) payments() {
	s.each(ethPattern, func(raw string) bool {
		s.add(domain.EntityPayment, "eth:"+strings.ToLower(raw), raw)
		return true
	})
	s.each(btcBech32Pattern, func(raw string) bool {
		s.add(domain.EntityPayment, "btc:"+strings.ToLower(raw), raw)
		return true
	})
	s.each(btcLegacyPattern, func(raw string) bool {
		if !mixedAlnum(raw) {
			return false
		}
		s.add(domain.EntityPayment, "btc:"+raw, raw)
		return true
	})
	s.each(tronPattern, func(raw string) bool {
		if !mixedAlnum(raw) {
			return false
		}
		s.add(domain.EntityPayment, "trx:"+raw, raw)
		return true
	})
	s.each(ibanPattern, func(raw string) bool {
		iban := strings.ReplaceAll(raw, " ", "")
		if !ValidIBAN(iban) {
			s.noise(domain.EntityPayment, raw, "iban checksum")
			return false
		}
		s.add(domain.EntityPayment, "iban:"+iban, raw)
		return true
	})
	for _, loc := range accountPattern.FindAllSubmatchIndex(s.buf, -1) {
		digits := onlyDigits(string(s.buf[loc[2]:loc[3]]))
		if len(digits) < 6 || len(digits) > 17 {
			s.noise(domain.EntityPayment, string(s.buf[loc[0]:loc[1]]), "account length")
			continue
		}
		s.add(domain.EntityPayment, "account:"+digits, string(s.buf[loc[0]:loc[1]]))
		s.mask(loc[0], loc[1])
	}
	for _, loc := range cashtagPattern.FindAllSubmatchIndex(s.buf, -1) {
		raw := string(s.buf[loc[2]:loc[3]])
		s.add(domain.EntityPayment, "cashtag:"+strings.ToLower(raw), raw)
		s.mask(loc[2], loc[3])
	}
}

func (s *scanner) each(re *regexp.Regexp, fn func(raw string) bool) {
	for _, loc := range re.FindAllIndex(s.buf, -1) {
		if fn(string(s.buf[loc[0]:loc[1]])) {
			s.mask(loc[0], loc[1])
		}
	}
}

// ValidIBAN checks length and the ISO 7064 mod-97 checksum.
func ValidIBAN(iban string) bool {
	iban = strings.ToUpper(iban)
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			digits.WriteString(big.NewInt(int64(r-'A'+10)).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func (s *scanner) amounts() {
	for _, m := range symbolAmount.FindAllSubmatchIndex(s.buf, -1) {
		sym := string(s.buf[m[2]:m[3]])
		s.addAmount(currencySymbols[sym], string(s.buf[m[4]:m[5]]), group(s.buf, m, 3), m)
	}
	for _, m := range suffixCodeAmount.FindAllSubmatchIndex(s.buf, -1) {
		code := strings.ToLower(string(s.buf[m[6]:m[7]]))
		if c, ok := currencyWordCodes[code]; ok {
			code = c
		}
		s.addAmount(strings.ToUpper(code), string(s.buf[m[2]:m[3]]), group(s.buf, m, 2), m)
	}
	for _, m := range prefixCodeAmount.FindAllSubmatchIndex(s.buf, -1) {
		code := strings.ToUpper(string(s.buf[m[2]:m[3]]))
		s.addAmount(code, string(s.buf[m[4]:m[5]]), group(s.buf, m, 3), m)
	}
}

func group(buf []byte, m []int, n int) string {
	if m[2*n] < 0 {
		return ""
	}
	return string(buf[m[2*n]:m[2*n+1]])
}

func (s *scanner) addAmount(code, whole, frac string, loc []int) {
	if code == "" {
		return
	}
	whole = strings.ReplaceAll(whole, ",", "")
	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	for len(frac) < 2 {
		frac += "0"
	}
	value := code + " " + whole + "." + frac
	raw := string(s.buf[loc[0]:loc[1]])
	s.add(domain.EntityAmount, value, strings.TrimSpace(raw))
	s.mask(loc[0], loc[1])
}

func (s *scanner) phones() {
	for _, loc := range vanityPhone.FindAllIndex(s.buf, -1) {
		raw := string(s.buf[loc[0]:loc[1]])
		if countLetters(raw) < 2 {
			continue
		}
		// "200 new gift" is words, not a number.
		if strings.ContainsAny(raw, " \t\r\n") {
			continue
		}
		if e164, ok := s.validPhone(vanityToDigits(raw)); ok {
			s.add(domain.EntityPhone, e164, raw)
			s.mask(loc[0], loc[1])
			continue
		}
		s.noise(domain.EntityPhone, raw, "vanity number not parseable")
	}
	for _, loc := range numericPhone.FindAllIndex(s.buf, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isWordByte(s.buf[start-1]) {
			continue
		}
		raw := strings.TrimSpace(string(s.buf[start:end]))
		digits := onlyDigits(raw)
		hasPlus := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")
		formatted := strings.ContainsAny(raw, " -.()")
		if len(digits) < 7 || len(digits) > 15 {
			continue
		}
		if !hasPlus && !formatted && len(digits) < 10 {
			continue
		}
		if e164, ok := s.normalizePhone(raw); ok {
			s.add(domain.EntityPhone, e164, raw)
			s.mask(start, end)
			continue
		}
		s.noise(domain.EntityPhone, raw, "not a possible number")
	}
}

// NormalizePhone formats raw as E.164 using region for national numbers.
func NormalizePhone(raw, region string) (string, bool) {
	s := scanner{region: region}
	return s.normalizePhone(raw)
}

func (s *scanner) parsePhone(raw string) (*phonenumbers.PhoneNumber, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}
	region := s.region
	if strings.HasPrefix(raw, "+") {
		region = ""
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return nil, false
	}
	return num, true
}

func (s *scanner) normalizePhone(raw string) (string, bool) {
	num, ok := s.parsePhone(raw)
	if !ok || !phonenumbers.IsPossibleNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// validPhone is the stricter check for numbers spelled with letters: the
// digits must form an assigned number range, not just the right length.
func (s *scanner) validPhone(raw string) (string, bool) {
	num, ok := s.parsePhone(raw)
	if !ok || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

func vanityToDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == '+' || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case unicode.IsLetter(r):
			if d, ok := keypad[unicode.ToUpper(r)]; ok {
				b.WriteByte(d)
			}
		}
	}
	return b.String()
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func mixedAlnum(s string) bool {
	var letters, digits bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = true
		case unicode.IsLetter(r):
			letters = true
		}
	}
	return letters && digits
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
