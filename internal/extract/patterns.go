package extract

import "regexp"

// Patterns are applied in order; every match is masked before the next pass
// so a span yields at most one entity.
var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?)*\.[a-z]{2,24}\b`)

	schemeURLPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'()\[\]{}]+`)
	wwwURLPattern    = regexp.MustCompile(`(?i)\bwww\.[^\s<>"'()\[\]{}]+`)
	bareURLPattern   = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9\-]{1,23}\b(?:/[^\s<>"'()\[\]{}]*)?`)

	ethPattern        = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)
	btcBech32Pattern  = regexp.MustCompile(`(?i)\bbc1[ac-hj-np-z02-9]{11,71}\b`)
	btcLegacyPattern  = regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`)
	tronPattern       = regexp.MustCompile(`\bT[1-9A-HJ-NP-Za-km-z]{33}\b`)
	ibanPattern       = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)
	accountPattern    = regexp.MustCompile(`(?i)\b(?:account|acct|a/c)(?:\s*(?:number|no\.?|num|#))?\s*[:#]?\s*(\d[\d\- ]{4,18}\d)\b`)
	cashtagPattern    = regexp.MustCompile(`(?:^|[\s(,;:])(\$[A-Za-z][A-Za-z0-9_]{1,19})\b`)
	symbolAmount      = regexp.MustCompile(`([$€£¥₹])\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)
	suffixCodeAmount  = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,8}))?\s?(usd|eur|gbp|jpy|inr|cad|aud|dollars?|euros?|pounds?|btc|eth|usdt)\b`)
	prefixCodeAmount  = regexp.MustCompile(`(?i)\b(usd|eur|gbp|cad|aud|inr)\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?\b`)
	vanityPhone       = regexp.MustCompile(`(?i)(?:\+?1[\s.\-]?)?\(?\b[2-9]\d{2}\)?[\s.\-]?[a-z0-9]{3}[\s.\-]?[a-z0-9]{4}\b`)
	numericPhone      = regexp.MustCompile(`(?:\+\(?|\(|\b)\d[\d\s().\-]{5,}\d\b`)
	trailingPunct     = ".,;:!?'\")]}>"
	currencySymbols   = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY", "₹": "INR"}
	currencyWordCodes = map[string]string{
		"dollar": "USD", "dollars": "USD",
		"euro": "EUR", "euros": "EUR",
		"pound": "GBP", "pounds": "GBP",
	}
)

// trackingParams are dropped from normalized URLs; the raw span keeps them.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "dclid": true, "msclkid": true,
	"mc_cid": true, "mc_eid": true, "igshid": true, "yclid": true,
	"_hsenc": true, "_hsmi": true, "si": true,
}

// commonBareTLDs are the generic top-level domains accepted on a bare host
// with no scheme, www or path. Country codes are always accepted.
var commonBareTLDs = map[string]bool{
	"com": true, "net": true, "org": true, "info": true, "biz": true,
	"xyz": true, "top": true, "site": true, "online": true, "shop": true,
	"store": true, "app": true, "dev": true, "icu": true, "vip": true,
	"cyou": true, "buzz": true, "monster": true, "rest": true, "sbs": true,
	"gov": true, "edu": true, "mobi": true, "pro": true, "tel": true,
}

var keypad = map[rune]byte{
	'A': '2', 'B': '2', 'C': '2',
	'D': '3', 'E': '3', 'F': '3',
	'G': '4', 'H': '4', 'I': '4',
	'J': '5', 'K': '5', 'L': '5',
	'M': '6', 'N': '6', 'O': '6',
	'P': '7', 'Q': '7', 'R': '7', 'S': '7',
	'T': '8', 'U': '8', 'V': '8',
	'W': '9', 'X': '9', 'Y': '9', 'Z': '9',
}
