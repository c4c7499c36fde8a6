package price

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrUnparsable is returned when no numeric amount can be recovered from a price string
var ErrUnparsable = errors.New("unparsable price")

// Locale carries hints for ambiguous price strings.
// DecimalSeparator is '.' or ','; zero means auto-detect.
type Locale struct {
	DecimalSeparator rune
	DefaultCurrency  string
}

var isoCodePattern = regexp.MustCompile(`(?i)\b(usd|eur|gbp|rub|uah|jpy|chf|pln|kzt)\b`)

// currencyTokens maps currency symbols to ISO codes. Longer tokens are checked first.
var currencyTokens = []struct {
	token string
	code  string
}{
	{"руб.", "RUB"},
	{"руб", "RUB"},
	{"грн", "UAH"},
	{"us$", "USD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₽", "RUB"},
	{"¥", "JPY"},
	{"₴", "UAH"},
	{"₸", "KZT"},
	{"zł", "PLN"},
}

// HasCurrencyToken reports whether s has both a digit and a currency marker
func HasCurrencyToken(s string) bool {
	if !strings.ContainsFunc(s, unicode.IsDigit) {
		return false
	}
	return DetectCurrency(s) != ""
}

// DetectCurrency returns the ISO code of the first currency marker found in s, or ""
func DetectCurrency(s string) string {
	if m := isoCodePattern.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}
	lower := strings.ToLower(s)
	for _, ct := range currencyTokens {
		if strings.Contains(lower, ct.token) {
			return ct.code
		}
	}
	return ""
}

// Parse normalizes a raw price string into a non-negative decimal amount and a currency code.
// A minus sign before the amount makes the string unparsable.
// Grouping by spaces, NBSP and apostrophes is always removed. When both '.' and ','
// appear the rightmost one is the decimal separator. A single separator followed by
// exactly three digits is read as thousands unless the locale says otherwise.
func Parse(raw string, loc Locale) (decimal.Decimal, string, error) {
	currency := DetectCurrency(raw)
	if currency == "" {
		currency = loc.DefaultCurrency
	}

	number := numericRun(raw)
	if number == "" {
		return decimal.Zero, currency, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}
	if negative(raw) {
		return decimal.Zero, currency, fmt.Errorf("%w: negative amount %q", ErrUnparsable, raw)
	}

	normalized := normalizeSeparators(number, loc.DecimalSeparator)
	amount, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, currency, fmt.Errorf("%w: %q: %v", ErrUnparsable, raw, err)
	}

	return amount, currency, nil
}

// negative reports whether the first number in s carries a minus sign, as in
// discount badges like "-20%" or "$ -15"
func negative(s string) bool {
	first := strings.IndexFunc(s, unicode.IsDigit)
	if first <= 0 {
		return false
	}
	prefix := []rune(s[:first])
	for i := len(prefix) - 1; i >= 0; i-- {
		switch r := prefix[i]; {
		case r == '-' || r == '\u2212':
			return true
		case unicode.IsSpace(r) || unicode.Is(unicode.Sc, r):
			continue
		default:
			return false
		}
	}
	return false
}

// numericRun returns the first run of digits and separators, with grouping characters removed
func numericRun(s string) string {
	var sb strings.Builder
	started := false
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			started = true
			sb.WriteRune(r)
		case !started:
			continue
		case r == '.' || r == ',':
			sb.WriteRune(r)
		case r == ' ' || r == '\u00a0' || r == '\u202f' || r == '\'' || r == '\u2019':
			// Grouping characters
		default:
			return strings.TrimRight(sb.String(), ".,")
		}
	}
	return strings.TrimRight(sb.String(), ".,")
}

func normalizeSeparators(s string, decimalHint rune) string {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		decimalSep := "."
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			decimalSep = ","
		}
		return toCanonical(s, decimalSep)
	case dots == 0 && commas == 0:
		return s
	}

	sep := "."
	count := dots
	if commas > 0 {
		sep = ","
		count = commas
	}

	// Repeated separator can only be grouping
	if count > 1 {
		return strings.ReplaceAll(s, sep, "")
	}

	fraction := s[strings.Index(s, sep)+1:]
	if len(fraction) == 3 && decimalHint != rune(sep[0]) {
		return strings.ReplaceAll(s, sep, "")
	}
	return toCanonical(s, sep)
}

// toCanonical drops the thousands separator and turns decimalSep into '.'
func toCanonical(s, decimalSep string) string {
	thousands := ","
	if decimalSep == "," {
		thousands = "."
	}
	s = strings.ReplaceAll(s, thousands, "")
	return strings.Replace(s, decimalSep, ".", 1)
}
