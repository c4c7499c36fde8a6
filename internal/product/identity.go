package product

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"slices"
	"strings"
)

// Query parameters that vary between visits to the same product page
var volatileParams = []string{
	"gclid", "fbclid", "yclid", "msclkid", "ref", "referrer", "sessionid", "sid", "_ga", "from",
}

// NormalizeURL lowercases the host, drops the fragment, trailing slash, tracking
// parameters and "www.", and sorts the remaining query
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")

	query := u.Query()
	for param := range query {
		lower := strings.ToLower(param)
		if strings.HasPrefix(lower, "utm_") || slices.Contains(volatileParams, lower) {
			query.Del(param)
		}
	}

	normalized := host + path
	if encoded := query.Encode(); encoded != "" {
		normalized += "?" + encoded
	}
	return normalized
}

// NormalizeName lowercases and collapses whitespace
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// IdentityKey derives the cross-snapshot key of a product from its URL and name.
// Category, price and description are not part of the key.
func IdentityKey(rawURL, name string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL) + "\n" + NormalizeName(name)))
	return hex.EncodeToString(sum[:16])
}

var categoryPrefixes = []struct {
	marker string
	prefix string
}{
	{"ноутбук", "NB"},
	{"laptop", "NB"},
	{"notebook", "NB"},
	{"телефон", "PH"},
	{"phone", "PH"},
	{"телевизор", "TV"},
	{"tv", "TV"},
	{"холодильник", "FR"},
	{"fridge", "FR"},
	{"стиральная", "WM"},
	{"washing", "WM"},
	{"мебель", "FRN"},
	{"furniture", "FRN"},
}

// GenerateArticle builds a hash-based SKU with a category prefix, e.g. "NB-1A2B3C4D"
func GenerateArticle(name, category string) string {
	prefix := "GEN"
	lower := strings.ToLower(category)
	for _, cp := range categoryPrefixes {
		if strings.Contains(lower, cp.marker) {
			prefix = cp.prefix
			break
		}
	}

	sum := md5.Sum([]byte(NormalizeName(name) + "|" + strings.ToLower(strings.TrimSpace(category))))
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(sum[:4]))
}
