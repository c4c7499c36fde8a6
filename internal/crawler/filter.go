package crawler

import (
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/shopspring/decimal"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

// Filter rejection reasons
const (
	RejectPriceBelowMin = "price_below_min"
	RejectPriceAboveMax = "price_above_max"
	RejectCategory      = "category_not_allowed"
)

// categorySeparators are breadcrumb joiners folded into "/" before matching
var categorySeparators = strings.NewReplacer(" > ", "/", ">", "/", "›", "/", "»", "/", " / ", "/", "|", "/")

// ExtractDomain extracts the profile domain of a URL: the lowercased host
// without a leading "www."
func ExtractDomain(urlStr string) (string, error) {
	// Handle protocol-relative URLs
	if strings.HasPrefix(urlStr, "//") {
		urlStr = "https:" + urlStr
	}

	// Skip relative URLs (no scheme)
	if !strings.Contains(urlStr, "://") {
		return "", nil
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return "", nil
	}
	return strings.TrimPrefix(strings.ToLower(hostname), "www."), nil
}

// SameSite reports whether next stays on the domain of current
func SameSite(current, next string) bool {
	a, err := ExtractDomain(current)
	if err != nil || a == "" {
		return false
	}
	b, err := ExtractDomain(next)
	return err == nil && a == b
}

// Filter applies the price range and category allow-list to extracted records
type Filter struct {
	min        *decimal.Decimal
	max        *decimal.Decimal
	categories []string
}

// NewFilter creates a filter; nil bounds and an empty allow-list accept everything
func NewFilter(min, max *decimal.Decimal, categories []string) *Filter {
	patterns := make([]string, 0, len(categories))
	for _, c := range categories {
		if c = NormalizeCategory(c); c != "" {
			patterns = append(patterns, c)
		}
	}
	return &Filter{min: min, max: max, categories: patterns}
}

// Allow reports whether rec passes. A record with an unknown price passes the
// price range; a record without a category fails a non-empty allow-list.
func (f *Filter) Allow(rec product.Record) (bool, string) {
	if rec.Price.Known {
		if f.min != nil && rec.Price.Amount.LessThan(*f.min) {
			return false, RejectPriceBelowMin
		}
		if f.max != nil && rec.Price.Amount.GreaterThan(*f.max) {
			return false, RejectPriceAboveMax
		}
	}

	if len(f.categories) == 0 {
		return true, ""
	}
	category := NormalizeCategory(rec.Category)
	if category == "" {
		return false, RejectCategory
	}
	for _, pattern := range f.categories {
		if ok, _ := doublestar.Match(pattern, category); ok {
			return true, ""
		}
	}
	return false, RejectCategory
}

// Describe lists the active filters in a stable textual form, used to key the source
func (f *Filter) Describe() []string {
	var out []string
	if f.min != nil {
		out = append(out, "price>="+f.min.String())
	}
	if f.max != nil {
		out = append(out, "price<="+f.max.String())
	}
	for _, c := range f.categories {
		out = append(out, "category="+c)
	}
	return out
}

// NormalizeCategory lowercases a category path and folds breadcrumb separators into "/"
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	c = categorySeparators.Replace(c)
	parts := strings.Split(c, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
