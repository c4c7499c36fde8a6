package profile

import (
	"slices"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

// Source tells where a profile's rule set came from
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceLearned   Source = "learned"
)

// LearnedConfidence is the confidence given to a freshly inferred rule set
const LearnedConfidence = 0.1

// AntiDetection holds the per-domain fetch policy
type AntiDetection struct {
	DelayMin       time.Duration `json:"delay_min"`
	DelayMax       time.Duration `json:"delay_max"`
	MinInterval    time.Duration `json:"min_interval"`
	RandomDelay    bool          `json:"random_delay"`
	RotateIdentity bool          `json:"rotate_identity"`
	UseProxy       bool          `json:"use_proxy"`
}

// SiteProfile is the per-domain bundle of extraction rules and anti-detection parameters.
// Values handed out by the store are copies; the store never mutates a published profile.
type SiteProfile struct {
	Domain              string        `json:"domain"`
	Rules               rules.RuleSet `json:"rules"`
	AntiDetection       AntiDetection `json:"anti_detection"`
	Confidence          float64       `json:"confidence"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Source              Source        `json:"source"`
	Demoted             []string      `json:"demoted,omitempty"`
	LastValidated       time.Time     `json:"last_validated"`
	UpdatedAt           time.Time     `json:"updated_at"`

	// Overridden is set on resolved profiles carrying user selectors
	Overridden bool `json:"-"`
}

// Clone returns a deep copy
func (p SiteProfile) Clone() SiteProfile {
	out := p
	out.Rules = p.Rules.Clone()
	out.Demoted = slices.Clone(p.Demoted)
	return out
}

// IsDemoted reports whether a rule set fingerprint was demoted for this domain
func (p SiteProfile) IsDemoted(fingerprint string) bool {
	return slices.Contains(p.Demoted, fingerprint)
}

// DefaultRules is the heuristic rule set used for unknown domains. It carries no
// container rule, so listing pages go through container inference.
func DefaultRules() rules.RuleSet {
	return rules.RuleSet{
		rules.FieldName: {
			rules.MustParse("[itemprop=name]"),
			rules.MustParse(".product-title"),
			rules.MustParse(".product-name"),
			rules.MustParse("h1"),
			rules.MustParse("h2"),
			rules.MustParse("h3"),
			rules.MustParse("jsonld:name"),
			rules.MustParse("meta:og:title"),
		},
		rules.FieldPrice: {
			rules.MustParse("[itemprop=price]::attr(content)"),
			rules.MustParse("[itemprop=price]"),
			rules.MustParse(".price"),
			rules.MustParse(".product-price"),
			rules.MustParse("[class*=price]"),
			rules.MustParse("jsonld:offers.price"),
			rules.MustParse("jsonld:offers.lowPrice"),
			rules.MustParse("meta:product:price:amount"),
			rules.MustParse("meta:og:price:amount"),
		},
		rules.FieldImage: {
			rules.MustParse("[itemprop=image]::attr(src)"),
			rules.MustParse("img::attr(data-src)"),
			rules.MustParse("img::attr(src)"),
			rules.MustParse("jsonld:image"),
			rules.MustParse("meta:og:image"),
		},
		rules.FieldDescription: {
			rules.MustParse("[itemprop=description]"),
			rules.MustParse(".product-description"),
			rules.MustParse(".description"),
			rules.MustParse("jsonld:description"),
			rules.MustParse("meta:og:description"),
			rules.MustParse("meta:description"),
		},
		rules.FieldCharacteristics: {
			rules.MustParse(".characteristics"),
			rules.MustParse(".specifications"),
			rules.MustParse(".product-specs"),
			rules.MustParse(".specs"),
			rules.MustParse("dl"),
		},
		rules.FieldCategory: {
			rules.MustParse("[itemprop=category]"),
			rules.MustParse(".breadcrumb li:last-child"),
			rules.MustParse(".breadcrumbs a:last-of-type"),
			rules.MustParse("jsonld:category"),
			rules.MustParse("meta:product:category"),
		},
		rules.FieldLink: {
			rules.MustParse("a[itemprop=url]::attr(href)"),
			rules.MustParse("a::attr(href)"),
		},
		rules.FieldAvailability: {
			rules.MustParse("[itemprop=availability]::attr(href)"),
			rules.MustParse("[itemprop=availability]::attr(content)"),
			rules.MustParse(".availability"),
			rules.MustParse(".stock"),
			rules.MustParse("jsonld:offers.availability"),
		},
		rules.FieldNext: {
			rules.MustParse("link[rel=next]::attr(href)"),
			rules.MustParse("a[rel=next]::attr(href)"),
			rules.MustParse(".pagination .next a::attr(href)"),
			rules.MustParse("a.next::attr(href)"),
		},
	}
}

// Default builds the heuristic profile for a domain (confidence 0)
func Default(domain string, ad AntiDetection) SiteProfile {
	return SiteProfile{
		Domain:        domain,
		Rules:         DefaultRules(),
		AntiDetection: ad,
		Source:        SourceHeuristic,
	}
}
