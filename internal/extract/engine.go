package extract

import (
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/price"
	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

// Options tune a single extraction
type Options struct {
	// ExpectProducts marks pages known to list products, such as seed and pagination URLs
	ExpectProducts bool
}

// Engine turns fetched pages into product records using a site profile's rules
type Engine struct {
	locale    price.Locale
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewEngine creates an extraction engine for the given price locale
func NewEngine(locale price.Locale) *Engine {
	sanitizer := bluemonday.StrictPolicy()
	sanitizer.AddSpaceWhenStrippingTag(true)
	return &Engine{
		locale:    locale,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Extraction is a parsed page bound to the rules that will be applied to it
type Extraction struct {
	engine      *Engine
	doc         *document
	pageURL     string
	domain      string
	opts        Options
	extractedAt time.Time

	used       rules.RuleSet
	effective  rules.RuleSet
	inferred   rules.RuleSet
	fellBack   bool
	containers []*html.Node
	pageLevel  bool
	notes      []error

	// containerMissed is set when the profile's container rule matched nothing
	containerMissed bool
}

// Outcome is the result of running an extraction to completion
type Outcome struct {
	URL     string
	Records []product.Record
	Errors  []error

	// Used is the profile rule set the page was evaluated with
	Used rules.RuleSet
	// FellBack is set when the profile's container rule found nothing and an
	// inferred rule set or the whole page was used instead
	FellBack bool
	// Learned is an inferred rule set worth proposing to the profile store
	Learned rules.RuleSet
	// LearningOpportunity is set when a page expected to list products yielded none
	LearningOpportunity bool
	// NextPage is the resolved pagination link, if any
	NextPage string
}

// RulesHeld reports whether the profile's own rules produced products
func (o Outcome) RulesHeld() bool {
	if len(o.Records) == 0 || o.FellBack {
		return false
	}
	for _, err := range o.Errors {
		if errors.Is(err, ErrContainerNotFound) {
			return false
		}
	}
	return true
}

// Dropped counts products discarded for missing required fields
func (o Outcome) Dropped() int {
	n := 0
	for _, err := range o.Errors {
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Dropped() {
			n++
		}
	}
	return n
}

// Extract parses page once and resolves the product containers. A page that
// cannot be parsed returns an *ExtractionError.
func (e *Engine) Extract(page *fetch.RawPage, prof profile.SiteProfile, opts Options) (*Extraction, error) {
	base := page.FinalURL
	if base == "" {
		base = page.URL
	}
	doc, err := parseDocument(base, page.Body, page.ContentType)
	if err != nil {
		var ee *ExtractionError
		if errors.As(err, &ee) {
			ee.URL = page.URL
		}
		return nil, err
	}

	extractedAt := page.FetchedAt
	if extractedAt.IsZero() {
		extractedAt = e.now()
	}

	domain := prof.Domain
	if domain == "" {
		domain = doc.url.Hostname()
	}

	x := &Extraction{
		engine:      e,
		doc:         doc,
		pageURL:     page.URL,
		domain:      domain,
		opts:        opts,
		extractedAt: extractedAt,
		used:        prof.Rules.Clone(),
	}
	x.effective = x.used
	x.resolveContainers()
	return x, nil
}

// resolveContainers applies the container rule, then inference, then the whole document
func (x *Extraction) resolveContainers() {
	if list := x.used[rules.FieldContainer]; len(list) > 0 {
		for _, sel := range list {
			if found := x.doc.nodes(sel, x.doc.root); len(found) > 0 {
				x.containers = found
				return
			}
		}
		x.notes = append(x.notes, &ValidationError{Kind: ContainerNotFound, URL: x.pageURL, Field: rules.FieldContainer})
		x.containerMissed = true
	}

	if inferred, ok := InferCandidateRule(x.doc.doc); ok {
		if found := x.doc.nodes(inferred[rules.FieldContainer][0], x.doc.root); len(found) > 0 {
			x.inferred = inferred
			x.effective = rules.Overlay(inferred, x.used)
			x.fellBack = true
			x.containers = found
			return
		}
	}

	// A listing whose container rule broke has no products to read from the page as a whole
	if x.containerMissed && x.opts.ExpectProducts {
		return
	}

	body := x.doc.doc.Find("body")
	if body.Length() > 0 {
		x.containers = body.Nodes[:1]
	} else {
		x.containers = []*html.Node{x.doc.root}
	}
	x.pageLevel = true
	x.fellBack = x.containerMissed
}

// Products lazily yields every product on the page in document order.
// A dropped product yields a zero Record with its error; a product kept with a
// degraded field yields both the record and a note. The sequence is finite and
// may be iterated more than once.
func (x *Extraction) Products() iter.Seq2[product.Record, error] {
	return func(yield func(product.Record, error) bool) {
		for _, note := range x.notes {
			if !yield(product.Record{}, note) {
				return
			}
		}
		for i, n := range x.containers {
			rec, err := x.product(i, n)
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Collect runs the extraction to completion. Records are deduplicated by identity key.
func (x *Extraction) Collect() Outcome {
	out := Outcome{
		URL:      x.pageURL,
		Used:     x.used,
		FellBack: x.fellBack,
		NextPage: x.NextPage(),
	}

	seen := make(map[string]bool)
	for rec, err := range x.Products() {
		if err != nil {
			out.Errors = append(out.Errors, err)
		}
		if rec.Key == "" || seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		out.Records = append(out.Records, rec)
	}

	switch {
	case len(out.Records) == 0 && x.opts.ExpectProducts:
		out.LearningOpportunity = true
		out.Learned = x.inferred
		if out.Learned == nil {
			if inferred, ok := InferCandidateRule(x.doc.doc); ok {
				out.Learned = inferred
			}
		}
	case x.fellBack && len(out.Records) > 0:
		out.Learned = x.inferred
	}

	logrus.WithFields(logrus.Fields{
		"url":       x.pageURL,
		"products":  len(out.Records),
		"errors":    len(out.Errors),
		"fell_back": x.fellBack,
		"learning":  out.LearningOpportunity,
	}).Debug("Extraction finished")
	return out
}

// NextPage returns the resolved pagination link, or "" when there is none
func (x *Extraction) NextPage() string {
	raw, _, ok := x.doc.first(x.effective[rules.FieldNext], x.doc.root, true)
	if !ok {
		return ""
	}
	next := x.doc.resolve(raw)
	if next == "" || product.NormalizeURL(next) == product.NormalizeURL(x.doc.url.String()) {
		return ""
	}
	if !strings.HasPrefix(next, "http://") && !strings.HasPrefix(next, "https://") {
		return ""
	}
	return next
}

// product extracts one container. Every field is evaluated independently.
func (x *Extraction) product(index int, n *html.Node) (product.Record, error) {
	d := x.doc
	fr := x.effective

	name, _, ok := d.first(fr[rules.FieldName], n, x.pageLevel)
	if !ok {
		return product.Record{}, &ValidationError{Kind: RequiredFieldMissing, URL: x.pageURL, Field: rules.FieldName, Index: index}
	}

	priceText, _, ok := d.first(fr[rules.FieldPrice], n, x.pageLevel)
	if !ok {
		return product.Record{}, &ValidationError{Kind: RequiredFieldMissing, URL: x.pageURL, Field: rules.FieldPrice, Index: index}
	}

	var note error
	amount, currency, err := price.Parse(priceText, x.engine.locale)
	if price.DetectCurrency(priceText) == "" {
		if c := x.contextCurrency(n); c != "" {
			currency = c
		}
	}
	p := product.KnownPrice(amount, currency)
	if err != nil {
		p = product.UnknownPrice(currency)
		note = &ValidationError{Kind: PriceUnparsable, URL: x.pageURL, Field: rules.FieldPrice, Index: index, Value: priceText}
	}

	rec := product.New(x.productURL(n), name, p, x.extractedAt)
	rec.Domain = x.domain
	rec.OriginalDescription = x.description(n)
	rec.Description = rec.OriginalDescription
	rec.Category = x.category(n)
	rec.Characteristics = d.parseCharacteristics(d.firstNode(fr[rules.FieldCharacteristics], n))
	rec.Images = x.images(n)
	if avail, _, ok := d.first(fr[rules.FieldAvailability], n, x.pageLevel); ok {
		rec.Availability = product.NormalizeAvailability(avail)
	}
	rec.Article = product.GenerateArticle(rec.Name, rec.Category)

	return rec, note
}

// productURL is the card's link, or the page itself for a detail page
func (x *Extraction) productURL(n *html.Node) string {
	if x.pageLevel {
		return x.pageURL
	}
	if href, _, ok := x.doc.first(x.effective[rules.FieldLink], n, false); ok {
		if u := x.doc.resolve(href); u != "" {
			return u
		}
	}
	return x.pageURL
}

// contextCurrency finds a currency near a bare amount: an itemprop, the
// container text, or page metadata
func (x *Extraction) contextCurrency(n *html.Node) string {
	sel := x.doc.selection(n)
	if c, ok := sel.Find("[itemprop=priceCurrency]").Attr("content"); ok && c != "" {
		return strings.ToUpper(strings.TrimSpace(c))
	}
	if c := price.DetectCurrency(sel.Text()); c != "" {
		return c
	}
	if x.pageLevel {
		if vals := x.doc.values(rules.Selector{Kind: rules.KindJSONLD, Expr: "offers.priceCurrency"}, n, true); len(vals) > 0 {
			return strings.ToUpper(vals[0])
		}
		for _, key := range []string{"product:price:currency", "og:price:currency"} {
			if c := x.doc.meta[key]; c != "" {
				return strings.ToUpper(c)
			}
		}
	}
	return ""
}

// description returns the first description as plain text
func (x *Extraction) description(n *html.Node) string {
	for _, sel := range x.effective[rules.FieldDescription] {
		if sel.PageLevel() {
			if !x.pageLevel {
				continue
			}
			if vals := x.doc.values(sel, n, true); len(vals) > 0 {
				if text := x.plainText(vals[0]); text != "" {
					return text
				}
			}
			continue
		}
		for _, node := range x.doc.nodes(sel, n) {
			markup, err := goquery.OuterHtml(x.doc.selection(node))
			if err != nil {
				continue
			}
			if text := x.plainText(markup); text != "" {
				return text
			}
		}
	}
	return ""
}

func (x *Extraction) plainText(markup string) string {
	return collapseSpace(html.UnescapeString(x.engine.sanitizer.Sanitize(markup)))
}

// category looks inside the card first, then page-wide breadcrumbs and metadata
func (x *Extraction) category(n *html.Node) string {
	list := x.effective[rules.FieldCategory]
	if c, _, ok := x.doc.first(list, n, x.pageLevel); ok {
		return c
	}
	if !x.pageLevel {
		if c, _, ok := x.doc.first(list, x.doc.root, true); ok {
			return c
		}
	}
	return ""
}

// images resolves every image of the first matching selector, skipping inline data
func (x *Extraction) images(n *html.Node) []string {
	var out []string
	for _, raw := range x.doc.all(x.effective[rules.FieldImage], n, x.pageLevel) {
		if strings.HasPrefix(raw, "data:") {
			continue
		}
		if u := x.doc.resolve(raw); u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
