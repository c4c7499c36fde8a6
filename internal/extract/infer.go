package extract

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/alvmarrod/shelf-weaver/internal/price"
	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

const (
	// minGroupSize is the smallest sibling group considered a product list
	minGroupSize = 3
	// minQualifyingShare of a group's members must look like products
	minQualifyingShare = 0.6
	// maxAncestorHops bounds how far up a container path is anchored
	maxAncestorHops = 3
	// maxOverMatch bounds how many elements a container selector may match
	// relative to the group it was built from
	maxOverMatch = 4
)

var identPattern = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

var skippedTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "svg": true}

// group is a set of sibling elements sharing tag and leading class
type group struct {
	members    []*html.Node
	qualifying []*html.Node
}

// InferCandidateRule looks for repeated sibling blocks that resemble product
// cards: at least three siblings with the same tag and leading class, most of
// which contain a currency-like price and a link or image. The largest such
// group yields a container selector plus name, price, image and link selectors
// relative to it. ok is false when no group qualifies.
func InferCandidateRule(doc *goquery.Document) (rules.RuleSet, bool) {
	best := bestGroup(doc)
	if best == nil {
		return nil, false
	}

	container, ok := containerSelector(doc, best)
	if !ok {
		return nil, false
	}

	sample := doc.FindNodes(best.qualifying[0])
	rs := rules.RuleSet{
		rules.FieldContainer: {rules.CSS(container)},
	}
	if sel, ok := priceSelector(sample); ok {
		rs[rules.FieldPrice] = rules.List{rules.CSS(sel), rules.CSS("[class*=price]")}
	} else {
		rs[rules.FieldPrice] = rules.List{rules.CSS("[class*=price]")}
	}
	if sel, ok := nameSelector(sample); ok {
		rs[rules.FieldName] = rules.List{rules.CSS(sel)}
	}
	if img := sample.Find("img").First(); img.Length() > 0 {
		rs[rules.FieldImage] = rules.List{rules.CSSAttr("img", imageAttr(img))}
	}
	if a := sample.Find("a[href]").First(); a.Length() > 0 {
		rs[rules.FieldLink] = rules.List{rules.CSSAttr(relativeSelector(a.Get(0)), "href"), rules.CSSAttr("a", "href")}
	}

	if _, hasName := rs[rules.FieldName]; !hasName {
		return nil, false
	}
	if err := rs.Validate(); err != nil {
		logrus.WithError(err).Debug("Inferred rule set rejected")
		return nil, false
	}

	logrus.WithFields(logrus.Fields{
		"container":  container,
		"members":    len(best.members),
		"qualifying": len(best.qualifying),
	}).Debug("Inferred candidate rule set")
	return rs, true
}

// bestGroup scans every element's children for qualifying sibling groups
func bestGroup(doc *goquery.Document) *group {
	var best *group
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		groups := make(map[string]*group)
		var order []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || skippedTags[c.Data] {
				continue
			}
			sig := signature(c)
			g, ok := groups[sig]
			if !ok {
				g = &group{}
				groups[sig] = g
				order = append(order, sig)
			}
			g.members = append(g.members, c)
		}

		for _, sig := range order {
			g := groups[sig]
			if len(g.members) < minGroupSize {
				continue
			}
			for _, m := range g.members {
				if looksLikeProduct(doc, m) {
					g.qualifying = append(g.qualifying, m)
				}
			}
			if len(g.qualifying) < minGroupSize ||
				float64(len(g.qualifying)) < minQualifyingShare*float64(len(g.members)) {
				continue
			}
			// on a tie the later, usually nested, group wins
			if best == nil || len(g.qualifying) >= len(best.qualifying) {
				best = g
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && !skippedTags[c.Data] {
				walk(c)
			}
		}
	}
	walk(doc.Get(0))
	return best
}

func looksLikeProduct(doc *goquery.Document, n *html.Node) bool {
	s := doc.FindNodes(n)
	text := s.Text()
	if !price.HasCurrencyToken(text) || !strings.ContainsFunc(text, unicode.IsDigit) {
		return false
	}
	return s.Find("a[href], img").Length() > 0
}

// signature groups siblings by tag and first usable class
func signature(n *html.Node) string {
	classes := classList(n)
	if len(classes) == 0 {
		return n.Data
	}
	return n.Data + "." + classes[0]
}

// classList returns the element's classes usable in a css selector, in attribute order
func classList(n *html.Node) []string {
	var out []string
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if identPattern.MatchString(c) && !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// commonClasses is the ordered intersection of the members' classes
func commonClasses(members []*html.Node) []string {
	common := classList(members[0])
	for _, m := range members[1:] {
		classes := classList(m)
		common = slices.DeleteFunc(common, func(c string) bool { return !slices.Contains(classes, c) })
	}
	return common
}

// relativeSelector is tag plus classes, or the bare tag
func relativeSelector(n *html.Node) string {
	classes := classList(n)
	if len(classes) == 0 {
		return n.Data
	}
	return n.Data + "." + strings.Join(classes, ".")
}

// anchorSelector names an element by id, classes or tag
func anchorSelector(n *html.Node) string {
	if id := attrValue(n, "id"); identPattern.MatchString(id) {
		return n.Data + "#" + id
	}
	return relativeSelector(n)
}

// containerSelector builds a css selector matching the group, anchored on
// ancestors until it no longer over-matches
func containerSelector(doc *goquery.Document, g *group) (string, bool) {
	first := g.members[0]
	local := first.Data
	if classes := commonClasses(g.members); len(classes) > 0 {
		local += "." + strings.Join(classes, ".")
	}

	fits := func(sel string) bool {
		n := doc.Find(sel).Length()
		return n >= len(g.members) && n <= maxOverMatch*len(g.members)
	}

	if local != first.Data && fits(local) {
		return local, true
	}

	sel := local
	parent := first.Parent
	for hop := 0; hop < maxAncestorHops && parent != nil && parent.Type == html.ElementNode; hop++ {
		sel = anchorSelector(parent) + " > " + sel
		if fits(sel) {
			return sel, true
		}
		if attrValue(parent, "id") != "" {
			break
		}
		parent = parent.Parent
	}
	return "", false
}

// priceSelector finds the first innermost element holding a currency amount
func priceSelector(card *goquery.Selection) (string, bool) {
	holdsPrice := func(s *goquery.Selection) bool {
		text := s.Text()
		return price.HasCurrencyToken(text) && strings.ContainsFunc(text, unicode.IsDigit)
	}

	var found *html.Node
	card.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if skippedTags[goquery.NodeName(s)] || !holdsPrice(s) {
			return true
		}
		innermost := true
		s.Children().EachWithBreak(func(_ int, child *goquery.Selection) bool {
			if holdsPrice(child) {
				innermost = false
			}
			return innermost
		})
		if !innermost {
			return true
		}
		found = s.Get(0)
		return false
	})
	if found == nil {
		return "", false
	}
	return relativeSelector(found), true
}

// nameSelector prefers headings, then titled elements, then link text
func nameSelector(card *goquery.Selection) (string, bool) {
	for _, query := range []string{"h1, h2, h3, h4, h5, h6", "[class*=title], [class*=name]", "a[href]"} {
		var found *html.Node
		card.Find(query).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := collapseSpace(s.Text())
			if len([]rune(text)) < 3 || price.HasCurrencyToken(text) {
				return true
			}
			found = s.Get(0)
			return false
		})
		if found != nil {
			return relativeSelector(found), true
		}
	}
	return "", false
}

// imageAttr picks the attribute carrying the real image URL, preferring lazy-load sources
func imageAttr(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "data-original"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return attr
		}
	}
	return "src"
}
