package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
)

// Where a category was found
const (
	FoundInNavigation = "navigation"
	FoundInSitemap    = "sitemap"
)

const (
	maxSitemapLocs   = 50
	maxNestedMaps    = 5
	minListingSignal = 2
)

// navSelectors match the links of navigation menus, most specific first
var navSelectors = []string{
	"nav ul li a",
	".navigation a",
	".menu a",
	".categories a",
	".nav-menu a",
	`[class*="nav"] a`,
	`[class*="menu"] a`,
	`[class*="category"] a`,
}

// sitemapPaths are the well-known sitemap locations under the site root
var sitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/categories.xml",
	"/sitemap-products.xml",
}

var (
	categoryPath = regexp.MustCompile(`(?i)/(categor|kategor|shop|products|tovary|catalog|collection|brand|type)`)
	excludedName = regexp.MustCompile(`(?i)\b(home|main|index|contact|about|login|register)\b`)
	wordJoiners  = strings.NewReplacer("-", " ", "_", " ")

	// listingSignals appear in the text of product listings
	listingSignals = []string{
		"product", "price", "buy", "add to cart", "in stock",
		"товар", "цена", "купить", "в корзину",
	}
)

// Category is a product listing found on a site
type Category struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	FoundIn string `json:"found_in"`
}

// Discoverer finds the category listings of a site from its navigation menus
// and sitemaps. Every request goes through the fetcher under the domain's profile.
type Discoverer struct {
	fetcher  Fetcher
	profiles *profile.Store
	limit    int
}

// NewDiscoverer creates a discoverer returning at most limit categories per seed
func NewDiscoverer(fetcher Fetcher, profiles *profile.Store, limit int) *Discoverer {
	if limit <= 0 {
		limit = 20
	}
	return &Discoverer{fetcher: fetcher, profiles: profiles, limit: limit}
}

// Discover returns the categories reachable from seed, on the seed's site and
// without the seed itself. Navigation links whose URL does not look like a
// category are kept only if their page reads like a product listing.
func (d *Discoverer) Discover(ctx context.Context, seed string) ([]Category, error) {
	page, err := d.fetch(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch seed: %w", err)
	}
	doc, err := parseMarkup(page)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	base, err := url.Parse(page.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url: %w", err)
	}

	seen := map[string]bool{product.NormalizeURL(seed): true, product.NormalizeURL(page.FinalURL): true}
	var found []Category
	add := func(c Category) {
		key := product.NormalizeURL(c.URL)
		if seen[key] || len(found) >= d.limit {
			return
		}
		seen[key] = true
		found = append(found, c)
	}

	unverified := d.navigation(doc, base, seed, add)
	for _, c := range d.sitemaps(ctx, base, seed) {
		add(c)
	}

	for _, c := range unverified {
		if len(found) >= d.limit || ctx.Err() != nil {
			break
		}
		if seen[product.NormalizeURL(c.URL)] {
			continue
		}
		if d.looksLikeListing(ctx, c.URL) {
			add(c)
		}
	}

	logrus.WithFields(logrus.Fields{"seed": seed, "categories": len(found)}).Info("Category discovery finished")
	return found, ctx.Err()
}

// navigation adds menu links with a category-like URL and returns the other
// plausible links for content checks
func (d *Discoverer) navigation(doc *goquery.Document, base *url.URL, seed string, add func(Category)) []Category {
	var unverified []Category
	pending := map[string]bool{}
	for _, sel := range navSelectors {
		doc.Find(sel).Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok {
				return
			}
			name := strings.Join(strings.Fields(a.Text()), " ")
			if n := utf8.RuneCountInString(name); n < 2 || n > 100 || excludedName.MatchString(name) {
				return
			}
			ref, err := base.Parse(strings.TrimSpace(href))
			if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
				return
			}
			ref.Fragment = ""
			abs := ref.String()
			if !SameSite(seed, abs) {
				return
			}

			c := Category{Name: name, URL: abs, FoundIn: FoundInNavigation}
			if categoryPath.MatchString(ref.Path) {
				add(c)
				return
			}
			if key := product.NormalizeURL(abs); !pending[key] {
				pending[key] = true
				unverified = append(unverified, c)
			}
		})
	}
	return unverified
}

// sitemaps reads category URLs from the well-known sitemap locations. A sitemap
// index is followed one level down.
func (d *Discoverer) sitemaps(ctx context.Context, base *url.URL, seed string) []Category {
	root := &url.URL{Scheme: base.Scheme, Host: base.Host}
	queue := make([]string, 0, len(sitemapPaths))
	for _, p := range sitemapPaths {
		queue = append(queue, root.JoinPath(p).String())
	}

	var out []Category
	visited := map[string]bool{}
	nested := 0
	for len(queue) > 0 && ctx.Err() == nil {
		mapURL := queue[0]
		queue = queue[1:]
		if visited[mapURL] {
			continue
		}
		visited[mapURL] = true

		page, err := d.fetch(ctx, mapURL)
		if err != nil {
			logrus.Debugf("Sitemap %s unavailable: %v", mapURL, err)
			continue
		}
		doc, err := parseMarkup(page)
		if err != nil {
			logrus.Debugf("Sitemap %s unreadable: %v", mapURL, err)
			continue
		}

		if doc.Find("sitemapindex").Length() > 0 {
			doc.Find("sitemap > loc").EachWithBreak(func(_ int, loc *goquery.Selection) bool {
				if nested >= maxNestedMaps {
					return false
				}
				if next := strings.TrimSpace(loc.Text()); SameSite(seed, next) {
					queue = append(queue, next)
					nested++
				}
				return true
			})
			continue
		}

		locs := doc.Find("loc")
		locs.Slice(0, min(maxSitemapLocs, locs.Length())).Each(func(_ int, loc *goquery.Selection) {
			link := strings.TrimSpace(loc.Text())
			u, err := url.Parse(link)
			if err != nil || !categoryPath.MatchString(u.Path) || !SameSite(seed, link) {
				return
			}
			out = append(out, Category{Name: nameFromPath(u.Path), URL: link, FoundIn: FoundInSitemap})
		})
	}
	return out
}

// looksLikeListing fetches pageURL and counts product-listing words in its text
func (d *Discoverer) looksLikeListing(ctx context.Context, pageURL string) bool {
	page, err := d.fetch(ctx, pageURL)
	if err != nil {
		logrus.Debugf("Skipping category candidate %s: %v", pageURL, err)
		return false
	}
	doc, err := parseMarkup(page)
	if err != nil {
		return false
	}
	text := strings.ToLower(doc.Text())
	signals := 0
	for _, s := range listingSignals {
		if strings.Contains(text, s) {
			signals++
		}
	}
	return signals >= minListingSignal
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) (*fetch.RawPage, error) {
	task, err := fetch.NewTask(rawURL)
	if err != nil {
		return nil, err
	}
	domain, _ := ExtractDomain(rawURL)
	return d.fetcher.Fetch(ctx, task, d.profiles.Resolve(domain).AntiDetection)
}

// parseMarkup parses HTML or XML bodies in their declared or sniffed charset
func parseMarkup(page *fetch.RawPage) (*goquery.Document, error) {
	r, err := charset.NewReader(bytes.NewReader(page.Body), page.ContentType)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(r)
}

// nameFromPath titles the last path segment, e.g. /c/power-tools -> Power Tools
func nameFromPath(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	words := strings.Fields(wordJoiners.Replace(p))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
