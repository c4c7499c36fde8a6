package extract

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/saintfish/chardet"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// minDetectorConfidence is the chardet confidence below which the charset
// fallback from the HTML prescan is kept
const minDetectorConfidence = 50

// document is a page parsed once and shared by every selector evaluation
type document struct {
	url    *url.URL
	root   *html.Node
	doc    *goquery.Document
	meta   map[string]string
	jsonld []string
}

// decodeBody converts the body to UTF-8. The Content-Type header and the
// HTML meta prescan are trusted first; chardet only decides when both are silent.
func decodeBody(body []byte, contentType string) ([]byte, string, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && name == "windows-1252" {
		if res, err := chardet.NewHtmlDetector().DetectBest(body); err == nil && res.Confidence >= minDetectorConfidence {
			if detected, detectedName := charset.Lookup(res.Charset); detected != nil {
				enc, name = detected, detectedName
			}
		}
	}
	if name == "utf-8" {
		return body, name, nil
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, name, err
	}
	return decoded, name, nil
}

// parseDocument decodes and parses a fetched page
func parseDocument(rawURL string, body []byte, contentType string) (*document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ExtractionError{URL: rawURL, Detail: "empty body"}
	}
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && !isMarkup(mediaType) {
			return nil, &ExtractionError{URL: rawURL, Detail: "unsupported content type " + mediaType}
		}
	}

	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ExtractionError{URL: rawURL, Detail: "invalid page url", Err: err}
	}

	decoded, encName, err := decodeBody(body, contentType)
	if err != nil {
		return nil, &ExtractionError{URL: rawURL, Detail: "charset " + encName, Err: err}
	}

	root, err := html.Parse(bytes.NewReader(decoded))
	if err != nil {
		return nil, &ExtractionError{URL: rawURL, Detail: "html parse", Err: err}
	}

	d := &document{
		url:  pageURL,
		root: root,
		doc:  goquery.NewDocumentFromNode(root),
		meta: make(map[string]string),
	}
	if d.doc.Find("body *").Length() == 0 {
		return nil, &ExtractionError{URL: rawURL, Detail: "no elements in body"}
	}

	d.collectMeta()
	d.collectJSONLD()

	logrus.WithFields(logrus.Fields{
		"url":      rawURL,
		"charset":  encName,
		"meta":     len(d.meta),
		"jsonld":   len(d.jsonld),
		"elements": d.doc.Find("*").Length(),
	}).Debug("Parsed page")
	return d, nil
}

func isMarkup(mediaType string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/xml", "application/xml", "text/plain":
		return true
	}
	return false
}

// collectMeta indexes <meta name|property|itemprop content> pairs, first one wins
func (d *document) collectMeta() {
	d.doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		for _, attr := range []string{"property", "name", "itemprop"} {
			key, ok := s.Attr(attr)
			if !ok || key == "" {
				continue
			}
			key = strings.ToLower(key)
			if _, seen := d.meta[key]; !seen {
				d.meta[key] = strings.TrimSpace(content)
			}
		}
	})
}

// collectJSONLD keeps every schema.org Product object found in ld+json scripts
func (d *document) collectJSONLD() {
	d.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if !gjson.Valid(raw) {
			return
		}
		d.walkJSONLD(gjson.Parse(raw))
	})
}

func (d *document) walkJSONLD(v gjson.Result) {
	switch {
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			d.walkJSONLD(item)
			return true
		})
	case v.IsObject():
		if isProductType(v.Get("@type")) {
			d.jsonld = append(d.jsonld, v.Raw)
		}
		if graph := v.Get("@graph"); graph.Exists() {
			d.walkJSONLD(graph)
		}
		if item := v.Get("mainEntity"); item.Exists() {
			d.walkJSONLD(item)
		}
	}
}

func isProductType(t gjson.Result) bool {
	if t.IsArray() {
		found := false
		t.ForEach(func(_, item gjson.Result) bool {
			found = isProductType(item)
			return !found
		})
		return found
	}
	name := t.String()
	return name == "Product" || strings.HasSuffix(name, "/Product") || name == "ProductGroup"
}

// selection wraps n for goquery traversal. FindNodes only returns strict
// descendants, so the document node maps to the document selection.
func (d *document) selection(n *html.Node) *goquery.Selection {
	if n == d.root {
		return d.doc.Selection
	}
	return d.doc.FindNodes(n)
}

// resolve makes ref absolute against the page URL
func (d *document) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return d.url.ResolveReference(u).String()
}
