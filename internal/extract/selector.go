package extract

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

// nodes evaluates a css or xpath selector below scope. Page-level kinds have no nodes.
func (d *document) nodes(sel rules.Selector, scope *html.Node) []*html.Node {
	switch sel.Kind {
	case rules.KindCSS:
		return d.selection(scope).Find(sel.Expr).Nodes
	case rules.KindXPath:
		found, err := htmlquery.QueryAll(scope, sel.Expr)
		if err != nil {
			logrus.WithError(err).WithField("xpath", sel.Expr).Debug("XPath evaluation failed")
			return nil
		}
		return contentNodes(found)
	}
	return nil
}

// values evaluates a selector and returns every non-empty value in document order.
// Page-level selectors are only evaluated when pageLevel is set.
func (d *document) values(sel rules.Selector, scope *html.Node, pageLevel bool) []string {
	switch sel.Kind {
	case rules.KindMeta:
		if !pageLevel {
			return nil
		}
		if v := d.meta[strings.ToLower(sel.Expr)]; v != "" {
			return []string{v}
		}
		return nil
	case rules.KindJSONLD:
		if !pageLevel {
			return nil
		}
		for _, obj := range d.jsonld {
			if vals := jsonValues(gjson.Get(obj, sel.Expr)); len(vals) > 0 {
				return vals
			}
		}
		return nil
	}

	var out []string
	for _, n := range d.nodes(sel, scope) {
		var v string
		if sel.Attr != "" {
			v = htmlquery.SelectAttr(n, sel.Attr)
		} else {
			v = htmlquery.InnerText(n)
		}
		if v = collapseSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// first returns the first value produced by the first selector in list that yields one
func (d *document) first(list rules.List, scope *html.Node, pageLevel bool) (string, rules.Selector, bool) {
	for _, sel := range list {
		if vals := d.values(sel, scope, pageLevel); len(vals) > 0 {
			return vals[0], sel, true
		}
	}
	return "", rules.Selector{}, false
}

// all returns every value of the first selector in list that yields any
func (d *document) all(list rules.List, scope *html.Node, pageLevel bool) []string {
	for _, sel := range list {
		if vals := d.values(sel, scope, pageLevel); len(vals) > 0 {
			return vals
		}
	}
	return nil
}

// firstNode returns the first element matched by the first node-producing selector in list
func (d *document) firstNode(list rules.List, scope *html.Node) *html.Node {
	for _, sel := range list {
		if found := d.nodes(sel, scope); len(found) > 0 {
			return found[0]
		}
	}
	return nil
}

// jsonValues flattens a gjson result: scalars as-is, arrays element-wise,
// objects through their url, name or @id members
func jsonValues(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	var out []string
	switch {
	case r.IsArray():
		r.ForEach(func(_, item gjson.Result) bool {
			out = append(out, jsonValues(item)...)
			return true
		})
	case r.IsObject():
		for _, key := range []string{"url", "contentUrl", "name", "@id"} {
			if v := r.Get(key); v.Exists() && v.Type != gjson.JSON {
				if s := collapseSpace(v.String()); s != "" {
					return []string{s}
				}
			}
		}
	default:
		if s := collapseSpace(r.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// contentNodes drops comment and document nodes an xpath may select
func contentNodes(found []*html.Node) []*html.Node {
	out := found[:0]
	for _, n := range found {
		if n.Type == html.ElementNode || n.Type == html.TextNode {
			out = append(out, n)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
