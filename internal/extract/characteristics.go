package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

// parseCharacteristics reads key/value pairs from definition lists, table rows
// or "key: value" list items below n. Keys are normalized; the first value wins.
func (d *document) parseCharacteristics(n *html.Node) map[string]string {
	out := make(map[string]string)
	if n == nil {
		return out
	}
	sel := d.selection(n)
	add := func(key, value string) {
		key = product.NormalizeCharacteristicKey(key)
		value = collapseSpace(value)
		if key == "" || value == "" {
			return
		}
		if _, seen := out[key]; !seen {
			out[key] = value
		}
	}

	dts := sel.Find("dt")
	if sel.Is("dt") {
		dts = dts.AddSelection(sel)
	}
	dts.Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() > 0 {
			add(dt.Text(), dd.Text())
		}
	})

	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() >= 2 {
			add(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})

	if len(out) == 0 {
		sel.Find("li, p").Each(func(_ int, item *goquery.Selection) {
			if key, value, ok := strings.Cut(item.Text(), ":"); ok {
				add(key, value)
			}
		})
	}
	return out
}
