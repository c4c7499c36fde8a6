package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		raw  string
		want Selector
	}{
		{".product-card", Selector{Kind: KindCSS, Expr: ".product-card"}},
		{"css: a.title::attr(href)", Selector{Kind: KindCSS, Expr: "a.title", Attr: "href"}},
		{"a:not(.ad)", Selector{Kind: KindCSS, Expr: "a:not(.ad)"}},
		{"xpath://div[@class='price']/following-sibling::span", Selector{Kind: KindXPath, Expr: "//div[@class='price']/following-sibling::span"}},
		{"meta:og:price:amount", Selector{Kind: KindMeta, Expr: "og:price:amount"}},
		{"jsonld:offers.price", Selector{Kind: KindJSONLD, Expr: "offers.price"}},
		{"XPATH://img::attr(src)", Selector{Kind: KindXPath, Expr: "//img", Attr: "src"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "css:div[", "xpath://div[@class=", "meta:og title", "jsonld:offers price"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidSelector, "input %q", raw)
	}
}

func TestSelector_StringRoundTrip(t *testing.T) {
	sel := Selector{Kind: KindCSS, Expr: "img.main", Attr: "data-src"}
	parsed, err := Parse(sel.String())
	require.NoError(t, err)
	assert.Equal(t, sel, parsed)
}

func TestRuleSet_DecodeYAML(t *testing.T) {
	src := `
container: .card
name:
  - h2.title
  - xpath://a[@class='name']
price: jsonld:offers.price
`
	var rs RuleSet
	require.NoError(t, yaml.Unmarshal([]byte(src), &rs))
	require.NoError(t, rs.Validate())

	assert.Equal(t, List{CSS(".card")}, rs[FieldContainer])
	require.Len(t, rs[FieldName], 2)
	assert.Equal(t, KindXPath, rs[FieldName][1].Kind)
	assert.Equal(t, KindJSONLD, rs[FieldPrice][0].Kind)
}

func TestRuleSet_DecodeJSON(t *testing.T) {
	var rs RuleSet
	require.NoError(t, json.Unmarshal([]byte(`{"container":".card","price":["span.p","meta:price"]}`), &rs))
	assert.Len(t, rs[FieldPrice], 2)

	data, err := json.Marshal(rs)
	require.NoError(t, err)
	var again RuleSet
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, rs.Fingerprint(), again.Fingerprint())
}

func TestRuleSet_ValidateUnknownField(t *testing.T) {
	rs := RuleSet{"colour": List{CSS(".c")}}
	assert.ErrorIs(t, rs.Validate(), ErrInvalidSelector)
}

func TestOverlay_TopWins(t *testing.T) {
	base := RuleSet{
		FieldName:  List{CSS("h2"), CSS("h3")},
		FieldPrice: List{CSS(".price")},
	}
	top := RuleSet{FieldName: List{CSS(".title"), CSS("h3")}}

	merged := Overlay(top, base)
	assert.Equal(t, List{CSS(".title"), CSS("h3"), CSS("h2")}, merged[FieldName])
	assert.Equal(t, List{CSS(".price")}, merged[FieldPrice])

	// base untouched
	assert.Equal(t, List{CSS("h2"), CSS("h3")}, base[FieldName])
}

func TestFingerprint(t *testing.T) {
	a := RuleSet{FieldName: List{CSS("h2")}, FieldPrice: List{CSS(".p")}}
	b := RuleSet{FieldPrice: List{CSS(".p")}, FieldName: List{CSS("h2")}}
	c := RuleSet{FieldName: List{CSS("h3")}, FieldPrice: List{CSS(".p")}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Empty(t, RuleSet{}.Fingerprint())
}
