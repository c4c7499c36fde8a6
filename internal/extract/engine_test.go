package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html/charset"

	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/price"
	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

const listingPage = `<!doctype html>
<html><head><title>Laptops</title></head><body>
<nav class="breadcrumbs"><a href="/">Home</a><a href="/laptops">Laptops</a></nav>
<ul class="catalog">
  <li class="card"><a class="card-link" href="/p/1"><img src="data:image/gif;base64,R0l" data-src="/img/1.jpg"><h3 class="card-title">Lenovo IdeaPad 3</h3></a><span class="card-price">$1,299.00</span><span class="stock">In stock</span></li>
  <li class="card"><a class="card-link" href="/p/2"><img src="data:image/gif;base64,R0l" data-src="/img/2.jpg"><h3 class="card-title">ASUS VivoBook 15</h3></a><span class="card-price">$849.99</span><span class="stock">Out of stock</span></li>
  <li class="card featured"><a class="card-link" href="/p/3?utm_source=home"><img src="data:image/gif;base64,R0l" data-src="/img/3.jpg"><h3 class="card-title">Acer Swift Go</h3></a><span class="card-price">$999</span></li>
  <li class="card"><a class="card-link" href="/p/4"><img src="data:image/gif;base64,R0l" data-src="/img/4.jpg"><h3 class="card-title">Apple MacBook Air</h3></a><span class="card-price">Price on request</span></li>
</ul>
<a rel="next" href="/laptops?page=2">Next</a>
</body></html>`

const detailPage = `<html><head>
<meta property="og:title" content="Galaxy S24 | Shop">
<script type="application/ld+json">{"@context":"https://schema.org","@graph":[{"@type":"BreadcrumbList"},{"@type":"Product","name":"Samsung Galaxy S24","image":["https://cdn.example.com/s24.jpg"],"description":"<p>Flagship <b>phone</b> &amp; camera</p>","offers":{"@type":"Offer","price":"79990","priceCurrency":"RUB","availability":"https://schema.org/InStock"}}]}</script>
</head><body><div class="page"><p>Details</p></div></body></html>`

func page(url, body string) *fetch.RawPage {
	return &fetch.RawPage{
		URL:         url,
		FinalURL:    url,
		FetchedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:      200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
	}
}

func newEngine() *Engine {
	return NewEngine(price.Locale{DecimalSeparator: '.', DefaultCurrency: "USD"})
}

func defaultProfile(domain string) profile.SiteProfile {
	return profile.Default(domain, profile.AntiDetection{})
}

func TestExtractListingByInference(t *testing.T) {
	x, err := newEngine().Extract(page("https://shop.example.com/laptops", listingPage), defaultProfile("shop.example.com"), Options{ExpectProducts: true})
	require.NoError(t, err)

	out := x.Collect()
	require.Len(t, out.Records, 4)
	assert.True(t, out.FellBack)
	assert.False(t, out.RulesHeld())
	assert.False(t, out.LearningOpportunity)
	require.NotNil(t, out.Learned)
	assert.Equal(t, rules.CSS("li.card"), out.Learned[rules.FieldContainer][0])
	assert.Equal(t, "https://shop.example.com/laptops?page=2", out.NextPage)

	first := out.Records[0]
	assert.Equal(t, "Lenovo IdeaPad 3", first.Name)
	assert.Equal(t, "https://shop.example.com/p/1", first.URL)
	assert.Equal(t, "shop.example.com", first.Domain)
	assert.True(t, first.Price.Known)
	assert.True(t, first.Price.Amount.Equal(decimal.NewFromInt(1299)))
	assert.Equal(t, "USD", first.Price.Currency)
	assert.Equal(t, "Laptops", first.Category)
	assert.Equal(t, []string{"https://shop.example.com/img/1.jpg"}, first.Images)
	assert.Equal(t, product.AvailabilityInStock, first.Availability)
	assert.Equal(t, product.GenerateArticle("Lenovo IdeaPad 3", "Laptops"), first.Article)
	assert.Regexp(t, `^NB-[0-9A-F]{8}$`, first.Article)
	assert.Equal(t, product.IdentityKey("https://shop.example.com/p/1", "Lenovo IdeaPad 3"), first.Key)

	assert.Equal(t, product.AvailabilityOutOfStock, out.Records[1].Availability)
	assert.Equal(t, product.AvailabilityUnknown, out.Records[2].Availability)

	last := out.Records[3]
	assert.False(t, last.Price.Known)
	require.Len(t, out.Errors, 1)
	assert.True(t, errors.Is(out.Errors[0], ErrPriceUnparsable))
	assert.Equal(t, 0, out.Dropped())
}

func TestExtractKeysStableUnderLearnedRules(t *testing.T) {
	e := newEngine()
	p := page("https://shop.example.com/laptops", listingPage)

	x, err := e.Extract(p, defaultProfile("shop.example.com"), Options{ExpectProducts: true})
	require.NoError(t, err)
	inferred := x.Collect()

	learned := defaultProfile("shop.example.com")
	learned.Rules = rules.Overlay(inferred.Learned, profile.DefaultRules())
	learned.Source = profile.SourceLearned

	x, err = e.Extract(p, learned, Options{ExpectProducts: true})
	require.NoError(t, err)
	again := x.Collect()

	assert.False(t, again.FellBack)
	assert.True(t, again.RulesHeld())
	assert.Nil(t, again.Learned)
	require.Len(t, again.Records, len(inferred.Records))
	for i := range again.Records {
		assert.Equal(t, inferred.Records[i].Key, again.Records[i].Key)
	}
}

func TestExtractBrokenContainerRuleFallsBack(t *testing.T) {
	prof := defaultProfile("shop.example.com")
	prof.Rules[rules.FieldContainer] = rules.List{rules.CSS(".product-tile")}

	x, err := newEngine().Extract(page("https://shop.example.com/laptops", listingPage), prof, Options{ExpectProducts: true})
	require.NoError(t, err)
	out := x.Collect()

	assert.True(t, out.FellBack)
	assert.Len(t, out.Records, 4)
	require.NotEmpty(t, out.Errors)
	assert.True(t, errors.Is(out.Errors[0], ErrContainerNotFound))
}

func TestExtractRedesignedListingDemotesLearnedRules(t *testing.T) {
	const redesigned = `<html><body><h1>Laptops catalog</h1><span class="price">from $10</span>
<section class="grid"><p>Loading products...</p></section></body></html>`

	learned := rules.RuleSet{
		rules.FieldContainer: {rules.CSS("li.card")},
		rules.FieldName:      {rules.CSS("h3.card-title")},
		rules.FieldPrice:     {rules.CSS("span.card-price")},
	}
	ctx := context.Background()
	store := profile.NewStore(profile.AntiDetection{}, 3)
	require.True(t, store.Learn(ctx, "shop.example.com", learned))

	e := newEngine()
	for round := 0; round < 3; round++ {
		prof := store.Resolve("shop.example.com")
		require.Equal(t, profile.SourceLearned, prof.Source, "round %d", round)

		x, err := e.Extract(page("https://shop.example.com/laptops", redesigned), prof, Options{ExpectProducts: true})
		require.NoError(t, err)
		out := x.Collect()

		assert.Empty(t, out.Records)
		assert.False(t, out.RulesHeld())
		assert.True(t, out.LearningOpportunity)
		require.Len(t, out.Errors, 1)
		assert.True(t, errors.Is(out.Errors[0], ErrContainerNotFound))

		store.RecordOutcome(ctx, "shop.example.com", out.Used, out.RulesHeld())
	}

	prof := store.Resolve("shop.example.com")
	assert.Equal(t, profile.SourceHeuristic, prof.Source)
	assert.Zero(t, prof.Confidence)
	assert.True(t, prof.IsDemoted(rules.Overlay(learned, profile.DefaultRules()).Fingerprint()))
}

func TestExtractBrokenContainerRuleOnDetailPageIsFallback(t *testing.T) {
	prof := defaultProfile("shop.example.com")
	prof.Rules[rules.FieldContainer] = rules.List{rules.CSS("li.card")}

	x, err := newEngine().Extract(page("https://shop.example.com/p/s24", detailPage), prof, Options{})
	require.NoError(t, err)
	out := x.Collect()

	require.Len(t, out.Records, 1)
	assert.True(t, out.FellBack)
	assert.False(t, out.RulesHeld())
}

func TestExtractDetailPageFromJSONLD(t *testing.T) {
	e := NewEngine(price.Locale{DecimalSeparator: ',', DefaultCurrency: "USD"})
	x, err := e.Extract(page("https://shop.example.com/p/s24", detailPage), defaultProfile("shop.example.com"), Options{})
	require.NoError(t, err)

	out := x.Collect()
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, "Samsung Galaxy S24", rec.Name)
	assert.Equal(t, "https://shop.example.com/p/s24", rec.URL)
	assert.True(t, rec.Price.Amount.Equal(decimal.NewFromInt(79990)))
	assert.Equal(t, "RUB", rec.Price.Currency)
	assert.Equal(t, "Flagship phone & camera", rec.OriginalDescription)
	assert.Equal(t, rec.OriginalDescription, rec.Description)
	assert.Equal(t, []string{"https://cdn.example.com/s24.jpg"}, rec.Images)
	assert.Equal(t, product.AvailabilityInStock, rec.Availability)
	assert.False(t, out.FellBack)
}

func TestExtractZeroProductsIsLearningOpportunity(t *testing.T) {
	body := `<html><body><div><p>Nothing to see</p></div></body></html>`
	x, err := newEngine().Extract(page("https://shop.example.com/empty", body), defaultProfile("shop.example.com"), Options{ExpectProducts: true})
	require.NoError(t, err)

	out := x.Collect()
	assert.Empty(t, out.Records)
	assert.True(t, out.LearningOpportunity)
	assert.Nil(t, out.Learned)
	assert.Equal(t, 1, out.Dropped())
	assert.True(t, errors.Is(out.Errors[0], ErrRequiredFieldMissing))
}

func TestExtractWithoutExpectationDoesNotLearn(t *testing.T) {
	body := `<html><body><div><p>Nothing to see</p></div></body></html>`
	x, err := newEngine().Extract(page("https://shop.example.com/about", body), defaultProfile("shop.example.com"), Options{})
	require.NoError(t, err)
	out := x.Collect()
	assert.False(t, out.LearningOpportunity)
}

func TestExtractPageMalformed(t *testing.T) {
	e := newEngine()

	_, err := e.Extract(page("https://shop.example.com/x", "   "), defaultProfile("shop.example.com"), Options{})
	assert.True(t, errors.Is(err, ErrPageMalformed))

	img := page("https://shop.example.com/x.png", "\x89PNG\r\n\x1a\n")
	img.ContentType = "image/png"
	_, err = e.Extract(img, defaultProfile("shop.example.com"), Options{})
	assert.True(t, errors.Is(err, ErrPageMalformed))

	var ee *ExtractionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "https://shop.example.com/x.png", ee.URL)
}

func TestExtractDecodesLegacyCharset(t *testing.T) {
	enc, _ := charset.Lookup("windows-1251")
	require.NotNil(t, enc)
	name, err := enc.NewEncoder().String("Ноутбук Lenovo")
	require.NoError(t, err)
	cur, err := enc.NewEncoder().String("1 299 руб.")
	require.NoError(t, err)

	body := `<html><head><meta charset="windows-1251"></head><body><h1>` + name + `</h1><span class="price">` + cur + `</span></body></html>`
	p := page("https://shop.example.ru/nb", body)
	p.ContentType = "text/html"

	x, err := newEngine().Extract(p, defaultProfile("shop.example.ru"), Options{})
	require.NoError(t, err)
	out := x.Collect()
	require.Len(t, out.Records, 1)
	assert.Equal(t, "Ноутбук Lenovo", out.Records[0].Name)
	assert.True(t, out.Records[0].Price.Amount.Equal(decimal.NewFromInt(1299)))
	assert.Equal(t, "RUB", out.Records[0].Price.Currency)
}

func TestProductsIsRestartable(t *testing.T) {
	x, err := newEngine().Extract(page("https://shop.example.com/laptops", listingPage), defaultProfile("shop.example.com"), Options{})
	require.NoError(t, err)

	count := func() int {
		n := 0
		for rec := range x.Products() {
			if rec.Key != "" {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 4, count())
	assert.Equal(t, 4, count())

	// Early termination stops the sequence
	seen := 0
	for range x.Products() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestExtractXPathAndCharacteristics(t *testing.T) {
	body := `<html><body>
<div class="item"><span class="t">Bosch Serie 4</span><b>$499</b>
  <table class="specs"><tr><th>Цвет</th><td>white</td></tr><tr><th>Weight:</th><td>62 kg</td></tr></table>
</div></body></html>`
	prof := defaultProfile("shop.example.com")
	prof.Rules = rules.RuleSet{
		rules.FieldContainer:       {rules.MustParse("xpath://div[@class='item']")},
		rules.FieldName:            {rules.MustParse("xpath:.//span[@class='t']")},
		rules.FieldPrice:           {rules.MustParse("b")},
		rules.FieldCharacteristics: {rules.MustParse(".specs")},
	}

	x, err := newEngine().Extract(page("https://shop.example.com/wm", body), prof, Options{})
	require.NoError(t, err)
	out := x.Collect()
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, "Bosch Serie 4", rec.Name)
	assert.Equal(t, map[string]string{"color": "white", "weight": "62 kg"}, rec.Characteristics)
	assert.True(t, out.RulesHeld())
}
