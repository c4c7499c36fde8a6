package product

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// --- Identity Tests ---

func TestIdentityKey_StableAcrossURLNoise(t *testing.T) {
	base := IdentityKey("https://shop.example.com/p/kettle-42", "Electric Kettle 1.7L")

	variants := []struct {
		url  string
		name string
	}{
		{"https://SHOP.example.com/p/kettle-42/", "Electric Kettle 1.7L"},
		{"https://www.shop.example.com/p/kettle-42#reviews", "electric  kettle 1.7l"},
		{"https://shop.example.com/p/kettle-42?utm_source=mail&gclid=abc", " Electric Kettle 1.7L "},
	}

	for _, v := range variants {
		assert.Equal(t, base, IdentityKey(v.url, v.name), "url=%s name=%q", v.url, v.name)
	}
}

func TestIdentityKey_DistinguishesProducts(t *testing.T) {
	a := IdentityKey("https://shop.example.com/catalog?page=1", "Kettle A")
	b := IdentityKey("https://shop.example.com/catalog?page=1", "Kettle B")
	c := IdentityKey("https://shop.example.com/item?id=2", "Kettle A")
	d := IdentityKey("https://shop.example.com/item?id=3", "Kettle A")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, c, d)
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "example.com/a/b?color=red&id=1",
		NormalizeURL("https://www.Example.com/a/b/?id=1&utm_medium=x&color=red#top"))
	assert.Equal(t, "not a url", NormalizeURL("Not a URL"))
}

func TestGenerateArticle(t *testing.T) {
	a := GenerateArticle("Lenovo IdeaPad 3", "Ноутбуки")
	assert.Regexp(t, `^NB-[0-9A-F]{8}$`, a)
	assert.Equal(t, a, GenerateArticle("lenovo  ideapad 3", "Ноутбуки"))
	assert.Regexp(t, `^GEN-[0-9A-F]{8}$`, GenerateArticle("Mug", ""))
}

// --- Price Tests ---

func TestPrice_JSONRoundTrip(t *testing.T) {
	known := KnownPrice(decimal.RequireFromString("1299.50"), "RUB")

	data, err := json.Marshal(known)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1299.5","currency":"RUB"}`, string(data))

	var decoded Price
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(known))

	data, err = json.Marshal(UnknownPrice("RUB"))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.False(t, decoded.Known)
}

func TestKnownPrice_NegativeIsUnknown(t *testing.T) {
	p := KnownPrice(decimal.NewFromInt(-5), "EUR")
	assert.False(t, p.Known)
	assert.Equal(t, "EUR", p.Currency)

	p = KnownPrice(decimal.Zero, "EUR")
	assert.True(t, p.Known)
}

// --- Normalization Tests ---

func TestNormalizeAvailability(t *testing.T) {
	assert.Equal(t, AvailabilityOutOfStock, NormalizeAvailability("Нет в наличии"))
	assert.Equal(t, AvailabilityInStock, NormalizeAvailability("В наличии на складе"))
	assert.Equal(t, AvailabilityInStock, NormalizeAvailability("https://schema.org/InStock"))
	assert.Equal(t, AvailabilityUnknown, NormalizeAvailability("call us"))
}

func TestNormalizeCharacteristicKey(t *testing.T) {
	assert.Equal(t, "weight", NormalizeCharacteristicKey("Вес:"))
	assert.Equal(t, "manufacturer", NormalizeCharacteristicKey(" Brand "))
	assert.Equal(t, "screen size", NormalizeCharacteristicKey("Screen   Size"))
}

// --- Output Tests ---

func TestToOutput_NullsAndFallbacks(t *testing.T) {
	r := New("https://shop.example.com/p/1", "Kettle", UnknownPrice(""), time.Now())
	r.Images = []string{"https://cdn.example.com/1.jpg"}

	out := r.ToOutput()
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, field := range []string{"name", "price", "description", "original_description", "category", "characteristics", "images"} {
		assert.Contains(t, decoded, field)
	}
	assert.Nil(t, decoded["price"])
	assert.Nil(t, decoded["description"])
	assert.Equal(t, []interface{}{"https://cdn.example.com/1.jpg"}, decoded["images"])
}

func TestToOutput_YAMLPriceIsNumber(t *testing.T) {
	r := New("https://shop.example.com/p/1", "Kettle", KnownPrice(decimal.NewFromInt(1299), "USD"), time.Now())

	data, err := yaml.Marshal(r.ToOutput())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, 1299, decoded["price"])
}

// --- Quality Tests ---

func TestValidate_CompleteRecordHasNoIssues(t *testing.T) {
	r := New("https://shop.example.com/p/1", "Electric Kettle", KnownPrice(decimal.RequireFromString("49.90"), "EUR"), time.Now())
	r.Images = []string{"https://cdn.example.com/1.jpg"}
	r.Characteristics = map[string]string{"power": "2200 W"}

	errs, warnings := r.Validate()
	assert.Empty(t, errs)
	assert.Empty(t, warnings)
}

func TestValidate_Issues(t *testing.T) {
	r := New("/p/1", "--", KnownPrice(decimal.RequireFromString("12.345"), "EUR"), time.Now())
	r.Images = []string{"data:image/png;base64,AAAA"}

	errs, warnings := r.Validate()
	assert.ElementsMatch(t, []Issue{IssueNameTooShort, IssueNameNoAlnum, IssueInvalidURL, IssueInvalidImageURL}, errs)
	assert.ElementsMatch(t, []Issue{IssuePricePrecision, IssueNoCharacteristic}, warnings)

	r = New("https://shop.example.com/p/2", "Gold Yacht", KnownPrice(decimal.NewFromInt(25_000_000), "USD"), time.Now())
	errs, warnings = r.Validate()
	assert.Empty(t, errs)
	assert.ElementsMatch(t, []Issue{IssuePriceTooHigh, IssueNoImages, IssueNoCharacteristic}, warnings)
}

func TestAssess(t *testing.T) {
	full := New("https://shop.example.com/p/1", "Electric Kettle", KnownPrice(decimal.NewFromInt(50), "EUR"), time.Now())
	full.Category = "Kitchen"
	full.OriginalDescription = "Boils water"
	full.Images = []string{"https://cdn.example.com/1.jpg"}
	full.Characteristics = map[string]string{"power": "2200 W"}
	full.Availability = AvailabilityInStock
	full.Article = "KIT-1"

	bare := New("https://shop.example.com/p/2", "Toaster", UnknownPrice(""), time.Now())
	bare.Article = "TOA-2"
	broken := New("not a url", "Mug", KnownPrice(decimal.NewFromInt(5), "EUR"), time.Now())

	q := Assess([]Record{full, bare, broken})
	assert.Equal(t, 3, q.Total)
	assert.Equal(t, 2, q.Valid)
	assert.Equal(t, 1, q.Invalid)
	assert.Equal(t, 0.667, q.Validity)
	assert.Equal(t, 1.0, q.Fields["name"])
	assert.Equal(t, 0.667, q.Fields["price"])
	assert.Equal(t, 0.333, q.Fields["category"])
	assert.Equal(t, 0.667, q.Fields["article"])
	// name 3, price 2, article 2, five other fields 1 each: 12 of 24
	assert.Equal(t, 0.5, q.Completeness)
	assert.Equal(t, 0.583, q.Score)
	assert.Equal(t, map[Issue]int{IssueInvalidURL: 1}, q.Errors)
	assert.Equal(t, 1, q.Warnings[IssueUnknownPrice])
	assert.Equal(t, 2, q.Warnings[IssueNoImages])
}

func TestAssess_Empty(t *testing.T) {
	q := Assess(nil)
	assert.Zero(t, q.Total)
	assert.Zero(t, q.Score)
	assert.Len(t, q.Fields, 8)
	assert.Nil(t, q.Errors)
}
