package product

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Availability is the normalized stock status of a product
type Availability string

const (
	AvailabilityUnknown    Availability = "unknown"
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
)

// Price is a non-negative amount in a currency, or unknown.
// The zero value is an unknown price.
type Price struct {
	Amount   decimal.Decimal
	Currency string
	Known    bool
}

// KnownPrice builds a known price. A negative amount is not a price and yields
// an unknown one.
func KnownPrice(amount decimal.Decimal, currency string) Price {
	if amount.IsNegative() {
		return UnknownPrice(currency)
	}
	return Price{Amount: amount, Currency: currency, Known: true}
}

// UnknownPrice marks a product whose price could not be read
func UnknownPrice(currency string) Price {
	return Price{Currency: currency}
}

// Equal compares two prices by value; two unknown prices are equal
func (p Price) Equal(other Price) bool {
	if p.Known != other.Known {
		return false
	}
	if !p.Known {
		return true
	}
	return p.Amount.Equal(other.Amount)
}

func (p Price) String() string {
	if !p.Known {
		return "unknown"
	}
	if p.Currency == "" {
		return p.Amount.String()
	}
	return p.Amount.String() + " " + p.Currency
}

type priceJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// MarshalJSON encodes an unknown price as null
func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Known {
		return []byte("null"), nil
	}
	return json.Marshal(priceJSON{Amount: p.Amount.String(), Currency: p.Currency})
}

// UnmarshalJSON accepts null or {"amount": "...", "currency": "..."}
func (p *Price) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Price{}
		return nil
	}
	var raw priceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode price: %w", err)
	}
	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return fmt.Errorf("failed to decode price amount %q: %w", raw.Amount, err)
	}
	*p = KnownPrice(amount, raw.Currency)
	return nil
}

// Record is one extracted product. Original fields are never overwritten by
// transformation; Description and TransformedImages hold the derived values.
type Record struct {
	Key                 string            `json:"key"`
	URL                 string            `json:"url"`
	Domain              string            `json:"domain"`
	Name                string            `json:"name"`
	Price               Price             `json:"price"`
	OriginalDescription string            `json:"original_description"`
	Description         string            `json:"description"`
	Category            string            `json:"category"`
	Characteristics     map[string]string `json:"characteristics"`
	Images              []string          `json:"images"`
	TransformedImages   []string          `json:"transformed_images"`
	Availability        Availability      `json:"availability"`
	Article             string            `json:"article"`
	ExtractedAt         time.Time         `json:"extracted_at"`
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	out.Characteristics = maps.Clone(r.Characteristics)
	out.Images = slices.Clone(r.Images)
	out.TransformedImages = slices.Clone(r.TransformedImages)
	return out
}

// New builds a record keyed by url and name
func New(url, name string, price Price, extractedAt time.Time) Record {
	r := Record{
		URL:             url,
		Name:            name,
		Price:           price,
		Characteristics: map[string]string{},
		Availability:    AvailabilityUnknown,
		ExtractedAt:     extractedAt,
	}
	r.Key = IdentityKey(url, name)
	return r
}
