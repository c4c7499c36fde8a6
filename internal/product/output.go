package product

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Number is a decimal amount published as a bare number in JSON and YAML
type Number string

// MarshalJSON writes the digits unquoted
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n), nil
}

// UnmarshalJSON accepts a bare or quoted number
func (n *Number) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*n = Number(num)
	return nil
}

// MarshalYAML tags the scalar as a number so it is not quoted as a string
func (n Number) MarshalYAML() (any, error) {
	tag := "!!int"
	if strings.ContainsAny(string(n), ".eE") {
		tag = "!!float"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: string(n)}, nil
}

// Output is the published shape of a record. Every field is present; missing
// values are null.
type Output struct {
	Key                 string            `json:"key" yaml:"key"`
	URL                 string            `json:"url" yaml:"url"`
	Article             string            `json:"article" yaml:"article"`
	Name                string            `json:"name" yaml:"name"`
	Price               *Number           `json:"price" yaml:"price"`
	Currency            *string           `json:"currency" yaml:"currency"`
	Description         *string           `json:"description" yaml:"description"`
	OriginalDescription *string           `json:"original_description" yaml:"original_description"`
	Category            *string           `json:"category" yaml:"category"`
	Characteristics     map[string]string `json:"characteristics" yaml:"characteristics"`
	Images              []string          `json:"images" yaml:"images"`
	Availability        Availability      `json:"availability" yaml:"availability"`
}

// ToOutput converts a record into its published form.
// Images lists the transformed references, which fall back to the originals.
func (r Record) ToOutput() Output {
	out := Output{
		Key:                 r.Key,
		URL:                 r.URL,
		Article:             r.Article,
		Name:                r.Name,
		Description:         nullable(r.Description),
		OriginalDescription: nullable(r.OriginalDescription),
		Category:            nullable(r.Category),
		Characteristics:     r.Characteristics,
		Images:              r.Images,
		Availability:        r.Availability,
	}
	if len(r.TransformedImages) > 0 {
		out.Images = r.TransformedImages
	}
	if r.Price.Known {
		n := Number(r.Price.Amount.String())
		out.Price = &n
		out.Currency = nullable(r.Price.Currency)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
