package product

import (
	"math"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Issue names one data-quality defect of a record
type Issue string

// Errors make a record invalid; warnings only lower its completeness.
const (
	IssueNameTooShort     Issue = "name_too_short"
	IssueNameNoAlnum      Issue = "name_without_letters_or_digits"
	IssueInvalidURL       Issue = "invalid_url"
	IssueInvalidImageURL  Issue = "invalid_image_url"
	IssueNameTooLong      Issue = "name_too_long"
	IssueUnknownPrice     Issue = "unknown_price"
	IssuePriceTooHigh     Issue = "price_too_high"
	IssuePricePrecision   Issue = "price_over_two_decimals"
	IssueNoImages         Issue = "no_images"
	IssueNoCharacteristic Issue = "no_characteristics"
)

const (
	minNameRunes = 3
	maxNameRunes = 500
)

var maxPlausiblePrice = decimal.NewFromInt(10_000_000)

// Fields counted for completeness, in report order
var qualityFields = []string{
	"name", "price", "category", "description", "images", "characteristics", "availability", "article",
}

// Quality summarizes the data quality of a set of records
type Quality struct {
	Total        int                `json:"total"`
	Valid        int                `json:"valid"`
	Invalid      int                `json:"invalid"`
	Completeness float64            `json:"completeness"`
	Validity     float64            `json:"validity"`
	Score        float64            `json:"score"`
	Fields       map[string]float64 `json:"fields"`
	Errors       map[Issue]int      `json:"errors,omitempty"`
	Warnings     map[Issue]int      `json:"warnings,omitempty"`
}

// Validate checks one record and returns its errors and warnings
func (r Record) Validate() (errs, warnings []Issue) {
	name := strings.TrimSpace(r.Name)
	switch n := utf8.RuneCountInString(name); {
	case n < minNameRunes:
		errs = append(errs, IssueNameTooShort)
	case n > maxNameRunes:
		warnings = append(warnings, IssueNameTooLong)
	}
	if !strings.ContainsFunc(name, func(c rune) bool { return unicode.IsLetter(c) || unicode.IsDigit(c) }) {
		errs = append(errs, IssueNameNoAlnum)
	}
	if !webURL(r.URL) {
		errs = append(errs, IssueInvalidURL)
	}

	if !r.Price.Known {
		warnings = append(warnings, IssueUnknownPrice)
	} else {
		if r.Price.Amount.GreaterThan(maxPlausiblePrice) {
			warnings = append(warnings, IssuePriceTooHigh)
		}
		if !r.Price.Amount.Equal(r.Price.Amount.Round(2)) {
			warnings = append(warnings, IssuePricePrecision)
		}
	}

	if len(r.Images) == 0 {
		warnings = append(warnings, IssueNoImages)
	}
	for _, img := range r.Images {
		if !webURL(img) {
			errs = append(errs, IssueInvalidImageURL)
			break
		}
	}
	if len(r.Characteristics) == 0 {
		warnings = append(warnings, IssueNoCharacteristic)
	}
	return errs, warnings
}

// Assess validates every record and scores the set. Completeness is the mean
// share of filled fields, validity the share of records without errors.
func Assess(records []Record) Quality {
	q := Quality{
		Total:  len(records),
		Fields: make(map[string]float64, len(qualityFields)),
	}
	for _, f := range qualityFields {
		q.Fields[f] = 0
	}
	if len(records) == 0 {
		return q
	}

	filled := make(map[string]int, len(qualityFields))
	for _, r := range records {
		errs, warnings := r.Validate()
		if len(errs) == 0 {
			q.Valid++
		} else {
			q.Invalid++
		}
		q.Errors = tally(q.Errors, errs)
		q.Warnings = tally(q.Warnings, warnings)
		for _, f := range qualityFields {
			if r.has(f) {
				filled[f]++
			}
		}
	}

	total := float64(len(records))
	var sum float64
	for _, f := range qualityFields {
		share := float64(filled[f]) / total
		q.Fields[f] = round3(share)
		sum += share
	}
	completeness := sum / float64(len(qualityFields))
	validity := float64(q.Valid) / total
	q.Completeness = round3(completeness)
	q.Validity = round3(validity)
	q.Score = round3((completeness + validity) / 2)
	return q
}

func (r Record) has(field string) bool {
	switch field {
	case "name":
		return strings.TrimSpace(r.Name) != ""
	case "price":
		return r.Price.Known
	case "category":
		return r.Category != ""
	case "description":
		return r.OriginalDescription != ""
	case "images":
		return len(r.Images) > 0
	case "characteristics":
		return len(r.Characteristics) > 0
	case "availability":
		return r.Availability != "" && r.Availability != AvailabilityUnknown
	case "article":
		return r.Article != ""
	}
	return false
}

func tally(counts map[Issue]int, issues []Issue) map[Issue]int {
	if len(issues) == 0 {
		return counts
	}
	if counts == nil {
		counts = map[Issue]int{}
	}
	for _, i := range issues {
		counts[i]++
	}
	return counts
}

func webURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
