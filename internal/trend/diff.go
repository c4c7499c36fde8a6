package trend

import (
	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// ChangeKind names what changed on a stable key
type ChangeKind string

const (
	ChangePrice        ChangeKind = "price"
	ChangeCategory     ChangeKind = "category"
	ChangeAvailability ChangeKind = "availability"
)

// Direction of a product's price series
type Direction string

const (
	DirectionUp        Direction = "up"
	DirectionDown      Direction = "down"
	DirectionStable    Direction = "stable"
	DirectionUncertain Direction = "uncertain"
)

// slopeThreshold is the relative per-snapshot slope separating stable from moving prices
const slopeThreshold = 0.01

// Entry is a product that appeared or disappeared
type Entry struct {
	Key   string        `json:"key"`
	Name  string        `json:"name"`
	URL   string        `json:"url"`
	Price product.Price `json:"price"`
}

// Change is a product present in both snapshots with at least one differing tracked field
type Change struct {
	Key          string           `json:"key"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	Kinds        []ChangeKind     `json:"kinds"`
	Before       product.Price    `json:"before"`
	After        product.Price    `json:"after"`
	Delta        *decimal.Decimal `json:"delta"`
	PercentDelta *decimal.Decimal `json:"percent_delta"`

	BeforeCategory     string               `json:"before_category,omitempty"`
	AfterCategory      string               `json:"after_category,omitempty"`
	BeforeAvailability product.Availability `json:"before_availability,omitempty"`
	AfterAvailability  product.Availability `json:"after_availability,omitempty"`
}

// Has reports whether the change includes kind
func (c Change) Has(kind ChangeKind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Summary aggregates a diff
type Summary struct {
	Total          int `json:"total"`
	New            int `json:"new"`
	Missing        int `json:"missing"`
	Changed        int `json:"changed"`
	Unchanged      int `json:"unchanged"`
	PriceIncreases int `json:"price_increases"`
	PriceDecreases int `json:"price_decreases"`
}

// DiffResult pairs a snapshot with its predecessor. Unchanged products are omitted.
// Volatility values are nil when undefined.
type DiffResult struct {
	Source     Source               `json:"source"`
	CurrentID  string               `json:"current_id"`
	PreviousID string               `json:"previous_id,omitempty"`
	Baseline   bool                 `json:"baseline"`
	Partial    bool                 `json:"partial"`
	New        []Entry              `json:"new"`
	Missing    []Entry              `json:"missing"`
	Changed    []Change             `json:"changed"`
	Volatility map[string]*float64  `json:"volatility"`
	Trends     map[string]Direction `json:"trends"`
	Summary    Summary              `json:"summary"`
}

// Diff compares current against the most recent snapshot in history taken no later
// than current. Volatility and trends use the last window snapshots including current.
// Without a predecessor every product is New.
func Diff(current Snapshot, history []Snapshot, window int) DiffResult {
	var prior []Snapshot
	for _, s := range sortByTime(history) {
		if !s.takenAt.After(current.takenAt) {
			prior = append(prior, s)
		}
	}

	result := DiffResult{
		Source:     current.source,
		CurrentID:  current.id,
		Partial:    current.partial,
		New:        []Entry{},
		Missing:    []Entry{},
		Changed:    []Change{},
		Volatility: map[string]*float64{},
		Trends:     map[string]Direction{},
	}

	var previous *Snapshot
	if len(prior) > 0 {
		previous = &prior[len(prior)-1]
		result.PreviousID = previous.id
	} else {
		result.Baseline = true
	}

	for i, r := range current.records {
		if current.byKey[r.Key] != i {
			continue
		}
		if previous == nil {
			result.New = append(result.New, entryOf(r))
			continue
		}
		before, ok := previous.Lookup(r.Key)
		if !ok {
			result.New = append(result.New, entryOf(r))
			continue
		}
		change, changed := compare(before, r)
		if !changed {
			result.Summary.Unchanged++
			continue
		}
		result.Changed = append(result.Changed, change)
		if change.Delta != nil {
			if change.Delta.IsPositive() {
				result.Summary.PriceIncreases++
			} else if change.Delta.IsNegative() {
				result.Summary.PriceDecreases++
			}
		}
	}

	if previous != nil {
		for i, r := range previous.records {
			if previous.byKey[r.Key] != i {
				continue
			}
			if _, ok := current.byKey[r.Key]; !ok {
				result.Missing = append(result.Missing, entryOf(r))
			}
		}
	}

	series := windowSeries(current, prior, window)
	for key := range current.byKey {
		prices := series[key]
		result.Volatility[key] = Volatility(prices)
		result.Trends[key] = TrendDirection(prices)
	}

	result.Summary.Total = len(current.byKey)
	result.Summary.New = len(result.New)
	result.Summary.Missing = len(result.Missing)
	result.Summary.Changed = len(result.Changed)
	return result
}

// Volatility is the sample standard deviation of prices divided by their mean.
// Returns nil with fewer than 2 observations or a zero mean.
func Volatility(prices []float64) *float64 {
	if len(prices) < 2 {
		return nil
	}
	mean := stat.Mean(prices, nil)
	if mean == 0 {
		return nil
	}
	v := stat.StdDev(prices, nil) / mean
	return &v
}

// TrendDirection fits a line through the price series and classifies its slope
// relative to the mean price
func TrendDirection(prices []float64) Direction {
	if len(prices) < 3 {
		return DirectionUncertain
	}
	mean := stat.Mean(prices, nil)
	if mean == 0 {
		return DirectionUncertain
	}

	xs := make([]float64, len(prices))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, prices, nil, false)

	switch relative := slope / mean; {
	case relative > slopeThreshold:
		return DirectionUp
	case relative < -slopeThreshold:
		return DirectionDown
	default:
		return DirectionStable
	}
}

// windowSeries collects known prices per key over the last window snapshots, oldest first.
// A history entry with the same id as current is not counted twice.
func windowSeries(current Snapshot, prior []Snapshot, window int) map[string][]float64 {
	snapshots := make([]Snapshot, 0, len(prior)+1)
	for _, s := range prior {
		if s.id != current.id {
			snapshots = append(snapshots, s)
		}
	}
	snapshots = append(snapshots, current)
	if window > 0 && len(snapshots) > window {
		snapshots = snapshots[len(snapshots)-window:]
	}

	series := make(map[string][]float64)
	for _, s := range snapshots {
		for key, i := range s.byKey {
			p := s.records[i].Price
			if !p.Known {
				continue
			}
			series[key] = append(series[key], p.Amount.InexactFloat64())
		}
	}
	return series
}

func compare(before, after product.Record) (Change, bool) {
	change := Change{
		Key:    after.Key,
		Name:   after.Name,
		URL:    after.URL,
		Before: before.Price,
		After:  after.Price,
	}

	if !before.Price.Equal(after.Price) {
		change.Kinds = append(change.Kinds, ChangePrice)
		if before.Price.Known && after.Price.Known {
			delta := after.Price.Amount.Sub(before.Price.Amount)
			change.Delta = &delta
			if !before.Price.Amount.IsZero() {
				percent := delta.Div(before.Price.Amount).Mul(decimal.NewFromInt(100)).Round(2)
				change.PercentDelta = &percent
			}
		}
	}
	if before.Category != after.Category {
		change.Kinds = append(change.Kinds, ChangeCategory)
		change.BeforeCategory = before.Category
		change.AfterCategory = after.Category
	}
	if knownAvailability(before.Availability) && knownAvailability(after.Availability) &&
		before.Availability != after.Availability {
		change.Kinds = append(change.Kinds, ChangeAvailability)
		change.BeforeAvailability = before.Availability
		change.AfterAvailability = after.Availability
	}

	return change, len(change.Kinds) > 0
}

func entryOf(r product.Record) Entry {
	return Entry{Key: r.Key, Name: r.Name, URL: r.URL, Price: r.Price}
}

func knownAvailability(a product.Availability) bool {
	return a != "" && a != product.AvailabilityUnknown
}
