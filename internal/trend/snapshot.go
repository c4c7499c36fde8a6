package trend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/google/uuid"
)

// Source identifies the query a snapshot was taken for
type Source struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// SourceFor builds the source of a run from its seed URLs and filter descriptors.
// The key is independent of argument order.
func SourceFor(urls []string, filters ...string) Source {
	normalized := make([]string, 0, len(urls))
	for _, u := range urls {
		normalized = append(normalized, product.NormalizeURL(u))
	}
	sort.Strings(normalized)
	normalized = slices.Compact(normalized)

	sortedFilters := slices.Clone(filters)
	sort.Strings(sortedFilters)

	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n") + "\x00" + strings.Join(sortedFilters, "\n")))

	label := ""
	if len(normalized) > 0 {
		label = normalized[0]
		if len(normalized) > 1 {
			label = fmt.Sprintf("%s (+%d)", label, len(normalized)-1)
		}
	}
	return Source{Key: hex.EncodeToString(sum[:8]), Label: label}
}

// Snapshot is a sealed, immutable collection of records from one run
type Snapshot struct {
	id      string
	source  Source
	takenAt time.Time
	partial bool
	records []product.Record
	byKey   map[string]int
}

// Seal freezes records into a snapshot ordered by extraction time.
// Records are copied; later changes to the input do not affect the snapshot.
func Seal(source Source, takenAt time.Time, records []product.Record, partial bool) Snapshot {
	return Restore(uuid.Must(uuid.NewV7()).String(), source, takenAt, partial, records)
}

// Restore rebuilds a previously sealed snapshot, e.g. from storage
func Restore(id string, source Source, takenAt time.Time, partial bool, records []product.Record) Snapshot {
	copied := make([]product.Record, len(records))
	for i, r := range records {
		copied[i] = r.Clone()
	}
	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].ExtractedAt.Before(copied[j].ExtractedAt)
	})

	byKey := make(map[string]int, len(copied))
	for i, r := range copied {
		if _, seen := byKey[r.Key]; !seen {
			byKey[r.Key] = i
		}
	}

	return Snapshot{
		id:      id,
		source:  source,
		takenAt: takenAt,
		partial: partial,
		records: copied,
		byKey:   byKey,
	}
}

func (s Snapshot) ID() string         { return s.id }
func (s Snapshot) Source() Source     { return s.source }
func (s Snapshot) TakenAt() time.Time { return s.takenAt }
func (s Snapshot) Len() int           { return len(s.records) }

// Partial reports whether the run was cancelled before completing
func (s Snapshot) Partial() bool { return s.partial }

// Records returns copies of the snapshot's records
func (s Snapshot) Records() []product.Record {
	out := make([]product.Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Lookup returns the record for a key
func (s Snapshot) Lookup(key string) (product.Record, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return product.Record{}, false
	}
	return s.records[i].Clone(), true
}

// Retain keeps the newest k snapshots, oldest first
func Retain(history []Snapshot, k int) []Snapshot {
	sorted := sortByTime(history)
	if k > 0 && len(sorted) > k {
		sorted = sorted[len(sorted)-k:]
	}
	return sorted
}

func sortByTime(history []Snapshot) []Snapshot {
	sorted := slices.Clone(history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].takenAt.Before(sorted[j].takenAt)
	})
	return sorted
}
