package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/sirupsen/logrus"
)

// RecordBuffer holds the records completed during a run, keyed by identity key.
// Records stay in insertion order; a later record with a known key replaces the
// earlier one in place.
type RecordBuffer struct {
	records []product.Record
	index   map[string]int // key -> position in records
	mu      sync.RWMutex
}

// NewRecordBuffer creates an empty buffer
func NewRecordBuffer() *RecordBuffer {
	return &RecordBuffer{
		index: make(map[string]int),
	}
}

// Add stores a copy of rec. Returns false if rec replaced a record with the same key.
func (rb *RecordBuffer) Add(rec product.Record) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if pos, exists := rb.index[rec.Key]; exists {
		rb.records[pos] = rec.Clone()
		return false
	}

	rb.index[rec.Key] = len(rb.records)
	rb.records = append(rb.records, rec.Clone())
	return true
}

// Get retrieves a record by identity key
func (rb *RecordBuffer) Get(key string) (product.Record, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	pos, exists := rb.index[key]
	if !exists {
		return product.Record{}, false
	}
	return rb.records[pos].Clone(), true
}

// Len returns the number of distinct records
func (rb *RecordBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.records)
}

// Records returns copies of every buffered record in insertion order
func (rb *RecordBuffer) Records() []product.Record {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]product.Record, len(rb.records))
	for i, r := range rb.records {
		out[i] = r.Clone()
	}
	return out
}

// checkpoint is the on-disk form of an emergency dump
type checkpoint struct {
	WrittenAt time.Time        `json:"written_at"`
	Reason    string           `json:"reason"`
	Records   []product.Record `json:"records"`
}

// Checkpoint dumps the buffer to a JSON file. Used when the run cannot reach
// the database, e.g. on a forced exit.
func (rb *RecordBuffer) Checkpoint(path, reason string) error {
	startTime := time.Now()

	data, err := json.MarshalIndent(checkpoint{
		WrittenAt: startTime.UTC(),
		Reason:    reason,
		Records:   rb.Records(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"records": rb.Len(),
		"reason":  reason,
	}).Infof("Checkpoint written in %v", time.Since(startTime))
	return nil
}

// LoadCheckpoint reads the records of a checkpoint written by Checkpoint
func LoadCheckpoint(path string) ([]product.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp.Records, nil
}
