package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/trend"
	_ "github.com/mattn/go-sqlite3"
)

// Storage handles all database operations. Snapshots are append-only.
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS site_profiles (
		domain TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		source_key TEXT NOT NULL,
		source_label TEXT,
		taken_at TIMESTAMP NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshot_records (
		snapshot_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		product_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (snapshot_id, position),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		source_key TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL,
		termination_reason TEXT,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source_key, taken_at);
	CREATE INDEX IF NOT EXISTS idx_records_key ON snapshot_records(product_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveProfile inserts or replaces a domain's site profile
func (s *Storage) SaveProfile(ctx context.Context, p profile.SiteProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile %s: %w", p.Domain, err)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO site_profiles (domain, source, confidence, consecutive_failures, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence,
			consecutive_failures = EXCLUDED.consecutive_failures,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, p.Domain, string(p.Source), p.Confidence, p.ConsecutiveFailures, string(payload), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.Domain, err)
	}
	return nil
}

// LoadProfiles returns every stored site profile ordered by domain
func (s *Storage) LoadProfiles(ctx context.Context) ([]profile.SiteProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM site_profiles ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	defer rows.Close()

	var profiles []profile.SiteProfile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		var p profile.SiteProfile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return profiles, nil
}

// AppendSnapshot writes a sealed snapshot and its records in one transaction
func (s *Storage) AppendSnapshot(ctx context.Context, snap trend.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	source := snap.Source()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, source_key, source_label, taken_at, partial, record_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID(), source.Key, source.Label, snap.TakenAt().UTC(), snap.Partial(), snap.Len())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID(), err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_records (snapshot_id, position, product_key, payload)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range snap.Records() {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, snap.ID(), i, r.Key, string(payload)); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", snap.ID(), err)
	}
	return nil
}

// LoadHistory returns the newest limit snapshots of a source, oldest first.
// A limit <= 0 loads everything.
func (s *Storage) LoadHistory(ctx context.Context, sourceKey string, limit int) ([]trend.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, source_key, source_label, taken_at, partial
		FROM snapshots
		WHERE source_key = ?
		ORDER BY taken_at DESC
		LIMIT ?
	`, sourceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	type header struct {
		id      string
		source  trend.Source
		takenAt time.Time
		partial bool
	}
	var headers []header
	for rows.Next() {
		var h header
		var label sql.NullString
		if err := rows.Scan(&h.id, &h.source.Key, &label, &h.takenAt, &h.partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		h.source.Label = label.String
		headers = append(headers, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	history := make([]trend.Snapshot, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		h := headers[i]
		records, err := s.loadRecords(ctx, h.id)
		if err != nil {
			return nil, err
		}
		history = append(history, trend.Restore(h.id, h.source, h.takenAt, h.partial, records))
	}
	return history, nil
}

func (s *Storage) loadRecords(ctx context.Context, snapshotID string) ([]product.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM snapshot_records
		WHERE snapshot_id = ?
		ORDER BY position ASC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records of %s: %w", snapshotID, err)
	}
	defer rows.Close()

	var records []product.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var r product.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a source.
// Returns the number of snapshots removed.
func (s *Storage) PruneSnapshots(ctx context.Context, sourceKey string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be >= 1, got %d", keep)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE source_key = ?
		AND snapshot_id NOT IN (
			SELECT snapshot_id FROM snapshots
			WHERE source_key = ?
			ORDER BY taken_at DESC
			LIMIT ?
		)
	`, sourceKey, sourceKey, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	return int(removed), nil
}

// ListSources summarizes the stored history per source query
func (s *Storage) ListSources(ctx context.Context) ([]SourceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.source_key, COALESCE(s.source_label, ''), agg.cnt, s.taken_at, s.snapshot_id, s.record_count
		FROM snapshots s
		JOIN (
			SELECT source_key, COUNT(*) AS cnt, MAX(taken_at) AS last_taken
			FROM snapshots
			GROUP BY source_key
		) agg ON agg.source_key = s.source_key AND agg.last_taken = s.taken_at
		ORDER BY s.taken_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []SourceSummary
	for rows.Next() {
		var ss SourceSummary
		if err := rows.Scan(&ss.SourceKey, &ss.Label, &ss.Snapshots, &ss.LastTakenAt, &ss.LastSnapshot, &ss.LastRecordCnt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return sources, nil
}

// SaveRun stores the final statistics of a run
func (s *Storage) SaveRun(ctx context.Context, sourceKey string, m Metrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode run metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, source_key, started_at, ended_at, termination_reason, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.RunID, sourceKey, m.StartTime.UTC(), m.EndTime.UTC(), m.TerminationReason, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
