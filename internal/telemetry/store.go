package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Metric families in the daily table.
const (
	metricOutcome = "outcome"
	metricLatency = "latency"
	metricSource  = "source"
)

// zeroResultLimit bounds the stored zero-result queries.
const zeroResultLimit = 100

// SQLiteStore keeps telemetry in tables beside the chunk data. It does not
// own the handle.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the telemetry tables on db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("telemetry store needs a database")
	}
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_daily (
		date TEXT NOT NULL,
		metric TEXT NOT NULL,
		key TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, metric, key)
	);
	CREATE TABLE IF NOT EXISTS telemetry_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_terms_count ON telemetry_terms(count DESC);
	CREATE TABLE IF NOT EXISTS telemetry_zero_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		date TEXT NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Add implements Store. One flush is one transaction.
func (s *SQLiteStore) Add(ctx context.Context, date string, d *Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	daily, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_daily (date, metric, key, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(date, metric, key) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare daily upsert: %w", err)
	}
	defer func() { _ = daily.Close() }()

	add := func(metric string, counts map[string]int64) error {
		for k, n := range counts {
			if _, err := daily.ExecContext(ctx, date, metric, k, n); err != nil {
				return fmt.Errorf("upsert %s %s: %w", metric, k, err)
			}
		}
		return nil
	}
	latency := make(map[string]int64, len(d.Latency))
	for b, n := range d.Latency {
		latency[string(b)] = n
	}
	if err := add(metricOutcome, d.Outcomes); err != nil {
		return err
	}
	if err := add(metricLatency, latency); err != nil {
		return err
	}
	if err := add(metricSource, d.Sources); err != nil {
		return err
	}

	if len(d.Terms) > 0 {
		terms, err := tx.PrepareContext(ctx, `
			INSERT INTO telemetry_terms (term, count, last_seen) VALUES (?, ?, ?)
			ON CONFLICT(term) DO UPDATE SET count = count + excluded.count, last_seen = excluded.last_seen`)
		if err != nil {
			return fmt.Errorf("prepare term upsert: %w", err)
		}
		defer func() { _ = terms.Close() }()
		for t, n := range d.Terms {
			if _, err := terms.ExecContext(ctx, t, n, date); err != nil {
				return fmt.Errorf("upsert term: %w", err)
			}
		}
	}

	for _, q := range d.ZeroResults {
		if _, err := tx.ExecContext(ctx, `INSERT INTO telemetry_zero_results (query, date) VALUES (?, ?)`, q, date); err != nil {
			return fmt.Errorf("insert zero-result query: %w", err)
		}
	}
	if len(d.ZeroResults) > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM telemetry_zero_results WHERE id NOT IN (
				SELECT id FROM telemetry_zero_results ORDER BY id DESC LIMIT ?)`, zeroResultLimit); err != nil {
			return fmt.Errorf("trim zero-result queries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry: %w", err)
	}
	return nil
}

// Report implements Store. Terms and zero-result queries are not dated
// and cover all time.
func (s *SQLiteStore) Report(ctx context.Context, from, to string, limit int) (*Report, error) {
	rep := &Report{
		Outcomes: make(map[string]int64),
		Latency:  make(map[Bucket]int64),
		Sources:  make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, key, SUM(count), MIN(date) FROM telemetry_daily
		WHERE date >= ? AND date <= ?
		GROUP BY metric, key`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily totals: %w", err)
	}
	var first string
	for rows.Next() {
		var metric, key, day string
		var n int64
		if err := rows.Scan(&metric, &key, &n, &day); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan daily total: %w", err)
		}
		switch metric {
		case metricOutcome:
			rep.Outcomes[key] = n
		case metricLatency:
			rep.Latency[Bucket(key)] = n
		case metricSource:
			rep.Sources[key] = n
		}
		if first == "" || day < first {
			first = day
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.DateOnly, first); err == nil {
		rep.Since = t
	}

	rows, err = s.db.QueryContext(ctx, `SELECT term, count FROM telemetry_terms ORDER BY count DESC, term LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan term: %w", err)
		}
		rep.TopTerms = append(rep.TopTerms, tc)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT query FROM telemetry_zero_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan zero-result query: %w", err)
		}
		rep.ZeroResults = append(rep.ZeroResults, q)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return rep, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("read telemetry rows: %w", err)
	}
	return nil
}
