// Package metrics persists per-request outcomes to SQLite for offline
// analysis. Writes happen once per terminal result on a detached context,
// so a cancelled request still leaves its row.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/normanking/conductor/pkg/types"
)

// Store is the SQLite-backed request metrics store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the metrics database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			domain         TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			confidence     REAL NOT NULL DEFAULT 0,
			retries        INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			latency_ms     REAL NOT NULL DEFAULT 0,
			received_at    TIMESTAMP NOT NULL,
			recorded_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_domain ON requests(domain)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate metrics db: %w", err)
		}
	}
	return nil
}

// RecordResult persists one terminal result.
func (s *Store) RecordResult(ctx context.Context, q *types.Query, res *types.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests
		 (correlation_id, domain, status, confidence, retries, failure_reason, latency_ms, received_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.CorrelationID, res.Domain, string(res.Status), res.Confidence,
		res.Retries, res.FailureReason, res.LatencyMs, q.ReceivedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Summary aggregates everything recorded so far.
type Summary struct {
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	Escalated    int64   `json:"escalated"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summarize computes overall counts and average latency.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(status = 'success'), 0),
		        COALESCE(SUM(status = 'escalated'), 0),
		        COALESCE(SUM(status = 'failed'), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM requests`)

	var sum Summary
	if err := row.Scan(&sum.Total, &sum.Success, &sum.Escalated, &sum.Failed, &sum.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("summarize requests: %w", err)
	}
	return &sum, nil
}

// DomainCount is one domain's share of recorded requests.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// ByDomain returns per-domain request counts, most active first.
func (s *Store) ByDomain(ctx context.Context) ([]DomainCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, COUNT(*) FROM requests WHERE domain != '' GROUP BY domain ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query domain counts: %w", err)
	}
	defer rows.Close()

	var out []DomainCount
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan domain count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
