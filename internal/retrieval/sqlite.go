package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/normanking/conductor/pkg/types"
)

// Scope labels used in the documents table.
const (
	scopeLocal  = "local"
	scopeGlobal = "global"
)

// SQLiteStores keeps both retrieval scopes in one SQLite database with an
// FTS5 index. Local corpora are rows tagged with their domain; the global
// corpus is rows tagged global. Ranking is lexical (BM25); the query
// embedding is accepted for interface compatibility and ignored here.
type SQLiteStores struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLiteStores opens (creating if needed) the retrieval database.
func OpenSQLiteStores(path string, log zerolog.Logger) (*SQLiteStores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open retrieval db: %w", err)
	}

	// SQLite allows one writer; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStores{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStores) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			domain     TEXT NOT NULL DEFAULT '',
			scope      TEXT NOT NULL,
			source_id  TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_scope ON documents(scope, domain)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			content,
			content='documents',
			content_rowid='id'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate retrieval db: %w", err)
		}
	}
	return nil
}

// AddLocal inserts a document into a domain's local corpus.
func (s *SQLiteStores) AddLocal(ctx context.Context, domainID, sourceID, content string) error {
	return s.add(ctx, domainID, scopeLocal, sourceID, content)
}

// AddGlobal inserts a document into the shared global corpus.
func (s *SQLiteStores) AddGlobal(ctx context.Context, sourceID, content string) error {
	return s.add(ctx, "", scopeGlobal, sourceID, content)
}

func (s *SQLiteStores) add(ctx context.Context, domain, scope, sourceID, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (domain, scope, source_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		domain, scope, sourceID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents_fts (rowid, content) VALUES (?, ?)`,
		rowID, content); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return tx.Commit()
}

// Local returns the store for a domain. A domain with no indexed documents
// still gets a store; its searches simply return nothing.
func (s *SQLiteStores) Local(domainID string) Store {
	return &sqliteScope{db: s.db, scope: scopeLocal, domain: domainID}
}

// Global returns the shared store.
func (s *SQLiteStores) Global() Store {
	return &sqliteScope{db: s.db, scope: scopeGlobal}
}

// Close closes the underlying database.
func (s *SQLiteStores) Close() error {
	return s.db.Close()
}

// sqliteScope is one scope's view over the shared database.
type sqliteScope struct {
	db     *sql.DB
	scope  string
	domain string
}

// Search runs a BM25-ranked full-text lookup within the scope.
func (sc *sqliteScope) Search(ctx context.Context, query string, _ []float32, k int) ([]types.RetrievalHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := sc.db.QueryContext(ctx,
		`SELECT d.content, d.source_id, bm25(documents_fts) AS rank
		 FROM documents_fts
		 JOIN documents d ON d.id = documents_fts.rowid
		 WHERE documents_fts MATCH ? AND d.scope = ? AND d.domain = ?
		 ORDER BY rank
		 LIMIT ?`,
		match, sc.scope, sc.domain, k)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []types.RetrievalHit
	for rows.Next() {
		var h types.RetrievalHit
		var rank float64
		if err := rows.Scan(&h.Content, &h.SourceID, &rank); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		// bm25() ranks best-first with more negative values; negate into a
		// higher-is-better score for the fusion layer.
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms, which
// neutralizes FTS operator characters in user input.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
