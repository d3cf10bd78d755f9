package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages idempotency keys, the audit log, the indexed event
// stream and reconciliation drift reports.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrIDConflation is returned when an indexed record would collapse the
// envelope identifier into the originating transaction identifier.
var ErrIDConflation = errors.New("envelope id must stay distinct from transaction id")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            envelope_id TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            tx_id TEXT,
            attributes TEXT NOT NULL,
            emitted_at INTEGER NOT NULL,
            indexed_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS drift_reports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            code TEXT NOT NULL,
            detail TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// AuditCount reports the number of audit rows, used by operational checks.
func (s *SQLiteStore) AuditCount(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// IndexedEvent is one node event persisted by the watcher. The envelope
// identifier is assigned locally and never reuses the node's transaction
// identifier.
type IndexedEvent struct {
	Sequence   uint64
	EnvelopeID string
	Type       string
	TxID       string
	Attributes map[string]string
	EmittedAt  int64
	IndexedAt  time.Time
}

// InsertEvent inserts an event row, rejecting records that conflate the
// envelope identifier with the transaction identifier.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt IndexedEvent) error {
	if evt.EnvelopeID == "" {
		return errors.New("envelope id required")
	}
	if evt.TxID != "" && evt.TxID == evt.EnvelopeID {
		return ErrIDConflation
	}
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR REPLACE INTO events(sequence, envelope_id, type, tx_id, attributes, emitted_at, indexed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.EnvelopeID, evt.Type, evt.TxID, string(payload), evt.EmittedAt, evt.IndexedAt)
	return err
}

// IndexedEvents returns every indexed event ordered by sequence.
func (s *SQLiteStore) IndexedEvents(ctx context.Context) ([]IndexedEvent, error) {
	const query = `SELECT sequence, envelope_id, type, tx_id, attributes, emitted_at, indexed_at FROM events ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []IndexedEvent
	for rows.Next() {
		var evt IndexedEvent
		var attrs string
		if err := rows.Scan(&evt.Sequence, &evt.EnvelopeID, &evt.Type, &evt.TxID, &attrs, &evt.EmittedAt, &evt.IndexedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LastEventSequence returns the last processed event sequence.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value uint64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// UpdateEventSequence stores the last processed event sequence.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, sequence)
	return err
}

// DriftReport is one classified reconciliation finding.
type DriftReport struct {
	Code       string    `json:"code"`
	Detail     string    `json:"detail"`
	ObservedAt time.Time `json:"observedAt"`
}

func (s *SQLiteStore) InsertDriftReport(ctx context.Context, report DriftReport) error {
	const stmt = `INSERT INTO drift_reports(code, detail, observed_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, report.Code, report.Detail, report.ObservedAt)
	return err
}

// DriftReports returns the most recent drift findings, newest first.
func (s *SQLiteStore) DriftReports(ctx context.Context, limit int) ([]DriftReport, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT code, detail, observed_at FROM drift_reports ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []DriftReport
	for rows.Next() {
		var report DriftReport
		if err := rows.Scan(&report.Code, &report.Detail, &report.ObservedAt); err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}
