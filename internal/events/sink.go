// Package events provides the durable per-request event log.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"basis_engine/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// Sink appends events to durable storage. Writes happen on the logger's
// single writer goroutine, so implementations need no locking.
type Sink interface {
	Write(event core.Event) error
	Close() error
}

// JSONLSink appends one JSON object per line to events.jsonl.
type JSONLSink struct {
	f   *os.File
	enc *json.Encoder
}

// NewJSONLSink creates or truncates events.jsonl in dir.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("creating event log: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Write(event core.Event) error {
	return s.enc.Encode(event)
}

func (s *JSONLSink) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// SQLiteSink appends events to an events table in WAL mode, for queryable
// post-run analysis alongside the JSONL stream.
type SQLiteSink struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// NewSQLiteSink opens (or creates) events.db in dir.
func NewSQLiteSink(dir string) (*SQLiteSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", filepath.Join(dir, "events.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event db: %w", err)
	}
	// Single writer by construction.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		order_within_t INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		venue TEXT,
		token TEXT,
		amount TEXT,
		status TEXT,
		purpose TEXT,
		parent_event TEXT,
		iteration INTEGER,
		tx_hash TEXT,
		fields TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_t ON events (timestamp, order_within_t);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO events
		(timestamp, order_within_t, event_type, venue, token, amount, status, purpose, parent_event, iteration, tx_hash, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing event insert: %w", err)
	}
	return &SQLiteSink{db: db, stmt: stmt}, nil
}

func (s *SQLiteSink) Write(event core.Event) error {
	fields := ""
	if len(event.Fields) > 0 {
		b, err := json.Marshal(event.Fields)
		if err != nil {
			return err
		}
		fields = string(b)
	}
	_, err := s.stmt.Exec(
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.OrderWithinT,
		event.Type,
		event.Venue,
		event.Token,
		event.Amount.String(),
		event.Status,
		event.Purpose,
		event.ParentEvent,
		event.Iteration,
		event.TxHash,
		fields,
	)
	return err
}

func (s *SQLiteSink) Close() error {
	s.stmt.Close()
	return s.db.Close()
}

// MultiSink fans one write out to several sinks.
type MultiSink []Sink

func (m MultiSink) Write(event core.Event) error {
	for _, s := range m {
		if err := s.Write(event); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
