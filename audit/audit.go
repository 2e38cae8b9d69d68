// Package audit records every tool invocation in SQLite: who asked, over
// which transport, what ran, how long it took and how it ended. Writes are
// batched off the hot path; Close flushes whatever is still buffered.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/openchrome/idgen"
	"github.com/hazyhaar/openchrome/kit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	ts            INTEGER NOT NULL,
	action        TEXT NOT NULL,
	parameters    TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	worker_id     TEXT NOT NULL DEFAULT '',
	transport     TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, ts);
`

const (
	batchSize     = 32
	flushInterval = 50 * time.Millisecond
	bufferSize    = 1024
)

// Entry is one audit record. Zero fields are filled on Log.
type Entry struct {
	EntryID    string
	Timestamp  int64
	Action     string
	Parameters string
	SessionID  string
	WorkerID   string
	Transport  string
	RequestID  string
	Status     string
	Error      string
	DurationMs int64
}

// SQLiteLogger writes audit entries to an audit_log table.
type SQLiteLogger struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger

	ch   chan *Entry
	done chan struct{}
	once sync.Once
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets a custom entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the slog logger for flush failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.log = log }
}

// NewSQLiteLogger creates a logger over an open database. Call Init before
// the first Log.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.NanoID(12)),
		log:   slog.Default(),
		ch:    make(chan *Entry, bufferSize),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flusher()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Log writes one entry synchronously, filling defaults from the context.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(ctx, e)
	return l.insert([]*Entry{e})
}

// LogAsync queues an entry for batched insertion. The entry is dropped
// with a warning if the buffer is full.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(context.Background(), e)
	select {
	case l.ch <- e:
	default:
		l.log.Warn("audit: buffer full, entry dropped", "action", e.Action)
	}
}

// Close flushes buffered entries and stops the background flusher.
func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

func (l *SQLiteLogger) fillDefaults(ctx context.Context, e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Transport == "" {
		e.Transport = kit.GetTransport(ctx)
	}
	if e.SessionID == "" {
		e.SessionID = kit.GetSessionID(ctx)
	}
	if e.WorkerID == "" {
		e.WorkerID = kit.GetWorkerID(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = kit.GetRequestID(ctx)
	}
}

func (l *SQLiteLogger) flusher() {
	defer close(l.done)
	batch := make([]*Entry, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(batch); err != nil {
			l.log.Error("audit: flush failed", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *SQLiteLogger) insert(entries []*Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO audit_log
		(entry_id, ts, action, parameters, session_id, worker_id, transport, request_id, status, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.EntryID, e.Timestamp, e.Action, e.Parameters,
			e.SessionID, e.WorkerID, e.Transport, e.RequestID,
			e.Status, e.Error, e.DurationMs); err != nil {
			return fmt.Errorf("audit: insert %s: %w", e.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// Middleware audits every invocation of the wrapped endpoint. Entries go
// through the async path so a slow disk never delays the tool call.
func Middleware(logger *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if params, mErr := json.Marshal(req); mErr == nil {
				e.Parameters = string(params)
			}
			if err != nil {
				e.Error = err.Error()
			}
			e.fillFromContext(ctx)
			logger.LogAsync(e)
			return resp, err
		}
	}
}

// fillFromContext captures identity before the async path detaches the
// entry from the request context.
func (e *Entry) fillFromContext(ctx context.Context) {
	e.Transport = kit.GetTransport(ctx)
	e.SessionID = kit.GetSessionID(ctx)
	e.WorkerID = kit.GetWorkerID(ctx)
	e.RequestID = kit.GetRequestID(ctx)
}
