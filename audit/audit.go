// CLAUDE:SUMMARY SQLite audit trail of registry mutations — sync and buffered async writes, kit middleware wrapping endpoints.
// Package audit records who changed the user registry, through which
// surface, and with which arguments.
//
//	al := audit.NewSQLiteLogger(db)
//	if err := al.Init(); err != nil { ... }
//	defer al.Close()
//	endpoint = audit.Middleware(al, "userstream_award_points")(endpoint)
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/streamreg/idgen"
	"github.com/hazyhaar/streamreg/kit"
)

// Schema is the audit_log table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	action        TEXT NOT NULL,
	transport     TEXT NOT NULL,
	request_id    TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp);
`

// Entry is one audited call.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	RequestID  string `json:"request_id,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Result     string `json:"result,omitempty"`
	Status     string `json:"status"` // "success" or "error"
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Logger persists entries.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	LogAsync(e *Entry)
}

// SQLiteLogger writes entries to the audit_log table. Async entries are
// buffered and written by a single goroutine; Close flushes them.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan *Entry
	done   chan struct{}
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry id generator. Default: "aud_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the logger used to report failed async writes.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = logger }
}

// WithBufferSize sets the async queue capacity. Default: 256.
func WithBufferSize(n int) Option {
	return func(l *SQLiteLogger) {
		if n > 0 {
			l.queue = make(chan *Entry, n)
		}
	}
}

// NewSQLiteLogger starts a logger over db. Call Init before the first
// write unless the schema was applied when opening db.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		queue:  make(chan *Entry, 256),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.drain()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Log fills the entry's defaults and writes it synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, timestamp, action, transport, request_id,
			parameters, result, status, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.RequestID,
		e.Parameters, e.Result, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("audit: log %s: %w", e.Action, err)
	}
	return nil
}

// LogAsync queues the entry. When the queue is full, or the logger is
// closed, the entry is written synchronously instead of being dropped.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.RLock()
	queued := false
	if !l.closed {
		select {
		case l.queue <- e:
			queued = true
		default:
		}
	}
	l.mu.RUnlock()
	if queued {
		return
	}
	if err := l.Log(context.Background(), e); err != nil {
		l.logger.Warn("audit: write failed", "action", e.Action, "error", err)
	}
}

// Close flushes queued entries. It does not close the database.
func (l *SQLiteLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
	return nil
}

// Recent returns the latest entries, newest first, optionally filtered
// by action.
func (l *SQLiteLogger) Recent(ctx context.Context, action string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, action, transport, request_id,
			parameters, result, status, error_message, duration_ms
		FROM audit_log
		WHERE ? = '' OR action = ?
		ORDER BY timestamp DESC, entry_id DESC
		LIMIT ?`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Transport, &e.RequestID,
			&e.Parameters, &e.Result, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: recent: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLogger) drain() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.Log(context.Background(), e); err != nil {
			l.logger.Warn("audit: write failed", "action", e.Action, "error", err)
		}
	}
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
}

// Middleware audits every call of an endpoint under action. The request
// and response are stored as JSON; the write is asynchronous.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				Parameters: marshal(req),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Status = "error"
				e.Error = err.Error()
			} else {
				e.Result = marshal(resp)
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

func marshal(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
