// Package oplog is the append-only operation log: one entry per
// start/stop action taken by the scheduler or the API, each expiring
// after a 90-day retention window.
//
// Writes are async and buffered, the same shape as audit.Writer: callers
// never block on a database round trip, and a full buffer drops the
// newest entry with a logged warning rather than applying backpressure to
// the orchestrator or scheduler tick loop.
package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action is the kind of lifecycle action an entry records.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Source identifies what triggered the action.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceAPI       Source = "api"
)

// Entry is one operation log record. ID is a random UUID generated per
// entry (the operation_log primary key); it does not encode the app,
// action or time, which are carried in their own fields.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	AppName   string    `json:"app_name"`
	Action    Action    `json:"action"`
	Source    Source    `json:"source"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32

	// DefaultRetention is the 90-day TTL applied by the reaper loop.
	DefaultRetention = 90 * 24 * time.Hour
)

// Writer is an async, buffered operation log writer. Entries are sent to
// an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an operation log Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes entries to the
// database and returns immediately. The goroutine exits once the context
// is cancelled or Close is called, after flushing the entries buffered so
// far.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an operation log entry for async writing. It never blocks
// the caller; if the buffer is full the entry is dropped and a warning is
// logged.
func (w *Writer) Log(appName string, action Action, source Source, reason string) {
	entry := Entry{
		ID:        uuid.New(),
		AppName:   appName,
		Action:    action,
		Source:    source,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("operation log buffer full, dropping entry",
			"app_name", appName, "action", action)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if _, err := w.pool.Exec(ctx, `
			INSERT INTO operation_log (id, app_name, action, source, reason, ts)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AppName, string(e.Action), string(e.Source), e.Reason, e.Timestamp,
		); err != nil {
			w.logger.Error("writing operation log entry", "error", err,
				"app_name", e.AppName, "action", e.Action)
		}
	}
}

// Store provides read access to the operation log and the worker's
// retention sweep.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an operation log Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListRecent returns the most recent entries for an application, newest
// first.
func (s *Store) ListRecent(ctx context.Context, appName string, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, app_name, action, source, reason, ts
		FROM operation_log WHERE app_name = $1 ORDER BY ts DESC LIMIT $2`, appName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operation log for %q: %w", appName, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action, source string
		if err := rows.Scan(&e.ID, &e.AppName, &action, &source, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning operation log row: %w", err)
		}
		e.Action, e.Source = Action(action), Source(source)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reap deletes entries older than retention, returning the count removed.
// Postgres has no native per-item TTL the way a DynamoDB table does; the
// worker calls this periodically instead, the same "periodic tick, log and
// continue" idiom as RunScheduleTopUpLoop.
func (s *Store) Reap(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM operation_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaping operation log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunReapLoop periodically sweeps expired entries until ctx is cancelled,
// grounded on roster.RunScheduleTopUpLoop's "run once, then tick" shape.
func (s *Store) RunReapLoop(ctx context.Context, logger *slog.Logger, retention, interval time.Duration) {
	reap := func() {
		n, err := s.Reap(ctx, retention)
		if err != nil {
			logger.Error("operation log reap failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("reaped expired operation log entries", "count", n)
		}
	}

	reap()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reap()
		case <-ctx.Done():
			return
		}
	}
}
