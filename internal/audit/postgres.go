package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool the sink writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertLog = `INSERT INTO api_logs
	(id, provider_id, operation, status, error_kind, message, caller_key_id, request_id, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// PostgresSink queues entries in memory and writes them to api_logs from a
// single background worker. When the queue is full new entries are dropped.
type PostgresSink struct {
	db           Execer
	entries      chan Entry
	writeTimeout time.Duration
	wg           sync.WaitGroup
	closeOnce    sync.Once
	mu           sync.RWMutex
	closed       bool
}

// NewPostgresSink starts the worker. Call Close to drain and stop it.
func NewPostgresSink(db Execer, bufferSize int) *PostgresSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &PostgresSink{
		db:           db,
		entries:      make(chan Entry, bufferSize),
		writeTimeout: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *PostgresSink) Record(_ context.Context, e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- e:
	default:
		slog.Warn("audit buffer full, dropping entry",
			"provider", e.ProviderID,
			"operation", e.Operation,
			"audit_id", e.ID.String(),
		)
	}
}

func (s *PostgresSink) worker() {
	defer s.wg.Done()
	for e := range s.entries {
		if err := s.write(e); err != nil {
			slog.Error("failed to write audit entry",
				"provider", e.ProviderID,
				"operation", e.Operation,
				"audit_id", e.ID.String(),
				"error", err,
			)
		}
	}
}

func (s *PostgresSink) write(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, insertLog,
		e.ID,
		e.ProviderID,
		string(e.Operation),
		string(e.Status),
		string(e.ErrorKind),
		e.Message,
		e.CallerKeyID,
		e.RequestID,
		e.Duration.Milliseconds(),
		e.At,
	)
	return err
}

// Close stops accepting entries and waits for queued ones to be written,
// up to ctx's deadline.
func (s *PostgresSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.entries)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
