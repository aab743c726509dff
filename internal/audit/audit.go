package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
	"github.com/google/uuid"
)

// Entry records the outcome of one gateway operation. It never carries
// credentials or vendor payloads.
type Entry struct {
	ID          uuid.UUID
	ProviderID  string
	Operation   types.Operation
	Status      types.Status
	ErrorKind   types.ErrorKind
	Message     string
	CallerKeyID string
	RequestID   string
	Duration    time.Duration
	At          time.Time
}

// NewEntry stamps an entry for res with a fresh id and the current time.
func NewEntry(providerID string, op types.Operation, res types.Result) Entry {
	return Entry{
		ID:         uuid.New(),
		ProviderID: providerID,
		Operation:  op,
		Status:     res.Status,
		ErrorKind:  res.Kind,
		Message:    res.Message,
		At:         time.Now().UTC(),
	}
}

// Sink receives audit entries. Record must not block on I/O and must not
// fail the caller; implementations log their own failures.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes entries through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(_ context.Context, e Entry) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("operation audited",
		"audit_id", e.ID.String(),
		"provider", e.ProviderID,
		"operation", e.Operation,
		"status", e.Status,
		"kind", e.ErrorKind,
		"message", e.Message,
		"key_id", e.CallerKeyID,
		"request_id", e.RequestID,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

// Multi fans an entry out to every sink. A panicking sink is contained so
// the others still receive the entry.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) {
	for _, s := range m {
		record(ctx, s, e)
	}
}

func record(ctx context.Context, s Sink, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit sink panicked", "provider", e.ProviderID, "operation", e.Operation, "panic", r)
		}
	}()
	s.Record(ctx, e)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
