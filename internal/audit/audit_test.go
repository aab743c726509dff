package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeExec struct {
	mu    sync.Mutex
	rows  [][]any
	err   error
	block chan struct{}
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if !strings.Contains(sql, "api_logs") {
		return pgconn.CommandTag{}, errors.New("unexpected statement")
	}
	f.rows = append(f.rows, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recordingSink) Record(_ context.Context, e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

type panicSink struct{}

func (panicSink) Record(context.Context, Entry) { panic("sink exploded") }

func TestNewEntry(t *testing.T) {
	res := types.Failure(types.KindVendorRejected, "Recharge failed", "Insufficient balance")
	e := NewEntry("17", types.OpRecharge, res)

	if e.ID.String() == "" || e.At.IsZero() {
		t.Error("expected id and timestamp to be set")
	}
	if e.Status != types.StatusFailure || e.ErrorKind != types.KindVendorRejected {
		t.Errorf("unexpected status/kind: %s %s", e.Status, e.ErrorKind)
	}
	if e.Message != "Recharge failed" {
		t.Errorf("unexpected message %q", e.Message)
	}
}

func TestPostgresSink_WritesEntries(t *testing.T) {
	db := &fakeExec{}
	sink := NewPostgresSink(db, 8)

	for i := 0; i < 3; i++ {
		e := NewEntry("4", types.OpGetBalances, types.Success("Balance retrieved"))
		e.Duration = 120 * time.Millisecond
		sink.Record(context.Background(), e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if db.count() != 3 {
		t.Fatalf("expected 3 rows, got %d", db.count())
	}
	row := db.rows[0]
	if row[1] != "4" || row[2] != "get_balances" || row[3] != "success" {
		t.Errorf("unexpected row: %v", row)
	}
	if row[8] != int64(120) {
		t.Errorf("expected duration_ms 120, got %v", row[8])
	}

	// Records after Close are ignored rather than panicking on a closed channel.
	sink.Record(context.Background(), NewEntry("4", types.OpLogin, types.Success("ok")))
}

func TestPostgresSink_DropsWhenFull(t *testing.T) {
	db := &fakeExec{block: make(chan struct{})}
	sink := NewPostgresSink(db, 1)

	// One entry is held by the blocked worker, one fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), NewEntry("1", types.OpRecharge, types.Success("ok")))
	}
	close(db.block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := db.count(); n < 1 || n > 2 {
		t.Errorf("expected 1 or 2 rows written, got %d", n)
	}
}

func TestPostgresSink_WriteErrorIsSwallowed(t *testing.T) {
	db := &fakeExec{err: errors.New("relation api_logs does not exist")}
	sink := NewPostgresSink(db, 4)
	sink.Record(context.Background(), NewEntry("1", types.OpLogin, types.Success("ok")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMulti_ContainsPanics(t *testing.T) {
	rec := &recordingSink{}
	m := Multi{panicSink{}, rec}
	m.Record(context.Background(), NewEntry("2", types.OpRedeem, types.Success("ok")))

	if len(rec.entries) != 1 {
		t.Fatalf("expected entry to reach the second sink, got %d", len(rec.entries))
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	e := NewEntry("3", types.OpAddUser, types.Success("User created"))
	e.CallerKeyID = "key-9"
	sink.Record(context.Background(), e)

	out := buf.String()
	for _, want := range []string{`"provider":"3"`, `"operation":"add_user"`, `"key_id":"key-9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}
