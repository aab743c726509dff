package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	if err := s.Put(ctx, "p1", &State{Token: "abc"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	st, ok, err := s.Get(ctx, "p1")
	if err != nil || !ok || st.Token != "abc" {
		t.Fatalf("expected cached state, got %v %v %v", st, ok, err)
	}

	clock.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "p1"); ok {
		t.Error("expected entry to expire at TTL")
	}
}

func TestMemoryStore_Namespacing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "a", &State{Token: "token-a"}, time.Minute)
	s.Put(ctx, "b", &State{Token: "token-b"}, time.Minute)

	s.Clear(ctx, "a")
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("expected a to be cleared")
	}
	st, ok, _ := s.Get(ctx, "b")
	if !ok || st.Token != "token-b" {
		t.Errorf("clearing a must not touch b, got %v", st)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "p", &State{Token: "t", Headers: map[string]string{"X": "1"}}, time.Minute)

	st, _, _ := s.Get(ctx, "p")
	st.Headers["X"] = "mutated"

	again, _, _ := s.Get(ctx, "p")
	if again.Headers["X"] != "1" {
		t.Error("store state must not alias caller copies")
	}
}

func TestRedisStore_NilClientAlwaysMisses(t *testing.T) {
	s := NewRedisStore(nil, "gw:")
	ctx := context.Background()
	if err := s.Put(ctx, "p", &State{Token: "t"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get(ctx, "p"); ok || err != nil {
		t.Errorf("expected miss without error, got ok=%v err=%v", ok, err)
	}
	if s.key("p") != "gw:session:p" {
		t.Errorf("unexpected key %q", s.key("p"))
	}
}

func TestStateValid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		st   *State
		want bool
	}{
		{"nil", nil, false},
		{"empty", &State{}, false},
		{"token no expiry", &State{Token: "t"}, true},
		{"cookie only", &State{Cookies: []*http.Cookie{{Name: "ASP.NET_SessionId", Value: "x"}}}, true},
		{"expired", &State{Token: "t", ExpiresAt: now}, false},
		{"future", &State{Token: "t", ExpiresAt: now.Add(time.Second)}, true},
	}
	for _, tt := range tests {
		if got := tt.st.Valid(now); got != tt.want {
			t.Errorf("%s: Valid = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStateSetCookies(t *testing.T) {
	st := &State{}
	st.SetCookies([]*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	st.SetCookies([]*http.Cookie{{Name: "a", Value: "3"}})
	if len(st.Cookies) != 2 || st.Cookies[0].Value != "3" {
		t.Errorf("unexpected cookies %+v", st.Cookies)
	}
}

func newTestManager(store Store) *Manager {
	return NewManager(store, time.Minute, 5*time.Second, slog.Default())
}

func TestManager_ReusesSessionWithinTTL(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	var logins atomic.Int32
	login := func(ctx context.Context) (*State, error) {
		logins.Add(1)
		return &State{Token: "tok"}, nil
	}

	for i := 0; i < 5; i++ {
		st, err := m.Session(context.Background(), "p", login)
		if err != nil {
			t.Fatal(err)
		}
		if st.Token != "tok" {
			t.Errorf("unexpected token %q", st.Token)
		}
	}
	if logins.Load() != 1 {
		t.Errorf("expected 1 login, got %d", logins.Load())
	}
	if m.AuthState("p") != Authenticated {
		t.Errorf("expected authenticated, got %s", m.AuthState("p"))
	}
}

func TestManager_ConcurrentCallersShareOneLogin(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	var logins atomic.Int32
	release := make(chan struct{})
	login := func(ctx context.Context) (*State, error) {
		logins.Add(1)
		<-release
		return &State{Token: "tok"}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Session(context.Background(), "p", login)
			errs <- err
		}()
	}
	// Give the goroutines time to pile up on the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if logins.Load() != 1 {
		t.Errorf("expected exactly 1 login, got %d", logins.Load())
	}
}

func TestManager_ProvidersAreIndependent(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	block := make(chan struct{})
	defer close(block)

	go m.Session(context.Background(), "slow", func(ctx context.Context) (*State, error) {
		<-block
		return &State{Token: "slow"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := m.Session(ctx, "fast", func(ctx context.Context) (*State, error) {
		return &State{Token: "fast"}, nil
	})
	if err != nil || st.Token != "fast" {
		t.Fatalf("fast provider blocked by slow one: %v %v", st, err)
	}
}

func TestManager_CancelledWaiterDoesNotHoldFlight(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	release := make(chan struct{})
	login := func(ctx context.Context) (*State, error) {
		<-release
		return &State{Token: "tok"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Session(ctx, "p", login)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if types.KindOf(err) != types.KindTransport {
			t.Errorf("expected transport kind on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	st, err := m.Session(context.Background(), "p", login)
	if err != nil || st.Token != "tok" {
		t.Fatalf("expected later caller to get a session, got %v %v", st, err)
	}
}

func TestManager_PanicInLoginIsRecovered(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	_, err := m.Session(context.Background(), "p", func(ctx context.Context) (*State, error) {
		panic("vendor html changed")
	})
	if err == nil {
		t.Fatal("expected error from panicking login")
	}
	if m.AuthState("p") != Unauthenticated {
		t.Errorf("expected unauthenticated after panic, got %s", m.AuthState("p"))
	}

	st, err := m.Session(context.Background(), "p", func(ctx context.Context) (*State, error) {
		return &State{Token: "ok"}, nil
	})
	if err != nil || st.Token != "ok" {
		t.Fatalf("provider stuck after panic: %v %v", st, err)
	}
}

func TestManager_InvalidateOnlyClearsStaleSession(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(store)
	ctx := context.Background()

	n := 0
	login := func(ctx context.Context) (*State, error) {
		n++
		return &State{Token: "tok", IssuedAt: time.Unix(int64(1700000000+n), 0)}, nil
	}

	first, _ := m.Session(ctx, "p", login)
	m.Invalidate(ctx, "p", first)
	second, _ := m.Session(ctx, "p", login)
	if n != 2 {
		t.Fatalf("expected re-login after invalidate, got %d logins", n)
	}

	// A late caller still holding the first session must not clear the second.
	m.Invalidate(ctx, "p", first)
	cur, ok, _ := store.Get(ctx, "p")
	if !ok || !cur.IssuedAt.Equal(second.IssuedAt) {
		t.Error("stale invalidate cleared the fresh session")
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*State, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenStore) Put(context.Context, string, *State, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Clear(context.Context, string) error { return errors.New("connection refused") }

func TestManager_StoreOutageDegradesToLogin(t *testing.T) {
	m := newTestManager(brokenStore{})
	var logins int
	login := func(ctx context.Context) (*State, error) {
		logins++
		return &State{Token: "tok"}, nil
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Session(context.Background(), "p", login); err != nil {
			t.Fatalf("store outage must not fail the call: %v", err)
		}
	}
	if logins != 3 {
		t.Errorf("expected a login per call without a store, got %d", logins)
	}
}

func TestManager_LoginForcesRoundTrip(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	var logins int
	login := func(ctx context.Context) (*State, error) {
		logins++
		return &State{Token: "tok"}, nil
	}
	ctx := context.Background()
	m.Session(ctx, "p", login)
	m.Login(ctx, "p", login)
	if logins != 2 {
		t.Errorf("expected explicit login to hit the vendor, got %d logins", logins)
	}
}

func TestManager_ObserverSeesLogins(t *testing.T) {
	m := newTestManager(NewMemoryStore())
	var seen []error
	m.SetObserver(func(providerID string, err error, took time.Duration) {
		seen = append(seen, err)
	})
	m.Session(context.Background(), "p", func(ctx context.Context) (*State, error) {
		return nil, types.NewError(types.KindAuthentication, "bad credentials")
	})
	if len(seen) != 1 || types.KindOf(seen[0]) != types.KindAuthentication {
		t.Errorf("observer not notified correctly: %v", seen)
	}
}
