package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
	"golang.org/x/sync/singleflight"
)

// LoginFunc performs a full vendor login and returns the resulting state.
type LoginFunc func(ctx context.Context) (*State, error)

// AuthState is the per-provider login state machine.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// LoginObserver is notified after every login round trip.
type LoginObserver func(providerID string, err error, took time.Duration)

// Manager hands out sessions for providers and makes sure at most one login
// per provider is in flight. Callers that arrive while a login is running
// wait for its result instead of starting their own.
type Manager struct {
	store        Store
	ttl          time.Duration
	loginTimeout time.Duration
	group        singleflight.Group
	observer     LoginObserver
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	states map[string]AuthState
}

func NewManager(store Store, ttl, loginTimeout time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if loginTimeout <= 0 {
		loginTimeout = time.Minute
	}
	return &Manager{
		store:        store,
		ttl:          ttl,
		loginTimeout: loginTimeout,
		logger:       logger,
		now:          time.Now,
		states:       make(map[string]AuthState),
	}
}

func (m *Manager) SetObserver(fn LoginObserver) { m.observer = fn }

// Session returns a valid session for the provider, logging in if the store
// has none.
func (m *Manager) Session(ctx context.Context, providerID string, login LoginFunc) (*State, error) {
	if st, ok := m.cached(ctx, providerID); ok {
		return st, nil
	}
	return m.flight(ctx, providerID, login, true)
}

// Login forces a vendor round trip even if a cached session exists. It still
// shares the flight with concurrent callers.
func (m *Manager) Login(ctx context.Context, providerID string, login LoginFunc) (*State, error) {
	return m.flight(ctx, providerID, login, false)
}

// Invalidate drops the stored session if it is still the one the caller saw
// fail. When a burst of calls all hit an expired session only the first
// clears it; the rest find a newer session already in place.
func (m *Manager) Invalidate(ctx context.Context, providerID string, stale *State) {
	cur, ok, err := m.store.Get(ctx, providerID)
	if err != nil {
		m.logger.Warn("session store read failed during invalidate", "provider", providerID, "error", err)
	}
	if ok && stale != nil && !cur.IssuedAt.Equal(stale.IssuedAt) {
		return
	}
	if err := m.store.Clear(ctx, providerID); err != nil {
		m.logger.Warn("session store clear failed", "provider", providerID, "error", err)
	}
	m.setAuth(providerID, Unauthenticated)
}

func (m *Manager) AuthState(providerID string) AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[providerID]
}

func (m *Manager) setAuth(providerID string, s AuthState) {
	m.mu.Lock()
	m.states[providerID] = s
	m.mu.Unlock()
}

func (m *Manager) cached(ctx context.Context, providerID string) (*State, bool) {
	st, ok, err := m.store.Get(ctx, providerID)
	if err != nil {
		m.logger.Warn("session store unavailable, logging in", "provider", providerID, "error", err)
		return nil, false
	}
	if !ok || !st.Valid(m.now()) {
		return nil, false
	}
	return st, true
}

func (m *Manager) flight(ctx context.Context, providerID string, login LoginFunc, recheck bool) (*State, error) {
	// The flight outlives a cancelled first caller so the others still get a result.
	fctx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(providerID, func() (interface{}, error) {
		return m.runLogin(fctx, providerID, login, recheck)
	})
	select {
	case <-ctx.Done():
		return nil, types.WrapError(types.KindTransport, "login wait cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*State).Clone(), nil
	}
}

func (m *Manager) runLogin(ctx context.Context, providerID string, login LoginFunc, recheck bool) (st *State, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	if recheck {
		if cur, ok := m.cached(ctx, providerID); ok {
			return cur, nil
		}
	}

	m.setAuth(providerID, Authenticating)
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			st, err = nil, types.WrapError(types.KindInternal, "login failed", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			m.setAuth(providerID, Unauthenticated)
		} else {
			m.setAuth(providerID, Authenticated)
		}
		if m.observer != nil {
			m.observer(providerID, err, m.now().Sub(start))
		}
	}()

	st, err = login(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, types.NewError(types.KindAuthentication, "login returned no session")
	}
	if st.IssuedAt.IsZero() {
		st.IssuedAt = m.now()
	}
	if err := m.store.Put(ctx, providerID, st, m.ttlFor(st)); err != nil {
		m.logger.Warn("session store write failed", "provider", providerID, "error", err)
	}
	m.logger.Info("provider session established", "provider", providerID)
	return st, nil
}

func (m *Manager) ttlFor(st *State) time.Duration {
	if st.ExpiresAt.IsZero() {
		return m.ttl
	}
	d := st.ExpiresAt.Sub(m.now())
	if d <= 0 {
		return time.Second
	}
	return d
}
