package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/types"
)

// tokenAPIVendor is a fake family A backend.
type tokenAPIVendor struct {
	mu        sync.Mutex
	logins    atomic.Int32
	token     string
	rejectAll bool
	balances  map[string]float64
	recharges []map[string]any
	// expireNext makes the next authenticated call answer "Unauthenticated.".
	expireNext atomic.Bool
	// players are extra login accounts. Their tokens are not valid for agent calls.
	players map[string]string
	// listing overrides the userList search result.
	listing []any
}

func newTokenAPIVendor() *tokenAPIVendor {
	return &tokenAPIVendor{balances: map[string]float64{"player1": 42.5}}
}

func (v *tokenAPIVendor) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, body any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			v.mu.Lock()
			tok := v.token
			v.mu.Unlock()
			if tok == "" || r.Header.Get("Authorization") != "Bearer "+tok {
				writeJSON(w, map[string]any{"message": "Unauthenticated."})
				return
			}
			if v.expireNext.CompareAndSwap(true, false) {
				writeJSON(w, map[string]any{"message": "Unauthenticated."})
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		n := v.logins.Add(1)
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login must not carry a bearer token")
		}
		if pw, ok := v.players[r.FormValue("username")]; ok && !v.rejectAll && pw == r.FormValue("password") {
			writeJSON(w, map[string]any{"message": "Users login succeeded", "token": "player-" + r.FormValue("username")})
			return
		}
		if v.rejectAll || r.FormValue("username") != "agent01" || r.FormValue("password") != "agent-pass" {
			writeJSON(w, map[string]any{"message": "Wrong password"})
			return
		}
		v.mu.Lock()
		v.token = "tok-" + string(rune('0'+n))
		tok := v.token
		v.mu.Unlock()
		writeJSON(w, map[string]any{"message": "Users login succeeded", "token": tok})
	})
	mux.HandleFunc("GET /api/player/userList", authed(func(w http.ResponseWriter, r *http.Request) {
		account := r.URL.Query().Get("account")
		if v.listing != nil {
			writeJSON(w, map[string]any{"message": "Query successful", "data": v.listing})
			return
		}
		bal, ok := v.balances[account]
		if !ok {
			writeJSON(w, map[string]any{"message": "Query successful", "data": []any{}})
			return
		}
		writeJSON(w, map[string]any{"message": "Query successful", "data": []any{
			map[string]any{"Id": 77, "Account": account, "balance": bal},
		}})
	}))
	mux.HandleFunc("POST /api/agent/getMoney", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"message": "Query successful", "data": "1,000.50"})
	}))
	mux.HandleFunc("POST /api/player/agentRecharge", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		v.mu.Lock()
		v.recharges = append(v.recharges, body)
		v.mu.Unlock()
		writeJSON(w, map[string]any{"message": "Recharge successful"})
	}))
	mux.HandleFunc("POST /api/player/agentWithdraw", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"message": "Insufficient balance"})
	}))
	mux.HandleFunc("POST /api/player/playerInsert", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != body["password_confirmation"] {
			t.Errorf("password confirmation mismatch: %v", body)
		}
		writeJSON(w, map[string]any{"message": "Insert successful", "user_id": 901})
	}))
	mux.HandleFunc("POST /api/player/playerResetPassword", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"message": "Reset successful"})
	}))
	return mux
}

func newTokenAPITest(t *testing.T, v *tokenAPIVendor, mutate func(*config.ProviderConfig)) *TokenAPIAdapter {
	t.Helper()
	srv := httptest.NewServer(v.handler(t))
	t.Cleanup(srv.Close)
	cfg := testConfig(config.FamilyTokenAPI, srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewTokenAPIAdapter("p1", cfg, testDeps(t, srv.URL, nil))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestTokenAPI_Login(t *testing.T) {
	v := newTokenAPIVendor()
	a := newTokenAPITest(t, v, nil)

	r := a.Login(context.Background(), "", "")
	if !r.OK() || r.Message != "Login successful" || r.Token != "tok-1" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestTokenAPI_LoginFailsAfterThreeAttempts(t *testing.T) {
	v := newTokenAPIVendor()
	v.rejectAll = true
	a := newTokenAPITest(t, v, nil)

	r := a.Login(context.Background(), "", "")
	if r.OK() {
		t.Fatal("expected failure")
	}
	if r.Message != "Login failed" || r.Error != "Max attempts reached" {
		t.Errorf("unexpected result: %+v", r)
	}
	if r.Kind != types.KindAuthentication {
		t.Errorf("kind = %s", r.Kind)
	}
	if got := v.logins.Load(); got != 3 {
		t.Errorf("login attempts = %d, want 3", got)
	}
}

func TestTokenAPI_RechargeLogsInImplicitly(t *testing.T) {
	v := newTokenAPIVendor()
	a := newTokenAPITest(t, v, nil)

	r := a.Recharge(context.Background(), "player1", 10)
	if !r.OK() || r.Message != "Recharged successfully" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if got := v.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
	if len(v.recharges) != 1 {
		t.Fatalf("recharges = %d", len(v.recharges))
	}
	body := v.recharges[0]
	if body["id"] != "77" || body["balance"] != 10.0 || body["available_balance"] != 1000.5 || body["opera_type"] != 0.0 {
		t.Errorf("unexpected recharge body: %v", body)
	}
}

func TestTokenAPI_RedeemRejected(t *testing.T) {
	a := newTokenAPITest(t, newTokenAPIVendor(), nil)

	r := a.Redeem(context.Background(), "player1", 5)
	if r.OK() || r.Message != "Failed to redeem" || r.Error != "Insufficient balance" {
		t.Errorf("unexpected result: %+v", r)
	}
	if r.Kind != types.KindVendorRejected {
		t.Errorf("kind = %s", r.Kind)
	}
}

func TestTokenAPI_UnknownUser(t *testing.T) {
	a := newTokenAPITest(t, newTokenAPIVendor(), nil)

	r := a.Recharge(context.Background(), "ghost", 5)
	if r.OK() || r.Message != "User not found" {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestTokenAPI_ReauthOnExpiredMessage(t *testing.T) {
	v := newTokenAPIVendor()
	a := newTokenAPITest(t, v, nil)
	ctx := context.Background()

	if r := a.GetBalances(ctx, "player1"); !r.OK() {
		t.Fatalf("first call failed: %+v", r)
	}
	v.expireNext.Store(true)
	r := a.GetBalances(ctx, "player1")
	if !r.OK() {
		t.Fatalf("expected recovery after re-login: %+v", r)
	}
	if got := v.logins.Load(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}
}

func TestTokenAPI_GetBalancesIdempotent(t *testing.T) {
	v := newTokenAPIVendor()
	a := newTokenAPITest(t, v, nil)
	ctx := context.Background()

	first := a.GetBalances(ctx, "player1")
	second := a.GetBalances(ctx, "player1")
	if !first.OK() || !second.OK() {
		t.Fatalf("unexpected failure: %+v %+v", first, second)
	}
	if *first.Balance != 42.5 || *second.Balance != *first.Balance {
		t.Errorf("balances differ: %v %v", *first.Balance, *second.Balance)
	}
	if v.logins.Load() != 1 {
		t.Errorf("session should be reused")
	}
}

func TestTokenAPI_AddUserAndChangePassword(t *testing.T) {
	a := newTokenAPITest(t, newTokenAPIVendor(), nil)
	ctx := context.Background()

	r := a.AddUser(ctx, "newbie", "pw1")
	if !r.OK() || r.UserID != "901" || r.Username != "newbie" {
		t.Errorf("add user: %+v", r)
	}
	r = a.ChangePassword(ctx, "player1", "pw2")
	if !r.OK() || r.Message != "Password changed successfully" {
		t.Errorf("change password: %+v", r)
	}
}

func TestTokenAPI_AgentBalance(t *testing.T) {
	a := newTokenAPITest(t, newTokenAPIVendor(), nil)

	r := a.GetAgentBalance(context.Background())
	if !r.OK() || r.Balance == nil || *r.Balance != 1000.5 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestTokenAPI_AgentBalanceScrapeFallback(t *testing.T) {
	v := newTokenAPIVendor()
	handler := v.handler(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agent/getMoney", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /agent/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div class="card">Balance: <b>2,345.75</b></div>`))
	})
	mux.Handle("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(config.FamilyTokenAPI, srv.URL)
	cfg.Endpoints = map[string]string{"agent_balance_page": "/agent/home"}
	a, err := NewTokenAPIAdapter("p1", cfg, testDeps(t, srv.URL, nil))
	if err != nil {
		t.Fatal(err)
	}

	r := a.GetAgentBalance(context.Background())
	if !r.OK() || *r.Balance != 2345.75 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestNewTokenAPIAdapter_BadPattern(t *testing.T) {
	cfg := testConfig(config.FamilyTokenAPI, "http://vendor.invalid")
	cfg.Markers = map[string]string{"agent_balance_pattern": "("}
	if _, err := NewTokenAPIAdapter("p1", cfg, testDeps(t, cfg.BaseURL, nil)); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTokenAPI_LoginWithCallerCredentials(t *testing.T) {
	v := newTokenAPIVendor()
	v.players = map[string]string{"alice": "pw"}
	a := newTokenAPITest(t, v, nil)
	ctx := context.Background()

	r := a.Login(ctx, "alice", "pw")
	if !r.OK() || r.Token != "player-alice" {
		t.Fatalf("unexpected result: %+v", r)
	}
	// The caller login is not cached, so agent operations still log in as the agent.
	if r := a.GetBalances(ctx, "player1"); !r.OK() {
		t.Fatalf("balance after caller login: %+v", r)
	}
	if got := v.logins.Load(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}

	r = a.Login(ctx, "alice", "nope")
	if r.OK() || r.Error != "Max attempts reached" {
		t.Errorf("wrong password: %+v", r)
	}
}

func TestTokenAPI_SearchRequiresExactAccount(t *testing.T) {
	v := newTokenAPIVendor()
	v.listing = []any{map[string]any{"Id": 99, "Account": "bobby", "balance": 5}}
	a := newTokenAPITest(t, v, nil)
	ctx := context.Background()

	r := a.Recharge(ctx, "bob", 50)
	if r.OK() || r.Error != "User not found" {
		t.Errorf("unexpected result: %+v", r)
	}
	if len(v.recharges) != 0 {
		t.Errorf("recharge sent for another account: %v", v.recharges)
	}
	if r := a.GetBalances(ctx, "bob"); r.OK() {
		t.Errorf("balance of a prefix match returned: %+v", r)
	}
	if r := a.Recharge(ctx, "BOBBY", 5); !r.OK() {
		t.Errorf("case-insensitive exact match: %+v", r)
	}
}

func TestTokenAPI_ConcurrentBalancesShareOneLogin(t *testing.T) {
	v := newTokenAPIVendor()
	a := newTokenAPITest(t, v, nil)

	const n = 30
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := a.GetBalances(context.Background(), "player1"); !r.OK() || *r.Balance != 42.5 {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d of %d calls failed", failed.Load(), n)
	}
	if got := v.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
}
