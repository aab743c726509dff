package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/types"
)

type captchaVendor struct {
	logins     atomic.Int32
	images     atomic.Int32
	failFirst  atomic.Bool
	expireNext atomic.Bool
	lastNonce  atomic.Value
	recharges  atomic.Int32
}

func (v *captchaVendor) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, body any) {
		json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("GET /api/agent/captcha", func(w http.ResponseWriter, r *http.Request) {
		v.images.Add(1)
		nonce := r.URL.Query().Get("t")
		if len(nonce) != 8 {
			t.Errorf("captcha nonce %q is not eight digits", nonce)
		}
		v.lastNonce.Store(nonce)
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "captcha-" + nonce})
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG fake"))
	})
	mux.HandleFunc("POST /api/agent/agentLogin", func(w http.ResponseWriter, r *http.Request) {
		v.logins.Add(1)
		nonce, _ := v.lastNonce.Load().(string)
		if r.FormValue("t") != nonce {
			t.Errorf("login nonce %q does not match captcha nonce %q", r.FormValue("t"), nonce)
		}
		if ck, err := r.Cookie("PHPSESSID"); err != nil || ck.Value != "captcha-"+nonce {
			t.Errorf("captcha cookie not carried into login: %v", err)
		}
		if v.failFirst.CompareAndSwap(true, false) {
			writeJSON(w, map[string]any{"msg": "Verification code error", "data": []any{}})
			return
		}
		if r.FormValue("agent_code") != "ab12" {
			writeJSON(w, map[string]any{"msg": "Verification code error", "data": ""})
			return
		}
		writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"token": "ctok"}})
	})
	check := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer ctok" || v.expireNext.CompareAndSwap(true, false) {
				writeJSON(w, map[string]any{"msg": "Login has expired, please login again", "data": []any{}})
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("POST /api/user/userList", check(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["search"] == "bob" {
			writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"list": []any{
				map[string]any{"user_id": 99, "account": "bobby"},
			}}})
			return
		}
		if body["search"] != "player1" {
			writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"list": []any{}}})
			return
		}
		writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"list": []any{
			map[string]any{"user_id": 5, "account": "player1"},
		}}})
	}))
	mux.HandleFunc("POST /api/user/rechargeRedeem", check(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		v.recharges.Add(1)
		if body["user_id"] != "5" {
			t.Errorf("unexpected user id: %v", body["user_id"])
		}
		if body["type"] == 2.0 {
			writeJSON(w, map[string]any{"msg": "Insufficient balance", "data": []any{}})
			return
		}
		writeJSON(w, map[string]any{"msg": "success", "data": []any{}})
	}))
	mux.HandleFunc("POST /api/user/balance", check(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"balance": "12.00"}})
	}))
	mux.HandleFunc("POST /api/user/addUser", check(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"msg": "success"})
	}))
	mux.HandleFunc("POST /api/user/changePassword", check(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"msg": "success"})
	}))
	mux.HandleFunc("GET /api/agent/balance", check(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"msg": "success", "data": map[string]any{"balance": 900}})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCaptchaTest(t *testing.T, v *captchaVendor, solver captcha.Solver) *CaptchaTokenAdapter {
	t.Helper()
	srv := v.server(t)
	return NewCaptchaTokenAdapter("p2", testConfig(config.FamilyCaptchaToken, srv.URL), testDeps(t, srv.URL, solver))
}

func TestCaptchaToken_LoginSolvesImage(t *testing.T) {
	v := &captchaVendor{}
	solver := &countingSolver{code: "ab12"}
	a := newCaptchaTest(t, v, solver)

	r := a.Login(context.Background(), "", "")
	if !r.OK() || r.Token != "ctok" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if solver.last.Kind != captcha.KindImage || string(solver.last.Image) != "\x89PNG fake" {
		t.Errorf("solver got %+v", solver.last)
	}
}

func TestCaptchaToken_FreshCaptchaPerAttempt(t *testing.T) {
	v := &captchaVendor{}
	v.failFirst.Store(true)
	solver := &countingSolver{code: "ab12"}
	a := newCaptchaTest(t, v, solver)

	if r := a.Login(context.Background(), "", ""); !r.OK() {
		t.Fatalf("unexpected result: %+v", r)
	}
	if v.images.Load() != 2 || solver.calls.Load() != 2 {
		t.Errorf("images=%d solves=%d, want 2 each", v.images.Load(), solver.calls.Load())
	}
}

func TestCaptchaToken_WrongCodeExhaustsAttempts(t *testing.T) {
	v := &captchaVendor{}
	a := newCaptchaTest(t, v, &countingSolver{code: "zzzz"})

	r := a.Login(context.Background(), "", "")
	if r.OK() || r.Error != "Max attempts reached" {
		t.Errorf("unexpected result: %+v", r)
	}
	if v.logins.Load() != 3 {
		t.Errorf("logins = %d, want 3", v.logins.Load())
	}
}

func TestCaptchaToken_NoSolver(t *testing.T) {
	a := newCaptchaTest(t, &captchaVendor{}, nil)

	r := a.Login(context.Background(), "", "")
	if r.OK() || r.Kind != types.KindCaptcha {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestCaptchaToken_SentinelTriggersSingleReauth(t *testing.T) {
	v := &captchaVendor{}
	a := newCaptchaTest(t, v, &countingSolver{code: "ab12"})
	ctx := context.Background()

	if r := a.GetBalances(ctx, "player1"); !r.OK() {
		t.Fatalf("unexpected result: %+v", r)
	}
	v.expireNext.Store(true)
	r := a.Recharge(ctx, "player1", 3)
	if !r.OK() || r.Message != "Recharged successfully" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if v.logins.Load() != 2 {
		t.Errorf("logins = %d, want 2", v.logins.Load())
	}
}

func TestCaptchaToken_Operations(t *testing.T) {
	a := newCaptchaTest(t, &captchaVendor{}, &countingSolver{code: "ab12"})
	ctx := context.Background()

	if r := a.GetBalances(ctx, "player1"); !r.OK() || *r.Balance != 12 {
		t.Errorf("balance: %+v", r)
	}
	if r := a.GetAgentBalance(ctx); !r.OK() || *r.Balance != 900 {
		t.Errorf("agent balance: %+v", r)
	}
	if r := a.AddUser(ctx, "newbie", "pw"); !r.OK() || r.Username != "newbie" {
		t.Errorf("add user: %+v", r)
	}
	if r := a.ChangePassword(ctx, "player1", "pw"); !r.OK() {
		t.Errorf("change password: %+v", r)
	}
	r := a.Redeem(ctx, "player1", 1)
	if r.OK() || r.Error != "Insufficient balance" || r.Kind != types.KindVendorRejected {
		t.Errorf("redeem: %+v", r)
	}
	r = a.Recharge(ctx, "ghost", 1)
	if r.OK() || r.Message != "User not found" {
		t.Errorf("unknown user: %+v", r)
	}
}

func TestCaptchaToken_SearchRequiresExactAccount(t *testing.T) {
	v := &captchaVendor{}
	a := newCaptchaTest(t, v, &countingSolver{code: "ab12"})
	ctx := context.Background()

	r := a.Recharge(ctx, "bob", 10)
	if r.OK() || r.Message != "User not found" || r.Kind != types.KindVendorRejected {
		t.Errorf("unexpected result: %+v", r)
	}
	if r := a.ChangePassword(ctx, "bob", "pw"); r.OK() {
		t.Errorf("password changed on a prefix match: %+v", r)
	}
	if n := v.recharges.Load(); n != 0 {
		t.Errorf("recharge sent for another account %d times", n)
	}
}

func TestCaptchaEnvelope_NonObjectData(t *testing.T) {
	for _, raw := range []string{`{"msg":"x","data":[]}`, `{"msg":"x","data":""}`, `{"msg":"x"}`} {
		var env captchaEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if _, err := env.data(); err != nil {
			t.Errorf("%s: %v", raw, err)
		}
	}
}
