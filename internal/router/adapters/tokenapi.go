package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

// TokenAPIAdapter drives backends with a form login that returns a bearer
// token and JSON endpoints that answer with an English "message" marker.
type TokenAPIAdapter struct {
	base
	agentBalancePattern *regexp.Regexp
}

func NewTokenAPIAdapter(id string, cfg config.ProviderConfig, deps Deps) (*TokenAPIAdapter, error) {
	a := &TokenAPIAdapter{base: newBase(id, cfg, deps)}
	pattern := cfg.Marker("agent_balance_pattern", `(?i)balance[^0-9\-]*(-?[0-9][0-9,]*(?:\.[0-9]+)?)`)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, parseError("agent_balance_pattern", err)
	}
	a.agentBalancePattern = re
	a.attempt = a.loginAttempt
	a.expired = a.isExpired
	return a, nil
}

type tokenAPIEnvelope struct {
	Message string `json:"message"`
	Token   string `json:"token"`
	UserID  ident  `json:"user_id"`
}

type tokenAPIDataEnvelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type tokenAPIPlayer struct {
	ID      ident  `json:"Id"`
	Account string `json:"Account"`
	Balance number `json:"balance"`
}

func (a *TokenAPIAdapter) isExpired(resp *transport.Response) bool {
	var env tokenAPIEnvelope
	if resp.DecodeJSON(&env) != nil {
		return false
	}
	return env.Message == a.cfg.Marker("expired", "Unauthenticated.")
}

func (a *TokenAPIAdapter) loginAttempt(ctx context.Context, creds credentials) (*session.State, error) {
	resp, err := a.client.Send(ctx, nil, transport.Request{
		Method:  http.MethodPost,
		Path:    a.cfg.Endpoint("login", "/api/login"),
		Form:    url.Values{"username": {creds.username}, "password": {creds.password}},
		NoToken: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.WrapError(types.KindAuthentication, "credentials rejected", rejected(resp.Excerpt(128)))
	}
	var env tokenAPIEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, err
	}
	if env.Message != a.cfg.Marker("login_ok", "Users login succeeded") {
		return nil, types.WrapError(types.KindAuthentication, "credentials rejected", rejected(env.Message))
	}
	if env.Token == "" {
		return nil, parseError("token missing", nil)
	}
	st := &session.State{Token: env.Token}
	st.SetCookies(resp.Cookies)
	return st, nil
}

// postJSON sends an authenticated JSON call and decodes the message envelope.
// Non-2xx answers that still carry a message are reported as vendor rejections.
func (a *TokenAPIAdapter) postJSON(ctx context.Context, endpoint string, body any, dest any) (*transport.Response, error) {
	resp, err := a.call(ctx, transport.Static(transport.Request{Method: http.MethodPost, Path: endpoint, JSON: body}))
	if err != nil {
		return resp, err
	}
	return resp, a.decode(resp, dest)
}

func (a *TokenAPIAdapter) decode(resp *transport.Response, dest any) error {
	if err := resp.DecodeJSON(dest); err != nil {
		if resp.StatusCode >= 400 {
			return rejected(http.StatusText(resp.StatusCode))
		}
		return err
	}
	return nil
}

func (a *TokenAPIAdapter) AddUser(ctx context.Context, username, password string) types.Result {
	var env tokenAPIEnvelope
	resp, err := a.postJSON(ctx, a.cfg.Endpoint("add_user", "/api/player/playerInsert"), map[string]any{
		"username":              username,
		"password":              password,
		"password_confirmation": password,
	}, &env)
	if err != nil {
		return a.fail(types.OpAddUser, "Failed to add user", resp, err)
	}
	if env.Message != a.cfg.Marker("insert_ok", "Insert successful") {
		return a.fail(types.OpAddUser, "Failed to add user", resp, rejected(env.Message))
	}
	r := types.Success("User created")
	r.UserID = string(env.UserID)
	r.Username = username
	return r
}

func (a *TokenAPIAdapter) searchUser(ctx context.Context, username string) (*tokenAPIPlayer, *transport.Response, error) {
	resp, err := a.call(ctx, transport.Static(transport.Request{
		Method: http.MethodGet,
		Path:   a.cfg.Endpoint("user_list", "/api/player/userList"),
		Query:  url.Values{"account": {username}},
	}))
	if err != nil {
		return nil, resp, err
	}
	var env tokenAPIDataEnvelope
	if err := a.decode(resp, &env); err != nil {
		return nil, resp, err
	}
	if env.Message != a.cfg.Marker("query_ok", "Query successful") {
		return nil, resp, errUserNotFound
	}
	var players []tokenAPIPlayer
	if err := json.Unmarshal(env.Data, &players); err != nil {
		return nil, resp, parseError("decode user list", err)
	}
	if len(players) == 0 {
		return nil, resp, errUserNotFound
	}
	// The search is a prefix match on some backends, so only an exact
	// account match may be acted on.
	for i := range players {
		if strings.EqualFold(players[i].Account, username) {
			return &players[i], resp, nil
		}
	}
	return nil, resp, errUserNotFound
}

func (a *TokenAPIAdapter) agentBalance(ctx context.Context) (float64, *transport.Response, error) {
	var env tokenAPIDataEnvelope
	resp, err := a.postJSON(ctx, a.cfg.Endpoint("agent_balance", "/api/agent/getMoney"), struct{}{}, &env)
	if err == nil && env.Message == a.cfg.Marker("query_ok", "Query successful") {
		var n number
		if json.Unmarshal(env.Data, &n) == nil && n.Set {
			return n.Value, resp, nil
		}
		err = parseError("agent balance", nil)
	}
	page := a.cfg.Endpoint("agent_balance_page", "")
	if page == "" {
		if err == nil {
			err = rejected(env.Message)
		}
		return 0, resp, err
	}
	return a.scrapeAgentBalance(ctx, page)
}

// scrapeAgentBalance reads the balance off the agent dashboard page for
// backends whose balance API is missing or broken.
func (a *TokenAPIAdapter) scrapeAgentBalance(ctx context.Context, page string) (float64, *transport.Response, error) {
	resp, err := a.call(ctx, transport.Static(transport.Request{Method: http.MethodGet, Path: page}))
	if err != nil {
		return 0, resp, err
	}
	m := a.agentBalancePattern.FindSubmatch(resp.Body)
	if len(m) < 2 {
		return 0, resp, parseError("agent balance not found on page", nil)
	}
	v, err := parseNumber(string(m[1]))
	if err != nil {
		return 0, resp, parseError("agent balance", err)
	}
	return v, resp, nil
}

func (a *TokenAPIAdapter) Recharge(ctx context.Context, username string, amount float64) types.Result {
	return a.transfer(ctx, types.OpRecharge, username, amount)
}

func (a *TokenAPIAdapter) Redeem(ctx context.Context, username string, amount float64) types.Result {
	return a.transfer(ctx, types.OpRedeem, username, amount)
}

type transferKind struct {
	endpoint, path   string
	marker, okMarker string
	failMsg, okMsg   string
	operaType        int
}

var (
	rechargeKind = transferKind{"recharge", "/api/player/agentRecharge", "recharge_ok", "Recharge successful", "Failed to recharge", "Recharged successfully", 0}
	redeemKind   = transferKind{"redeem", "/api/player/agentWithdraw", "redeem_ok", "Withdraw successful", "Failed to redeem", "Redeemed successfully", 1}
)

func (a *TokenAPIAdapter) transfer(ctx context.Context, op types.Operation, username string, amount float64) types.Result {
	k := rechargeKind
	if op == types.OpRedeem {
		k = redeemKind
	}
	endpoint := a.cfg.Endpoint(k.endpoint, k.path)
	marker, failMsg, okMsg, operaType := a.cfg.Marker(k.marker, k.okMarker), k.failMsg, k.okMsg, k.operaType

	player, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(op, "User not found", resp, err)
	}
	available, resp, err := a.agentBalance(ctx)
	if err != nil {
		return a.fail(op, "Failed to get agent balance", resp, err)
	}

	var env tokenAPIEnvelope
	resp, err = a.postJSON(ctx, endpoint, map[string]any{
		"id":                string(player.ID),
		"available_balance": available,
		"opera_type":        operaType,
		"bonus":             0,
		"balance":           amount,
		"remark":            "",
	}, &env)
	if err != nil {
		return a.fail(op, failMsg, resp, err)
	}
	if env.Message != marker {
		return a.fail(op, failMsg, resp, rejected(env.Message))
	}
	return types.Success(okMsg)
}

func (a *TokenAPIAdapter) ChangePassword(ctx context.Context, username, newPassword string) types.Result {
	player, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(types.OpChangePassword, "User not found", resp, err)
	}
	var env tokenAPIEnvelope
	resp, err = a.postJSON(ctx, a.cfg.Endpoint("change_password", "/api/player/playerResetPassword"), map[string]any{
		"id":                    string(player.ID),
		"password":              newPassword,
		"password_confirmation": newPassword,
	}, &env)
	if err != nil {
		return a.fail(types.OpChangePassword, "Failed to change password", resp, err)
	}
	if env.Message != a.cfg.Marker("password_ok", "Reset successful") {
		return a.fail(types.OpChangePassword, "Failed to change password", resp, rejected(env.Message))
	}
	return types.Success("Password changed successfully")
}

func (a *TokenAPIAdapter) GetBalances(ctx context.Context, username string) types.Result {
	player, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(types.OpGetBalances, "User not found", resp, err)
	}
	if !player.Balance.Set {
		return a.fail(types.OpGetBalances, "Failed to fetch balance", resp, parseError("balance missing", nil))
	}
	r := types.Success("Balance fetched").WithBalance(player.Balance.Value)
	r.Username = username
	return r
}

func (a *TokenAPIAdapter) GetAgentBalance(ctx context.Context) types.Result {
	v, resp, err := a.agentBalance(ctx)
	if err != nil {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, err)
	}
	return types.Success("Agent balance fetched").WithBalance(v)
}
