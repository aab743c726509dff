package adapters

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

var defaultExpiredMessages = []string{
	"Please login",
	"Login has expired, please login again",
	"invalid login status",
}

// CaptchaTokenAdapter drives agent panels that gate login behind an image
// CAPTCHA and report everything, including session expiry, through a "msg"
// field on HTTP 200 responses.
type CaptchaTokenAdapter struct {
	base
	expiredMessages []string
}

func NewCaptchaTokenAdapter(id string, cfg config.ProviderConfig, deps Deps) *CaptchaTokenAdapter {
	a := &CaptchaTokenAdapter{base: newBase(id, cfg, deps), expiredMessages: defaultExpiredMessages}
	if extra := cfg.Marker("expired", ""); extra != "" {
		for _, m := range strings.Split(extra, "|") {
			a.expiredMessages = append(a.expiredMessages, strings.TrimSpace(m))
		}
	}
	a.attempt = a.loginAttempt
	a.expired = a.isExpired
	return a
}

// captchaEnvelope keeps data raw: failed calls often send "data": [] or "".
type captchaEnvelope struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type captchaData struct {
	Token   string `json:"token"`
	Balance number `json:"balance"`
	List    []struct {
		UserID  ident  `json:"user_id"`
		Account string `json:"account"`
	} `json:"list"`
}

func (e captchaEnvelope) data() (captchaData, error) {
	var d captchaData
	if len(e.Data) == 0 || e.Data[0] != '{' {
		return d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, parseError("decode data", err)
	}
	return d, nil
}

func (a *CaptchaTokenAdapter) ok(env captchaEnvelope) bool {
	return env.Msg == a.cfg.Marker("ok", "success")
}

func (a *CaptchaTokenAdapter) isExpired(resp *transport.Response) bool {
	var env captchaEnvelope
	if resp.DecodeJSON(&env) != nil {
		return false
	}
	return slices.Contains(a.expiredMessages, env.Msg)
}

// challengeNonce is the eight digit cache-buster that binds a captcha image to
// the login that follows it.
func challengeNonce() string {
	return strconv.Itoa(10000000 + rand.IntN(90000000))
}

func (a *CaptchaTokenAdapter) loginAttempt(ctx context.Context, creds credentials) (*session.State, error) {
	if a.deps.Solver == nil {
		return nil, types.NewError(types.KindCaptcha, "no captcha solver configured")
	}
	st := &session.State{}
	t := challengeNonce()

	img, err := a.client.Send(ctx, st, transport.Request{
		Method:  http.MethodGet,
		Path:    a.cfg.Endpoint("captcha", orDefault(a.cfg.Captcha.ImagePath, "/api/agent/captcha")),
		Query:   url.Values{"t": {t}},
		NoToken: true,
	})
	if err != nil {
		return nil, err
	}
	if img.StatusCode != http.StatusOK || len(img.Body) == 0 {
		return nil, types.NewError(types.KindCaptcha, "captcha image unavailable")
	}
	st.SetCookies(img.Cookies)

	code, err := a.deps.Solver.Solve(ctx, captcha.Challenge{Kind: captcha.KindImage, Image: img.Body})
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Send(ctx, st, transport.Request{
		Method: http.MethodPost,
		Path:   a.cfg.Endpoint("login", "/api/agent/agentLogin"),
		Form: url.Values{
			"agent_name": {creds.username},
			"agent_pwd":  {creds.password},
			"agent_code": {code},
			"t":          {t},
		},
		NoToken: true,
	})
	if err != nil {
		return nil, err
	}
	var env captchaEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, err
	}
	if !a.ok(env) {
		return nil, types.WrapError(types.KindAuthentication, "login rejected", rejected(env.Msg))
	}
	data, err := env.data()
	if err != nil {
		return nil, err
	}
	if data.Token == "" {
		return nil, parseError("token missing", nil)
	}
	st.SetCookies(resp.Cookies)
	st.Token = data.Token
	return st, nil
}

func (a *CaptchaTokenAdapter) send(ctx context.Context, method, endpoint string, body any) (captchaData, *transport.Response, error) {
	var env captchaEnvelope
	resp, err := a.call(ctx, transport.Static(transport.Request{Method: method, Path: endpoint, JSON: body}))
	if err != nil {
		return captchaData{}, resp, err
	}
	if err := resp.DecodeJSON(&env); err != nil {
		return captchaData{}, resp, err
	}
	if !a.ok(env) {
		return captchaData{}, resp, rejected(env.Msg)
	}
	data, err := env.data()
	return data, resp, err
}

func (a *CaptchaTokenAdapter) searchUser(ctx context.Context, username string) (string, *transport.Response, error) {
	data, resp, err := a.send(ctx, http.MethodPost, a.cfg.Endpoint("user_list", "/api/user/userList"), map[string]any{
		"type":   1,
		"search": username,
	})
	if err != nil {
		return "", resp, err
	}
	for _, u := range data.List {
		if strings.EqualFold(u.Account, username) {
			return string(u.UserID), resp, nil
		}
	}
	return "", resp, errUserNotFound
}

func (a *CaptchaTokenAdapter) AddUser(ctx context.Context, username, password string) types.Result {
	_, resp, err := a.send(ctx, http.MethodPost, a.cfg.Endpoint("add_user", "/api/user/addUser"), map[string]any{
		"account":   username,
		"login_pwd": password,
		"check_pwd": password,
	})
	if err != nil {
		return a.fail(types.OpAddUser, "Failed to add user", resp, err)
	}
	r := types.Success("User created")
	r.Username = username
	return r
}

func (a *CaptchaTokenAdapter) Recharge(ctx context.Context, username string, amount float64) types.Result {
	return a.rechargeRedeem(ctx, types.OpRecharge, username, amount, 1, "Failed to recharge", "Recharged successfully")
}

func (a *CaptchaTokenAdapter) Redeem(ctx context.Context, username string, amount float64) types.Result {
	return a.rechargeRedeem(ctx, types.OpRedeem, username, amount, 2, "Failed to redeem", "Redeemed successfully")
}

func (a *CaptchaTokenAdapter) rechargeRedeem(ctx context.Context, op types.Operation, username string, amount float64, kind int, failMsg, okMsg string) types.Result {
	userID, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(op, "User not found", resp, err)
	}
	_, resp, err = a.send(ctx, http.MethodPost, a.cfg.Endpoint("recharge_redeem", "/api/user/rechargeRedeem"), map[string]any{
		"user_id": userID,
		"type":    kind,
		"amount":  amount,
	})
	if err != nil {
		return a.fail(op, failMsg, resp, err)
	}
	return types.Success(okMsg)
}

func (a *CaptchaTokenAdapter) ChangePassword(ctx context.Context, username, newPassword string) types.Result {
	userID, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(types.OpChangePassword, "User not found", resp, err)
	}
	_, resp, err = a.send(ctx, http.MethodPost, a.cfg.Endpoint("change_password", "/api/user/changePassword"), map[string]any{
		"user_id": userID,
		"new_pwd": newPassword,
	})
	if err != nil {
		return a.fail(types.OpChangePassword, "Failed to change password", resp, err)
	}
	return types.Success("Password changed successfully")
}

func (a *CaptchaTokenAdapter) GetBalances(ctx context.Context, username string) types.Result {
	userID, resp, err := a.searchUser(ctx, username)
	if err != nil {
		return a.fail(types.OpGetBalances, "User not found", resp, err)
	}
	data, resp, err := a.send(ctx, http.MethodPost, a.cfg.Endpoint("balance", "/api/user/balance"), map[string]any{
		"user_id": userID,
	})
	if err != nil {
		return a.fail(types.OpGetBalances, "Failed to fetch balance", resp, err)
	}
	if !data.Balance.Set {
		return a.fail(types.OpGetBalances, "Failed to fetch balance", resp, parseError("balance missing", nil))
	}
	r := types.Success("Balance fetched").WithBalance(data.Balance.Value)
	r.Username = username
	return r
}

func (a *CaptchaTokenAdapter) GetAgentBalance(ctx context.Context) types.Result {
	data, resp, err := a.send(ctx, http.MethodGet, a.cfg.Endpoint("agent_balance", "/api/agent/balance"), nil)
	if err != nil {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, err)
	}
	if !data.Balance.Set {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, parseError("balance missing", nil))
	}
	return types.Success("Agent balance fetched").WithBalance(data.Balance.Value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
