package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

const signedOK = 20000

var (
	defaultExpiredCodes = []int{50008, 50012, 50014}
	siteKeyPattern      = regexp.MustCompile(`data-sitekey=["']([^"']+)["']`)
)

// SignedAdapter drives JSON APIs where every body carries an MD5 signature
// over its fields. Login credentials are additionally AES encrypted with a
// key derived from the login timestamp.
type SignedAdapter struct {
	base
	expiredCodes []int
}

func NewSignedAdapter(id string, cfg config.ProviderConfig, deps Deps) *SignedAdapter {
	a := &SignedAdapter{base: newBase(id, cfg, deps), expiredCodes: defaultExpiredCodes}
	if extra := cfg.Marker("expired_codes", ""); extra != "" {
		a.expiredCodes = nil
		for _, c := range strings.Split(extra, ",") {
			if v, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
				a.expiredCodes = append(a.expiredCodes, v)
			}
		}
	}
	a.attempt = a.loginAttempt
	a.expired = a.isExpired
	return a
}

type signedEnvelope struct {
	Code    code            `json:"code"`
	Message string          `json:"message"`
	Token   string          `json:"token"`
	Data    json.RawMessage `json:"data"`
}

type signedData struct {
	Token   string `json:"token"`
	Balance number `json:"balance"`
}

func (e signedEnvelope) data() (signedData, error) {
	var d signedData
	if len(e.Data) == 0 || e.Data[0] != '{' {
		return d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, parseError("decode data", err)
	}
	return d, nil
}

func (a *SignedAdapter) isExpired(resp *transport.Response) bool {
	var env signedEnvelope
	if resp.DecodeJSON(&env) != nil {
		return false
	}
	return slices.Contains(a.expiredCodes, int(env.Code))
}

// cipherKey derives the AES key for a login timestamp.
func (a *SignedAdapter) cipherKey(stime int64) string {
	return orDefault(a.cfg.CipherKeyPrefix, "123") + strconv.FormatInt(stime, 10) + orDefault(a.cfg.CipherKeySuffix, "abc")
}

func (a *SignedAdapter) encodeCredentials(creds credentials, stime int64) (string, string, error) {
	if !a.cfg.Encrypts() {
		return creds.username, creds.password, nil
	}
	key := a.cipherKey(stime)
	user, err := encryptECB(creds.username, key)
	if err != nil {
		return "", "", err
	}
	pass, err := encryptECB(creds.password, key)
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}

func (a *SignedAdapter) loginRequest(creds credentials, authCode string) (transport.Request, error) {
	stime := a.now().Unix()
	user, pass, err := a.encodeCredentials(creds, stime)
	if err != nil {
		return transport.Request{}, err
	}
	payload := Finalize(map[string]any{
		"username":  user,
		"password":  pass,
		"auth_code": authCode,
	}, stime, a.cfg.SigningKey)
	return transport.Request{
		Method:  http.MethodPost,
		Path:    a.cfg.Endpoint("login", "/api/user/login"),
		JSON:    payload,
		NoToken: true,
	}, nil
}

func (a *SignedAdapter) loginAttempt(ctx context.Context, creds credentials) (*session.State, error) {
	req, err := a.loginRequest(creds, "")
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Send(ctx, nil, req)
	if err != nil && !a.challenged(resp) {
		return nil, err
	}

	if a.challenged(resp) {
		token, err := a.solveChallenge(ctx, resp)
		if err != nil {
			return nil, err
		}
		// Signing covers auth_code, so the payload is rebuilt from scratch.
		if req, err = a.loginRequest(creds, token); err != nil {
			return nil, err
		}
		if resp, err = a.client.Send(ctx, nil, req); err != nil {
			return nil, err
		}
	}

	var env signedEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, err
	}
	if int(env.Code) != signedOK {
		return nil, types.WrapError(types.KindAuthentication, "login rejected", rejected(env.Message))
	}
	data, err := env.data()
	if err != nil {
		return nil, err
	}
	token := orDefault(env.Token, data.Token)
	if token == "" {
		return nil, parseError("token missing", nil)
	}
	st := &session.State{Token: token}
	st.SetCookies(resp.Cookies)
	return st, nil
}

// challenged reports a Cloudflare interstitial in front of the login API.
func (a *SignedAdapter) challenged(resp *transport.Response) bool {
	return a.cfg.CloudflareChallenge && resp != nil && bytes.Contains(resp.Body, []byte("Cloudflare"))
}

func (a *SignedAdapter) solveChallenge(ctx context.Context, resp *transport.Response) (string, error) {
	if a.deps.Solver == nil {
		return "", types.NewError(types.KindCaptcha, "blocked by challenge and no captcha solver configured")
	}
	siteKey := a.cfg.Captcha.SiteKey
	if m := siteKeyPattern.FindSubmatch(resp.Body); m != nil {
		siteKey = string(m[1])
	}
	if siteKey == "" {
		return "", types.NewError(types.KindCaptcha, "challenge site key not found")
	}
	a.logger.Info("solving login challenge")
	return a.deps.Solver.Solve(ctx, captcha.Challenge{
		Kind:    captcha.KindHCaptcha,
		SiteKey: siteKey,
		PageURL: a.client.BaseURL().String(),
	})
}

// signed builds a request whose body is signed over the session token and
// fields. It is rebuilt after a re-login so the signature covers the new token.
func (a *SignedAdapter) signed(endpoint string, fields map[string]any) transport.RequestFunc {
	return func(st *session.State) (transport.Request, error) {
		body := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			body[k] = v
		}
		body["token"] = st.Token
		return transport.Request{
			Method: http.MethodPost,
			Path:   endpoint,
			JSON:   Finalize(body, a.now().UnixMilli(), a.cfg.SigningKey),
		}, nil
	}
}

func (a *SignedAdapter) send(ctx context.Context, endpoint string, fields map[string]any) (signedData, *transport.Response, error) {
	var env signedEnvelope
	resp, err := a.call(ctx, a.signed(endpoint, fields))
	if err != nil {
		return signedData{}, resp, err
	}
	if err := resp.DecodeJSON(&env); err != nil {
		return signedData{}, resp, err
	}
	if int(env.Code) != signedOK {
		return signedData{}, resp, rejected(env.Message)
	}
	data, err := env.data()
	return data, resp, err
}

func (a *SignedAdapter) AddUser(ctx context.Context, username, password string) types.Result {
	_, resp, err := a.send(ctx, a.cfg.Endpoint("add_user", "/api/account/savePlayer"), map[string]any{
		"account": username,
		"pwd":     password,
	})
	if err != nil {
		return a.fail(types.OpAddUser, "Failed to add user", resp, err)
	}
	r := types.Success("User created")
	r.Username = username
	return r
}

func (a *SignedAdapter) Recharge(ctx context.Context, username string, amount float64) types.Result {
	return a.transfer(ctx, types.OpRecharge, username, amount, 1, "Failed to recharge", "Recharged successfully")
}

func (a *SignedAdapter) Redeem(ctx context.Context, username string, amount float64) types.Result {
	return a.transfer(ctx, types.OpRedeem, username, amount, 2, "Failed to redeem", "Redeemed successfully")
}

func (a *SignedAdapter) transfer(ctx context.Context, op types.Operation, username string, amount float64, kind int, failMsg, okMsg string) types.Result {
	_, resp, err := a.send(ctx, a.cfg.Endpoint("recharge", "/api/account/recharge"), map[string]any{
		"account": username,
		"amount":  amount,
		"type":    kind,
	})
	if err != nil {
		return a.fail(op, failMsg, resp, err)
	}
	return types.Success(okMsg)
}

func (a *SignedAdapter) ChangePassword(ctx context.Context, username, newPassword string) types.Result {
	_, resp, err := a.send(ctx, a.cfg.Endpoint("change_password", "/api/account/changePassword"), map[string]any{
		"account": username,
		"new_pwd": newPassword,
	})
	if err != nil {
		return a.fail(types.OpChangePassword, "Failed to change password", resp, err)
	}
	return types.Success("Password changed successfully")
}

func (a *SignedAdapter) GetBalances(ctx context.Context, username string) types.Result {
	data, resp, err := a.send(ctx, a.cfg.Endpoint("balance", "/api/account/balance"), map[string]any{
		"account": username,
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

func (a *SignedAdapter) GetAgentBalance(ctx context.Context) types.Result {
	data, resp, err := a.send(ctx, a.cfg.Endpoint("agent_balance", "/api/agent/balance"), map[string]any{})
	if err != nil {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, err)
	}
	if !data.Balance.Set {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, parseError("balance missing", nil))
	}
	return types.Success("Agent balance fetched").WithBalance(data.Balance.Value)
}
