package adapters

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
	"golang.org/x/net/html"
)

// PostbackAdapter drives ASP.NET WebForms agent portals. Every form post
// has to echo the hidden view state of the page it came from, and results
// come back as HTML with the outcome in an alert() call.
type PostbackAdapter struct {
	base
	loginPath string
	links     map[types.Operation]*regexp.Regexp
	balanceRe *regexp.Regexp
	agentRe   *regexp.Regexp
}

type postbackAction struct {
	endpoint, path   string
	marker, okMarker string
	linkKey, link    string
	button, label    string
	failMsg, okMsg   string
}

var postbackActions = map[types.Operation]postbackAction{
	types.OpRecharge: {
		"recharge", "/Module/AccountManager/Recharge.aspx",
		"recharge_ok", "Recharge successful",
		"recharge_link", `GrantTreasure\.aspx\?param=[^'"\s<>]+`,
		"btnRecharge", "Submit",
		"Failed to recharge", "Recharged successfully",
	},
	types.OpRedeem: {
		"redeem", "/Module/AccountManager/Redeem.aspx",
		"redeem_ok", "Redeem successful",
		"redeem_link", `WithdrawTreasure\.aspx\?param=[^'"\s<>]+`,
		"btnRedeem", "Submit",
		"Failed to redeem", "Redeemed successfully",
	},
	types.OpChangePassword: {
		"change_password", "/Module/AccountManager/ChangePassword.aspx",
		"password_ok", "Password changed",
		"password_link", `ResetPassword\.aspx\?param=[^'"\s<>]+`,
		"btnSubmit", "Change",
		"Failed to change password", "Password changed successfully",
	},
}

const defaultBalancePattern = `(?i)balance\s*[:：]?\s*(?:<[^>]+>\s*)*(-?[0-9][0-9,]*(?:\.[0-9]+)?)`

func NewPostbackAdapter(id string, cfg config.ProviderConfig, deps Deps) (*PostbackAdapter, error) {
	a := &PostbackAdapter{
		base:      newBase(id, cfg, deps),
		loginPath: cfg.Endpoint("login", "/default.aspx"),
		links:     make(map[types.Operation]*regexp.Regexp),
	}
	for op, act := range postbackActions {
		re, err := regexp.Compile(cfg.Marker(act.linkKey, act.link))
		if err != nil {
			return nil, parseError(act.linkKey, err)
		}
		a.links[op] = re
	}
	var err error
	if a.balanceRe, err = regexp.Compile(cfg.Marker("balance_pattern", defaultBalancePattern)); err != nil {
		return nil, parseError("balance_pattern", err)
	}
	if a.agentRe, err = regexp.Compile(cfg.Marker("agent_balance_pattern", defaultBalancePattern)); err != nil {
		return nil, parseError("agent_balance_pattern", err)
	}
	a.attempt = a.loginAttempt
	a.expired = a.isExpired
	return a, nil
}

// isExpired is true when the portal bounced us back to its login form.
func (a *PostbackAdapter) isExpired(resp *transport.Response) bool {
	if resp.URL != nil && strings.EqualFold(resp.URL.Path, a.loginURLPath()) {
		return true
	}
	return hasInput(resp.Body, "txtLoginName")
}

func (a *PostbackAdapter) loginURLPath() string {
	u, err := a.client.Resolve(a.loginPath)
	if err != nil {
		return a.loginPath
	}
	return u.Path
}

func (a *PostbackAdapter) loginAttempt(ctx context.Context, creds credentials) (*session.State, error) {
	if a.deps.Solver == nil {
		return nil, types.NewError(types.KindCaptcha, "no captcha solver configured")
	}
	st := &session.State{}
	page, err := a.client.Send(ctx, st, transport.Request{Method: http.MethodGet, Path: a.loginPath, NoToken: true})
	if err != nil {
		return nil, err
	}
	st.SetCookies(page.Cookies)
	fields, err := hiddenFields(page.Body)
	if err != nil {
		return nil, err
	}

	code, err := a.solveCaptcha(ctx, st)
	if err != nil {
		return nil, err
	}

	fields.Set("txtLoginName", creds.username)
	fields.Set("txtLoginPass", creds.password)
	fields.Set("txtVerifyCode", code)
	fields.Set("btnLogin", "Login in")
	resp, err := a.client.Send(ctx, st, transport.Request{
		Method:  http.MethodPost,
		Path:    page.URL.String(),
		Form:    fields,
		NoToken: true,
	})
	if err != nil {
		return nil, err
	}
	st.SetCookies(resp.Cookies)

	welcomed := bytes.Contains(resp.Body, []byte(a.cfg.Marker("login_ok", "Welcome")))
	// The login POST lands on the login URL either way; only the form
	// coming back means the credentials were refused.
	if !welcomed && hasInput(resp.Body, "txtLoginName") {
		return nil, types.WrapError(types.KindAuthentication, "login rejected", rejected(alertMessage(resp.Body)))
	}
	if !welcomed {
		return nil, parseError("login marker missing", nil)
	}
	if len(st.Cookies) == 0 {
		return nil, parseError("no session cookie after login", nil)
	}
	return st, nil
}

func (a *PostbackAdapter) solveCaptcha(ctx context.Context, st *session.State) (string, error) {
	img, err := a.client.Send(ctx, st, transport.Request{
		Method:  http.MethodGet,
		Path:    a.cfg.Endpoint("captcha", orDefault(a.cfg.Captcha.ImagePath, "/Tools/VerifyImagePage.aspx")),
		Query:   url.Values{"t": {strconv.FormatInt(a.now().UnixMilli(), 10)}},
		NoToken: true,
	})
	if err != nil {
		return "", err
	}
	if img.StatusCode != http.StatusOK || len(img.Body) == 0 {
		return "", types.NewError(types.KindCaptcha, "captcha image unavailable")
	}
	st.SetCookies(img.Cookies)
	return a.deps.Solver.Solve(ctx, captcha.Challenge{Kind: captcha.KindImage, Image: img.Body})
}

// postback GETs page for fresh hidden fields, lets fill add the action
// fields and posts the form back to the page it came from.
func (a *PostbackAdapter) postback(ctx context.Context, st *session.State, page string, fill func(url.Values)) (*transport.Response, error) {
	get, err := a.client.Send(ctx, st, transport.Request{Method: http.MethodGet, Path: page})
	if err != nil {
		return get, err
	}
	if a.isExpired(get) {
		return get, transport.ErrSessionExpired
	}
	st.SetCookies(get.Cookies)
	fields, err := hiddenFields(get.Body)
	if err != nil {
		return get, err
	}
	fill(fields)
	resp, err := a.client.Send(ctx, st, transport.Request{Method: http.MethodPost, Path: get.URL.String(), Form: fields})
	if err == nil {
		st.SetCookies(resp.Cookies)
	}
	return resp, err
}

// selectUser runs the account search postback and pulls the single-use
// action link for op out of the row belonging to username.
func (a *PostbackAdapter) selectUser(ctx context.Context, st *session.State, list, username string, op types.Operation) (string, *transport.Response, error) {
	resp, err := a.postback(ctx, st, list, func(f url.Values) {
		f.Set("txtSearch", username)
		f.Set("btnSearch", "Search")
	})
	if err != nil {
		return "", resp, err
	}
	if a.isExpired(resp) {
		return "", resp, transport.ErrSessionExpired
	}
	row, ok := accountRow(resp.Body, username)
	if !ok {
		return "", resp, errUserNotFound
	}
	m := a.links[op].Find(row)
	if m == nil {
		return "", resp, errUserNotFound
	}
	ref, err := url.Parse(html.UnescapeString(string(m)))
	if err != nil {
		return "", resp, parseError("action link", err)
	}
	return resp.URL.ResolveReference(ref).String(), resp, nil
}

// action performs a mutating form with the two or three step choreography.
func (a *PostbackAdapter) action(ctx context.Context, op types.Operation, username string, fill func(url.Values)) types.Result {
	act := postbackActions[op]
	return a.submit(ctx, op, act.failMsg, act.okMsg, a.cfg.Marker(act.marker, act.okMarker), func(ctx context.Context, st *session.State, username string) (*transport.Response, error) {
		page := a.cfg.Endpoint(act.endpoint, act.path)
		if list := a.cfg.Endpoint("accounts_list", ""); list != "" {
			link, resp, err := a.selectUser(ctx, st, list, username, op)
			if err != nil {
				return resp, err
			}
			page = link
		}
		return a.postback(ctx, st, page, func(f url.Values) {
			fill(f)
			f.Set(act.button, act.label)
		})
	}, username)
}

type postbackStep func(ctx context.Context, st *session.State, username string) (*transport.Response, error)

func (a *PostbackAdapter) submit(ctx context.Context, op types.Operation, failMsg, okMsg, marker string, step postbackStep, username string) types.Result {
	resp, err := a.run(ctx, func(ctx context.Context, st *session.State) (*transport.Response, error) {
		return step(ctx, st, username)
	})
	if err != nil {
		msg := failMsg
		if errors.Is(err, errUserNotFound) {
			msg = "User not found"
		}
		return a.fail(op, msg, resp, err)
	}
	if !bytes.Contains(resp.Body, []byte(marker)) {
		reason := alertMessage(resp.Body)
		if reason == "" {
			reason = "Form submission failed"
		}
		return a.fail(op, failMsg, resp, rejected(reason))
	}
	return types.Success(okMsg)
}

func (a *PostbackAdapter) AddUser(ctx context.Context, username, password string) types.Result {
	r := a.submit(ctx, types.OpAddUser, "Failed to add user", "User created", a.cfg.Marker("add_user_ok", "Added successfully"),
		func(ctx context.Context, st *session.State, _ string) (*transport.Response, error) {
			return a.postback(ctx, st, a.cfg.Endpoint("add_user", "/Module/AccountManager/CreateAccount.aspx"), func(f url.Values) {
				f.Set("__EVENTTARGET", a.cfg.Marker("add_user_target", "ctl07"))
				f.Set("txtAccount", username)
				f.Set("txtLogonPass", password)
				f.Set("txtLogonPass2", password)
			})
		}, username)
	if r.OK() {
		r.Username = username
	}
	return r
}

func (a *PostbackAdapter) Recharge(ctx context.Context, username string, amount float64) types.Result {
	return a.action(ctx, types.OpRecharge, username, func(f url.Values) {
		f.Set("txtUsername", username)
		f.Set("txtAmount", formatAmount(amount))
	})
}

func (a *PostbackAdapter) Redeem(ctx context.Context, username string, amount float64) types.Result {
	return a.action(ctx, types.OpRedeem, username, func(f url.Values) {
		f.Set("txtUsername", username)
		f.Set("txtAmount", formatAmount(amount))
	})
}

func (a *PostbackAdapter) ChangePassword(ctx context.Context, username, newPassword string) types.Result {
	return a.action(ctx, types.OpChangePassword, username, func(f url.Values) {
		f.Set("txtUsername", username)
		f.Set("txtNewPassword", newPassword)
		f.Set("txtConfirmPassword", newPassword)
	})
}

func (a *PostbackAdapter) GetBalances(ctx context.Context, username string) types.Result {
	resp, err := a.call(ctx, transport.Static(transport.Request{
		Method: http.MethodGet,
		Path:   a.cfg.Endpoint("balance", "/Module/AccountManager/Balance.aspx"),
		Query:  url.Values{"account": {username}},
	}))
	if err != nil {
		return a.fail(types.OpGetBalances, "Failed to fetch balance", resp, err)
	}
	v, err := a.scrape(resp.Body, a.cfg.Marker("balance_id", "userBalance"), a.balanceRe)
	if err != nil {
		return a.fail(types.OpGetBalances, "Failed to fetch balance", resp, err)
	}
	r := types.Success("Balance fetched").WithBalance(v)
	r.Username = username
	return r
}

func (a *PostbackAdapter) GetAgentBalance(ctx context.Context) types.Result {
	resp, err := a.call(ctx, transport.Static(transport.Request{
		Method: http.MethodGet,
		Path:   a.cfg.Endpoint("agent_balance", "/Module/Agent/Balance.aspx"),
	}))
	if err != nil {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, err)
	}
	v, err := a.scrape(resp.Body, a.cfg.Marker("agent_balance_id", "agentBalance"), a.agentRe)
	if err != nil {
		return a.fail(types.OpGetAgentBalance, "Failed to fetch agent balance", resp, err)
	}
	return types.Success("Agent balance fetched").WithBalance(v)
}

// scrape reads a balance from the element with id, falling back to re.
func (a *PostbackAdapter) scrape(body []byte, id string, re *regexp.Regexp) (float64, error) {
	if text, ok := textByID(body, id); ok {
		if v, err := parseNumber(text); err == nil {
			return v, nil
		}
	}
	if m := re.FindSubmatch(body); len(m) > 1 {
		if v, err := parseNumber(string(m[1])); err == nil {
			return v, nil
		}
	}
	return 0, parseError("balance not found on page", nil)
}
