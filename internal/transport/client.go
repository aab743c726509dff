package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/types"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// ErrSessionExpired marks a response that the vendor answered with 401.
var ErrSessionExpired = types.NewError(types.KindAuthentication, "provider session expired")

// Request describes one exchange with a vendor. Path is resolved against the
// provider base URL unless it is already absolute.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Form    url.Values
	JSON    any
	Headers map[string]string
	// NoToken suppresses the bearer header, used by login calls.
	NoToken bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
	Cookies    []*http.Cookie
}

// DecodeJSON unmarshals the body, reporting malformed payloads as parse errors.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return types.WrapError(types.KindProtocolParse, "unexpected provider response", err)
	}
	return nil
}

func (r *Response) Text() string { return string(r.Body) }

// Excerpt returns at most n bytes of the body for logs.
func (r *Response) Excerpt(n int) string {
	if len(r.Body) <= n {
		return string(r.Body)
	}
	return string(r.Body[:n])
}

// Hooks let the caller count retries and re-authentications.
type Hooks struct {
	OnRetry  func(attempt int, err error)
	OnReauth func()
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Headers    map[string]string
	MaxConns   int
	RPS        float64
	Burst      int
	Retry      RetryPolicy
	Hooks      Hooks
	HTTPClient *http.Client
}

// Client performs vendor calls for a single provider.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers map[string]string
	timeout time.Duration
	limiter *rate.Limiter
	retry   RetryPolicy
	hooks   Hooks
}

// DefaultHeaders are sent on every call unless overridden.
func DefaultHeaders(userAgent, acceptLanguage string) map[string]string {
	return map[string]string{
		"User-Agent":       userAgent,
		"Accept-Language":  acceptLanguage,
		"X-Requested-With": "XMLHttpRequest",
	}
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.MaxConns > 0 {
			tr.MaxConnsPerHost = opts.MaxConns
			tr.MaxIdleConnsPerHost = opts.MaxConns
		}
		hc = &http.Client{Transport: tr}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base:    base,
		http:    hc,
		headers: opts.Headers,
		timeout: timeout,
		retry:   opts.Retry,
		hooks:   opts.Hooks,
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c, nil
}

func (c *Client) BaseURL() *url.URL { return c.base }

// Resolve turns a path into an absolute URL on the provider host.
func (c *Client) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	u := *c.base
	if strings.HasPrefix(ref.Path, "/") {
		u.Path = strings.TrimRight(c.base.Path, "/") + ref.Path
	} else {
		u.Path = strings.TrimRight(c.base.Path, "/") + "/" + ref.Path
	}
	u.RawQuery = ref.RawQuery
	return &u, nil
}

// Do performs a single exchange with no retries. Cookies from st are sent and
// any cookies the vendor sets, including across redirects, are returned in
// the response. A 401 is reported as ErrSessionExpired, 5xx as a transport
// error; other statuses are returned for the adapter to interpret.
func (c *Client) Do(ctx context.Context, st *session.State, req Request) (*Response, error) {
	u, err := c.Resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, types.WrapError(types.KindTransport, "provider rate limit wait", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	for k, v := range c.headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}
	if st != nil {
		for k, v := range st.Headers {
			httpReq.Header.Set(k, v)
		}
		if st.Token != "" && !req.NoToken {
			httpReq.Header.Set("Authorization", "Bearer "+st.Token)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	jar, _ := cookiejar.New(nil)
	if st != nil && len(st.Cookies) > 0 {
		jar.SetCookies(c.base, st.Cookies)
	}
	hc := *c.http
	hc.Jar = jar

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "provider request failed", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, types.WrapError(types.KindTransport, "read provider response", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		URL:        httpResp.Request.URL,
		Cookies:    collectCookies(jar, c.base, httpResp.Request.URL),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp, ErrSessionExpired
	case resp.StatusCode >= 500:
		return resp, types.WrapError(types.KindTransport, "provider unavailable",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	return resp, nil
}

func collectCookies(jar http.CookieJar, urls ...*url.URL) []*http.Cookie {
	var out []*http.Cookie
	seen := make(map[string]bool)
	for _, u := range urls {
		for _, ck := range jar.Cookies(u) {
			if seen[ck.Name] {
				continue
			}
			seen[ck.Name] = true
			out = append(out, ck)
		}
	}
	return out
}

// Send is Do wrapped in the generic retry policy.
func (c *Client) Send(ctx context.Context, st *session.State, req Request) (*Response, error) {
	return c.send(ctx, st, Static(req))
}

func (c *Client) send(ctx context.Context, st *session.State, build RequestFunc) (*Response, error) {
	var resp *Response
	err := Retry(ctx, c.retry, func(attempt int) error {
		req, err := build(st)
		if err != nil {
			return err
		}
		resp, err = c.Do(ctx, st, req)
		return err
	}, c.hooks.OnRetry)
	return resp, err
}

// Authenticator supplies sessions to Call and recognises expired ones.
type Authenticator interface {
	Session(ctx context.Context) (*session.State, error)
	Invalidate(ctx context.Context, stale *session.State)
	// Expired reports vendor-specific "please log in again" answers that
	// arrive with a non-401 status.
	Expired(resp *Response) bool
}

// RequestFunc builds the request for a session. It is called again after a
// re-login so tokens embedded in the body pick up the new session.
type RequestFunc func(st *session.State) (Request, error)

func Static(req Request) RequestFunc {
	return func(*session.State) (Request, error) { return req, nil }
}

// Call runs an authenticated request. If the vendor signals an expired
// session it invalidates, logs in exactly once and retries exactly once.
// A second expired answer is an authentication error.
func (c *Client) Call(ctx context.Context, auth Authenticator, build RequestFunc) (*Response, error) {
	return c.Run(ctx, auth, func(ctx context.Context, st *session.State) (*Response, error) {
		return c.send(ctx, st, build)
	})
}

// Exchange is a multi-step conversation with a vendor performed under one
// session, such as fetching a form and posting it back.
type Exchange func(ctx context.Context, st *session.State) (*Response, error)

// Run applies the same re-authentication contract as Call to a whole
// exchange. The exchange is restarted from its first step after re-login.
func (c *Client) Run(ctx context.Context, auth Authenticator, fn Exchange) (*Response, error) {
	st, err := auth.Session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := fn(ctx, st)
	if !needsReauth(auth, resp, err) {
		return resp, err
	}

	if c.hooks.OnReauth != nil {
		c.hooks.OnReauth()
	}
	auth.Invalidate(ctx, st)
	st, err = auth.Session(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindAuthentication, "re-authentication failed", err)
	}
	resp, err = fn(ctx, st)
	if needsReauth(auth, resp, err) {
		return resp, types.WrapError(types.KindAuthentication, "session rejected after re-login", ErrSessionExpired)
	}
	return resp, err
}

func needsReauth(auth Authenticator, resp *Response, err error) bool {
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	return err == nil && resp != nil && auth.Expired(resp)
}
