package adapters

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

// base carries what every family shares: identity, configuration, the
// session manager and the login attempt loop. It implements
// transport.Authenticator so adapters can hand themselves to Call and Run.
type base struct {
	id       string
	cfg      config.ProviderConfig
	client   *transport.Client
	sessions *session.Manager
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time

	// attempt performs one vendor login with the given credentials.
	attempt func(ctx context.Context, creds credentials) (*session.State, error)
	// expired recognises a "log in again" answer that arrives without a 401.
	expired func(resp *transport.Response) bool
}

// credentials are the username and password a login is made with.
type credentials struct {
	username string
	password string
}

func newBase(id string, cfg config.ProviderConfig, deps Deps) base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return base{
		id:       id,
		cfg:      cfg,
		client:   deps.Client,
		sessions: deps.Sessions,
		deps:     deps,
		logger:   logger.With("provider", id, "family", cfg.Family),
		now:      now,
	}
}

func (b *base) Name() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return b.id
}

func (b *base) Family() string { return b.cfg.Family }

// agent returns the configured agent credentials.
func (b *base) agent() credentials {
	return credentials{username: b.cfg.Username, password: b.cfg.Password}
}

func (b *base) agentLogin(ctx context.Context) (*session.State, error) {
	return b.loginWithAttempts(ctx, b.agent())
}

func (b *base) Session(ctx context.Context) (*session.State, error) {
	return b.sessions.Session(ctx, b.id, b.agentLogin)
}

func (b *base) Invalidate(ctx context.Context, stale *session.State) {
	b.sessions.Invalidate(ctx, b.id, stale)
}

func (b *base) Expired(resp *transport.Response) bool {
	if b.expired == nil {
		return false
	}
	return b.expired(resp)
}

// Login forces a fresh vendor login and reports it as a Result. Empty
// credentials mean the configured agent. The session cache only ever holds
// the agent session: a login with other credentials is checked against the
// vendor and its token returned, but it is not cached and does not replace
// the session the other operations run on.
func (b *base) Login(ctx context.Context, username, password string) types.Result {
	creds := b.agent()
	if username != "" && password != "" {
		creds = credentials{username: username, password: password}
	}
	var (
		st  *session.State
		err error
	)
	if creds == b.agent() {
		st, err = b.sessions.Login(ctx, b.id, b.agentLogin)
	} else {
		st, err = b.loginWithAttempts(ctx, creds)
	}
	if err != nil {
		return types.FailureFrom("Login failed", err)
	}
	r := types.Success("Login successful")
	r.Token = st.Token
	return r
}

// loginWithAttempts runs the family login up to the configured number of
// times. CAPTCHA and hidden fields are single-use, so every attempt starts
// over from the first step.
func (b *base) loginWithAttempts(ctx context.Context, creds credentials) (*session.State, error) {
	attempts := b.cfg.Attempts()
	delay := b.cfg.RetryDelay()
	var last error
	for i := 1; i <= attempts; i++ {
		st, err := b.attempt(ctx, creds)
		if err == nil {
			if st.ExpiresAt.IsZero() && b.cfg.SessionTTL > 0 {
				st.ExpiresAt = b.now().Add(b.cfg.SessionTTL)
			}
			b.logger.Info("login successful", "attempt", i)
			return st, nil
		}
		last = err
		if types.KindOf(err) == types.KindProtocolParse {
			b.logger.Error("login response not understood", "attempt", i, "error", err)
		} else {
			b.logger.Warn("login attempt failed", "attempt", i, "error", err)
		}
		if i == attempts || ctx.Err() != nil {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	b.logger.Error("max login attempts reached", "attempts", attempts)
	return nil, types.WrapError(types.KindOf(last), "Max attempts reached", last)
}

// call sends one authenticated request through the transport contract.
func (b *base) call(ctx context.Context, build transport.RequestFunc) (*transport.Response, error) {
	return b.client.Call(ctx, b, build)
}

func (b *base) run(ctx context.Context, fn transport.Exchange) (*transport.Response, error) {
	return b.client.Run(ctx, b, fn)
}

// fail turns an error into a Failure, logging parse errors loudly with a
// body excerpt so vendor HTML or JSON changes are noticed.
func (b *base) fail(op types.Operation, message string, resp *transport.Response, err error) types.Result {
	switch types.KindOf(err) {
	case types.KindProtocolParse:
		excerpt := ""
		if resp != nil {
			excerpt = resp.Excerpt(256)
		}
		b.logger.Error("provider response not understood", "operation", op, "error", err, "body", excerpt)
	case types.KindVendorRejected:
		b.logger.Info("provider rejected operation", "operation", op, "error", err)
	default:
		b.logger.Warn("operation failed", "operation", op, "error", err)
	}
	return types.FailureFrom(message, err)
}

// rejected is a vendor "no" that carries the vendor's own reason text.
func rejected(reason string) error {
	if reason == "" {
		reason = "rejected by provider"
	}
	return types.NewError(types.KindVendorRejected, reason)
}

func parseError(what string, err error) error {
	if err == nil {
		err = errors.New(what)
	}
	return types.WrapError(types.KindProtocolParse, "unexpected provider response", err)
}

var errUserNotFound = types.NewError(types.KindVendorRejected, "User not found")

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
