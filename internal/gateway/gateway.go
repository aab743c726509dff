package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"time"

	"github.com/af-corp/operator-gateway/internal/audit"
	"github.com/af-corp/operator-gateway/internal/auth"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/httputil"
	"github.com/af-corp/operator-gateway/internal/policy"
	"github.com/af-corp/operator-gateway/internal/ratelimit"
	"github.com/af-corp/operator-gateway/internal/router"
	"github.com/af-corp/operator-gateway/internal/router/adapters"
	"github.com/af-corp/operator-gateway/internal/telemetry"
	"github.com/af-corp/operator-gateway/internal/types"
)

// Target names the provider an operation is addressed to. An empty
// Category skips the cross-category check.
type Target struct {
	ProviderID string
	Category   types.Category
}

// VolumeGuard is satisfied by *ratelimit.VolumeTracker.
type VolumeGuard interface {
	Check(ctx context.Context, providerID string, amountCents, limitCents int64) (ratelimit.VolumeResult, error)
	Record(ctx context.Context, providerID string, amountCents int64) error
}

type Options struct {
	Registry *router.Registry
	Health   *router.HealthTracker
	Policy   *policy.Evaluator
	Volume   VolumeGuard
	Audit    audit.Sink
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Gateway is the provider-agnostic entry point for the seven operations.
type Gateway struct {
	registry *router.Registry
	health   *router.HealthTracker
	policy   *policy.Evaluator
	volume   VolumeGuard
	audit    audit.Sink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func New(opts Options) *Gateway {
	g := &Gateway{
		registry: opts.Registry,
		health:   opts.Health,
		policy:   opts.Policy,
		volume:   opts.Volume,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if g.audit == nil {
		g.audit = audit.Discard{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// call carries one operation through the pipeline.
type call struct {
	op       types.Operation
	username string
	amount   float64
	invoke   func(ctx context.Context, a adapters.Adapter) types.Result
}

// Login authenticates against the provider. With both username and password
// empty the configured agent credentials are used.
func (g *Gateway) Login(ctx context.Context, t Target, username, password string) types.Result {
	if (username == "") != (password == "") {
		return g.reject(ctx, t, types.OpLogin, "username and password must be given together")
	}
	return g.run(ctx, t, call{
		op:       types.OpLogin,
		username: username,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.Login(ctx, username, password)
		},
	})
}

func (g *Gateway) AddUser(ctx context.Context, t Target, username, password string) types.Result {
	if username == "" || password == "" {
		return g.reject(ctx, t, types.OpAddUser, "new_username and new_password are required")
	}
	return g.run(ctx, t, call{
		op:       types.OpAddUser,
		username: username,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.AddUser(ctx, username, password)
		},
	})
}

func (g *Gateway) Recharge(ctx context.Context, t Target, username string, amount float64) types.Result {
	if msg := validateTransfer(username, amount); msg != "" {
		return g.reject(ctx, t, types.OpRecharge, msg)
	}
	return g.run(ctx, t, call{
		op:       types.OpRecharge,
		username: username,
		amount:   amount,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.Recharge(ctx, username, amount)
		},
	})
}

func (g *Gateway) Redeem(ctx context.Context, t Target, username string, amount float64) types.Result {
	if msg := validateTransfer(username, amount); msg != "" {
		return g.reject(ctx, t, types.OpRedeem, msg)
	}
	return g.run(ctx, t, call{
		op:       types.OpRedeem,
		username: username,
		amount:   amount,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.Redeem(ctx, username, amount)
		},
	})
}

func (g *Gateway) ChangePassword(ctx context.Context, t Target, username, newPassword string) types.Result {
	if username == "" || newPassword == "" {
		return g.reject(ctx, t, types.OpChangePassword, "username and new_password are required")
	}
	return g.run(ctx, t, call{
		op:       types.OpChangePassword,
		username: username,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.ChangePassword(ctx, username, newPassword)
		},
	})
}

func (g *Gateway) GetBalances(ctx context.Context, t Target, username string) types.Result {
	if username == "" {
		return g.reject(ctx, t, types.OpGetBalances, "username is required")
	}
	return g.run(ctx, t, call{
		op:       types.OpGetBalances,
		username: username,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result {
			return a.GetBalances(ctx, username)
		},
	})
}

func (g *Gateway) GetAgentBalance(ctx context.Context, t Target) types.Result {
	return g.run(ctx, t, call{
		op:     types.OpGetAgentBalance,
		invoke: func(ctx context.Context, a adapters.Adapter) types.Result { return a.GetAgentBalance(ctx) },
	})
}

func validateTransfer(username string, amount float64) string {
	if username == "" {
		return "username is required"
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "amount must be a positive number"
	}
	return ""
}

func (g *Gateway) reject(ctx context.Context, t Target, op types.Operation, msg string) types.Result {
	res := types.Failure(types.KindInvalidRequest, msg, "")
	g.finish(ctx, t, op, "", res, 0)
	return res
}

func (g *Gateway) run(ctx context.Context, t Target, c call) types.Result {
	start := time.Now()

	a, err := g.registry.Resolve(t.ProviderID)
	if err != nil {
		res := g.failure(err)
		g.finish(ctx, t, c.op, "", res, time.Since(start))
		return res
	}
	cfg, _ := g.registry.Provider(t.ProviderID)

	if res, ok := g.guard(ctx, t, cfg, c); !ok {
		g.finish(ctx, t, c.op, a.Family(), res, time.Since(start))
		return res
	}

	res := g.invoke(ctx, t, a, c)

	g.observe(ctx, t.ProviderID, res)
	if res.OK() && c.op == types.OpRecharge && g.volume != nil && cfg.DailyRechargeLimit > 0 {
		if err := g.volume.Record(ctx, t.ProviderID, ratelimit.Cents(c.amount)); err != nil {
			g.logger.Warn("failed to record recharge volume", "provider", t.ProviderID, "error", err)
		}
	}
	g.finish(ctx, t, c.op, a.Family(), res, time.Since(start))
	return res
}

// guard runs the checks that happen before any vendor traffic.
func (g *Gateway) guard(ctx context.Context, t Target, cfg config.ProviderConfig, c call) (types.Result, bool) {
	if t.Category != "" && types.Category(cfg.Category) != t.Category {
		return g.failure(types.NewError(types.KindMismatch, "Invalid provider for Category "+t.Category.Number())), false
	}

	if info, ok := auth.AuthFromContext(ctx); ok && !info.Allows(t.ProviderID) {
		return g.failure(types.NewError(types.KindPolicyDenied, "Provider not allowed for this token")), false
	}

	if err := g.policy.Check(ctx, cfg, t.ProviderID, c.op, c.amount, auth.KeyID(ctx)); err != nil {
		return g.failure(err), false
	}

	if c.op == types.OpRecharge && g.volume != nil && cfg.DailyRechargeLimit > 0 {
		vr, err := g.volume.Check(ctx, t.ProviderID, ratelimit.Cents(c.amount), ratelimit.Cents(cfg.DailyRechargeLimit))
		if err != nil {
			g.logger.Warn("volume check failed, allowing", "provider", t.ProviderID, "error", err)
		} else if !vr.Allowed {
			g.metrics.RecordRateLimitHit("daily_recharge")
			return g.failure(types.NewError(types.KindLimitExceeded,
				fmt.Sprintf("Daily recharge limit of %.2f reached", cfg.DailyRechargeLimit))), false
		}
	}

	// Last, so a half-open probe is only taken by a call that will reach the vendor.
	if g.health != nil && !g.health.IsAvailable(t.ProviderID) {
		return g.failure(types.NewError(types.KindUnavailable, "Provider temporarily unavailable")), false
	}
	return types.Result{}, true
}

// invoke calls the adapter, turning a panic into an internal_error Failure.
func (g *Gateway) invoke(ctx context.Context, t Target, a adapters.Adapter, c call) (res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("adapter panicked",
				"provider", t.ProviderID,
				"operation", c.op,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = types.Failure(types.KindInternal, failureMessage(c.op), "internal error")
		}
	}()
	return c.invoke(ctx, a)
}

// observe feeds the breaker. Only transport failures count against it; any
// other answer means the vendor was reachable. Calls abandoned by the client
// are not counted either way.
func (g *Gateway) observe(ctx context.Context, providerID string, res types.Result) {
	if g.health == nil || ctx.Err() != nil {
		return
	}
	if res.Kind == types.KindTransport {
		g.health.RecordFailure(providerID)
		return
	}
	g.health.RecordSuccess(providerID)
}

func (g *Gateway) failure(err error) types.Result {
	return types.Failure(types.KindOf(err), types.PublicMessage(err), "")
}

func (g *Gateway) finish(ctx context.Context, t Target, op types.Operation, family string, res types.Result, took time.Duration) {
	reqID := httputil.RequestID(ctx)
	status := string(res.Status)

	attrs := []any{
		"request_id", reqID,
		"provider", t.ProviderID,
		"operation", op,
		"status", status,
		"duration_ms", took.Milliseconds(),
	}
	if res.OK() {
		g.logger.Info("operation completed", attrs...)
	} else {
		g.logger.Warn("operation failed", append(attrs, "kind", res.Kind, "message", res.Message)...)
	}

	g.metrics.RecordOperation(telemetry.OperationLabels{
		Provider:   t.ProviderID,
		Family:     family,
		Operation:  string(op),
		Status:     status,
		Kind:       string(res.Kind),
		DurationMs: float64(took.Milliseconds()),
	})

	e := audit.NewEntry(t.ProviderID, op, res)
	e.CallerKeyID = auth.KeyID(ctx)
	e.RequestID = reqID
	e.Duration = took
	g.record(context.WithoutCancel(ctx), e)
}

func (g *Gateway) record(ctx context.Context, e audit.Entry) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("audit sink panicked", "provider", e.ProviderID, "operation", e.Operation, "panic", r)
		}
	}()
	g.audit.Record(ctx, e)
}

func failureMessage(op types.Operation) string {
	words := strings.Split(string(op), "_")
	for i, w := range words {
		if i == 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ") + " failed"
}
