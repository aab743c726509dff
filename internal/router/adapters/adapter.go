package adapters

import (
	"context"
	"log/slog"
	"time"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

// Adapter is the capability set every provider family implements. Methods
// never return raw errors; every outcome is a normalized Result.
type Adapter interface {
	Name() string
	Family() string
	// Login authenticates with username and password, or with the
	// configured agent credentials when either is empty.
	Login(ctx context.Context, username, password string) types.Result
	AddUser(ctx context.Context, username, password string) types.Result
	Recharge(ctx context.Context, username string, amount float64) types.Result
	Redeem(ctx context.Context, username string, amount float64) types.Result
	ChangePassword(ctx context.Context, username, newPassword string) types.Result
	GetBalances(ctx context.Context, username string) types.Result
	GetAgentBalance(ctx context.Context) types.Result
}

// Deps are the collaborators the registry injects into every adapter.
type Deps struct {
	Client   *transport.Client
	Sessions *session.Manager
	Solver   captcha.Solver
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}
