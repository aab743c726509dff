// Package captcha provides the CAPTCHA-solving capability used by vendor
// logins. The gateway never solves challenges itself; it hands them to a
// Solver.
package captcha

import (
	"context"
	"fmt"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/types"
)

type Kind string

const (
	KindImage    Kind = "image"
	KindHCaptcha Kind = "hcaptcha"
)

// Challenge is either an image to read or a site key to solve on a page.
type Challenge struct {
	Kind    Kind
	Image   []byte
	PageURL string
	SiteKey string
}

type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, ch Challenge) (string, error)

func (f SolverFunc) Solve(ctx context.Context, ch Challenge) (string, error) { return f(ctx, ch) }

// Static always answers with the same code. It is meant for vendors running
// with verification disabled and for local development.
type Static string

func (s Static) Solve(context.Context, Challenge) (string, error) {
	if s == "" {
		return "", types.NewError(types.KindCaptcha, "no static captcha code configured")
	}
	return string(s), nil
}

// New builds the solver selected in cfg.
func New(cfg config.CaptchaConfig) (Solver, error) {
	switch cfg.Provider {
	case "static":
		return Static(cfg.StaticCode), nil
	case "task_api", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("captcha api_key is required for provider task_api")
		}
		return NewTaskClient(cfg.BaseURL, cfg.APIKey, cfg.PollInterval, cfg.Timeout, nil), nil
	default:
		return nil, fmt.Errorf("unknown captcha provider %q", cfg.Provider)
	}
}
