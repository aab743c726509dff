package adapters

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/transport"
)

type countingSolver struct {
	calls atomic.Int32
	code  string
	last  captcha.Challenge
}

func (s *countingSolver) Solve(ctx context.Context, ch captcha.Challenge) (string, error) {
	s.calls.Add(1)
	s.last = ch
	return s.code, nil
}

func testConfig(family, baseURL string) config.ProviderConfig {
	zero := time.Duration(0)
	return config.ProviderConfig{
		Name:            "test-" + family,
		Family:          family,
		BaseURL:         baseURL,
		Username:        "agent01",
		Password:        "agent-pass",
		LoginRetryDelay: &zero,
	}
}

func testDeps(t *testing.T, baseURL string, solver captcha.Solver) Deps {
	t.Helper()
	client, err := transport.New(transport.Options{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		Headers: transport.DefaultHeaders("test-agent", "en-US"),
		Retry:   transport.RetryPolicy{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	return Deps{
		Client:   client,
		Sessions: session.NewManager(session.NewMemoryStore(), time.Minute, 5*time.Second, slog.Default()),
		Solver:   solver,
		Logger:   slog.Default(),
	}
}
