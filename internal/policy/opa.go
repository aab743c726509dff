package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/types"
	"github.com/open-policy-agent/opa/rego"
)

const query = "[data.gateway.policy.allow, data.gateway.policy.reason]"

// Input is the document sent to OPA for every operation.
type Input struct {
	Provider  ProviderInput `json:"provider"`
	Operation string        `json:"operation"`
	Amount    float64       `json:"amount"`
	Caller    CallerInput   `json:"caller"`
	Time      TimeInput     `json:"time"`
}

type ProviderInput struct {
	ID        string  `json:"id"`
	Family    string  `json:"family"`
	Category  string  `json:"category"`
	MaxAmount float64 `json:"max_amount"`
}

type CallerInput struct {
	KeyID string `json:"key_id"`
}

type TimeInput struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Evaluator guards operations with Rego policies.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
	now      func() time.Time
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg, now: time.Now}
}

func (e *Evaluator) Enabled() bool { return e != nil && e.cfg().Enabled }

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := readModules(cfg.BundlePath)
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("opa policies loaded", "modules", len(modules))
	return nil
}

// readModules returns the source of every .rego file directly under dir,
// keyed by file name. Subdirectories are not descended into.
func readModules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	modules := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", entry.Name(), err)
		}
		modules[entry.Name()] = string(src)
	}
	return modules, nil
}

// LoadFromModules compiles policies from module sources keyed by file name.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// No policies loaded, fail closed
		return false, "no policies loaded", nil
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err), err
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)

	return allowed, reason, nil
}

// Check evaluates one operation. A nil or disabled evaluator allows
// everything; evaluation errors deny.
func (e *Evaluator) Check(ctx context.Context, provider config.ProviderConfig, providerID string, op types.Operation, amount float64, keyID string) error {
	if !e.Enabled() {
		return nil
	}
	now := e.now().UTC()
	input := Input{
		Provider: ProviderInput{
			ID:        providerID,
			Family:    provider.Family,
			Category:  provider.Category,
			MaxAmount: provider.MaxAmount,
		},
		Operation: string(op),
		Amount:    amount,
		Caller:    CallerInput{KeyID: keyID},
		Time: TimeInput{
			Hour: now.Hour(),
			Day:  now.Weekday().String(),
		},
	}

	allowed, reason, err := e.Evaluate(ctx, input)
	if err != nil {
		slog.Error("policy evaluation failed", "provider", providerID, "operation", op, "error", err)
		return types.WrapError(types.KindPolicyDenied, "Policy evaluation failed", err)
	}
	if !allowed {
		msg := "Operation denied by policy"
		if reason != "" {
			msg += ": " + reason
		}
		return types.NewError(types.KindPolicyDenied, msg)
	}
	return nil
}
