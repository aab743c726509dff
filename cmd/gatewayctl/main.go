package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/af-corp/operator-gateway/internal/app"
	"github.com/af-corp/operator-gateway/internal/gateway"
	"github.com/af-corp/operator-gateway/internal/httputil"
	"github.com/af-corp/operator-gateway/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type options struct {
	configDir string
	provider  string
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Run provider operations directly against configured vendors",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "configs", "path to configuration directory")
	root.PersistentFlags().StringVarP(&opts.provider, "provider", "p", "", "provider id")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall operation timeout")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log gateway activity to stderr")

	root.AddCommand(
		newProvidersCommand(opts),
		operationCommand(opts, "login [username password]", "Log in to the provider back office", loginArgs,
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				if len(args) == 2 {
					return gw.Login(ctx, t, args[0], args[1]), nil
				}
				return gw.Login(ctx, t, "", ""), nil
			}),
		operationCommand(opts, "add-user <username> <password>", "Create a player account", cobra.ExactArgs(2),
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				return gw.AddUser(ctx, t, args[0], args[1]), nil
			}),
		operationCommand(opts, "recharge <username> <amount>", "Credit a player account", cobra.ExactArgs(2),
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				amount, err := parseAmount(args[1])
				if err != nil {
					return types.Result{}, err
				}
				return gw.Recharge(ctx, t, args[0], amount), nil
			}),
		operationCommand(opts, "redeem <username> <amount>", "Debit a player account", cobra.ExactArgs(2),
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				amount, err := parseAmount(args[1])
				if err != nil {
					return types.Result{}, err
				}
				return gw.Redeem(ctx, t, args[0], amount), nil
			}),
		operationCommand(opts, "change-password <username> <new-password>", "Reset a player password", cobra.ExactArgs(2),
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				return gw.ChangePassword(ctx, t, args[0], args[1]), nil
			}),
		operationCommand(opts, "balance <username>", "Show a player balance", cobra.ExactArgs(1),
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error) {
				return gw.GetBalances(ctx, t, args[0]), nil
			}),
		operationCommand(opts, "agent-balance", "Show the agent balance", cobra.NoArgs,
			func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, _ []string) (types.Result, error) {
				return gw.GetAgentBalance(ctx, t), nil
			}),
	)
	return root
}

type operationFunc func(ctx context.Context, gw *gateway.Gateway, t gateway.Target, args []string) (types.Result, error)

// loginArgs accepts no arguments (agent credentials) or a username and password.
func loginArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return fmt.Errorf("login takes no arguments or <username> <password>, got %d", len(args))
	}
	return nil
}

func operationCommand(opts *options, use, short string, args cobra.PositionalArgs, run operationFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.provider == "" {
				return fmt.Errorf("--provider is required")
			}
			ctx, cancel := context.WithTimeout(httputil.WithRequestID(cmd.Context(), httputil.NewRequestID()), opts.timeout)
			defer cancel()

			a, err := start(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := run(ctx, a.Gateway, gateway.Target{ProviderID: opts.provider}, args)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%s: %s", res.Kind, res.Message)
			}
			return nil
		},
	}
}

func newProvidersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := start(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			return printJSON(cmd.OutOrStdout(), a.Registry.List())
		},
	}
}

func start(ctx context.Context, opts *options) (*app.App, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return app.New(ctx, app.Options{
		ConfigDir:  opts.configDir,
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
