package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"boteval/internal/api"
	"boteval/internal/config"
	"boteval/internal/logging"
)

type adminApp struct {
	configPath string
	envFile    string
	adminURL   string
	provider   string
	logLevel   string
	timeout    time.Duration
	rps        float64

	cfg    config.Config
	client *api.Client
	closer io.Closer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	app := &adminApp{}
	root := &cobra.Command{
		Use:           "boteval-admin",
		Short:         "Crowd-work admin actions against the evaluation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.closer != nil {
				return app.closer.Close()
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&app.configPath, "config", "c", os.Getenv("BOTEVAL_CONFIG"), "YAML config file")
	flags.StringVar(&app.envFile, "env-file", os.Getenv("BOTEVAL_ENV_FILE"), "dotenv file (default ./.env when present)")
	flags.StringVar(&app.adminURL, "admin-url", "", "admin base URL")
	flags.StringVar(&app.provider, "provider", "", "crowd provider (default sandbox)")
	flags.StringVar(&app.logLevel, "log-level", "", "log level")
	flags.DurationVar(&app.timeout, "timeout", 30*time.Second, "timeout for the whole command")
	flags.Float64Var(&app.rps, "rps", 2, "maximum requests per second, 0 for unlimited")

	root.AddCommand(
		app.idCommand("delete-qualification <qual-id>...", "Delete qualifications", true, func(ctx context.Context, id string) error {
			return app.client.DeleteQualification(ctx, app.cfg.Provider, id)
		}),
		app.idCommand("delete-hit <hit-id>...", "Delete HITs", true, func(ctx context.Context, id string) error {
			return app.client.DeleteHIT(ctx, app.cfg.Provider, id)
		}),
		app.idCommand("delete-resource <url>...", "Send DELETE to arbitrary admin URLs", false, func(ctx context.Context, target string) error {
			return app.client.DeleteResource(ctx, target)
		}),
		&cobra.Command{
			Use:   "disqualify <worker-id> <qual-id>",
			Short: "Revoke a worker's qualification",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := app.cfg.ValidateAdmin(); err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), app.timeout)
				defer cancel()
				if err := app.client.Disqualify(ctx, app.cfg.Provider, args[0], args[1]); err != nil {
					return fmt.Errorf("disqualify: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disqualify %s %s: ok\n", args[0], args[1])
				return nil
			},
		},
	)
	return root
}

// idCommand builds a subcommand that applies action to each argument in
// turn. Every argument is attempted; failures are reported together.
func (app *adminApp) idCommand(use, short string, needsAdminURL bool, action func(context.Context, string) error) *cobra.Command {
	name := strings.Fields(use)[0]
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if needsAdminURL {
				if err := app.cfg.ValidateAdmin(); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), app.timeout)
			defer cancel()
			var errs []error
			for _, arg := range args {
				if err := action(ctx, arg); err != nil {
					errs = append(errs, fmt.Errorf("%s %s: %w", name, arg, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: ok\n", name, arg)
			}
			return errors.Join(errs...)
		},
	}
}

func (app *adminApp) setup(cmd *cobra.Command) error {
	if err := config.LoadDotenv(app.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("admin-url") {
		cfg.AdminURL = app.adminURL
	}
	if flags.Changed("provider") {
		cfg.Provider = app.provider
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = app.logLevel
	}
	cfg.Normalize()
	app.cfg = cfg

	// Admin output belongs on the terminal, not in the chat client's log file.
	sink := cfg.LogSink
	if sink == "" || sink == "discard" {
		sink = "stderr"
	}
	logger, closer, err := logging.New(sink, cfg.LogLevel)
	if err != nil {
		return err
	}
	app.closer = closer
	app.client = api.New(cfg.Endpoints(), api.WithLogger(logger), api.WithRateLimit(app.rps, 1))
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var reqErr *api.RequestError
		if errors.As(err, &reqErr) && reqErr.RequestID != "" {
			fmt.Fprintf(os.Stderr, "request id: %s\n", reqErr.RequestID)
		}
		os.Exit(1)
	}
}
