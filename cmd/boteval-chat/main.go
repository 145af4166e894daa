package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"boteval/internal/api"
	"boteval/internal/config"
	"boteval/internal/devserver"
	"boteval/internal/logging"
	"boteval/internal/session"
	"boteval/internal/thread"
	"boteval/internal/tui"
)

const demoThreadID = 1

type appConfig struct {
	configPath string
	envFile    string
	altScreen  bool
	bell       bool
	demo       bool
	demoTurns  int
	cfg        config.Config
}

func parseFlags(args []string) (appConfig, error) {
	fs := flag.NewFlagSet("boteval-chat", flag.ContinueOnError)
	app := appConfig{}
	fs.StringVar(&app.configPath, "config", os.Getenv("BOTEVAL_CONFIG"), "YAML config file")
	fs.StringVar(&app.envFile, "env-file", os.Getenv("BOTEVAL_ENV_FILE"), "dotenv file (default ./.env when present)")
	fs.BoolVar(&app.altScreen, "alt-screen", config.EnvOrBool("BOTEVAL_ALT_SCREEN", true), "Use the terminal alternate screen")
	fs.BoolVar(&app.bell, "bell", config.EnvOrBool("BOTEVAL_BELL", true), "Ring the terminal bell on new messages")
	fs.BoolVar(&app.demo, "demo", false, "Run against a built-in in-memory server")
	fs.IntVar(&app.demoTurns, "demo-turns", 10, "Max turns for the demo thread")

	userID := fs.String("user-id", "", "Local participant id")
	role := fs.String("role", "", "Local participant role")
	threadID := fs.String("thread-id", "", "Thread id")
	threadURL := fs.String("thread-url", "", "Thread snapshot URL")
	submitURL := fs.String("submit-url", "", "Message submit URL")
	botReplyURL := fs.String("bot-reply-url", "", "Bot reply request URL")
	ratingURL := fs.String("rating-url", "", "Rating submit URL")
	pollInterval := fs.Int("poll-interval", 0, "Poll interval seconds (1-60)")
	requestTimeout := fs.Int("request-timeout", 0, "Per-request timeout seconds (1-120)")
	logSink := fs.String("log-sink", "", "Log sink: discard, stderr, stdout or file:<path>")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}
	if err := config.LoadDotenv(app.envFile); err != nil {
		return appConfig{}, err
	}
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return appConfig{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "user-id":
			cfg.Participant.ID = *userID
		case "role":
			cfg.Participant.Role = *role
		case "thread-id":
			cfg.ThreadID = *threadID
		case "thread-url":
			cfg.ThreadURL = *threadURL
		case "submit-url":
			cfg.SubmitURL = *submitURL
		case "bot-reply-url":
			cfg.BotReplyURL = *botReplyURL
		case "rating-url":
			cfg.RatingURL = *ratingURL
		case "poll-interval":
			cfg.PollIntervalSeconds = *pollInterval
		case "request-timeout":
			cfg.RequestTimeoutSeconds = *requestTimeout
		case "log-sink":
			cfg.LogSink = *logSink
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	app.cfg = cfg
	return app, nil
}

// startDemo serves a two-party thread with a moderator bot and points cfg at
// it.
func startDemo(app *appConfig, logger *slog.Logger) (func(context.Context) error, error) {
	cfg := &app.cfg
	if cfg.Participant.ID == "" {
		cfg.Participant.ID = "demo-user"
	}
	if cfg.Participant.Role == "" || cfg.Participant.Role == thread.ModeratorRole {
		cfg.Participant.Role = "a"
	}
	srv := devserver.New(logger.With("component", "devserver"))
	err := srv.AddThread(devserver.ThreadSpec{
		ID:         demoThreadID,
		SpeakOrder: []string{cfg.Participant.Role, thread.ModeratorRole},
		Speakers: map[string]string{
			cfg.Participant.ID: cfg.Participant.Role,
			"moderator-bot":    thread.ModeratorRole,
		},
		MaxTurns:         app.demoTurns,
		NeedModeratorBot: true,
	})
	if err != nil {
		return nil, err
	}
	base, shutdown, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	endpoints := devserver.Endpoints(base, demoThreadID, cfg.Participant.ID)
	cfg.ThreadID = strconv.Itoa(demoThreadID)
	cfg.ThreadURL = endpoints.ThreadURL
	cfg.SubmitURL = endpoints.SubmitURL
	cfg.BotReplyURL = endpoints.BotReplyURL
	cfg.RatingURL = endpoints.RatingURL
	cfg.AdminURL = endpoints.AdminURL
	logger.Info("demo server listening", "url", base)
	return shutdown, nil
}

func run(app appConfig) error {
	logger, closer, err := logging.New(app.cfg.LogSink, app.cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	if app.demo {
		shutdown, err := startDemo(&app, logger)
		if err != nil {
			return fmt.Errorf("start demo server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	cfg := app.cfg
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	client := api.New(cfg.Endpoints(), api.WithLogger(logger))
	renderer := tui.NewRenderer()
	sess := session.New(session.Config{
		Local:          cfg.Participant,
		ThreadID:       cfg.ThreadID,
		PollInterval:   cfg.PollInterval(),
		RequestTimeout: cfg.RequestTimeout(),
	}, client, renderer, logger)

	var bell io.Writer
	if app.bell {
		bell = os.Stderr
	}
	model := tui.New(tui.Options{
		Local:           cfg.Participant,
		ThreadID:        cfg.ThreadID,
		RatingQuestions: cfg.RatingQuestions,
		Bell:            bell,
	}, sess, renderer)

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if app.altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	logger.Info("chat starting", "thread", cfg.ThreadID, "user", cfg.Participant.ID, "role", cfg.Participant.Role)
	_, err = tea.NewProgram(model, opts...).Run()
	return err
}

func main() {
	app, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "boteval-chat: %v\n", err)
		os.Exit(2)
	}
	if err := run(app); err != nil {
		fmt.Fprintf(os.Stderr, "boteval-chat fatal error: %v\n", err)
		os.Exit(1)
	}
}
