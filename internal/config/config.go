// Package config resolves the participant identity and server endpoints a
// chat session runs against. Values come from an optional YAML file, then
// BOTEVAL_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"boteval/internal/api"
	"boteval/internal/thread"
)

const (
	defaultPollSeconds    = 5
	defaultTimeoutSeconds = 15
	defaultLogSink        = "discard"
	defaultLogLevel       = "info"
)

var defaultRatingQuestions = []string{
	"How engaging was the conversation?",
	"How coherent were the replies?",
}

type Config struct {
	Participant           thread.Participant `yaml:"participant"`
	ThreadID              string             `yaml:"thread_id"`
	ThreadURL             string             `yaml:"thread_url"`
	SubmitURL             string             `yaml:"submit_url"`
	BotReplyURL           string             `yaml:"bot_reply_url"`
	RatingURL             string             `yaml:"rating_url"`
	AdminURL              string             `yaml:"admin_url"`
	Provider              string             `yaml:"provider"`
	RatingQuestions       []string           `yaml:"rating_questions"`
	PollIntervalSeconds   int                `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds int                `yaml:"request_timeout_seconds"`
	LogSink               string             `yaml:"log_sink"`
	LogLevel              string             `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Provider:              api.DefaultProvider,
		RatingQuestions:       append([]string(nil), defaultRatingQuestions...),
		PollIntervalSeconds:   defaultPollSeconds,
		RequestTimeoutSeconds: defaultTimeoutSeconds,
		LogSink:               defaultLogSink,
		LogLevel:              defaultLogLevel,
	}
}

// Load reads path (when non-empty) over the defaults and applies the
// environment on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDotenv copies KEY=value pairs from path into the environment without
// overriding variables that are already set. An empty path reads ./.env when
// it exists.
func LoadDotenv(path string) error {
	if strings.TrimSpace(path) == "" {
		if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) ApplyEnv() {
	c.Participant.ID = envOr("BOTEVAL_USER_ID", c.Participant.ID)
	c.Participant.Role = envOr("BOTEVAL_USER_ROLE", c.Participant.Role)
	c.ThreadID = envOr("BOTEVAL_THREAD_ID", c.ThreadID)
	c.ThreadURL = envOr("BOTEVAL_THREAD_URL", c.ThreadURL)
	c.SubmitURL = envOr("BOTEVAL_SUBMIT_URL", c.SubmitURL)
	c.BotReplyURL = envOr("BOTEVAL_BOT_REPLY_URL", c.BotReplyURL)
	c.RatingURL = envOr("BOTEVAL_RATING_URL", c.RatingURL)
	c.AdminURL = envOr("BOTEVAL_ADMIN_URL", c.AdminURL)
	c.Provider = envOr("BOTEVAL_PROVIDER", c.Provider)
	c.PollIntervalSeconds = envOrInt("BOTEVAL_POLL_INTERVAL", c.PollIntervalSeconds)
	c.RequestTimeoutSeconds = envOrInt("BOTEVAL_REQUEST_TIMEOUT", c.RequestTimeoutSeconds)
	c.LogSink = envOr("BOTEVAL_LOG_SINK", c.LogSink)
	c.LogLevel = envOr("BOTEVAL_LOG_LEVEL", c.LogLevel)
}

// Normalize trims values and clamps intervals into their supported range.
func (c *Config) Normalize() {
	c.Participant.ID = strings.TrimSpace(c.Participant.ID)
	c.Participant.Role = strings.TrimSpace(c.Participant.Role)
	c.ThreadID = strings.TrimSpace(c.ThreadID)
	c.Provider = strings.TrimSpace(c.Provider)
	if c.Provider == "" {
		c.Provider = api.DefaultProvider
	}
	c.PollIntervalSeconds = clampInt(c.PollIntervalSeconds, 1, 60)
	c.RequestTimeoutSeconds = clampInt(c.RequestTimeoutSeconds, 1, 120)
	questions := make([]string, 0, len(c.RatingQuestions))
	for _, q := range c.RatingQuestions {
		if trimmed := strings.TrimSpace(q); trimmed != "" {
			questions = append(questions, trimmed)
		}
	}
	c.RatingQuestions = questions
}

// Validate checks what the chat client needs to start.
func (c Config) Validate() error {
	var errs []error
	if c.Participant.ID == "" {
		errs = append(errs, errors.New("participant id is required"))
	}
	if c.Participant.Role == "" {
		errs = append(errs, errors.New("participant role is required"))
	}
	if c.ThreadID == "" {
		errs = append(errs, errors.New("thread id is required"))
	}
	if c.ThreadURL == "" {
		errs = append(errs, errors.New("thread url is required"))
	}
	for name, raw := range map[string]string{
		"thread url":    c.ThreadURL,
		"submit url":    c.SubmitURL,
		"bot reply url": c.BotReplyURL,
		"rating url":    c.RatingURL,
		"admin url":     c.AdminURL,
	} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateAdmin checks what the admin commands need.
func (c Config) ValidateAdmin() error {
	if strings.TrimSpace(c.AdminURL) == "" {
		return errors.New("admin url is required")
	}
	return checkURL(c.AdminURL)
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) Endpoints() api.Endpoints {
	return api.Endpoints{
		ThreadURL:   c.ThreadURL,
		SubmitURL:   c.SubmitURL,
		BotReplyURL: c.BotReplyURL,
		RatingURL:   c.RatingURL,
		AdminURL:    c.AdminURL,
	}
}

func checkURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func EnvOrBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
