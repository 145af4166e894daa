// Package api is the HTTP client for the evaluation server's chat and admin
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"boteval/internal/thread"
	"boteval/internal/turn"
)

const (
	requestIDHeader = "X-Request-Id"
	errorBodyLimit  = 512
)

type Endpoints struct {
	ThreadURL   string
	SubmitURL   string
	BotReplyURL string
	RatingURL   string
	AdminURL    string
}

type Client struct {
	endpoints Endpoints
	http      *http.Client
	logger    *slog.Logger
	limiter   *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimit paces outgoing requests to rps per second with the given
// burst. A non-positive rps leaves requests unpaced.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(endpoints Endpoints, opts ...Option) *Client {
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type NewMessage struct {
	ThreadID  string
	Text      string
	SpeakerID string
	UserID    string
}

type PostedMessage struct {
	MessageID   int64  `json:"message_id"`
	Timestamp   string `json:"timestamp"`
	EpisodeDone bool   `json:"episode_done"`

	// Older servers echo the stored message instead.
	ID          int64  `json:"id"`
	TimeCreated string `json:"time_created"`
}

func (p PostedMessage) normalize() PostedMessage {
	if p.MessageID == 0 {
		p.MessageID = p.ID
	}
	if strings.TrimSpace(p.Timestamp) == "" {
		p.Timestamp = p.TimeCreated
	}
	return p
}

func (c *Client) FetchThread(ctx context.Context) (thread.Snapshot, error) {
	resp, reqID, err := c.do(ctx, "fetch thread", http.MethodGet, c.endpoints.ThreadURL, nil)
	if err != nil {
		return thread.Snapshot{}, err
	}
	defer resp.Body.Close()
	snap, err := thread.Decode(resp.Body)
	if err != nil {
		return thread.Snapshot{}, &RequestError{Op: "fetch thread", Method: http.MethodGet, URL: c.endpoints.ThreadURL, Status: resp.StatusCode, RequestID: reqID, Err: err}
	}
	return snap, nil
}

func (c *Client) PostMessage(ctx context.Context, msg NewMessage) (PostedMessage, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return PostedMessage{}, ErrEmptyMessage
	}
	form := url.Values{
		"thread_id":  {msg.ThreadID},
		"text":       {msg.Text},
		"speaker_id": {msg.SpeakerID},
		"user_id":    {msg.UserID},
	}
	resp, reqID, err := c.do(ctx, "post message", http.MethodPost, c.endpoints.SubmitURL, form)
	if err != nil {
		return PostedMessage{}, err
	}
	defer resp.Body.Close()
	var posted PostedMessage
	if err := json.NewDecoder(resp.Body).Decode(&posted); err != nil {
		return PostedMessage{}, &RequestError{Op: "post message", Method: http.MethodPost, URL: c.endpoints.SubmitURL, Status: resp.StatusCode, RequestID: reqID, Err: fmt.Errorf("decode reply: %w", err)}
	}
	return posted.normalize(), nil
}

func (c *Client) RequestBotReply(ctx context.Context, req turn.AutoReplyRequest) error {
	form := url.Values{
		"thread_id":   {strconv.FormatInt(req.ThreadID, 10)},
		"user_id":     {req.UserID},
		"turns":       {strconv.Itoa(req.Turns)},
		"speaker_idx": {strconv.Itoa(req.SpeakerIdx)},
	}
	resp, _, err := c.do(ctx, "request bot reply", http.MethodPost, c.endpoints.BotReplyURL, form)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) PostRatings(ctx context.Context, ratings map[string]string) error {
	form := url.Values{}
	for key, value := range ratings {
		form.Set(key, value)
	}
	resp, _, err := c.do(ctx, "post ratings", http.MethodPost, c.endpoints.RatingURL, form)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, op, method, target string, form url.Values) (*http.Response, string, error) {
	reqID := uuid.NewString()
	if strings.TrimSpace(target) == "" {
		return nil, reqID, &RequestError{Op: op, Method: method, RequestID: reqID, Err: fmt.Errorf("no endpoint configured")}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, reqID, &RequestError{Op: op, Method: method, URL: target, RequestID: reqID, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, reqID, &RequestError{Op: op, Method: method, URL: target, RequestID: reqID, Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, reqID)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "method", method, "url", target, "request_id", reqID, "error", err)
		return nil, reqID, &RequestError{Op: op, Method: method, URL: target, RequestID: reqID, Err: err}
	}
	c.logger.Debug("request done", "op", op, "method", method, "url", target, "request_id", reqID, "status", resp.StatusCode, "elapsed", time.Since(started))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, reqID, &RequestError{
			Op:        op,
			Method:    method,
			URL:       target,
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(excerpt)),
			RequestID: reqID,
		}
	}
	return resp, reqID, nil
}
