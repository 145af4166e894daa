// Package session holds the state of one participant's view of one chat
// thread: the page state, the last-seen message count, the poller and the
// single-flight latch for automated replies. All methods are meant to be
// called from a single Bubble Tea update loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"boteval/internal/api"
	"boteval/internal/poll"
	"boteval/internal/thread"
	"boteval/internal/turn"
)

var (
	ErrNotYourTurn        = errors.New("it is not your turn to reply")
	ErrSubmitPending      = errors.New("a message is already being sent")
	ErrRatingsUnavailable = errors.New("ratings are not open for this participant")
)

const submitFailedAlert = "Something went wrong. Could not send message."

type Client interface {
	FetchThread(ctx context.Context) (thread.Snapshot, error)
	PostMessage(ctx context.Context, msg api.NewMessage) (api.PostedMessage, error)
	RequestBotReply(ctx context.Context, req turn.AutoReplyRequest) error
	PostRatings(ctx context.Context, ratings map[string]string) error
}

// View is everything a renderer needs to draw the page.
type View struct {
	Local    thread.Participant
	Loaded   bool
	Snapshot thread.Snapshot
	// Pending holds locally sent messages the server has not echoed yet.
	Pending       []thread.Message
	State         turn.PageState
	NewArrivals   int
	Scroll        bool
	Alert         string
	Submitting    bool
	RatingPending bool
	Rated         bool
}

// Messages returns the snapshot messages followed by pending local ones.
func (v View) Messages() []thread.Message {
	if len(v.Pending) == 0 {
		return v.Snapshot.Messages
	}
	out := make([]thread.Message, 0, len(v.Snapshot.Messages)+len(v.Pending))
	out = append(out, v.Snapshot.Messages...)
	return append(out, v.Pending...)
}

type Renderer interface {
	Render(View)
}

type Config struct {
	Local          thread.Participant
	ThreadID       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

type SubmittedMsg struct {
	session int
	Text    string
	Posted  api.PostedMessage
	Err     error
}

type BotReplyDoneMsg struct {
	session int
	Err     error
}

type RatingsDoneMsg struct {
	session int
	Err     error
}

var lastID int64

type Session struct {
	id       int
	cfg      Config
	client   Client
	renderer Renderer
	poller   *poll.Poller
	logger   *slog.Logger

	state         turn.PageState
	loaded        bool
	snapshot      thread.Snapshot
	pending       []thread.Message
	counter       turn.Counter
	replyLatch    turn.Latch
	submitting    bool
	ratingPending bool
	rated         bool
}

func New(cfg Config, client Client, renderer Renderer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poll.DefaultInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = poll.DefaultTimeout
	}
	logger = logger.With("thread", cfg.ThreadID, "role", cfg.Local.Role)
	return &Session{
		id:       int(atomic.AddInt64(&lastID, 1)),
		cfg:      cfg,
		client:   client,
		renderer: renderer,
		poller:   poll.New(client.FetchThread, poll.WithTimeout(cfg.RequestTimeout), poll.WithLogger(logger)),
		logger:   logger,
		state:    turn.Waiting,
	}
}

// Init loads the thread for the first time.
func (s *Session) Init() tea.Cmd {
	return s.poller.FetchNow(true)
}

func (s *Session) State() turn.PageState {
	return s.state
}

func (s *Session) SeenMessages() int {
	return s.counter.Seen()
}

func (s *Session) Polling() bool {
	return s.poller.Running()
}

func (s *Session) ReplyRequested() bool {
	return s.replyLatch.Held()
}

func (s *Session) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case poll.TickMsg:
		return s.poller.HandleTick(msg)
	case poll.FetchedMsg:
		if msg.ID != s.poller.ID() {
			return nil
		}
		s.poller.Complete(msg)
		return s.handleFetched(msg)
	case SubmittedMsg:
		if msg.session != s.id {
			return nil
		}
		return s.handleSubmitted(msg)
	case BotReplyDoneMsg:
		if msg.session != s.id {
			return nil
		}
		s.replyLatch.Release()
		if msg.Err != nil {
			s.logger.Warn("bot reply request failed", "error", msg.Err)
		}
		return nil
	case RatingsDoneMsg:
		if msg.session != s.id {
			return nil
		}
		s.ratingPending = false
		if msg.Err != nil {
			s.logger.Error("rating submission failed", "error", msg.Err)
			s.render(0, false, "Could not submit ratings: "+msg.Err.Error())
			return nil
		}
		s.rated = true
		s.render(0, false, "")
		return nil
	}
	return nil
}

func (s *Session) handleFetched(msg poll.FetchedMsg) tea.Cmd {
	if msg.Err != nil {
		if msg.Initial && !s.loaded {
			// Keep trying on the regular schedule until the first load lands.
			return s.poller.Start(s.cfg.PollInterval)
		}
		return nil
	}
	snap := msg.Snapshot
	if err := snap.Consistent(); err != nil {
		s.logger.Warn("inconsistent thread snapshot", "error", err)
	}

	arrived := 0
	if !s.loaded {
		s.counter.Reset(len(snap.Messages))
		s.loaded = true
	} else {
		arrived = s.counter.Observe(len(snap.Messages))
	}
	stale := len(snap.Messages) < s.counter.Seen()
	if !stale {
		s.pending = nil
	}
	s.snapshot = snap

	if stale {
		// Older than what was sent locally; its turn state is out of date.
		s.logger.Debug("stale thread snapshot", "messages", len(snap.Messages), "seen", s.counter.Seen())
		s.render(arrived, false, "")
		return s.poller.Start(s.cfg.PollInterval)
	}

	cmd, alert := s.resolve(snap)
	s.render(arrived, msg.Initial, alert)
	return cmd
}

func (s *Session) resolve(snap thread.Snapshot) (tea.Cmd, string) {
	decision, err := turn.Resolve(snap, s.cfg.Local)
	s.state = decision.State
	if err != nil {
		s.poller.Stop()
		s.logger.Error("cannot resolve turn", "error", err)
		return nil, fmt.Sprintf("This thread is misconfigured: %v", err)
	}

	var cmds []tea.Cmd
	if decision.Polling() {
		cmds = append(cmds, s.poller.Start(s.cfg.PollInterval))
	} else {
		s.poller.Stop()
	}
	if decision.AutoReply != nil {
		if s.replyLatch.TryAcquire() {
			s.logger.Info("requesting bot reply", "turns", decision.AutoReply.Turns, "speaker_idx", decision.AutoReply.SpeakerIdx)
			cmds = append(cmds, s.botReplyCmd(*decision.AutoReply))
		} else {
			s.logger.Debug("bot reply already outstanding")
		}
	}
	return tea.Batch(cmds...), ""
}

// Submit validates text and returns the command that posts it.
func (s *Session) Submit(text string) (tea.Cmd, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, api.ErrEmptyMessage
	}
	if s.submitting {
		return nil, ErrSubmitPending
	}
	if s.state != turn.CanReply {
		return nil, ErrNotYourTurn
	}
	s.submitting = true
	s.render(0, false, "")

	client, timeout, id := s.client, s.cfg.RequestTimeout, s.id
	msg := api.NewMessage{
		ThreadID:  s.cfg.ThreadID,
		Text:      content,
		SpeakerID: s.cfg.Local.Role,
		UserID:    s.cfg.Local.ID,
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		posted, err := client.PostMessage(ctx, msg)
		return SubmittedMsg{session: id, Text: content, Posted: posted, Err: err}
	}, nil
}

func (s *Session) handleSubmitted(msg SubmittedMsg) tea.Cmd {
	s.submitting = false
	if msg.Err != nil {
		s.logger.Error("message submission failed", "error", msg.Err)
		s.render(0, false, submitFailedAlert)
		return nil
	}
	s.pending = append(s.pending, thread.Message{
		ID:          msg.Posted.MessageID,
		UserID:      s.cfg.Local.ID,
		Text:        msg.Text,
		Data:        thread.MessageData{SpeakerID: s.cfg.Local.Role},
		TimeCreated: msg.Posted.Timestamp,
	})
	s.counter.Advance(1)
	s.state = turn.Waiting
	s.logger.Info("message sent", "message_id", msg.Posted.MessageID)
	s.render(0, true, "")
	return s.poller.Start(s.cfg.PollInterval)
}

// SubmitRatings sends the end-of-thread ratings.
func (s *Session) SubmitRatings(ratings map[string]string) (tea.Cmd, error) {
	if s.state != turn.Ended || s.cfg.Local.Role == thread.ModeratorRole || s.rated || s.ratingPending {
		return nil, ErrRatingsUnavailable
	}
	s.ratingPending = true
	s.render(0, false, "")

	client, timeout, id := s.client, s.cfg.RequestTimeout, s.id
	payload := make(map[string]string, len(ratings))
	for key, value := range ratings {
		payload[key] = value
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return RatingsDoneMsg{session: id, Err: client.PostRatings(ctx, payload)}
	}, nil
}

func (s *Session) botReplyCmd(req turn.AutoReplyRequest) tea.Cmd {
	client, timeout, id := s.client, s.cfg.RequestTimeout, s.id
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return BotReplyDoneMsg{session: id, Err: client.RequestBotReply(ctx, req)}
	}
}

func (s *Session) render(arrived int, scroll bool, alert string) {
	if s.renderer == nil {
		return
	}
	pending := make([]thread.Message, len(s.pending))
	copy(pending, s.pending)
	s.renderer.Render(View{
		Local:         s.cfg.Local,
		Loaded:        s.loaded,
		Snapshot:      s.snapshot,
		Pending:       pending,
		State:         s.state,
		NewArrivals:   arrived,
		Scroll:        scroll || arrived > 0,
		Alert:         alert,
		Submitting:    s.submitting,
		RatingPending: s.ratingPending,
		Rated:         s.rated,
	})
}
