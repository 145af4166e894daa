package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"boteval/internal/api"
	"boteval/internal/poll"
	"boteval/internal/thread"
	"boteval/internal/turn"
)

type fakeClient struct {
	mu         sync.Mutex
	snapshot   thread.Snapshot
	fetchErr   error
	postErr    error
	fetches    int
	posts      []api.NewMessage
	botReplies []turn.AutoReplyRequest
	ratings    []map[string]string
}

func (f *fakeClient) FetchThread(ctx context.Context) (thread.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return thread.Snapshot{}, f.fetchErr
	}
	snap := f.snapshot
	snap.Messages = append([]thread.Message(nil), f.snapshot.Messages...)
	return snap, nil
}

func (f *fakeClient) PostMessage(ctx context.Context, msg api.NewMessage) (api.PostedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, msg)
	if f.postErr != nil {
		return api.PostedMessage{}, f.postErr
	}
	return api.PostedMessage{MessageID: int64(100 + len(f.posts)), Timestamp: "2024-03-01T10:00:00Z"}, nil
}

func (f *fakeClient) RequestBotReply(ctx context.Context, req turn.AutoReplyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.botReplies = append(f.botReplies, req)
	return nil
}

func (f *fakeClient) PostRatings(ctx context.Context, ratings map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings = append(f.ratings, ratings)
	return nil
}

type recordingRenderer struct {
	views []View
}

func (r *recordingRenderer) Render(v View) {
	r.views = append(r.views, v)
}

func (r *recordingRenderer) last(t *testing.T) View {
	t.Helper()
	if len(r.views) == 0 {
		t.Fatalf("expected at least one render")
	}
	return r.views[len(r.views)-1]
}

func (r *recordingRenderer) arrivals() int {
	total := 0
	for _, v := range r.views {
		if v.NewArrivals > 0 {
			total++
		}
	}
	return total
}

// drain runs cmd and every command it batches, returning the produced
// messages without feeding them back.
func drain(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, drain(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func pick[T tea.Msg](msgs []tea.Msg) (T, bool) {
	for _, msg := range msgs {
		if typed, ok := msg.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

func messages(n int) []thread.Message {
	out := make([]thread.Message, n)
	for i := range out {
		out[i] = thread.Message{ID: int64(i + 1), UserID: "u1", Text: "m", Data: thread.MessageData{SpeakerID: "a"}}
	}
	return out
}

func newTestSession(client *fakeClient, local thread.Participant) (*Session, *recordingRenderer) {
	r := &recordingRenderer{}
	s := New(Config{Local: local, ThreadID: "1", PollInterval: time.Millisecond, RequestTimeout: time.Second}, client, r, nil)
	return s, r
}

// load performs the initial fetch and returns the follow-up messages.
func load(t *testing.T, s *Session) []tea.Msg {
	t.Helper()
	msgs := drain(s.Init())
	fetched, ok := pick[poll.FetchedMsg](msgs)
	if !ok {
		t.Fatalf("expected initial fetch")
	}
	return drain(s.Update(fetched))
}

// pollOnce feeds a tick from msgs and applies the resulting fetch.
func pollOnce(t *testing.T, s *Session, msgs []tea.Msg) []tea.Msg {
	t.Helper()
	tick, ok := pick[poll.TickMsg](msgs)
	if !ok {
		t.Fatalf("expected a pending poll tick")
	}
	tickMsgs := drain(s.Update(tick))
	fetched, ok := pick[poll.FetchedMsg](tickMsgs)
	if !ok {
		t.Fatalf("expected the tick to issue a fetch")
	}
	out := drain(s.Update(fetched))
	if next, ok := pick[poll.TickMsg](tickMsgs); ok {
		out = append(out, next)
	}
	return out
}

func TestNewMessageEffectFiresOnce(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "b", SpeakOrder: []string{"a", "b"}, CurrentSpeakerIdx: 1, Messages: messages(3)}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})

	pending := load(t, s)
	if s.State() != turn.Waiting || !s.Polling() {
		t.Fatalf("expected Waiting with poller running, got %s", s.State())
	}
	if r.arrivals() != 0 {
		t.Fatalf("initial load must not trigger the new-message effect")
	}

	client.mu.Lock()
	client.snapshot.Messages = messages(4)
	client.mu.Unlock()
	pending = pollOnce(t, s, pending)
	if r.arrivals() != 1 {
		t.Fatalf("expected the new-message effect once, got %d", r.arrivals())
	}
	if r.last(t).NewArrivals != 1 || !r.last(t).Scroll {
		t.Fatalf("expected one arrival with scroll, got %+v", r.last(t))
	}

	pollOnce(t, s, pending)
	if r.arrivals() != 1 {
		t.Fatalf("repeating the same snapshot must not fire again, got %d", r.arrivals())
	}
	if s.SeenMessages() != 4 {
		t.Fatalf("expected 4 seen messages, got %d", s.SeenMessages())
	}
}

func TestEndedStopsPolling(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "b", SpeakOrder: []string{"a", "b"}, CurrentSpeakerIdx: 1}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	pending := load(t, s)

	client.mu.Lock()
	client.snapshot.EpisodeDone = true
	client.mu.Unlock()
	pollOnce(t, s, pending)
	if s.State() != turn.Ended || s.Polling() {
		t.Fatalf("expected Ended with poller stopped")
	}
	if r.last(t).State != turn.Ended {
		t.Fatalf("expected ended view")
	}
}

func TestCanReplyStopsPolling(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a", "b"}}}
	s, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	if s.State() != turn.CanReply || s.Polling() {
		t.Fatalf("expected CanReply without polling")
	}
}

func TestAutoReplySingleFlight(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{
		ID:                5,
		NeedModeratorBot:  true,
		CurrentSpeaker:    thread.ModeratorRole,
		CurrentSpeakerIdx: 0,
		SpeakOrder:        []string{"A", "B"},
	}}
	s, _ := newTestSession(client, thread.Participant{ID: "u2", Role: "B"})

	pending := load(t, s)
	done, ok := pick[BotReplyDoneMsg](pending)
	if !ok {
		t.Fatalf("expected a bot reply request")
	}
	if len(client.botReplies) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(client.botReplies))
	}
	if !s.ReplyRequested() {
		t.Fatalf("expected latch held while request outstanding")
	}

	next := pollOnce(t, s, pending)
	if _, dup := pick[BotReplyDoneMsg](next); dup || len(client.botReplies) != 1 {
		t.Fatalf("expected duplicate request to be suppressed, got %d", len(client.botReplies))
	}

	s.Update(done)
	if s.ReplyRequested() {
		t.Fatalf("expected latch released after completion")
	}
	pollOnce(t, s, next)
	if len(client.botReplies) != 2 {
		t.Fatalf("expected a new request once the first completed, got %d", len(client.botReplies))
	}
}

func TestEmptySpeakOrderRaisesAlert(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{NeedModeratorBot: true, CurrentSpeaker: thread.ModeratorRole}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	if s.Polling() {
		t.Fatalf("expected polling stopped on configuration error")
	}
	if r.last(t).Alert == "" {
		t.Fatalf("expected an alert for the misconfigured thread")
	}
}

func TestSubmitTransitionsToWaiting(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a", "b"}, Messages: messages(2)}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)

	cmd, err := s.Submit("  hello there ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Submit("again"); !errors.Is(err, ErrSubmitPending) {
		t.Fatalf("expected ErrSubmitPending, got %v", err)
	}
	msgs := drain(cmd)
	submitted, ok := pick[SubmittedMsg](msgs)
	if !ok {
		t.Fatalf("expected submitted message")
	}
	drain(s.Update(submitted))

	if len(client.posts) != 1 || client.posts[0].Text != "hello there" || client.posts[0].SpeakerID != "a" {
		t.Fatalf("unexpected posts: %+v", client.posts)
	}
	if s.State() != turn.Waiting || !s.Polling() {
		t.Fatalf("expected Waiting with poller started")
	}
	view := r.last(t)
	if len(view.Messages()) != 3 || view.Pending[0].Text != "hello there" {
		t.Fatalf("expected optimistic append, got %d messages", len(view.Messages()))
	}
	if view.NewArrivals != 0 {
		t.Fatalf("own message must not count as an arrival")
	}
	if s.SeenMessages() != 3 {
		t.Fatalf("expected counter advanced to 3, got %d", s.SeenMessages())
	}
}

func TestSubmitWhitespaceIsNoop(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a"}}}
	s, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)

	cmd, err := s.Submit(" \t\n")
	if !errors.Is(err, api.ErrEmptyMessage) || cmd != nil {
		t.Fatalf("expected ErrEmptyMessage without command, got %v", err)
	}
	if len(client.posts) != 0 {
		t.Fatalf("expected no network call")
	}
	if s.State() != turn.CanReply {
		t.Fatalf("state must not change")
	}
}

func TestSubmitOutOfTurn(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "b", SpeakOrder: []string{"a", "b"}, CurrentSpeakerIdx: 1}}
	s, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	if _, err := s.Submit("hi"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestSubmitFailureKeepsState(t *testing.T) {
	client := &fakeClient{
		snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a", "b"}, Messages: messages(2)},
		postErr:  &api.RequestError{Op: "post message", Status: 500},
	}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)

	cmd, err := s.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	submitted, _ := pick[SubmittedMsg](drain(cmd))
	if next := s.Update(submitted); next != nil {
		t.Fatalf("failed submission must not start polling")
	}
	view := r.last(t)
	if view.Alert == "" {
		t.Fatalf("expected an alert")
	}
	if len(view.Messages()) != 2 {
		t.Fatalf("expected thread unchanged, got %d messages", len(view.Messages()))
	}
	if s.State() != turn.CanReply || s.Polling() {
		t.Fatalf("expected state unchanged")
	}
	if s.SeenMessages() != 2 {
		t.Fatalf("expected counter unchanged")
	}
}

func TestFetchFailureIsSilent(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "b", SpeakOrder: []string{"a", "b"}, CurrentSpeakerIdx: 1, Messages: messages(1)}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	pending := load(t, s)
	renders := len(r.views)

	client.mu.Lock()
	client.fetchErr = errors.New("connection refused")
	client.mu.Unlock()
	pending = pollOnce(t, s, pending)
	if len(r.views) != renders {
		t.Fatalf("fetch failure must not render anything")
	}
	if !s.Polling() {
		t.Fatalf("expected polling to continue after failure")
	}
	if _, ok := pick[poll.TickMsg](pending); !ok {
		t.Fatalf("expected the next tick to be armed")
	}
}

func TestInitialFetchFailureStartsPolling(t *testing.T) {
	client := &fakeClient{fetchErr: errors.New("offline")}
	s, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	msgs := drain(s.Init())
	fetched, _ := pick[poll.FetchedMsg](msgs)
	s.Update(fetched)
	if !s.Polling() {
		t.Fatalf("expected poller to retry after failed initial load")
	}
}

func TestStaleSnapshotKeepsPendingAndWaits(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a", "b"}, Messages: messages(2)}}
	s, r := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	cmd, _ := s.Submit("hello")
	submitted, _ := pick[SubmittedMsg](drain(cmd))
	pending := drain(s.Update(submitted))

	// Server has not stored the message yet and still reports a's turn.
	pollOnce(t, s, pending)
	if s.State() != turn.Waiting {
		t.Fatalf("stale snapshot must not flip state back, got %s", s.State())
	}
	if len(r.last(t).Pending) != 1 {
		t.Fatalf("expected pending message retained")
	}
	if s.SeenMessages() != 3 {
		t.Fatalf("expected counter not rolled back, got %d", s.SeenMessages())
	}
}

func TestRatingsOnlyWhenEnded(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a"}}}
	s, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	if _, err := s.SubmitRatings(map[string]string{"q": "5"}); !errors.Is(err, ErrRatingsUnavailable) {
		t.Fatalf("expected ratings unavailable before end, got %v", err)
	}

	client.mu.Lock()
	client.snapshot.EpisodeDone = true
	client.mu.Unlock()
	ended := &fakeClient{snapshot: client.snapshot}
	s, r := newTestSession(ended, thread.Participant{ID: "u1", Role: "a"})
	load(t, s)
	cmd, err := s.SubmitRatings(map[string]string{"engaging": "4"})
	if err != nil {
		t.Fatalf("submit ratings: %v", err)
	}
	done, _ := pick[RatingsDoneMsg](drain(cmd))
	s.Update(done)
	if !r.last(t).Rated || len(ended.ratings) != 1 || ended.ratings[0]["engaging"] != "4" {
		t.Fatalf("expected ratings recorded, got %+v", ended.ratings)
	}
	if _, err := s.SubmitRatings(map[string]string{"engaging": "1"}); !errors.Is(err, ErrRatingsUnavailable) {
		t.Fatalf("expected second rating to be rejected")
	}
}

func TestModeratorCannotRate(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{EpisodeDone: true}}
	s, _ := newTestSession(client, thread.Participant{ID: "m", Role: thread.ModeratorRole})
	load(t, s)
	if _, err := s.SubmitRatings(map[string]string{"q": "1"}); !errors.Is(err, ErrRatingsUnavailable) {
		t.Fatalf("expected moderator to be excluded from ratings")
	}
}

func TestMessagesFromOtherSessionIgnored(t *testing.T) {
	client := &fakeClient{snapshot: thread.Snapshot{CurrentSpeaker: "a", SpeakOrder: []string{"a"}}}
	a, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	b, _ := newTestSession(client, thread.Participant{ID: "u1", Role: "a"})
	load(t, a)
	load(t, b)
	cmd, _ := a.Submit("hi")
	submitted, _ := pick[SubmittedMsg](drain(cmd))
	b.Update(submitted)
	if b.State() != turn.CanReply {
		t.Fatalf("session b must ignore a's submission result")
	}
}
