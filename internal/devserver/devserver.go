// Package devserver is an in-memory stand-in for the evaluation server's
// chat and admin endpoints, used for demos and end-to-end tests. Nothing is
// persisted.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boteval/internal/api"
	"boteval/internal/thread"
)

var moderatorLines = []string{
	"Thanks. Could you say a bit more about that?",
	"Interesting point. How would the other side respond?",
	"Let's stay on topic. What is your strongest argument?",
	"Noted. Please continue.",
}

type ThreadSpec struct {
	ID               int64
	SpeakOrder       []string
	Speakers         map[string]string
	MaxTurns         int
	NeedModeratorBot bool
}

type threadState struct {
	spec     ThreadSpec
	idx      int
	done     bool
	messages []thread.Message
	ratings  map[string]map[string]string
}

type Server struct {
	mu            sync.Mutex
	threads       map[int64]*threadState
	deleted       map[string]bool
	nextMessageID int64
	botReplies    int
	now           func() time.Time
	logger        *slog.Logger
	router        chi.Router

	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	botReplyTotal prometheus.Counter
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		threads:  map[int64]*threadState{},
		deleted:  map[string]bool{},
		now:      time.Now,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boteval_devserver_requests_total",
			Help: "Requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		botReplyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boteval_devserver_bot_replies_total",
			Help: "Bot messages appended in response to reply requests.",
		}),
	}
	s.registry.MustRegister(s.requests, s.botReplyTotal)
	s.router = s.routes()
	return s
}

// AddThread registers a thread. The first entry of SpeakOrder speaks first.
func (s *Server) AddThread(spec ThreadSpec) error {
	if len(spec.SpeakOrder) == 0 {
		return errors.New("speak order is required")
	}
	if spec.MaxTurns <= 0 {
		spec.MaxTurns = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[spec.ID]; exists {
		return fmt.Errorf("thread %d already exists", spec.ID)
	}
	s.threads[spec.ID] = &threadState{spec: spec, ratings: map[string]map[string]string{}}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Endpoints returns the chat and admin URLs for one participant of a thread.
func Endpoints(baseURL string, threadID int64, userID string) api.Endpoints {
	base := strings.TrimRight(baseURL, "/")
	threadPath := fmt.Sprintf("%s/thread/%d", base, threadID)
	return api.Endpoints{
		ThreadURL:   threadPath + "/object",
		SubmitURL:   fmt.Sprintf("%s/%s/message", threadPath, userID),
		BotReplyURL: threadPath + "/bot-reply",
		RatingURL:   fmt.Sprintf("%s/%s/rating", threadPath, userID),
		AdminURL:    base + "/admin",
	}
}

// Listen serves on addr in the background and returns the base URL.
func (s *Server) Listen(addr string) (string, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("devserver listen: %w", err)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("devserver stopped", "error", err)
		}
	}()
	return "http://" + ln.Addr().String(), srv.Shutdown, nil
}

// BotReplies reports how many bot-reply requests produced a message.
func (s *Server) BotReplies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botReplies
}

func (s *Server) Deleted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[path]
}

func (s *Server) Ratings(threadID int64, userID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	return st.ratings[userID]
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route("/thread/{threadID}", func(r chi.Router) {
		r.Get("/object", s.handleGetThread)
		r.Post("/bot-reply", s.handleBotReply)
		r.Post("/{userID}/message", s.handlePostMessage)
		r.Post("/{userID}/rating", s.handleRating)
	})
	r.Route("/admin/mturk/{provider}", func(r chi.Router) {
		r.Delete("/qualification/{qualID}", s.handleDelete)
		r.Delete("/HIT/{hitID}", s.handleDelete)
		r.Delete("/worker/{workerID}/qualification/{qualID}", s.handleDelete)
	})
	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*threadState, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "threadID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return nil, false
	}
	st, ok := s.threads[id]
	if !ok {
		http.Error(w, fmt.Sprintf("Thread %d NOT found", id), http.StatusNotFound)
		return nil, false
	}
	return st, true
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st.snapshot())
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	role, member := st.spec.Speakers[userID]
	if !member {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "description": "user is not part of thread"})
		return
	}
	text := strings.TrimSpace(r.PostFormValue("text"))
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "description": `requires "text" field of type string`})
		return
	}
	if st.done || st.currentSpeaker() != role {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "error", "description": "not your turn"})
		return
	}
	msg := s.appendMessage(st, userID, role, text)
	s.logger.Debug("devserver message", "thread", st.spec.ID, "user", userID, "role", role)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id":   msg.ID,
		"timestamp":    msg.TimeCreated,
		"episode_done": st.done,
	})
}

func (s *Server) handleBotReply(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if st.done || !st.spec.NeedModeratorBot || st.currentSpeaker() != thread.ModeratorRole {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}
	// Duplicate requests for a turn that already moved on are ignored.
	if idx, err := strconv.Atoi(r.PostFormValue("speaker_idx")); err == nil && idx != st.idx {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}
	botID := ""
	for id, role := range st.spec.Speakers {
		if role == thread.ModeratorRole {
			botID = id
			break
		}
	}
	line := moderatorLines[len(st.messages)%len(moderatorLines)]
	s.appendMessage(st, botID, thread.ModeratorRole, line)
	s.botReplies++
	s.botReplyTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, member := st.spec.Speakers[userID]; !member {
		http.Error(w, fmt.Sprintf("User %s is NOT part of thread", userID), http.StatusForbidden)
		return
	}
	ratings := map[string]string{}
	for key := range r.PostForm {
		ratings[key] = r.PostForm.Get(key)
	}
	st.ratings[userID] = ratings
	_, _ = w.Write([]byte("Great job! You have completed a thread!"))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/admin")
	if s.deleted[path] {
		http.Error(w, "already deleted", http.StatusNotFound)
		return
	}
	s.deleted[path] = true
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) appendMessage(st *threadState, userID, role, text string) thread.Message {
	s.nextMessageID++
	msg := thread.Message{
		ID:          s.nextMessageID,
		UserID:      userID,
		ThreadID:    st.spec.ID,
		Text:        text,
		Data:        thread.MessageData{SpeakerID: role},
		TimeCreated: s.now().UTC().Format(time.RFC3339Nano),
	}
	st.messages = append(st.messages, msg)
	st.idx = (st.idx + 1) % len(st.spec.SpeakOrder)
	if len(st.messages) >= st.spec.MaxTurns {
		st.done = true
	}
	return msg
}

func (st *threadState) currentSpeaker() string {
	return st.spec.SpeakOrder[st.idx]
}

func (st *threadState) snapshot() thread.Snapshot {
	speakers := make(map[string]string, len(st.spec.Speakers))
	for id, role := range st.spec.Speakers {
		speakers[id] = role
	}
	return thread.Snapshot{
		ID:                st.spec.ID,
		CurrentTurns:      len(st.messages),
		MaxTurnsPerThread: st.spec.MaxTurns,
		CurrentSpeaker:    st.currentSpeaker(),
		CurrentSpeakerIdx: st.idx,
		SpeakOrder:        append([]string(nil), st.spec.SpeakOrder...),
		EpisodeDone:       st.done,
		NeedModeratorBot:  st.spec.NeedModeratorBot,
		Speakers:          speakers,
		Messages:          append([]thread.Message{}, st.messages...),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
