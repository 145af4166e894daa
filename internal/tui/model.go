// Package tui is the Bubble Tea front end for a chat session. It implements
// session.Renderer and turns the session's views into a terminal screen.
package tui

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"boteval/internal/api"
	"boteval/internal/session"
	"boteval/internal/thread"
	"boteval/internal/turn"
)

const (
	logRingSize      = 50
	timelineMaxLines = 40
)

type Options struct {
	Local           thread.Participant
	ThreadID        string
	RatingQuestions []string
	// Bell receives a BEL character when new messages arrive. Nil is silent.
	Bell io.Writer
}

// screen receives views from the session between two Update calls. It keeps
// the newest view and accumulates the one-shot effects of every view.
type screen struct {
	view     session.View
	have     bool
	arrivals int
	scroll   bool
	alert    string
}

func (s *screen) Render(v session.View) {
	s.view = v
	s.have = true
	s.arrivals += v.NewArrivals
	s.scroll = s.scroll || v.Scroll
	if v.Alert != "" {
		s.alert = v.Alert
	}
}

func (s *screen) take() (session.View, int, bool, string, bool) {
	view, arrivals, scroll, alert, have := s.view, s.arrivals, s.scroll, s.alert, s.have
	s.arrivals, s.scroll, s.alert = 0, false, ""
	return view, arrivals, scroll, alert, have
}

// NewRenderer returns the renderer to hand to session.New.
func NewRenderer() session.Renderer {
	return &screen{}
}

type Model struct {
	opts   Options
	sess   *session.Session
	screen *screen

	view        session.View
	statusLine  string
	logs        []string
	alert       string
	quitConfirm bool
	bells       int

	ratings     []int
	ratingIndex int

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    uiTheme
	now      func() time.Time
}

// New builds the model. renderer must be the value from NewRenderer that was
// passed to session.New for sess.
func New(opts Options, sess *session.Session, renderer session.Renderer) Model {
	scr, ok := renderer.(*screen)
	if !ok {
		scr = &screen{}
	}
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Type your reply and press Enter."
	input.Blur()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4

	return Model{
		opts:       opts,
		sess:       sess,
		screen:     scr,
		statusLine: "loading thread...",
		logs:       []string{},
		ratings:    make([]int, len(opts.RatingQuestions)),
		input:      input,
		timeline:   timeline,
		spinner:    sp,
		theme:      newTheme(),
		now:        time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.sess.Init())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes(false)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	case session.SubmittedMsg:
		if msg.Err == nil {
			m.input.SetValue("")
			m.appendLog(fmt.Sprintf("message %d sent", msg.Posted.MessageID))
			m.statusLine = "message sent · waiting for the next turn"
		} else {
			m.appendLog("send failed: " + msg.Err.Error())
			m.statusLine = "send failed"
		}
	case session.RatingsDoneMsg:
		if msg.Err == nil {
			m.appendLog("ratings submitted")
			m.statusLine = "ratings submitted"
		}
	case session.BotReplyDoneMsg:
		if msg.Err != nil {
			m.appendLog("bot reply request failed: " + compactSingleLine(msg.Err.Error(), 160))
		} else {
			m.appendLog("bot reply requested")
		}
	}
	cmds = append(cmds, m.sess.Update(msg))
	cmds = append(cmds, m.absorb())
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.alert != "" {
		switch key {
		case "enter", "esc", " ":
			m.alert = ""
			m.statusLine = "alert dismissed"
		}
		return m, nil
	}
	if m.quitConfirm {
		switch key {
		case "y", "Y", "enter":
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "back to chat"
		}
		return m, nil
	}

	switch key {
	case "esc":
		m.quitConfirm = true
		m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
		return m, nil
	case "pgup", "ctrl+b":
		m.timeline.LineUp(8)
		return m, nil
	case "pgdown", "ctrl+f":
		m.timeline.LineDown(8)
		return m, nil
	case "home":
		m.timeline.GotoTop()
		return m, nil
	case "end":
		m.timeline.GotoBottom()
		return m, nil
	}

	switch m.view.State {
	case turn.CanReply:
		if key == "enter" {
			return m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	case turn.Ended:
		if m.ratingsOpen() {
			return m.handleRatingKey(key)
		}
	}
	switch key {
	case "up":
		m.timeline.LineUp(4)
	case "down":
		m.timeline.LineDown(4)
	case "q":
		m.quitConfirm = true
		m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
	}
	return m, nil
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	cmd, err := m.sess.Submit(m.input.Value())
	switch {
	case errors.Is(err, api.ErrEmptyMessage):
		m.statusLine = "type a message first"
		return m, nil
	case err != nil:
		m.statusLine = err.Error()
		m.appendLog(err.Error())
		return m, nil
	}
	m.statusLine = "sending..."
	absorbed := m.absorb()
	return m, tea.Batch(cmd, absorbed)
}

func (m Model) ratingsOpen() bool {
	return len(m.opts.RatingQuestions) > 0 &&
		m.opts.Local.Role != thread.ModeratorRole &&
		!m.view.Rated && !m.view.RatingPending
}

func (m Model) handleRatingKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k", "shift+tab":
		m.ratingIndex = maxInt(0, m.ratingIndex-1)
	case "down", "j", "tab":
		m.ratingIndex = clampInt(m.ratingIndex+1, 0, len(m.ratings)-1)
	case "1", "2", "3", "4", "5":
		score, _ := strconv.Atoi(key)
		m.ratings[m.ratingIndex] = score
		if m.ratingIndex < len(m.ratings)-1 {
			m.ratingIndex++
		}
	case "enter", "ctrl+s":
		payload, missing := m.ratingPayload()
		if missing > 0 {
			m.statusLine = fmt.Sprintf("%d question(s) still need a score", missing)
			return m, nil
		}
		cmd, err := m.sess.SubmitRatings(payload)
		if err != nil {
			m.statusLine = err.Error()
			return m, nil
		}
		m.statusLine = "submitting ratings..."
		absorbed := m.absorb()
		return m, tea.Batch(cmd, absorbed)
	case "q":
		m.quitConfirm = true
		m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
	}
	m.renderPanes(false)
	return m, nil
}

func (m Model) ratingPayload() (map[string]string, int) {
	payload := make(map[string]string, len(m.ratings))
	missing := 0
	for i, question := range m.opts.RatingQuestions {
		if m.ratings[i] == 0 {
			missing++
			continue
		}
		payload[question] = strconv.Itoa(m.ratings[i])
	}
	return payload, missing
}

// absorb pulls whatever the session rendered since the last call.
func (m *Model) absorb() tea.Cmd {
	view, arrivals, scroll, alert, have := m.screen.take()
	if !have {
		return nil
	}
	m.view = view
	if alert != "" {
		m.alert = alert
		m.appendLog("alert: " + alert)
	}
	if view.State == turn.CanReply {
		m.input.Focus()
		if m.statusLine == "loading thread..." || strings.HasPrefix(m.statusLine, "waiting") {
			m.statusLine = "your turn"
		}
	} else {
		m.input.Blur()
		if view.Loaded && view.State == turn.Waiting && !view.Submitting && m.statusLine == "loading thread..." {
			m.statusLine = "waiting for " + nullCoalesce(view.Snapshot.CurrentSpeaker, "the other side")
		}
	}
	m.renderPanes(scroll)

	var cmd tea.Cmd
	if arrivals > 0 {
		m.appendLog(fmt.Sprintf("%d new message(s)", arrivals))
		cmd = m.ringBell()
	}
	return cmd
}

func (m *Model) ringBell() tea.Cmd {
	m.bells++
	bell := m.opts.Bell
	if bell == nil {
		return nil
	}
	return func() tea.Msg {
		_, _ = io.WriteString(bell, "\a")
		return nil
	}
}

func (m *Model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

func (m *Model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", m.now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > logRingSize {
		m.logs = m.logs[len(m.logs)-logRingSize:]
	}
}
