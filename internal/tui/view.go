package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"boteval/internal/thread"
	"boteval/internal/turn"
)

func (m Model) View() string {
	out := lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderTimelinePanel(),
		m.renderBottom(),
		m.renderFooter(),
	)
	switch {
	case m.alert != "":
		out = m.renderAlertModal()
	case m.quitConfirm:
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *Model) contentWidth() int {
	return maxInt(40, m.width-4)
}

func (m *Model) renderHeader() string {
	segments := []string{
		m.theme.badge.Render("Thread " + nullCoalesce(m.opts.ThreadID, "n/a")),
		m.theme.badgeMuted.Render(fmt.Sprintf("You: %s (%s)", nullCoalesce(m.opts.Local.Role, "?"), nullCoalesce(m.opts.Local.ID, "?"))),
	}
	if m.view.Loaded {
		segments = append(segments,
			m.theme.badgeMuted.Render(fmt.Sprintf("Turns left: %d", m.view.Snapshot.RemainingTurns())),
			m.theme.badgeMuted.Render(stateLabel(m.view.State)),
		)
	}
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(m.contentWidth()).Render(joined)
}

func stateLabel(state turn.PageState) string {
	switch state {
	case turn.CanReply:
		return "Your turn"
	case turn.Ended:
		return "Ended"
	default:
		return "Waiting"
	}
}

func (m *Model) renderTimelinePanel() string {
	title := m.theme.panelTitle.Render("Conversation")
	return m.theme.panel.Width(m.contentWidth()).Render(title + "\n" + m.timeline.View())
}

func (m *Model) renderTimeline() string {
	if !m.view.Loaded {
		return m.theme.helpText.Render("Loading thread...")
	}
	msgs := m.view.Messages()
	if len(msgs) == 0 {
		return m.theme.helpText.Render("No messages yet.")
	}
	styles := m.speakerStyles()
	width := maxInt(24, m.timeline.Width-2)
	echoed := len(m.view.Snapshot.Messages)
	now := m.now()
	blocks := make([]string, 0, len(msgs))
	for i, msg := range msgs {
		blocks = append(blocks, m.renderMessage(msg, i >= echoed, styles, width, now))
	}
	return strings.Join(blocks, "\n\n")
}

// speakerStyles assigns colours by position in the sorted participant ids so
// every participant sees the same colour for the same speaker.
func (m *Model) speakerStyles() map[string]lipgloss.Style {
	ids := m.view.Snapshot.ParticipantIDs()
	styles := make(map[string]lipgloss.Style, len(ids))
	for i, id := range ids {
		styles[id] = m.theme.speakers[i%len(m.theme.speakers)]
	}
	return styles
}

func (m *Model) renderMessage(msg thread.Message, pending bool, styles map[string]lipgloss.Style, width int, now time.Time) string {
	role := msg.Speaker()
	own := msg.UserID == m.opts.Local.ID
	label := nullCoalesce(role, msg.UserID)
	if own {
		label = "Your reply as " + nullCoalesce(role, m.opts.Local.Role)
	}
	style, ok := styles[msg.UserID]
	switch {
	case role == thread.ModeratorRole:
		style = m.theme.moderator
	case !ok:
		style = m.theme.helpText.Bold(true)
	}
	meta := messageTime(msg, now)
	if pending {
		meta += " · sent"
	}
	bubbleWidth := maxInt(20, width*3/4)
	lines := []string{
		style.Render(label) + "  " + m.theme.helpText.Render(meta),
		wrapText(compactMessage(plainText(msg.Text), timelineMaxLines), bubbleWidth),
	}
	if orig := strings.TrimSpace(plainText(msg.Data.TextOrig)); orig != "" && orig != strings.TrimSpace(plainText(msg.Text)) {
		lines = append(lines, m.theme.original.Render(wrapText("original: "+orig, bubbleWidth)))
	}
	block := strings.Join(lines, "\n")
	if own {
		return lipgloss.NewStyle().Width(width).Align(lipgloss.Right).Render(block)
	}
	return block
}

func (m *Model) renderBottom() string {
	width := m.contentWidth()
	switch m.view.State {
	case turn.CanReply:
		inputView := m.input.View()
		if m.view.Submitting {
			inputView = m.spinner.View() + " sending... " + inputView
		}
		return m.theme.inputPanel.Width(width).Render(inputView)
	case turn.Ended:
		return m.theme.panel.Width(width).Render(m.renderEnd())
	}
	line := m.spinner.View() + " "
	switch {
	case !m.view.Loaded:
		line += "Loading thread..."
	case m.view.Submitting:
		line += "Sending..."
	default:
		line += fmt.Sprintf("Waiting for %s to reply...", nullCoalesce(m.view.Snapshot.CurrentSpeaker, "the other participant"))
	}
	return m.theme.panel.Width(width).Render(m.theme.helpText.Render(line))
}

func (m *Model) renderEnd() string {
	title := m.theme.panelTitle.Render("This conversation has ended.")
	switch {
	case m.opts.Local.Role == thread.ModeratorRole:
		return title + "\n" + m.theme.helpText.Render("Thank you for moderating.")
	case m.view.Rated:
		return title + "\n" + m.theme.accent.Render("Ratings submitted. Great job, you have completed this thread!")
	case m.view.RatingPending:
		return title + "\n" + m.spinner.View() + " submitting ratings..."
	case len(m.opts.RatingQuestions) == 0:
		return title + "\n" + m.theme.helpText.Render("Thank you for taking part.")
	}
	lines := []string{title, m.theme.helpText.Render("Please rate the conversation:")}
	for i, question := range m.opts.RatingQuestions {
		marker := "  "
		if i == m.ratingIndex {
			marker = m.theme.pick.Render("› ")
		}
		scores := make([]string, 0, 5)
		for score := 1; score <= 5; score++ {
			cell := fmt.Sprintf("[%d]", score)
			if m.ratings[i] == score {
				cell = m.theme.pick.Render(cell)
			} else {
				cell = m.theme.helpText.Render(cell)
			}
			scores = append(scores, cell)
		}
		lines = append(lines, marker+question+"  "+strings.Join(scores, " "))
	}
	lines = append(lines, m.theme.helpText.Render("1-5 score · Up/Down move · Enter or Ctrl+S submit"))
	return strings.Join(lines, "\n")
}

func (m *Model) renderFooter() string {
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") || strings.Contains(lower, "not your turn") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	if len(m.logs) > 0 {
		line += "  " + m.theme.helpText.Render(compactSingleLine(m.logs[len(m.logs)-1], 120))
	}
	hints := m.theme.helpText.Render("Keys: Enter send · PgUp/PgDn or Up/Down scroll · Home/End jump · Esc quit prompt · Ctrl+C quit")
	return m.theme.footer.Width(m.contentWidth()).Render(line + "\n" + hints)
}

func (m *Model) renderModal(frame lipgloss.Style, body string) string {
	canvasWidth := m.contentWidth()
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}
	panel := frame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(backdrop),
	)
}

func (m *Model) renderAlertModal() string {
	accent := m.theme.accent.Render(strings.Repeat("=", 40))
	body := strings.Join([]string{
		m.theme.errorStatus.Render("ALERT"),
		"",
		wrapText(m.alert, 60),
		"",
		accent,
		"",
		m.theme.pick.Render("[Enter / Esc] Dismiss"),
	}, "\n")
	return m.renderModal(m.theme.alertFrame, body)
}

func (m *Model) renderQuitModal() string {
	accent := m.theme.accent.Render(strings.Repeat("=", 40))
	note := "The conversation is saved on the server."
	if m.view.State == turn.CanReply && strings.TrimSpace(m.input.Value()) != "" {
		note = "Your unsent reply will be lost."
	}
	body := strings.Join([]string{
		m.theme.errorStatus.Render("LEAVE THIS CHAT?"),
		m.theme.helpText.Render("Are you sure you want to quit?"),
		"",
		accent,
		m.theme.helpText.Render(note),
		accent,
		"",
		m.theme.pick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	return m.renderModal(m.theme.modalFrame, body)
}

// renderPanes sizes the timeline around the other panels and refreshes its
// content, following the bottom unless the user scrolled away.
func (m *Model) renderPanes(scroll bool) {
	prevYOffset := m.timeline.YOffset
	prevAtBottom := m.timeline.AtBottom()

	chrome := lipgloss.Height(m.renderHeader()) + lipgloss.Height(m.renderBottom()) + lipgloss.Height(m.renderFooter())
	m.timeline.Width = maxInt(20, m.contentWidth()-4)
	m.timeline.Height = maxInt(5, m.height-chrome-3)

	m.timeline.SetContent(m.renderTimeline())
	if scroll || prevAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevYOffset)
	}
}
