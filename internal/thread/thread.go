// Package thread holds the chat thread snapshot served by the evaluation
// server and the identity of the local participant.
package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ModeratorRole is the speaker slot that may be driven by a server-side bot.
const ModeratorRole = "Moderator"

type Participant struct {
	ID   string `json:"id" yaml:"id"`
	Role string `json:"role" yaml:"role"`
}

type MessageData struct {
	SpeakerID string `json:"speaker_id,omitempty"`
	TextOrig  string `json:"text_orig,omitempty"`
}

type Message struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	ThreadID    int64       `json:"thread_id,omitempty"`
	Text        string      `json:"text"`
	Data        MessageData `json:"data"`
	TimeCreated string      `json:"time_created"`
}

// Speaker returns the role the message was sent as.
func (m Message) Speaker() string {
	return m.Data.SpeakerID
}

func (m Message) Created() (time.Time, bool) {
	parsed, err := ParseTimestamp(m.TimeCreated)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

type Snapshot struct {
	ID                int64             `json:"id"`
	CurrentTurns      int               `json:"current_turns"`
	MaxTurnsPerThread int               `json:"max_turns_per_thread"`
	CurrentSpeaker    string            `json:"current_speaker"`
	CurrentSpeakerIdx int               `json:"current_speaker_idx"`
	SpeakOrder        []string          `json:"speak_order"`
	EpisodeDone       bool              `json:"episode_done"`
	NeedModeratorBot  bool              `json:"need_moderator_bot"`
	Speakers          map[string]string `json:"speakers"`
	Messages          []Message         `json:"messages"`
}

func (s Snapshot) RemainingTurns() int {
	remaining := s.MaxTurnsPerThread - s.CurrentTurns
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ParticipantIDs returns the ids of every speaker in the thread, sorted.
func (s Snapshot) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Speakers))
	for id := range s.Speakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var ErrSpeakerMismatch = errors.New("current speaker does not match speak order")

// Consistent checks that current_speaker_idx points at current_speaker.
func (s Snapshot) Consistent() error {
	if len(s.SpeakOrder) == 0 {
		return nil
	}
	if s.CurrentSpeakerIdx < 0 || s.CurrentSpeakerIdx >= len(s.SpeakOrder) {
		return fmt.Errorf("%w: index %d outside speak order of %d", ErrSpeakerMismatch, s.CurrentSpeakerIdx, len(s.SpeakOrder))
	}
	if got := s.SpeakOrder[s.CurrentSpeakerIdx]; got != s.CurrentSpeaker {
		return fmt.Errorf("%w: speak_order[%d]=%q, current_speaker=%q", ErrSpeakerMismatch, s.CurrentSpeakerIdx, got, s.CurrentSpeaker)
	}
	return nil
}

func Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode thread snapshot: %w", err)
	}
	if snap.Messages == nil {
		snap.Messages = []Message{}
	}
	return snap, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// ParseTimestamp accepts RFC3339 as well as the zone-less ISO form the
// server emits for naive datetimes, which is read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
