package thread

import (
	"errors"
	"strings"
	"testing"
)

const fixture = `{
  "id": 42,
  "current_turns": 3,
  "max_turns_per_thread": 10,
  "current_speaker": "Moderator",
  "current_speaker_idx": 1,
  "speak_order": ["a", "Moderator", "b"],
  "episode_done": false,
  "need_moderator_bot": true,
  "speakers": {"u2": "b", "u1": "a", "bot": "Moderator"},
  "messages": [
    {"id": 1, "user_id": "u1", "text": "hello", "data": {"speaker_id": "a"}, "time_created": "2024-03-01T10:00:00+00:00"},
    {"id": 2, "user_id": "bot", "text": "hola", "data": {"speaker_id": "Moderator", "text_orig": "hi there"}, "time_created": "2024-03-01T10:00:05.123456"}
  ]
}`

func TestDecodeSnapshot(t *testing.T) {
	snap, err := Decode(strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != 42 || snap.CurrentSpeaker != "Moderator" || !snap.NeedModeratorBot {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[1].Speaker() != "Moderator" {
		t.Fatalf("unexpected speaker %q", snap.Messages[1].Speaker())
	}
	if snap.Messages[1].Data.TextOrig != "hi there" {
		t.Fatalf("expected original text to decode, got %q", snap.Messages[1].Data.TextOrig)
	}
	if _, ok := snap.Messages[1].Created(); !ok {
		t.Fatalf("expected naive timestamp to parse")
	}
	if err := snap.Consistent(); err != nil {
		t.Fatalf("expected consistent snapshot, got %v", err)
	}
}

func TestDecodeEmptyMessages(t *testing.T) {
	snap, err := Decode(strings.NewReader(`{"speak_order":["a"]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Messages == nil {
		t.Fatalf("expected non-nil message slice")
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode(strings.NewReader("<html>")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRemainingTurnsFloorsAtZero(t *testing.T) {
	snap := Snapshot{CurrentTurns: 12, MaxTurnsPerThread: 10}
	if got := snap.RemainingTurns(); got != 0 {
		t.Fatalf("expected 0 remaining turns, got %d", got)
	}
	snap.CurrentTurns = 4
	if got := snap.RemainingTurns(); got != 6 {
		t.Fatalf("expected 6 remaining turns, got %d", got)
	}
}

func TestConsistentDetectsMismatch(t *testing.T) {
	snap := Snapshot{SpeakOrder: []string{"a", "b"}, CurrentSpeaker: "a", CurrentSpeakerIdx: 1}
	if err := snap.Consistent(); !errors.Is(err, ErrSpeakerMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	snap.CurrentSpeakerIdx = 5
	if err := snap.Consistent(); !errors.Is(err, ErrSpeakerMismatch) {
		t.Fatalf("expected out-of-range mismatch, got %v", err)
	}
}

func TestParticipantIDsSorted(t *testing.T) {
	snap := Snapshot{Speakers: map[string]string{"zed": "b", "amy": "a", "mod": "Moderator"}}
	ids := snap.ParticipantIDs()
	if strings.Join(ids, ",") != "amy,mod,zed" {
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestParseTimestampEmpty(t *testing.T) {
	if _, err := ParseTimestamp("  "); err == nil {
		t.Fatalf("expected error for empty timestamp")
	}
}
