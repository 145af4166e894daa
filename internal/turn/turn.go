// Package turn decides what the local participant may do given a thread
// snapshot: wait, reply, or stop because the episode is over.
package turn

import (
	"errors"

	"boteval/internal/thread"
)

type PageState int

const (
	Waiting PageState = iota
	CanReply
	Ended
)

func (s PageState) String() string {
	switch s {
	case Waiting:
		return "wait"
	case CanReply:
		return "chat"
	case Ended:
		return "end"
	default:
		return "unknown"
	}
}

// ErrEmptySpeakOrder is a thread configuration error: the next speaker
// cannot be derived without a speak order.
var ErrEmptySpeakOrder = errors.New("thread has an empty speak order")

// AutoReplyRequest asks the server to generate the reply of the local
// participant's automated counterpart.
type AutoReplyRequest struct {
	ThreadID   int64
	UserID     string
	Turns      int
	SpeakerIdx int
}

type Decision struct {
	State     PageState
	AutoReply *AutoReplyRequest
}

// Polling reports whether the poll timer must be running.
func (d Decision) Polling() bool {
	return d.State == Waiting
}

func Resolve(snap thread.Snapshot, local thread.Participant) (Decision, error) {
	if snap.EpisodeDone {
		return Decision{State: Ended}, nil
	}
	if snap.CurrentSpeaker == local.Role {
		return Decision{State: CanReply}, nil
	}
	decision := Decision{State: Waiting}
	if snap.NeedModeratorBot && snap.CurrentSpeaker == thread.ModeratorRole {
		if len(snap.SpeakOrder) == 0 {
			return decision, ErrEmptySpeakOrder
		}
		next := (snap.CurrentSpeakerIdx + 1) % len(snap.SpeakOrder)
		if next < 0 {
			next += len(snap.SpeakOrder)
		}
		if snap.SpeakOrder[next] == local.Role {
			decision.AutoReply = &AutoReplyRequest{
				ThreadID:   snap.ID,
				UserID:     local.ID,
				Turns:      snap.CurrentTurns,
				SpeakerIdx: snap.CurrentSpeakerIdx,
			}
		}
	}
	return decision, nil
}

// Latch is a single-flight guard. It is not safe for concurrent use; the
// owner serialises access through its update loop.
type Latch struct {
	held bool
}

func (l *Latch) TryAcquire() bool {
	if l.held {
		return false
	}
	l.held = true
	return true
}

func (l *Latch) Release() {
	l.held = false
}

func (l *Latch) Held() bool {
	return l.held
}

// Counter remembers how many messages have been seen. It only moves forward.
type Counter struct {
	seen int
}

func (c *Counter) Reset(n int) {
	if n < 0 {
		n = 0
	}
	c.seen = n
}

// Observe records a snapshot's message count and returns how many of those
// messages are new. Stale counts return 0 and leave the counter unchanged.
func (c *Counter) Observe(n int) int {
	if n <= c.seen {
		return 0
	}
	arrived := n - c.seen
	c.seen = n
	return arrived
}

func (c *Counter) Advance(k int) {
	if k > 0 {
		c.seen += k
	}
}

func (c *Counter) Seen() int {
	return c.seen
}
