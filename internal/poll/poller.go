// Package poll re-fetches the thread snapshot on a fixed interval from
// inside a Bubble Tea program. At most one fetch is ever outstanding.
package poll

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"boteval/internal/thread"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 15 * time.Second
)

var lastID int64

func nextID() int {
	return int(atomic.AddInt64(&lastID, 1))
}

type Fetcher func(ctx context.Context) (thread.Snapshot, error)

// TickMsg fires when the interval elapses. Ticks from a stopped run carry an
// old generation and are ignored.
type TickMsg struct {
	ID  int
	gen int
	At  time.Time
}

// FetchedMsg carries the result of a fetch back into the update loop.
type FetchedMsg struct {
	ID       int
	Snapshot thread.Snapshot
	Err      error
	Initial  bool
}

type Poller struct {
	id       int
	fetch    Fetcher
	timeout  time.Duration
	interval time.Duration
	running  bool
	gen      int
	inflight bool
	logger   *slog.Logger
}

type Option func(*Poller)

func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(fetch Fetcher, opts ...Option) *Poller {
	p := &Poller{
		id:       nextID(),
		fetch:    fetch,
		timeout:  DefaultTimeout,
		interval: DefaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) ID() int {
	return p.id
}

func (p *Poller) Running() bool {
	return p.running
}

func (p *Poller) InFlight() bool {
	return p.inflight
}

// Start arms the timer. It returns nil when the poller is already running.
func (p *Poller) Start(interval time.Duration) tea.Cmd {
	if p.running {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.interval = interval
	p.running = true
	p.gen++
	p.logger.Debug("poller started", "poller", p.id, "interval", interval)
	return p.tick()
}

// Stop cancels future ticks immediately. A fetch already issued still
// completes and is delivered as a FetchedMsg.
func (p *Poller) Stop() {
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	p.logger.Debug("poller stopped", "poller", p.id)
}

// FetchNow issues a fetch outside the tick schedule, unless one is already
// outstanding.
func (p *Poller) FetchNow(initial bool) tea.Cmd {
	if p.inflight {
		return nil
	}
	p.inflight = true
	return p.fetchCmd(initial)
}

// HandleTick is called for every TickMsg addressed to this poller.
func (p *Poller) HandleTick(msg TickMsg) tea.Cmd {
	if msg.ID != p.id || msg.gen != p.gen || !p.running {
		return nil
	}
	if p.inflight {
		p.logger.Debug("poll tick skipped, fetch in flight", "poller", p.id)
		return p.tick()
	}
	p.inflight = true
	return tea.Batch(p.fetchCmd(false), p.tick())
}

// Complete marks the outstanding fetch as finished.
func (p *Poller) Complete(msg FetchedMsg) {
	if msg.ID != p.id {
		return
	}
	p.inflight = false
	if msg.Err != nil {
		p.logger.Debug("poll fetch failed", "poller", p.id, "error", msg.Err)
	}
}

func (p *Poller) tick() tea.Cmd {
	id, gen := p.id, p.gen
	return tea.Tick(p.interval, func(t time.Time) tea.Msg {
		return TickMsg{ID: id, gen: gen, At: t}
	})
}

func (p *Poller) fetchCmd(initial bool) tea.Cmd {
	id, fetch, timeout := p.id, p.fetch, p.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := fetch(ctx)
		return FetchedMsg{ID: id, Snapshot: snap, Err: err, Initial: initial}
	}
}
