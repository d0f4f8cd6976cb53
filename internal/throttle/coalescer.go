// Package throttle guarantees at most one outstanding reply per user.
//
// While a reply is outstanding, further messages from the same user are
// buffered in arrival order. When the reply is marked as sent, everything
// buffered is released as one merged turn; with nothing buffered the user's
// window is dropped. A watchdog force-resets windows whose reply never
// completes so a crashed turn cannot silence a user forever; buffered texts
// survive the reset and are released by the next Admit or Sweep.
//
// The throttle is process-local. All state for a user sits in one shard
// guarded by a mutex, so every operation is a single atomic step.
package throttle

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tbourn/go-natal-bot/internal/cache"
)

// Delimiter separates buffered texts inside a merged turn.
const Delimiter = "\n\n---\n\n"

// DefaultWatchdog is how long a reply may stay outstanding before the
// window is force-reset.
const DefaultWatchdog = 60 * time.Second

// Turn is a unit of work released to the conversation layer: either a
// single message or several buffered messages joined by Delimiter.
type Turn struct {
	UserID   string
	Text     string
	EventIDs []string
	// Parts is the number of inbound messages merged into Text.
	Parts int
}

// pending is one buffered message, or a released turn handed back whole.
type pending struct {
	eventIDs []string
	text     string
}

type window struct {
	outstanding bool
	releasedAt  time.Time
	buffered    []pending
}

// parts counts the inbound messages waiting in w.
func (w *window) parts() int {
	n := 0
	for _, p := range w.buffered {
		n += len(p.eventIDs)
	}
	return n
}

type shard struct {
	mu       sync.Mutex
	label    string
	windows  map[string]*window
	buffered int
}

// observe publishes the shard gauges. Callers hold the shard lock.
func (s *shard) observe() {
	windowsActive.WithLabelValues(s.label).Set(float64(len(s.windows)))
	bufferedMessages.WithLabelValues(s.label).Set(float64(s.buffered))
}

// Coalescer is safe for concurrent use.
type Coalescer struct {
	shards   []*shard
	watchdog time.Duration
	now      func() time.Time
}

// Option customizes a Coalescer.
type Option func(*Coalescer)

// WithWatchdog sets the watchdog timeout; values <= 0 are ignored.
func WithWatchdog(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.watchdog = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) { c.now = now }
}

// New returns an empty Coalescer.
func New(opts ...Option) *Coalescer {
	c := &Coalescer{
		shards:   make([]*shard, 32),
		watchdog: DefaultWatchdog,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{label: strconv.Itoa(i), windows: make(map[string]*window)}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coalescer) shard(userID string) *shard {
	return c.shards[cache.ShardFor(userID, len(c.shards))]
}

// Admit enters an admitted event into the user's window. It returns the
// turn to process and true when the event is released now, or false when
// it was buffered behind an outstanding reply.
func (c *Coalescer) Admit(userID, eventID, text string) (Turn, bool) {
	now := c.now()
	s := c.shard(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[userID]
	if !ok {
		w = &window{}
		s.windows[userID] = w
	}

	if w.outstanding && now.Sub(w.releasedAt) < c.watchdog {
		w.buffered = append(w.buffered, pending{eventIDs: []string{eventID}, text: text})
		s.buffered++
		s.observe()
		return Turn{}, false
	}

	// Idle, or the watchdog expired: release everything including this event.
	s.buffered -= w.parts()
	w.buffered = append(w.buffered, pending{eventIDs: []string{eventID}, text: text})
	t := w.release(userID, now)
	s.observe()
	return t, true
}

// MarkReplied is called after a reply was delivered. If messages were
// buffered meanwhile they are released as one merged turn and the window
// stays outstanding; otherwise the window returns to idle.
func (c *Coalescer) MarkReplied(userID string) (Turn, bool) {
	now := c.now()
	s := c.shard(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[userID]
	if !ok {
		return Turn{}, false
	}
	if len(w.buffered) == 0 {
		delete(s.windows, userID)
		s.observe()
		return Turn{}, false
	}
	s.buffered -= w.parts()
	t := w.release(userID, now)
	s.observe()
	return t, true
}

// Requeue hands a released turn back to the front of the user's buffer
// when it could not be processed. The window keeps its outstanding reply,
// so the turn rides along with the next release; a missing window is
// recreated idle with the turn waiting for the next Admit or Sweep.
func (c *Coalescer) Requeue(t Turn) {
	if len(t.EventIDs) == 0 {
		return
	}
	s := c.shard(t.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[t.UserID]
	if !ok {
		w = &window{}
		s.windows[t.UserID] = w
	}
	back := pending{eventIDs: append([]string(nil), t.EventIDs...), text: t.Text}
	w.buffered = append([]pending{back}, w.buffered...)
	s.buffered += len(t.EventIDs)
	s.observe()
}

// Sweep force-resets every window whose reply has been outstanding for at
// least the watchdog timeout, and picks up idle windows left holding
// requeued turns. Stale windows with nothing buffered are dropped. Windows
// with buffered messages are released as merged turns and stay outstanding;
// the caller must process the returned turns.
func (c *Coalescer) Sweep() []Turn {
	now := c.now()
	var out []Turn
	for _, s := range c.shards {
		s.mu.Lock()
		for user, w := range s.windows {
			if w.outstanding && now.Sub(w.releasedAt) < c.watchdog {
				continue
			}
			if len(w.buffered) == 0 {
				delete(s.windows, user)
				continue
			}
			s.buffered -= w.parts()
			out = append(out, w.release(user, now))
		}
		s.observe()
		s.mu.Unlock()
	}
	return out
}

// release drains the buffer into a turn and marks a reply outstanding.
// Callers hold the shard lock.
func (w *window) release(userID string, now time.Time) Turn {
	texts := make([]string, len(w.buffered))
	var ids []string
	for i, p := range w.buffered {
		texts[i] = p.text
		ids = append(ids, p.eventIDs...)
	}
	w.buffered = nil
	w.outstanding = true
	w.releasedAt = now
	return Turn{
		UserID:   userID,
		Text:     strings.Join(texts, Delimiter),
		EventIDs: ids,
		Parts:    len(ids),
	}
}

// Stats is a point-in-time view of all windows.
type Stats struct {
	ActiveWindows    int `json:"active_windows"`
	UsersWithPending int `json:"users_with_pending"`
	TotalBuffered    int `json:"total_buffered"`
}

// Stats aggregates window counts across shards.
func (c *Coalescer) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		s.mu.Lock()
		st.ActiveWindows += len(s.windows)
		for _, w := range s.windows {
			if n := w.parts(); n > 0 {
				st.UsersWithPending++
				st.TotalBuffered += n
			}
		}
		s.mu.Unlock()
	}
	return st
}

// Outstanding reports whether userID currently has a reply in flight.
func (c *Coalescer) Outstanding(userID string) bool {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[userID]
	return ok && w.outstanding
}
