// Package presence tracks live-viewer counts per chapter. Two mechanisms
// cooperate: an exact per-chapter presence channel for single-chapter views,
// and a shared heartbeat channel with client-side decay for pages that list
// many chapters at once. The second trades up to 45s of staleness for a
// single channel regardless of how many chapters are on screen.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"learnsync/internal/remote"
)

const (
	// HeartbeatInterval is how often a producer announces itself.
	HeartbeatInterval = 30 * time.Second
	// StalenessWindow is how long a session stays counted after its last
	// heartbeat. No heartbeat for this long means the session is presumed
	// gone; a brief undercount is acceptable, a lingering overcount is not.
	StalenessWindow = 45 * time.Second
	// SweepInterval is how often stale entries are evicted.
	SweepInterval = 15 * time.Second

	heartbeatChannel = "presence:heartbeats"
)

// NewSessionKey returns an opaque key identifying this browser-session
// equivalent. Stable for the process lifetime, never persisted across runs,
// so counts mean "concurrent sessions", not "unique humans".
func NewSessionKey() string {
	return uuid.NewString()
}

func chapterChannel(chapterID int) string {
	return fmt.Sprintf("presence:chapter:%d", chapterID)
}

// Exact counts viewers of a single chapter from the channel's native
// presence tracking. The transport detects disconnects, so no decay window
// is needed and the count is exact.
type Exact struct {
	ch remote.Channel

	mu    sync.Mutex
	count int
}

// JoinChapter subscribes to the chapter's presence channel and tracks this
// session. A failed subscription is not an error to callers: the count just
// stays zero until Close.
func JoinChapter(ctx context.Context, rt remote.Realtime, chapterID int, sessionKey string) *Exact {
	e := &Exact{ch: rt.Channel(chapterChannel(chapterID))}

	e.ch.On(remote.EventSync, func(map[string]any) {
		state := e.ch.PresenceState()
		e.mu.Lock()
		e.count = len(state)
		e.mu.Unlock()
	})

	if err := e.ch.Subscribe(ctx); err != nil {
		log.Printf("debug: presence join chapter %d: %v", chapterID, err)
		return e
	}
	if err := e.ch.Track(map[string]any{"key": sessionKey}); err != nil {
		log.Printf("debug: presence track chapter %d: %v", chapterID, err)
	}
	return e
}

// Count returns the number of distinct sessions currently viewing.
func (e *Exact) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Close leaves the channel. Synchronous: after Close no handler fires.
func (e *Exact) Close() {
	e.ch.Unsubscribe()
}

// Heartbeater broadcasts this session's {chapterId, key} on the shared
// channel: once immediately, then every HeartbeatInterval.
type Heartbeater struct {
	ch        remote.Channel
	chapterID int
	key       string
	interval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// StartHeartbeat begins announcing the session on the shared channel. Like
// JoinChapter, subscription failure is swallowed; peers simply never hear
// from this session.
func StartHeartbeat(ctx context.Context, rt remote.Realtime, chapterID int, sessionKey string) *Heartbeater {
	h := &Heartbeater{
		ch:        rt.Channel(heartbeatChannel),
		chapterID: chapterID,
		key:       sessionKey,
		interval:  HeartbeatInterval,
		stop:      make(chan struct{}),
	}
	if err := h.ch.Subscribe(ctx); err != nil {
		log.Printf("debug: heartbeat subscribe chapter %d: %v", chapterID, err)
		return h
	}
	h.beat()
	go h.loop()
	return h
}

func (h *Heartbeater) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-h.stop:
			return
		}
	}
}

func (h *Heartbeater) beat() {
	err := h.ch.Send(map[string]any{
		"chapterId": h.chapterID,
		"key":       h.key,
	})
	if err != nil {
		log.Printf("debug: heartbeat chapter %d: %v", h.chapterID, err)
	}
}

// Close stops the ticker and leaves the channel, both synchronously. Leaked
// heartbeats would show as phantom viewers for up to a full staleness window.
func (h *Heartbeater) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.ch.Unsubscribe()
	})
}

type session struct {
	chapterID int
	lastSeen  time.Time
}

// Aggregator consumes heartbeats from the shared channel and derives
// per-chapter viewer counts with a decay window. State is owned by the
// instance; independent aggregators never interfere.
type Aggregator struct {
	ch remote.Channel

	mu       sync.Mutex
	sessions map[string]session
	counts   map[int]int

	now        func() time.Time
	sweepEvery time.Duration
	stale      time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewAggregator(rt remote.Realtime) *Aggregator {
	return &Aggregator{
		ch:         rt.Channel(heartbeatChannel),
		sessions:   make(map[string]session),
		counts:     make(map[int]int),
		now:        time.Now,
		sweepEvery: SweepInterval,
		stale:      StalenessWindow,
		stop:       make(chan struct{}),
	}
}

// Start subscribes to the heartbeat channel and begins the sweep loop. As
// with the other presence roles there is no user-visible error path: if the
// subscription fails, every count stays zero.
func (a *Aggregator) Start(ctx context.Context) {
	a.ch.On(remote.EventBroadcast, a.handleHeartbeat)
	if err := a.ch.Subscribe(ctx); err != nil {
		log.Printf("debug: aggregator subscribe: %v", err)
		return
	}
	go a.sweepLoop()
}

// Count returns the number of distinct sessions whose last heartbeat for
// chapterID is within the staleness window.
func (a *Aggregator) Count(chapterID int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[chapterID]
}

// Close tears down the sweep timer and the subscription together.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.ch.Unsubscribe()
	})
}

func (a *Aggregator) handleHeartbeat(payload map[string]any) {
	row := remote.Row(payload)
	key, err := row.String("key")
	if err != nil {
		log.Printf("debug: heartbeat without key dropped")
		return
	}
	chapterID, err := row.Int("chapterId")
	if err != nil {
		log.Printf("debug: heartbeat without chapter dropped")
		return
	}

	a.mu.Lock()
	a.sessions[key] = session{chapterID: chapterID, lastSeen: a.now()}
	a.recountLocked()
	a.mu.Unlock()
}

func (a *Aggregator) sweepLoop() {
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.stop:
			return
		}
	}
}

// sweep evicts entries older than the staleness window. Counts are only
// recomputed when an eviction actually changed the map.
func (a *Aggregator) sweep() {
	cutoff := a.now().Add(-a.stale)

	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := false
	for key, s := range a.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(a.sessions, key)
			evicted = true
		}
	}
	if evicted {
		a.recountLocked()
	}
}

func (a *Aggregator) recountLocked() {
	counts := make(map[int]int, len(a.counts))
	for _, s := range a.sessions {
		counts[s.chapterID]++
	}
	a.counts = counts
}
