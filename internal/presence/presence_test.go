package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnsync/internal/remote"
)

// fakeChannel is an in-memory remote.Channel. Tests drive events by calling
// emit directly instead of racing timers or sockets.
type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[string][]remote.Handler
	state        map[string][]map[string]any
	tracked      []map[string]any
	sent         []map[string]any
	subscribed   bool
	unsubscribed bool
	subscribeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string][]remote.Handler),
		state:    make(map[string][]map[string]any),
	}
}

func (c *fakeChannel) On(event string, h remote.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeChannel) Subscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = true
	return nil
}

func (c *fakeChannel) Track(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, payload)
	return nil
}

func (c *fakeChannel) Send(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) PresenceState() map[string][]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

func (c *fakeChannel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
}

func (c *fakeChannel) emit(event string, payload map[string]any) {
	c.mu.Lock()
	handlers := append([]remote.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *fakeChannel) setState(state map[string][]map[string]any) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.emit(remote.EventSync, nil)
}

type fakeRealtime struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{channels: make(map[string]*fakeChannel)}
}

func (r *fakeRealtime) Channel(name string) remote.Channel {
	return r.channel(name)
}

func (r *fakeRealtime) channel(name string) *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := newFakeChannel()
	r.channels[name] = ch
	return ch
}

func heartbeat(chapterID int, key string) map[string]any {
	return map[string]any{"chapterId": float64(chapterID), "key": key}
}

func TestExact_CountsDistinctKeysOnSync(t *testing.T) {
	rt := newFakeRealtime()
	e := JoinChapter(context.Background(), rt, 5, "session-a")
	defer e.Close()

	ch := rt.channel("presence:chapter:5")
	assert.True(t, ch.subscribed)
	require.Len(t, ch.tracked, 1)
	assert.Equal(t, "session-a", ch.tracked[0]["key"])

	ch.setState(map[string][]map[string]any{
		"session-a": {{"key": "session-a"}},
		"session-b": {{"key": "session-b"}},
	})
	assert.Equal(t, 2, e.Count())

	ch.setState(map[string][]map[string]any{
		"session-b": {{"key": "session-b"}},
	})
	assert.Equal(t, 1, e.Count())
}

func TestExact_FailedSubscribeYieldsZero(t *testing.T) {
	rt := newFakeRealtime()
	rt.channel("presence:chapter:9").subscribeErr = &remote.NetworkError{Op: "dial", Err: errors.New("refused")}

	e := JoinChapter(context.Background(), rt, 9, "session-a")
	defer e.Close()
	assert.Equal(t, 0, e.Count(), "no error path, just a zero count")
}

func TestExact_CloseUnsubscribes(t *testing.T) {
	rt := newFakeRealtime()
	e := JoinChapter(context.Background(), rt, 5, "session-a")
	e.Close()
	assert.True(t, rt.channel("presence:chapter:5").unsubscribed)
}

func TestHeartbeater_SendsImmediatelyOnStart(t *testing.T) {
	rt := newFakeRealtime()
	h := StartHeartbeat(context.Background(), rt, 5, "session-a")
	defer h.Close()

	ch := rt.channel("presence:heartbeats")
	ch.mu.Lock()
	sent := append([]map[string]any(nil), ch.sent...)
	ch.mu.Unlock()

	require.Len(t, sent, 1)
	assert.Equal(t, 5, sent[0]["chapterId"])
	assert.Equal(t, "session-a", sent[0]["key"])
}

func TestHeartbeater_CloseIsIdempotent(t *testing.T) {
	rt := newFakeRealtime()
	h := StartHeartbeat(context.Background(), rt, 5, "session-a")
	h.Close()
	h.Close()
	assert.True(t, rt.channel("presence:heartbeats").unsubscribed)
}

// newTestAggregator wires an aggregator to a controllable clock and returns
// the advance function. The sweep loop is not started; tests call sweep.
func newTestAggregator(rt *fakeRealtime) (*Aggregator, func(d time.Duration)) {
	a := NewAggregator(rt)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cur := &now
	var mu sync.Mutex
	a.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *cur
	}
	a.ch.On(remote.EventBroadcast, a.handleHeartbeat)
	return a, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		*cur = cur.Add(d)
	}
}

func TestAggregator_DecayAcrossStalenessWindow(t *testing.T) {
	rt := newFakeRealtime()
	a, advance := newTestAggregator(rt)
	ch := rt.channel("presence:heartbeats")

	// Heartbeat at t=0, then silence.
	ch.emit(remote.EventBroadcast, heartbeat(5, "K"))
	assert.Equal(t, 1, a.Count(5))

	// t=40s: inside the 45s window, still counted.
	advance(40 * time.Second)
	a.sweep()
	assert.Equal(t, 1, a.Count(5), "count holds at t=40s")

	// t=50s: past the window; the next sweep drops it.
	advance(10 * time.Second)
	a.sweep()
	assert.Equal(t, 0, a.Count(5), "count crosses to 0 after 45s plus a sweep")
}

func TestAggregator_HeartbeatRefreshesEntry(t *testing.T) {
	rt := newFakeRealtime()
	a, advance := newTestAggregator(rt)
	ch := rt.channel("presence:heartbeats")

	ch.emit(remote.EventBroadcast, heartbeat(5, "K"))
	advance(30 * time.Second)
	ch.emit(remote.EventBroadcast, heartbeat(5, "K"))

	advance(30 * time.Second) // 60s after first beat, 30s after second
	a.sweep()
	assert.Equal(t, 1, a.Count(5), "refreshed session survives the sweep")
}

func TestAggregator_DistinctKeysPerChapter(t *testing.T) {
	rt := newFakeRealtime()
	a, _ := newTestAggregator(rt)
	ch := rt.channel("presence:heartbeats")

	ch.emit(remote.EventBroadcast, heartbeat(5, "K1"))
	ch.emit(remote.EventBroadcast, heartbeat(5, "K2"))
	ch.emit(remote.EventBroadcast, heartbeat(8, "K3"))
	ch.emit(remote.EventBroadcast, heartbeat(5, "K1")) // repeat, not a new session

	assert.Equal(t, 2, a.Count(5))
	assert.Equal(t, 1, a.Count(8))
	assert.Equal(t, 0, a.Count(99))
}

func TestAggregator_SessionMovesBetweenChapters(t *testing.T) {
	rt := newFakeRealtime()
	a, _ := newTestAggregator(rt)
	ch := rt.channel("presence:heartbeats")

	ch.emit(remote.EventBroadcast, heartbeat(5, "K"))
	ch.emit(remote.EventBroadcast, heartbeat(6, "K"))

	assert.Equal(t, 0, a.Count(5), "a session counts toward its latest chapter only")
	assert.Equal(t, 1, a.Count(6))
}

func TestAggregator_MalformedHeartbeatsDropped(t *testing.T) {
	rt := newFakeRealtime()
	a, _ := newTestAggregator(rt)
	ch := rt.channel("presence:heartbeats")

	ch.emit(remote.EventBroadcast, map[string]any{"key": "K"})                  // no chapter
	ch.emit(remote.EventBroadcast, map[string]any{"chapterId": float64(5)})    // no key
	ch.emit(remote.EventBroadcast, map[string]any{"chapterId": "5", "key": 1}) // wrong types

	assert.Equal(t, 0, a.Count(5))
}

func TestAggregator_IndependentInstancesDoNotInterfere(t *testing.T) {
	rtA, rtB := newFakeRealtime(), newFakeRealtime()
	a, _ := newTestAggregator(rtA)
	b, _ := newTestAggregator(rtB)

	rtA.channel("presence:heartbeats").emit(remote.EventBroadcast, heartbeat(5, "K"))

	assert.Equal(t, 1, a.Count(5))
	assert.Equal(t, 0, b.Count(5), "state is owned per instance, not process-wide")
}

func TestAggregator_CloseTearsDownSubscription(t *testing.T) {
	rt := newFakeRealtime()
	a := NewAggregator(rt)
	a.Start(context.Background())
	a.Close()
	assert.True(t, rt.channel("presence:heartbeats").unsubscribed)
}

func TestNewSessionKey_UniquePerSession(t *testing.T) {
	assert.NotEqual(t, NewSessionKey(), NewSessionKey())
}
