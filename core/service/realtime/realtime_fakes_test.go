package realtime

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
)

// =============================================================================
// Channel
// =============================================================================

type fakeHandle struct {
	id     string
	joined atomic.Bool
}

func (h *fakeHandle) ID() string   { return h.id }
func (h *fakeHandle) Joined() bool { return h.joined.Load() }

type fakeSub struct {
	handle   *fakeHandle
	specs    []out.SubscriptionSpec
	onChange out.ChangeHandler
	onStatus out.StatusCallback
}

func (s *fakeSub) status(st domain.ChannelStatus) {
	if st == domain.ChannelSubscribed {
		s.handle.joined.Store(true)
	}
	s.onStatus(s.handle, st, nil)
}

func (s *fakeSub) change(ev out.ChangeEvent) {
	s.onChange(s.handle, ev)
}

type fakeChannel struct {
	mu           sync.Mutex
	subs         []*fakeSub
	removed      []string
	tokens       []string
	subscribeErr error
}

func (c *fakeChannel) Subscribe(specs []out.SubscriptionSpec, onChange out.ChangeHandler, onStatus out.StatusCallback) (out.ChannelHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	sub := &fakeSub{
		handle:   &fakeHandle{id: "ch-" + strconv.Itoa(len(c.subs)+1)},
		specs:    specs,
		onChange: onChange,
		onStatus: onStatus,
	}
	c.subs = append(c.subs, sub)
	return sub.handle, nil
}

func (c *fakeChannel) RemoveChannel(h out.ChannelHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, h.ID())
	return nil
}

func (c *fakeChannel) SetAuth(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
}

func (c *fakeChannel) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChannel) sub(i int) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[i]
}

func (c *fakeChannel) last() *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[len(c.subs)-1]
}

func (c *fakeChannel) authTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

// =============================================================================
// Sessions
// =============================================================================

type fakeSessions struct {
	mu        sync.Mutex
	session   *domain.Session
	err       error
	gate      chan struct{}
	calls     atomic.Int32
	nextID    int
	listeners map[int]out.AuthStateListener
}

func newFakeSessions(session *domain.Session) *fakeSessions {
	return &fakeSessions{session: session, listeners: make(map[int]out.AuthStateListener)}
}

func (f *fakeSessions) GetSession(ctx context.Context) (*domain.Session, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.session, f.err
}

func (f *fakeSessions) OnAuthStateChange(fn out.AuthStateListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeSessions) fire(event domain.AuthEvent, session *domain.Session) {
	f.mu.Lock()
	fns := make([]out.AuthStateListener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}

func (f *fakeSessions) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// =============================================================================
// Segment lookup
// =============================================================================

type fakeLookup struct {
	mu      sync.Mutex
	records map[domain.SegmentID]map[string]*domain.Message
	missing map[domain.SegmentID]bool
	failing map[domain.SegmentID]error
	probed  []domain.SegmentID
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		records: make(map[domain.SegmentID]map[string]*domain.Message),
		missing: make(map[domain.SegmentID]bool),
		failing: make(map[domain.SegmentID]error),
	}
}

func (f *fakeLookup) put(seg domain.SegmentID, msg *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[seg] == nil {
		f.records[seg] = make(map[string]*domain.Message)
	}
	f.records[seg][msg.ID] = msg
}

func (f *fakeLookup) PointLookup(ctx context.Context, seg domain.SegmentID, id string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, seg)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.failing[seg]; err != nil {
		return nil, err
	}
	if f.missing[seg] {
		return nil, out.ErrSegmentNotFound
	}
	if msg, ok := f.records[seg][id]; ok {
		return msg, nil
	}
	return nil, out.ErrRecordNotFound
}

func (f *fakeLookup) probes() []domain.SegmentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SegmentID(nil), f.probed...)
}

// =============================================================================
// Hint store
// =============================================================================

type fakeHints struct {
	mu    sync.Mutex
	hints map[string]domain.SegmentID
}

func (f *fakeHints) GetSegmentHint(_ context.Context, id string) (domain.SegmentID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg, ok := f.hints[id]
	return seg, ok, nil
}

func (f *fakeHints) SetSegmentHint(_ context.Context, id string, seg domain.SegmentID, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hints == nil {
		f.hints = make(map[string]domain.SegmentID)
	}
	f.hints[id] = seg
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// recorder collects events delivered to one listener.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) listen(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) statuses() []bool {
	var got []bool
	for _, e := range r.all() {
		if st, ok := e.(domain.ConnectionStatusChanged); ok {
			got = append(got, st.Connected)
		}
	}
	return got
}

// waitFor polls cond; mock clock timers run their callbacks on goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
