// Package realtime keeps one live change-feed subscription per process and fans
// decoded events out to listeners.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const DefaultResolveTimeout = 15 * time.Second

type Options struct {
	Schema            string
	NotificationTable string
	RecordTable       string

	Backoff        Backoff
	JoinCheckDelay time.Duration
	ResolveTimeout time.Duration

	Candidates CandidateStrategy
	Clock      clock.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.RealtimeMetrics
}

func (o *Options) withDefaults() {
	if o.Schema == "" {
		o.Schema = "public"
	}
	def := DefaultBackoff()
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = def.Base
	}
	if o.Backoff.MaxAttempts == 0 {
		o.Backoff.MaxAttempts = def.MaxAttempts
	}
	if o.JoinCheckDelay <= 0 {
		o.JoinCheckDelay = DefaultJoinCheckDelay
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
	if o.Candidates == nil {
		o.Candidates = MonthlyWindow{Prefix: "messages", Before: 1, After: 2}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// subscription is one call to createSubscription. Callbacks carry it so
// events from a replaced subscription can be recognised and dropped.
type subscription struct {
	epoch  uint64
	handle out.ChannelHandle
	failed bool
}

// Supervisor owns the realtime subscription, its reconnection policy and the
// event bus.
type Supervisor struct {
	channel  out.RealtimeChannel
	sessions out.SessionProvider
	resolver Resolver
	bus      *EventBus
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *metrics.RealtimeMetrics

	init initCoordinator

	mu         sync.Mutex
	epoch      uint64
	current    *subscription
	state      domain.ConnectionState
	connected  bool
	reported   bool
	attempts   int
	retryTimer *clock.Timer
	joinTimer  *clock.Timer
	authUnsub  func()
	runCtx     context.Context
	runCancel  context.CancelFunc

	// status edges waiting for delivery, in the order they were computed
	statusQueue []domain.Event
	draining    bool

	// done is closed by Cleanup and replaced, so streams tied to the
	// listeners Cleanup removed can end.
	done chan struct{}
}

var _ in.RealtimeService = (*Supervisor)(nil)

func NewSupervisor(channel out.RealtimeChannel, sessions out.SessionProvider, resolver Resolver, opts Options) *Supervisor {
	opts.withDefaults()
	log := opts.Logger.With().Str("component", "realtime.supervisor").Logger()

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Supervisor{
		channel:   channel,
		sessions:  sessions,
		resolver:  resolver,
		bus:       NewEventBus(opts.Logger, opts.Metrics),
		opts:      opts,
		clock:     opts.Clock,
		log:       log,
		metrics:   opts.Metrics,
		state:     domain.StateDisconnected,
		runCtx:    runCtx,
		runCancel: runCancel,
		done:      make(chan struct{}),
	}
}

// =============================================================================
// Public surface
// =============================================================================

// Initialize is idempotent and single-flight. A session provider error fails
// the call; a missing session does not.
func (s *Supervisor) Initialize(ctx context.Context) error {
	return s.init.do(ctx, s.initialize)
}

// Reconnect tears the subscription down, resets the attempt counter and runs
// a fresh Initialize. Listeners are kept. If an initialization is already in
// flight the caller joins it instead.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	if s.init.current() == phaseInitializing {
		return s.Initialize(ctx)
	}

	s.log.Info().Msg("manual reconnect requested")
	s.teardown(true)
	s.flushStatus()
	return s.Initialize(ctx)
}

func (s *Supervisor) AddListener(fn in.Listener) func() {
	return s.bus.AddListener(fn)
}

func (s *Supervisor) ConnectionStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Supervisor) InitializationStatus() bool {
	return s.init.ready()
}

func (s *Supervisor) Status() in.RealtimeStatus {
	s.mu.Lock()
	st := in.RealtimeStatus{
		Connected: s.connected,
		State:     s.state.String(),
		Attempts:  s.attempts,
	}
	if s.current != nil && s.current.handle != nil {
		st.ChannelID = s.current.handle.ID()
	}
	s.mu.Unlock()

	phase := s.init.current()
	st.Initialized = phase == phaseReady
	st.InitPhase = phase.String()
	st.Listeners = s.bus.Len()
	return st
}

// Cleanup tears everything down: subscription, timers, auth listener and all
// event listeners. Pending timers and in-flight work become no-ops. No status
// event is emitted. Channels returned by Done before the call are closed.
func (s *Supervisor) Cleanup() {
	s.teardown(false)
	s.bus.Clear()

	s.mu.Lock()
	close(s.done)
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.log.Info().Msg("realtime supervisor cleaned up")
}

// Done returns a channel closed by the next Cleanup. Holders of a listener
// registered after this call use it to learn that the listener is gone.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// teardown invalidates every outstanding callback and releases the channel.
// With emit set a due disconnected edge is queued; otherwise queued edges are
// discarded and listeners are considered up to date.
func (s *Supervisor) teardown(emit bool) {
	s.mu.Lock()
	s.epoch++
	s.init.reset()
	s.stopTimersLocked()
	s.runCancel()
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	var handle out.ChannelHandle
	if s.current != nil {
		handle = s.current.handle
	}
	s.current = nil
	s.attempts = 0
	s.state = domain.StateDisconnected
	s.connected = false
	if emit {
		s.statusEdgeLocked()
	} else {
		s.reported = false
		s.statusQueue = nil
	}
	unsub := s.authUnsub
	s.authUnsub = nil
	s.mu.Unlock()

	s.metrics.SetConnected(false)
	if unsub != nil {
		unsub()
	}
	if handle != nil {
		if err := s.channel.RemoveChannel(handle); err != nil {
			s.log.Warn().Err(err).Str("channel_id", handle.ID()).Msg("remove channel failed")
		}
	}
}

// =============================================================================
// Initialization
// =============================================================================

func (s *Supervisor) initialize(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	session, err := s.sessions.GetSession(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("session lookup failed")
		return apperr.ExternalError("auth", err)
	}
	if session.HasToken() {
		s.channel.SetAuth(session.AccessToken)
	} else {
		s.log.Warn().Msg("no active session, subscribing unauthenticated")
	}

	if err := s.createSubscription(epoch); err != nil {
		return err
	}

	unsub := s.sessions.OnAuthStateChange(s.onAuthStateChange)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		unsub()
		return ErrInitAborted
	}
	if s.authUnsub != nil {
		s.authUnsub()
	}
	s.authUnsub = unsub
	s.statusEdgeLocked()
	s.mu.Unlock()

	s.flushStatus()
	s.log.Info().Bool("authenticated", session.HasToken()).Msg("realtime supervisor initialized")
	return nil
}

func (s *Supervisor) specs() []out.SubscriptionSpec {
	return []out.SubscriptionSpec{
		{Event: "INSERT", Schema: s.opts.Schema, Table: s.opts.NotificationTable},
		{Event: out.ChangeEventAll, Schema: s.opts.Schema, Table: s.opts.RecordTable},
	}
}

// createSubscription replaces the current subscription with a new one. A
// Subscribe error is treated like a failure status.
func (s *Supervisor) createSubscription(epoch uint64) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrInitAborted
	}
	var prev out.ChannelHandle
	if s.current != nil {
		prev = s.current.handle
	}
	sub := &subscription{epoch: epoch}
	s.current = sub
	if s.attempts > 0 {
		s.state = domain.StateReconnecting
	} else {
		s.state = domain.StateConnecting
	}
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	s.mu.Unlock()

	if prev != nil {
		if err := s.channel.RemoveChannel(prev); err != nil {
			s.log.Warn().Err(err).Str("channel_id", prev.ID()).Msg("remove previous channel failed")
		}
	}

	handle, err := s.channel.Subscribe(
		s.specs(),
		func(_ out.ChannelHandle, ev out.ChangeEvent) { s.onChange(sub, ev) },
		func(_ out.ChannelHandle, status domain.ChannelStatus, err error) { s.onStatus(sub, status, err) },
	)

	s.mu.Lock()
	if s.current != sub || s.epoch != epoch {
		s.mu.Unlock()
		if handle != nil {
			_ = s.channel.RemoveChannel(handle)
		}
		return ErrInitAborted
	}
	sub.handle = handle
	if err != nil {
		s.log.Error().Err(err).Msg("subscribe failed")
		s.failLocked(sub)
		s.mu.Unlock()
		return nil
	}
	s.joinTimer = s.clock.AfterFunc(s.opts.JoinCheckDelay, func() { s.checkJoined(sub) })
	s.mu.Unlock()

	s.log.Info().Str("channel_id", handle.ID()).Msg("realtime subscription created")
	return nil
}

// checkJoined only logs; it never retries.
func (s *Supervisor) checkJoined(sub *subscription) {
	s.mu.Lock()
	if s.current != sub || s.epoch != sub.epoch {
		s.mu.Unlock()
		return
	}
	s.joinTimer = nil
	handle := sub.handle
	s.mu.Unlock()

	if handle == nil || !handle.Joined() {
		s.log.Warn().Dur("after", s.opts.JoinCheckDelay).Msg("realtime channel has not joined yet")
		return
	}
	s.log.Debug().Str("channel_id", handle.ID()).Msg("realtime channel joined")
}

// =============================================================================
// Status and reconnection
// =============================================================================

func (s *Supervisor) onStatus(sub *subscription, status domain.ChannelStatus, err error) {
	s.metrics.ChannelStatus(string(status))

	s.mu.Lock()
	if s.current != sub || s.epoch != sub.epoch {
		s.mu.Unlock()
		s.log.Debug().Str("status", string(status)).Msg("ignoring status from replaced channel")
		return
	}

	s.connected = status.Connected()
	if s.connected {
		// the channel recovered on its own; drop any pending retry
		s.state = domain.StateConnected
		s.attempts = 0
		sub.failed = false
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
	}
	if status.Failed() {
		s.failLocked(sub)
	}
	s.statusEdgeLocked()
	s.mu.Unlock()

	if status.Failed() {
		s.log.Warn().Err(err).Str("status", string(status)).Msg("realtime channel status")
	} else {
		s.log.Info().Str("status", string(status)).Msg("realtime channel status")
	}

	s.metrics.SetConnected(status.Connected())
	s.flushStatus()
}

// failLocked schedules at most one reconnection per failure episode of a
// subscription; SUBSCRIBED starts a new episode.
func (s *Supervisor) failLocked(sub *subscription) {
	s.connected = false
	if sub.failed {
		return
	}
	sub.failed = true
	s.scheduleReconnectLocked()
}

func (s *Supervisor) scheduleReconnectLocked() {
	if s.retryTimer != nil {
		return
	}

	next := s.attempts + 1
	if !s.opts.Backoff.Allowed(next) {
		s.state = domain.StateDisconnected
		s.metrics.ReconnectAttempt("exhausted")
		s.log.Error().Int("attempts", s.attempts).Msg("reconnect attempts exhausted, staying disconnected")
		return
	}

	s.attempts = next
	s.state = domain.StateReconnecting
	delay := s.opts.Backoff.Delay(next)
	epoch := s.epoch
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.runReconnect(epoch, next) })

	s.metrics.ReconnectAttempt("scheduled")
	s.log.Info().Int("attempt", next).Dur("delay", delay).Msg("reconnect scheduled")
}

func (s *Supervisor) runReconnect(epoch uint64, attempt int) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	s.log.Info().Int("attempt", attempt).Msg("reconnecting")
	if err := s.createSubscription(epoch); err != nil && !errors.Is(err, ErrInitAborted) {
		s.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

// statusEdgeLocked queues a ConnectionStatusChanged event when the connected
// flag differs from what listeners last saw.
func (s *Supervisor) statusEdgeLocked() {
	if s.connected == s.reported {
		return
	}
	s.reported = s.connected
	s.statusQueue = append(s.statusQueue, domain.ConnectionStatusChanged{Connected: s.connected, At: s.clock.Now()})
}

// flushStatus delivers queued status edges. One goroutine drains at a time,
// so listeners see edges in the order they were computed even when status
// callbacks race. A re-entrant call from a listener returns immediately and
// its edge is delivered by the active drainer.
func (s *Supervisor) flushStatus() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.statusQueue) > 0 {
		ev := s.statusQueue[0]
		s.statusQueue = s.statusQueue[1:]
		s.mu.Unlock()
		s.bus.Emit(ev)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Supervisor) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

// =============================================================================
// Auth
// =============================================================================

func (s *Supervisor) onAuthStateChange(event domain.AuthEvent, session *domain.Session) {
	switch event {
	case domain.AuthSignedIn, domain.AuthTokenRefreshed:
		if !session.HasToken() {
			return
		}
		s.mu.Lock()
		live := s.current != nil
		s.mu.Unlock()
		if !live {
			return
		}
		s.channel.SetAuth(session.AccessToken)
		s.log.Info().Str("event", string(event)).Msg("realtime token updated")
	case domain.AuthSignedOut:
		s.log.Info().Msg("signed out, cleaning up realtime")
		s.Cleanup()
	}
}

// =============================================================================
// Inbound changes
// =============================================================================

func (s *Supervisor) onChange(sub *subscription, ev out.ChangeEvent) {
	s.mu.Lock()
	if s.current != sub || s.epoch != sub.epoch {
		s.mu.Unlock()
		return
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	switch ev.Table {
	case s.opts.NotificationTable:
		if !isInsert(ev.Type) {
			return
		}
		n, err := decodeNotification(ev)
		if err != nil {
			s.log.Warn().Err(err).Str("table", ev.Table).Msg("dropping undecodable notification")
			return
		}
		go s.resolveNotification(runCtx, sub.epoch, n)

	case s.opts.RecordTable:
		conv, err := decodeConversation(ev)
		if err != nil {
			s.log.Warn().Err(err).Str("table", ev.Table).Str("type", ev.Type).Msg("dropping undecodable record change")
			return
		}
		s.emitIfCurrent(sub.epoch, domain.ConversationUpdated{
			Conversation: conv,
			Change:       ev.Type,
			At:           s.clock.Now(),
		})

	default:
		s.log.Debug().Str("table", ev.Table).Msg("change for unsubscribed table")
	}
}

func (s *Supervisor) resolveNotification(ctx context.Context, epoch uint64, n domain.ChangeNotification) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
	defer cancel()

	candidates := s.opts.Candidates.Candidates(n, s.clock.Now())
	msg, err := s.resolver.Resolve(ctx, n.RecordID, candidates)
	if err != nil {
		s.log.Debug().Err(err).Str("record_id", n.RecordID).Msg("resolve abandoned")
		return
	}
	if msg == nil {
		s.log.Warn().
			Str("record_id", n.RecordID).
			Str("conversation_id", n.ParentID).
			Int("candidates", len(candidates)).
			Msg("notified message not found")
		return
	}
	s.emitIfCurrent(epoch, domain.MessageReceived{Message: msg, At: s.clock.Now()})
}

func (s *Supervisor) emitIfCurrent(epoch uint64, ev domain.Event) {
	s.mu.Lock()
	stale := s.epoch != epoch
	s.mu.Unlock()
	if stale {
		return
	}
	s.bus.Emit(ev)
}

func isInsert(t string) bool {
	return t == "" || t == "INSERT"
}
