// Package realtime implements the change-feed transport over Supabase Realtime.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultJoinTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	maxMessageSize           = 1 << 20
	protocolVersion          = "1.0.0"
)

type ChannelConfig struct {
	// URL is the realtime websocket endpoint, e.g. wss://<ref>.supabase.co/realtime/v1/websocket
	URL    string
	APIKey string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	WriteTimeout      time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// SupabaseChannel multiplexes Phoenix channels over one websocket. The socket
// is dialled on the first Subscribe and closed when the last channel is
// removed or the connection drops; the caller decides when to resubscribe.
type SupabaseChannel struct {
	cfg ChannelConfig
	log zerolog.Logger

	mu       sync.Mutex
	sock     *socket
	token    string
	channels map[string]*channelHandle // topic -> handle
}

var _ out.RealtimeChannel = (*SupabaseChannel)(nil)

func NewSupabaseChannel(cfg ChannelConfig) *SupabaseChannel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	return &SupabaseChannel{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "supabase_realtime").Logger(),
		channels: make(map[string]*channelHandle),
	}
}

// =============================================================================
// Handle
// =============================================================================

type channelHandle struct {
	id      string
	topic   string
	joinRef string
	sock    *socket

	onChange out.ChangeHandler
	onStatus out.StatusCallback

	joined    atomic.Bool
	closed    atomic.Bool
	joinTimer *time.Timer
}

func (h *channelHandle) ID() string   { return h.id }
func (h *channelHandle) Joined() bool { return h.joined.Load() }

func (h *channelHandle) status(status domain.ChannelStatus, err error) {
	if h.closed.Load() {
		return
	}
	if status.Failed() {
		h.joined.Store(false)
	}
	h.onStatus(h, status, err)
}

// =============================================================================
// Socket
// =============================================================================

type socket struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	ref          atomic.Uint64
	done         chan struct{}
	closeOnce    sync.Once
}

func (s *socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *socket) send(f outFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (c *SupabaseChannel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ensureSocketLocked dials when there is no live socket. Caller holds c.mu.
func (c *SupabaseChannel) ensureSocketLocked(ctx context.Context) (*socket, error) {
	if c.sock != nil {
		select {
		case <-c.sock.done:
			c.sock = nil
		default:
			return c.sock, nil
		}
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	sock := &socket{conn: conn, writeTimeout: c.cfg.WriteTimeout, done: make(chan struct{})}
	c.sock = sock
	go c.readLoop(sock)
	go c.heartbeatLoop(sock)

	c.log.Info().Str("url", c.cfg.URL).Msg("realtime socket connected")
	return sock, nil
}

// =============================================================================
// RealtimeChannel
// =============================================================================

func (c *SupabaseChannel) Subscribe(specs []out.SubscriptionSpec, onChange out.ChangeHandler, onStatus out.StatusCallback) (out.ChannelHandle, error) {
	if len(specs) == 0 {
		return nil, errors.New("subscribe: no subscription specs")
	}

	c.mu.Lock()
	sock, err := c.ensureSocketLocked(context.Background())
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	id := uuid.NewString()
	h := &channelHandle{
		id:       id,
		topic:    topicPrefix + id,
		joinRef:  sock.nextRef(),
		sock:     sock,
		onChange: onChange,
		onStatus: onStatus,
	}
	h.joinTimer = time.AfterFunc(c.cfg.JoinTimeout, func() {
		if !h.joined.Load() {
			c.log.Warn().Str("topic", h.topic).Dur("timeout", c.cfg.JoinTimeout).Msg("join timed out")
			h.status(domain.ChannelTimedOut, errors.New("join reply not received"))
		}
	})
	c.channels[h.topic] = h
	token := c.token
	c.mu.Unlock()

	filters := make([]postgresChangeFilter, 0, len(specs))
	for _, s := range specs {
		filters = append(filters, postgresChangeFilter{Event: s.Event, Schema: s.Schema, Table: s.Table, Filter: s.Filter})
	}

	joinRef := h.joinRef
	err = sock.send(outFrame{
		Topic:   h.topic,
		Event:   eventJoin,
		Ref:     h.joinRef,
		JoinRef: &joinRef,
		Payload: joinPayload{
			Config: joinConfig{
				Broadcast:       map[string]bool{"self": false, "ack": false},
				Presence:        map[string]string{"key": ""},
				PostgresChanges: filters,
			},
			AccessToken: token,
		},
	})
	if err != nil {
		h.joinTimer.Stop()
		c.forget(h)
		sock.close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	c.log.Debug().Str("topic", h.topic).Int("feeds", len(filters)).Msg("join sent")
	return h, nil
}

func (c *SupabaseChannel) RemoveChannel(handle out.ChannelHandle) error {
	h, ok := handle.(*channelHandle)
	if !ok || h == nil {
		return nil
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.joinTimer != nil {
		h.joinTimer.Stop()
	}

	empty := c.forget(h)

	joinRef := h.joinRef
	err := h.sock.send(outFrame{
		Topic:   h.topic,
		Event:   eventLeave,
		Ref:     h.sock.nextRef(),
		JoinRef: &joinRef,
		Payload: struct{}{},
	})
	if empty {
		h.sock.close()
		c.mu.Lock()
		if c.sock == h.sock {
			c.sock = nil
		}
		c.mu.Unlock()
	}

	select {
	case <-h.sock.done:
		// leave on a dead socket is not an error
		return nil
	default:
	}
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// SetAuth stores the token for future joins and pushes it to joined channels.
func (c *SupabaseChannel) SetAuth(token string) {
	c.mu.Lock()
	c.token = token
	live := make([]*channelHandle, 0, len(c.channels))
	for _, h := range c.channels {
		if h.joined.Load() {
			live = append(live, h)
		}
	}
	c.mu.Unlock()

	for _, h := range live {
		joinRef := h.joinRef
		err := h.sock.send(outFrame{
			Topic:   h.topic,
			Event:   eventAccessToken,
			Ref:     h.sock.nextRef(),
			JoinRef: &joinRef,
			Payload: map[string]string{"access_token": token},
		})
		if err != nil {
			c.log.Warn().Err(err).Str("topic", h.topic).Msg("push access token failed")
		}
	}
}

// Close drops every channel and the socket without status callbacks.
func (c *SupabaseChannel) Close() error {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	for topic, h := range c.channels {
		h.closed.Store(true)
		if h.joinTimer != nil {
			h.joinTimer.Stop()
		}
		delete(c.channels, topic)
	}
	c.mu.Unlock()

	if sock != nil {
		sock.close()
	}
	return nil
}

// forget removes h and reports whether its socket has no channels left.
func (c *SupabaseChannel) forget(h *channelHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.channels, h.topic)
	for _, other := range c.channels {
		if other.sock == h.sock {
			return false
		}
	}
	return true
}

func (c *SupabaseChannel) lookup(topic string) *channelHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// =============================================================================
// Loops
// =============================================================================

func (c *SupabaseChannel) heartbeatLoop(sock *socket) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sock.done:
			return
		case <-ticker.C:
			err := sock.send(outFrame{
				Topic:   topicPhoenix,
				Event:   eventHeartbeat,
				Ref:     sock.nextRef(),
				Payload: struct{}{},
			})
			if err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed, closing socket")
				sock.close()
				return
			}
		}
	}
}

func (c *SupabaseChannel) readLoop(sock *socket) {
	var readErr error
	defer func() { c.dropSocket(sock, readErr) }()

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("realtime socket closed unexpectedly")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("undecodable realtime frame")
			continue
		}
		c.dispatch(f)
	}
}

// dropSocket reports CLOSED to every channel that was on sock.
func (c *SupabaseChannel) dropSocket(sock *socket, cause error) {
	sock.close()

	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	var orphaned []*channelHandle
	for topic, h := range c.channels {
		if h.sock == sock {
			orphaned = append(orphaned, h)
			delete(c.channels, topic)
		}
	}
	c.mu.Unlock()

	if cause == nil {
		cause = out.ErrChannelClosed
	}
	for _, h := range orphaned {
		if h.joinTimer != nil {
			h.joinTimer.Stop()
		}
		h.status(domain.ChannelClosed, fmt.Errorf("%w: %v", out.ErrChannelClosed, cause))
	}
}

func (c *SupabaseChannel) dispatch(f frame) {
	if f.Topic == topicPhoenix {
		return
	}
	h := c.lookup(f.Topic)
	if h == nil {
		return
	}

	switch f.Event {
	case eventReply:
		if f.ref() != h.joinRef {
			return
		}
		c.handleJoinReply(h, f.Payload)

	case eventPostgresChanges:
		var p changesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn().Err(err).Str("topic", f.Topic).Msg("undecodable postgres change")
			return
		}
		if h.closed.Load() {
			return
		}
		h.onChange(h, out.ChangeEvent{
			Schema:          p.Data.Schema,
			Table:           p.Data.Table,
			Type:            p.Data.changeType(),
			Record:          p.Data.Record,
			OldRecord:       p.Data.OldRecord,
			CommitTimestamp: p.Data.committedAt(),
		})

	case eventSystem:
		var p systemPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		if p.Status != "" && p.Status != replyOK {
			h.status(domain.ChannelError, fmt.Errorf("realtime %s: %s", p.Extension, p.Message))
			return
		}
		c.log.Debug().Str("topic", f.Topic).Str("message", p.Message).Msg("realtime system message")

	case eventError:
		h.status(domain.ChannelError, errors.New("channel error"))

	case eventClose:
		c.forget(h)
		h.status(domain.ChannelClosed, out.ErrChannelClosed)
	}
}

func (c *SupabaseChannel) handleJoinReply(h *channelHandle, payload json.RawMessage) {
	var reply replyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		h.status(domain.ChannelError, fmt.Errorf("decode join reply: %w", err))
		return
	}
	if h.joinTimer != nil {
		h.joinTimer.Stop()
	}

	if reply.Status != replyOK {
		var re replyError
		_ = json.Unmarshal(reply.Response, &re)
		h.status(domain.ChannelError, fmt.Errorf("join rejected: %s", re.Reason))
		return
	}

	h.joined.Store(true)
	h.status(domain.ChannelSubscribed, nil)
}
