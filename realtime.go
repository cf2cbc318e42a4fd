package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire envelope
// ============================================================================

// ProtocolVersion is stamped on every outbound frame. Inbound frames with a
// different version are dropped.
const ProtocolVersion = 1

const (
	EventRegister    = "register"
	EventRegistered  = "registered"
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventRoomJoined  = "room-joined"
	EventSendMessage = "send-message"
	EventNewMessage  = "new-message"
	EventTyping      = "typing"
	EventUserTyping  = "user-typing"
)

// Envelope is the wire format for all push frames.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type RegisterPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AuthToken   string `json:"authToken"`
}

type RegisteredPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type SendMessagePayload struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Message     string    `json:"message"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	ClientID    string    `json:"clientId"`
	Timestamp   time.Time `json:"timestamp"`
}

// InboundEvent is a decoded push frame handed to consumers of Events.
type InboundEvent struct {
	Type    string
	Payload json.RawMessage
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{V: ProtocolVersion, Type: event, Payload: raw})
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the state of the push channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateRegistering  ConnState = "registering"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// ============================================================================
// Backoff
// ============================================================================

// backoff paces reconnect attempts. Only consecutive failures count toward
// the limit: a registered connection starts a fresh run.
type backoff struct {
	base     time.Duration
	ceiling  time.Duration
	limit    int
	failures int
}

func newBackoff(cfg *Config) *backoff {
	return &backoff{
		base:    cfg.ReconnectBaseDelay,
		ceiling: cfg.ReconnectMaxDelay,
		limit:   cfg.MaxReconnectAttempts,
	}
}

// retry reports whether another attempt is allowed. A zero limit retries
// forever.
func (b *backoff) retry() bool {
	return b.limit == 0 || b.failures < b.limit
}

func (b *backoff) reset() { b.failures = 0 }

// next counts a failure and returns the delay before the following attempt:
// base doubled per consecutive failure plus up to half a base of jitter,
// capped at the ceiling.
func (b *backoff) next() time.Duration {
	d := b.ceiling
	if b.failures < 32 {
		if exp := b.base << b.failures; exp > 0 && exp < b.ceiling {
			d = exp + rand.N(b.base/2+1)
		}
	}
	b.failures++
	return min(d, b.ceiling)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the push WebSocket: one supervisor goroutine dials,
// registers, reads and reconnects. Inbound frames are delivered on Events.
type ConnectionManager struct {
	url    string
	cfg    Config
	tokens TokenProvider
	logger *slog.Logger

	mu      sync.Mutex
	state   ConnState
	gen     int
	conn    *websocket.Conn
	cancel  context.CancelFunc
	kick    chan struct{}
	desired map[string]bool
	joined  map[string]bool
	lastErr error
	wg      sync.WaitGroup

	events chan InboundEvent

	subsMu  sync.Mutex
	subs    map[int]chan ConnState
	nextSub int
}

// NewConnectionManager creates a manager for the push endpoint in cfg.PushURL.
func NewConnectionManager(cfg Config, tokens TokenProvider) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		url:     cfg.PushURL,
		cfg:     cfg,
		tokens:  tokens,
		logger:  cfg.Logger.With(slog.String("component", "push")),
		state:   StateDisconnected,
		kick:    make(chan struct{}, 1),
		desired: make(map[string]bool),
		joined:  make(map[string]bool),
		events:  make(chan InboundEvent, 256),
		subs:    make(map[int]chan ConnState),
	}
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// LastError returns the error that caused the last drop or failure.
func (cm *ConnectionManager) LastError() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastErr
}

// Events is the single ingress channel of inbound push events.
func (cm *ConnectionManager) Events() <-chan InboundEvent { return cm.events }

// Connect starts the push channel and waits for the first attempt to finish.
// It is a no-op while a connection is live or being established.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnected, StateConnecting, StateRegistering, StateReconnecting:
		cm.mu.Unlock()
		return nil
	}
	first := make(chan error, 1)
	cm.startLocked(first)
	cm.mu.Unlock()

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect retries immediately: from Failed or Disconnected it starts a new
// supervisor, while waiting out a backoff it skips the remaining delay.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateReconnecting {
		cm.mu.Unlock()
		select {
		case cm.kick <- struct{}{}:
		default:
		}
		return nil
	}
	cm.mu.Unlock()
	return cm.Connect(ctx)
}

// Disconnect closes the transport and forgets room membership. Idempotent.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.gen++
	cancel := cm.cancel
	cm.cancel = nil
	conn := cm.conn
	cm.conn = nil
	cm.desired = make(map[string]bool)
	cm.joined = make(map[string]bool)
	cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	cm.wg.Wait()
}

// ── Rooms ────────────────────────────────────────────────

// JoinRoom records the room as desired and asks the server to join it when
// connected. The join is confirmed asynchronously by a room-joined frame.
func (cm *ConnectionManager) JoinRoom(ctx context.Context, roomID string) error {
	cm.mu.Lock()
	cm.desired[roomID] = true
	connected := cm.state == StateConnected
	cm.mu.Unlock()
	if !connected {
		return nil
	}
	return cm.Emit(ctx, EventJoinRoom, RoomPayload{RoomID: roomID, UserID: cm.tokens.Identity().UserID})
}

// LeaveRoom drops the room from the desired set. A late room-joined frame for
// it is answered with another leave.
func (cm *ConnectionManager) LeaveRoom(ctx context.Context, roomID string) error {
	cm.mu.Lock()
	delete(cm.desired, roomID)
	delete(cm.joined, roomID)
	connected := cm.state == StateConnected
	cm.mu.Unlock()
	if !connected {
		return nil
	}
	return cm.Emit(ctx, EventLeaveRoom, RoomPayload{RoomID: roomID, UserID: cm.tokens.Identity().UserID})
}

// Joined reports whether the server acknowledged the join of roomID on the
// current connection.
func (cm *ConnectionManager) Joined(roomID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.joined[roomID]
}

// DesiredRooms returns the rooms the caller wants to be joined to.
func (cm *ConnectionManager) DesiredRooms() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return sortedKeys(cm.desired)
}

// ── Emit ─────────────────────────────────────────────────

// Emit writes one event on the push channel.
func (cm *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	cm.mu.Lock()
	conn, state := cm.conn, cm.state
	cm.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "emit " + event, Err: err}
	}
	cm.logger.Debug("push emit", slog.String("event", event))
	return nil
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe returns a channel of state changes. When a subscriber lags, older
// undelivered states are replaced by the newest one.
func (cm *ConnectionManager) Subscribe() (<-chan ConnState, func()) {
	ch := make(chan ConnState, 8)
	cm.subsMu.Lock()
	id := cm.nextSub
	cm.nextSub++
	cm.subs[id] = ch
	cm.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cm.subsMu.Lock()
			delete(cm.subs, id)
			cm.subsMu.Unlock()
		})
	}
}

// WaitFor blocks until the manager reaches state or ctx is done.
func (cm *ConnectionManager) WaitFor(ctx context.Context, state ConnState) error {
	ch, cancel := cm.Subscribe()
	defer cancel()
	if cm.State() == state {
		return nil
	}
	for {
		select {
		case s := <-ch:
			if s == state {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cm *ConnectionManager) publish(s ConnState) {
	cm.subsMu.Lock()
	defer cm.subsMu.Unlock()
	for _, ch := range cm.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// setStateLocked must be called with cm.mu held.
func (cm *ConnectionManager) setStateLocked(s ConnState) {
	if cm.state == s {
		return
	}
	cm.logger.Info("push state", slog.String("from", string(cm.state)), slog.String("to", string(s)))
	cm.state = s
	cm.publish(s)
}

// setState updates the state on behalf of supervisor gen; stale supervisors
// are ignored.
func (cm *ConnectionManager) setState(gen int, s ConnState) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.gen != gen {
		return false
	}
	cm.setStateLocked(s)
	return true
}

// ── Supervisor ───────────────────────────────────────────

func (cm *ConnectionManager) startLocked(first chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	cm.gen++
	cm.cancel = cancel
	cm.lastErr = nil
	cm.setStateLocked(StateConnecting)
	select {
	case <-cm.kick:
	default:
	}
	cm.wg.Add(1)
	go cm.supervise(ctx, cm.gen, newBackoff(&cm.cfg), first)
}

func (cm *ConnectionManager) supervise(ctx context.Context, gen int, pace *backoff, first chan error) {
	defer cm.wg.Done()
	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	for {
		err := cm.runOnce(ctx, gen, pace, report)
		if ctx.Err() != nil {
			report(ctx.Err())
			return
		}

		cm.mu.Lock()
		if cm.gen == gen {
			cm.lastErr = err
		}
		cm.mu.Unlock()

		if IsAuthRejection(err) {
			cm.logger.Warn("push registration rejected", slog.Any("error", err))
			cm.setState(gen, StateFailed)
			report(err)
			return
		}
		report(err)

		if !pace.retry() {
			cm.logger.Warn("push reconnect attempts exhausted", slog.Int("failures", pace.failures))
			cm.setState(gen, StateFailed)
			return
		}
		delay := pace.next()
		if !cm.setState(gen, StateReconnecting) {
			return
		}
		cm.logger.Info("push reconnecting",
			slog.Int("attempt", pace.failures),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-cm.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runOnce performs one dial/register/read cycle and returns why it ended.
func (cm *ConnectionManager) runOnce(ctx context.Context, gen int, pace *backoff, report func(error)) error {
	conn, err := cm.dialAndRegister(ctx, gen)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cm.mu.Lock()
	if cm.gen != gen {
		cm.mu.Unlock()
		conn.CloseNow()
		return ctx.Err()
	}
	cm.conn = conn
	cm.joined = make(map[string]bool)
	rooms := sortedKeys(cm.desired)
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	pace.reset()
	report(nil)

	uid := cm.tokens.Identity().UserID
	for _, roomID := range rooms {
		if err := cm.Emit(connCtx, EventJoinRoom, RoomPayload{RoomID: roomID, UserID: uid}); err != nil {
			cm.logger.Warn("push rejoin failed", slog.String("room", roomID), slog.Any("error", err))
		}
	}

	if cm.cfg.HeartbeatInterval > 0 {
		go cm.heartbeat(connCtx, conn)
	}
	err = cm.readLoop(connCtx, conn)

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.joined = make(map[string]bool)
	}
	cm.mu.Unlock()
	conn.CloseNow()
	return &TransportError{Op: "read", Err: err}
}

func (cm *ConnectionManager) dialAndRegister(ctx context.Context, gen int) (*websocket.Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cm.cfg.ConnectTimeout)
	defer cancel()

	token, err := cm.tokens.Token(attemptCtx)
	if err != nil {
		if IsAuthRejection(err) {
			return nil, err
		}
		return nil, &TransportError{Op: "token", Err: err}
	}

	conn, _, err := websocket.Dial(attemptCtx, cm.url, &websocket.DialOptions{HTTPClient: cm.httpClient()})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	if !cm.setState(gen, StateRegistering) {
		conn.CloseNow()
		return nil, context.Canceled
	}

	id := cm.tokens.Identity()
	data, err := encodeEnvelope(EventRegister, RegisterPayload{UserID: id.UserID, DisplayName: id.DisplayName, AuthToken: token})
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := conn.Write(attemptCtx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
		return nil, &TransportError{Op: "register", Err: err}
	}

	for {
		_, data, err := conn.Read(attemptCtx)
		if err != nil {
			conn.CloseNow()
			return nil, &TransportError{Op: "register", Err: err}
		}
		env, ok := cm.decode(data)
		if !ok || env.Type != EventRegistered {
			continue
		}
		var p RegisteredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			cm.logger.Warn("push registered payload", slog.Any("error", err))
			continue
		}
		if !p.Success {
			_ = conn.Close(websocket.StatusPolicyViolation, "registration rejected")
			if inv, ok := cm.tokens.(invalidator); ok {
				inv.Invalidate()
			}
			return nil, &AuthRejectionError{Reason: p.Error}
		}
		return conn, nil
	}
}

func (cm *ConnectionManager) httpClient() *http.Client {
	if cm.cfg.HTTPClient != nil {
		return cm.cfg.HTTPClient
	}
	return http.DefaultClient
}

func (cm *ConnectionManager) decode(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		cm.logger.Warn("push frame undecodable", slog.Any("error", err))
		return env, false
	}
	if env.V != ProtocolVersion {
		cm.logger.Warn("push frame version mismatch",
			slog.Int("version", env.V),
			slog.String("type", env.Type))
		return env, false
	}
	return env, true
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, ok := cm.decode(data)
		if !ok {
			continue
		}

		if env.Type == EventRoomJoined {
			cm.handleRoomJoined(ctx, env.Payload)
			continue
		}

		select {
		case cm.events <- InboundEvent{Type: env.Type, Payload: env.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cm *ConnectionManager) handleRoomJoined(ctx context.Context, payload json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		return
	}
	cm.mu.Lock()
	wanted := cm.desired[p.RoomID]
	if wanted {
		cm.joined[p.RoomID] = true
	}
	cm.mu.Unlock()
	if wanted {
		cm.logger.Debug("push room joined", slog.String("room", p.RoomID))
		return
	}

	cm.logger.Debug("push late join ack, leaving", slog.String("room", p.RoomID))
	go func() {
		if err := cm.Emit(ctx, EventLeaveRoom, RoomPayload{RoomID: p.RoomID, UserID: cm.tokens.Identity().UserID}); err != nil && !errors.Is(err, ErrNotConnected) {
			cm.logger.Warn("push leave failed", slog.String("room", p.RoomID), slog.Any("error", err))
		}
	}()
}

func (cm *ConnectionManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				cm.logger.Warn("push heartbeat failed", slog.Any("error", err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
