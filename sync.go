package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// PushChannel is the part of the ConnectionManager MessageSync depends on.
type PushChannel interface {
	State() ConnState
	Emit(ctx context.Context, event string, payload any) error
	Subscribe() (<-chan ConnState, func())
	DesiredRooms() []string
}

// historySource reloads rooms and timelines after a gap.
type historySource interface {
	LoadRooms(ctx context.Context) error
	LoadMessages(ctx context.Context, roomID string, limit int) error
	Resync(ctx context.Context, roomIDs []string) error
}

// Notification is surfaced for a message from someone else arriving in the
// open room.
type Notification struct {
	RoomID  string
	Message Message
}

// ============================================================================
// Loop operations
// ============================================================================

type sendReply struct {
	msg Message
	err error
}

type (
	opSend struct {
		roomID string
		body   Body
		reply  chan sendReply
	}
	opRetry struct {
		correlationID string
		reply         chan error
	}
	opPush struct {
		ev InboundEvent
	}
	opAckTimeout struct {
		correlationID string
		entry         *outboxEntry
	}
	opEmitFailed struct {
		correlationID string
		entry         *outboxEntry
		err           error
	}
	opRESTResult struct {
		correlationID string
		msg           Message
		err           error
	}
	opMutate struct {
		roomID    string
		messageID string
		text      string
		delete    bool
		reply     chan error
	}
	opMutateResult struct {
		original Message
		result   Message
		delete   bool
		err      error
		reply    chan error
	}
	opOpenRoom struct {
		roomID string
	}
	opApply struct {
		fn   func()
		done chan struct{}
	}
)

// outboxEntry tracks one unconfirmed send inside the loop.
type outboxEntry struct {
	msg          Message
	timer        *time.Timer
	emitted      bool
	fellBack     bool
	restInFlight bool
	attempts     int
}

// ============================================================================
// MessageSync
// ============================================================================

// MessageSync is the single writer of the RoomCache. Every mutation, from
// local sends to push deliveries to REST results, is an op processed by Run.
type MessageSync struct {
	cache    *RoomCache
	push     PushChannel
	api      MessageAPI
	history  historySource
	identity Identity
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	ops           chan any
	stopped       chan struct{}
	running       chan struct{}
	notifications chan Notification

	// Loop-owned state.
	runCtx      context.Context
	outbox      map[string]*outboxEntry
	openRoom    string
	lastState   ConnState
	connections int
}

// NewMessageSync creates the loop. history may be set later with SetHistory.
func NewMessageSync(cache *RoomCache, push PushChannel, api MessageAPI, identity Identity, cfg Config) *MessageSync {
	cfg.defaults()
	return &MessageSync{
		cache:         cache,
		push:          push,
		api:           api,
		identity:      identity,
		cfg:           cfg,
		logger:        cfg.Logger.With(slog.String("component", "sync")),
		now:           time.Now,
		ops:           make(chan any, 256),
		stopped:       make(chan struct{}),
		running:       make(chan struct{}),
		notifications: make(chan Notification, 64),
		outbox:        make(map[string]*outboxEntry),
		lastState:     StateDisconnected,
	}
}

// SetHistory wires the loader used for gap fills. Call before Run.
func (s *MessageSync) SetHistory(h historySource) { s.history = h }

// Notifications delivers messages from others arriving in the open room.
func (s *MessageSync) Notifications() <-chan Notification { return s.notifications }

// Run processes ops until ctx is done. It must be called exactly once.
func (s *MessageSync) Run(ctx context.Context) error {
	s.runCtx = ctx
	states, unsubscribe := s.push.Subscribe()
	defer unsubscribe()
	defer close(s.stopped)
	defer s.stopTimers()

	for _, m := range s.cache.Pending() {
		if m.Status == StatusPending {
			s.outbox[m.CorrelationID] = &outboxEntry{msg: m, fellBack: true}
		}
	}
	close(s.running)
	if st := s.push.State(); st == StateConnected {
		s.handleState(st)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-states:
			s.handleState(st)
		case op := <-s.ops:
			s.handle(op)
		}
	}
}

func (s *MessageSync) enqueue(op any) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *MessageSync) handle(op any) {
	switch o := op.(type) {
	case opSend:
		s.handleSend(o)
	case opRetry:
		o.reply <- s.handleRetry(o.correlationID)
	case opPush:
		s.handlePush(o.ev)
	case opAckTimeout:
		s.handleAckTimeout(o)
	case opEmitFailed:
		s.handleEmitFailed(o)
	case opRESTResult:
		s.handleRESTResult(o)
	case opMutate:
		s.handleMutate(o)
	case opMutateResult:
		s.handleMutateResult(o)
	case opOpenRoom:
		s.openRoom = o.roomID
		if o.roomID != "" {
			s.cache.MarkRead(o.roomID)
		}
	case opApply:
		o.fn()
		close(o.done)
	default:
		s.logger.Error("unknown op", slog.String("type", fmt.Sprintf("%T", op)))
	}
}

// ── Public API ───────────────────────────────────────────

// Send appends a pending message to the room and starts delivery. The
// returned message carries the correlation id used to track it.
func (s *MessageSync) Send(ctx context.Context, roomID string, body Body) (Message, error) {
	reply := make(chan sendReply, 1)
	if err := s.submit(ctx, opSend{roomID: roomID, body: body, reply: reply}); err != nil {
		return Message{}, err
	}
	select {
	case r := <-reply:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Retry re-runs delivery of an unconfirmed message under its correlation id.
func (s *MessageSync) Retry(ctx context.Context, correlationID string) error {
	reply := make(chan error, 1)
	if err := s.submit(ctx, opRetry{correlationID: correlationID, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// EditMessage replaces the text of a message authored by the local user.
func (s *MessageSync) EditMessage(ctx context.Context, roomID, messageID, text string) error {
	reply := make(chan error, 1)
	if err := s.submit(ctx, opMutate{roomID: roomID, messageID: messageID, text: text, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// DeleteMessage soft-deletes a message authored by the local user.
func (s *MessageSync) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	reply := make(chan error, 1)
	if err := s.submit(ctx, opMutate{roomID: roomID, messageID: messageID, delete: true, reply: reply}); err != nil {
		return err
	}
	return wait(ctx, reply)
}

// Deliver hands an inbound push event to the loop.
func (s *MessageSync) Deliver(ev InboundEvent) {
	s.enqueue(opPush{ev: ev})
}

// OpenRoom marks roomID as the room on screen and clears its badge.
func (s *MessageSync) OpenRoom(roomID string) {
	s.enqueue(opOpenRoom{roomID: roomID})
}

func (s *MessageSync) CloseRoom() {
	s.enqueue(opOpenRoom{})
}

// ── cacheWriter ──────────────────────────────────────────

// UpsertRoom routes a room update through the loop.
func (s *MessageSync) UpsertRoom(room Room) {
	s.apply(func() { s.cache.UpsertRoom(room) })
}

// MergeIncoming routes a history merge through the loop.
func (s *MessageSync) MergeIncoming(roomID string, msg Message) MergeResult {
	var res MergeResult
	s.apply(func() { res = s.cache.MergeIncoming(roomID, msg) })
	return res
}

func (s *MessageSync) RemoveRoom(roomID string) {
	s.apply(func() { s.cache.RemoveRoom(roomID) })
}

// apply runs fn on the loop, or inline when the loop is not running.
func (s *MessageSync) apply(fn func()) {
	select {
	case <-s.running:
	default:
		fn()
		return
	}
	done := make(chan struct{})
	if !s.enqueue(opApply{fn: fn, done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

func (s *MessageSync) submit(ctx context.Context, op any) error {
	select {
	case s.ops <- op:
		return nil
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Send path
// ============================================================================

func (s *MessageSync) handleSend(o opSend) {
	msg := Message{
		CorrelationID: uuid.NewString(),
		RoomID:        o.roomID,
		SenderID:      s.identity.UserID,
		SenderName:    s.identity.DisplayName,
		Body:          o.body,
		Timestamp:     s.now().UTC(),
		Status:        StatusPending,
	}
	if msg.Body.Kind == "" {
		msg.Body.Kind = BodyText
	}
	if err := validate.Struct(newSendRequest(msg)); err != nil {
		o.reply <- sendReply{err: fmt.Errorf("invalid message: %w", err)}
		return
	}

	s.cache.MergeIncoming(o.roomID, msg)
	entry := &outboxEntry{msg: msg}
	s.outbox[msg.CorrelationID] = entry
	s.dispatch(entry)
	o.reply <- sendReply{msg: msg}
}

func (s *MessageSync) handleRetry(corr string) error {
	msg, ok := s.cache.FindByCorrelation(corr)
	if !ok {
		return ErrUnknownMessage
	}
	if !msg.Pending() {
		return nil
	}
	if e := s.outbox[corr]; e != nil && (e.restInFlight || (e.emitted && !e.fellBack)) {
		return nil
	}
	s.cache.MarkPending(corr)
	msg.Status = StatusPending
	msg.Error = ""
	entry := &outboxEntry{msg: msg}
	s.outbox[corr] = entry
	s.dispatch(entry)
	return nil
}

// dispatch emits on the push channel when connected and arms the ack timer;
// otherwise it goes straight to the REST fallback.
func (s *MessageSync) dispatch(e *outboxEntry) {
	if s.push.State() != StateConnected {
		s.fallback(e)
		return
	}

	corr := e.msg.CorrelationID
	e.emitted = true
	e.timer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.enqueue(opAckTimeout{correlationID: corr, entry: e})
	})
	payload := SendMessagePayload{
		RoomID:      e.msg.RoomID,
		UserID:      e.msg.SenderID,
		DisplayName: e.msg.SenderName,
		Message:     e.msg.Body.Text,
		ImageURL:    e.msg.Body.ImageURL,
		ClientID:    corr,
		Timestamp:   e.msg.Timestamp,
	}
	ctx := s.runCtx
	go func() {
		if err := s.push.Emit(ctx, EventSendMessage, payload); err != nil {
			s.enqueue(opEmitFailed{correlationID: corr, entry: e, err: err})
		}
	}()
}

// fallback posts the message over REST. Only one request per entry is in
// flight; the clientId makes repeats idempotent on the server.
func (s *MessageSync) fallback(e *outboxEntry) {
	if e.restInFlight {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.fellBack = true
	e.restInFlight = true
	e.attempts++

	corr := e.msg.CorrelationID
	req := newSendRequest(e.msg)
	ctx := s.runCtx
	s.logger.Debug("rest fallback",
		slog.String("room", e.msg.RoomID),
		slog.String("clientId", corr),
		slog.Int("attempt", e.attempts))
	go func() {
		msg, err := s.api.CreateMessage(ctx, req)
		s.enqueue(opRESTResult{correlationID: corr, msg: msg, err: err})
	}()
}

func (s *MessageSync) handleAckTimeout(o opAckTimeout) {
	e := s.outbox[o.correlationID]
	if e == nil || e != o.entry || e.fellBack {
		return
	}
	s.logger.Info("push ack timeout, falling back to rest",
		slog.String("clientId", o.correlationID),
		slog.Any("error", ErrAckTimeout))
	s.fallback(e)
}

func (s *MessageSync) handleEmitFailed(o opEmitFailed) {
	e := s.outbox[o.correlationID]
	if e == nil || e != o.entry || e.fellBack {
		return
	}
	s.logger.Warn("push emit failed, falling back to rest",
		slog.String("clientId", o.correlationID),
		slog.Any("error", o.err))
	s.fallback(e)
}

func (s *MessageSync) handleRESTResult(o opRESTResult) {
	e := s.outbox[o.correlationID]
	if e == nil {
		// Already confirmed by a push ack; the server deduplicated on clientId.
		if o.err == nil && o.msg.ID != "" {
			o.msg.CorrelationID = o.correlationID
			s.cache.MergeIncoming(o.msg.RoomID, o.msg)
		}
		return
	}
	e.restInFlight = false

	if o.err == nil {
		s.confirm(o.correlationID, o.msg)
		return
	}

	if IsTransport(o.err) && e.attempts < s.cfg.OutboxRetryLimit {
		s.logger.Warn("rest send failed, queued for reconnect",
			slog.String("clientId", o.correlationID),
			slog.Int("attempt", e.attempts),
			slog.Any("error", o.err))
		return
	}

	s.logger.Warn("send failed",
		slog.String("clientId", o.correlationID),
		slog.Any("error", o.err))
	delete(s.outbox, o.correlationID)
	s.cache.MarkFailed(o.correlationID, o.err.Error())
}

// confirm settles a send with the first ack from either channel.
func (s *MessageSync) confirm(corr string, msg Message) {
	if e := s.outbox[corr]; e != nil {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.outbox, corr)
	}
	msg.CorrelationID = corr
	if msg.RoomID == "" {
		if pending, ok := s.cache.FindByCorrelation(corr); ok {
			msg.RoomID = pending.RoomID
		}
	}
	if !s.cache.ReplacePending(corr, msg) {
		s.cache.MergeIncoming(msg.RoomID, msg)
	}
}

func (s *MessageSync) flushOutbox() {
	for corr, e := range s.outbox {
		if e.restInFlight || !e.fellBack {
			continue
		}
		if e.attempts >= s.cfg.OutboxRetryLimit {
			delete(s.outbox, corr)
			s.cache.MarkFailed(corr, "retry limit reached")
			continue
		}
		s.fallback(e)
	}
}

func (s *MessageSync) stopTimers() {
	for _, e := range s.outbox {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// ============================================================================
// Receive path
// ============================================================================

func (s *MessageSync) handlePush(ev InboundEvent) {
	if ev.Type != EventNewMessage {
		return
	}
	var msg Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		s.logger.Warn("new-message payload", slog.Any("error", err))
		return
	}
	if msg.RoomID == "" || msg.Key() == "" {
		return
	}

	if msg.CorrelationID != "" && s.outbox[msg.CorrelationID] != nil && msg.ID != "" {
		s.confirm(msg.CorrelationID, msg)
		return
	}

	_, known := s.cache.Room(msg.RoomID)
	res := s.cache.MergeIncoming(msg.RoomID, msg)
	if !known {
		s.refreshRooms()
	}
	if res != MergeInserted || msg.SenderID == s.identity.UserID {
		return
	}
	if msg.RoomID == s.openRoom {
		select {
		case s.notifications <- Notification{RoomID: msg.RoomID, Message: msg}:
		default:
			s.logger.Debug("notification dropped", slog.String("room", msg.RoomID))
		}
		return
	}
	s.cache.BumpUnread(msg.RoomID)
}

func (s *MessageSync) refreshRooms() {
	if s.history == nil {
		return
	}
	ctx := s.runCtx
	go func() {
		if err := s.history.LoadRooms(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("room refresh failed", slog.Any("error", err))
		}
	}()
}

func (s *MessageSync) handleState(st ConnState) {
	prev := s.lastState
	s.lastState = st
	if st != StateConnected || prev == StateConnected {
		return
	}
	s.connections++
	if s.connections > 1 && s.history != nil {
		rooms := s.push.DesiredRooms()
		ctx := s.runCtx
		go func() {
			if err := s.history.Resync(ctx, rooms); err != nil && ctx.Err() == nil {
				s.logger.Warn("resync failed", slog.Any("error", err))
			}
		}()
	}
	s.flushOutbox()
}

// ============================================================================
// Edit / delete
// ============================================================================

func (s *MessageSync) handleMutate(o opMutate) {
	orig, ok := s.cache.Find(o.roomID, o.messageID)
	switch {
	case !ok:
		o.reply <- ErrUnknownMessage
		return
	case orig.SenderID != s.identity.UserID:
		o.reply <- ErrForbidden
		return
	case orig.Pending():
		o.reply <- fmt.Errorf("message not confirmed yet: %w", ErrUnknownMessage)
		return
	case orig.Deleted:
		if o.delete {
			o.reply <- nil
		} else {
			o.reply <- fmt.Errorf("message deleted: %w", ErrNotFound)
		}
		return
	case !o.delete && orig.Body.Text == o.text:
		o.reply <- nil
		return
	}

	updated := orig
	if o.delete {
		updated.Deleted = true
	} else {
		updated.Body.Text = o.text
		updated.Edited = true
	}
	s.cache.MergeIncoming(o.roomID, updated)

	ctx := s.runCtx
	uid := s.identity.UserID
	go func() {
		var (
			res Message
			err error
		)
		if o.delete {
			err = s.api.DeleteMessage(ctx, orig.RoomID, orig.ID, uid)
		} else {
			res, err = s.api.EditMessage(ctx, orig.RoomID, orig.ID, uid, o.text)
		}
		s.enqueue(opMutateResult{original: orig, result: res, delete: o.delete, err: err, reply: o.reply})
	}()
}

func (s *MessageSync) handleMutateResult(o opMutateResult) {
	if o.err == nil {
		if o.result.ID != "" {
			s.cache.MergeIncoming(o.original.RoomID, o.result)
		}
		o.reply <- nil
		return
	}

	s.logger.Warn("mutation rejected, restoring",
		slog.String("room", o.original.RoomID),
		slog.String("id", o.original.ID),
		slog.Bool("delete", o.delete),
		slog.Any("error", o.err))
	s.cache.MergeIncoming(o.original.RoomID, o.original)
	if s.history != nil {
		roomID, ctx := o.original.RoomID, s.runCtx
		go func() {
			if err := s.history.LoadMessages(ctx, roomID, 0); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("refetch after rejection failed", slog.String("room", roomID), slog.Any("error", err))
			}
		}()
	}
	o.reply <- o.err
}
