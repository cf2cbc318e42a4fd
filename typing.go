package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type typingKey struct {
	roomID string
	userID string
}

type typingEntry struct {
	state TypingState
	timer *time.Timer
}

// TypingCoordinator broadcasts the local user's typing flag and tracks remote
// typers, expiring each after a period of silence.
type TypingCoordinator struct {
	push     PushChannel
	identity Identity
	timeout  time.Duration
	throttle time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[typingKey]*typingEntry
	limiters map[string]*rate.Limiter

	subsMu  sync.Mutex
	subs    map[int]chan string
	nextSub int
}

func NewTypingCoordinator(push PushChannel, identity Identity, cfg Config) *TypingCoordinator {
	cfg.defaults()
	return &TypingCoordinator{
		push:     push,
		identity: identity,
		timeout:  cfg.TypingTimeout,
		throttle: cfg.TypingThrottle,
		logger:   cfg.Logger.With(slog.String("component", "typing")),
		entries:  make(map[typingKey]*typingEntry),
		limiters: make(map[string]*rate.Limiter),
		subs:     make(map[int]chan string),
	}
}

// SetTyping broadcasts the local typing flag. It does nothing unless the push
// channel is connected; repeated typing=true within the throttle window is
// suppressed.
func (t *TypingCoordinator) SetTyping(ctx context.Context, roomID string, isTyping bool) {
	if t.push.State() != StateConnected {
		return
	}

	t.mu.Lock()
	if isTyping {
		lim, ok := t.limiters[roomID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(t.throttle), 1)
			t.limiters[roomID] = lim
		}
		if !lim.Allow() {
			t.mu.Unlock()
			return
		}
	} else {
		delete(t.limiters, roomID)
	}
	t.mu.Unlock()

	payload := TypingState{
		RoomID:      roomID,
		UserID:      t.identity.UserID,
		DisplayName: t.identity.DisplayName,
		IsTyping:    isTyping,
	}
	go func() {
		if err := t.push.Emit(ctx, EventTyping, payload); err != nil {
			t.logger.Debug("typing emit dropped", slog.String("room", roomID), slog.Any("error", err))
		}
	}()
}

// HandleEvent decodes a user-typing frame.
func (t *TypingCoordinator) HandleEvent(ev InboundEvent) {
	if ev.Type != EventUserTyping {
		return
	}
	var st TypingState
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		t.logger.Warn("user-typing payload", slog.Any("error", err))
		return
	}
	t.HandleRemote(st)
}

// HandleRemote applies a typing flag received from another user.
func (t *TypingCoordinator) HandleRemote(st TypingState) {
	if st.UserID == "" || st.RoomID == "" || st.UserID == t.identity.UserID {
		return
	}
	key := typingKey{roomID: st.RoomID, userID: st.UserID}

	t.mu.Lock()
	e, ok := t.entries[key]
	switch {
	case st.IsTyping && ok && e.timer.Stop():
		e.state = st
		e.timer.Reset(t.timeout)
	case st.IsTyping:
		// New typer, or the previous timer already fired and its expire
		// is waiting on the lock.
		e = &typingEntry{state: st}
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, e) })
		t.entries[key] = e
	case ok:
		e.timer.Stop()
		delete(t.entries, key)
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.notify(st.RoomID)
}

func (t *TypingCoordinator) expire(key typingKey, e *typingEntry) {
	t.mu.Lock()
	cur, ok := t.entries[key]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()
	t.notify(key.roomID)
}

// Typing lists users currently typing in a room.
func (t *TypingCoordinator) Typing(roomID string) []TypingState {
	t.mu.Lock()
	var out []TypingState
	for k, e := range t.entries {
		if k.roomID == roomID {
			out = append(out, e.state)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reset clears every entry. Called when the push session ends.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	rooms := make(map[string]bool)
	for k, e := range t.entries {
		e.timer.Stop()
		rooms[k.roomID] = true
	}
	t.entries = make(map[typingKey]*typingEntry)
	t.limiters = make(map[string]*rate.Limiter)
	t.mu.Unlock()
	for _, r := range sortedKeys(rooms) {
		t.notify(r)
	}
}

// Subscribe returns a channel carrying the id of each room whose typers
// changed.
func (t *TypingCoordinator) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 16)
	t.subsMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
		})
	}
}

func (t *TypingCoordinator) notify(roomID string) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- roomID:
		default:
		}
	}
}
