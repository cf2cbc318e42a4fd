package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// roomCreator is implemented by Client.
type roomCreator interface {
	CreateRoom(ctx context.Context, opts *CreateRoomOptions) (Room, error)
}

// Session wires the cache, the push channel, the sync loop, typing and
// history for one signed-in user.
type Session struct {
	cfg      Config
	identity Identity
	logger   *slog.Logger

	cache   *RoomCache
	push    *ConnectionManager
	sync    *MessageSync
	typing  *TypingCoordinator
	history *HistoryLoader
	rooms   roomCreator
	store   *BadgerStore

	mu       sync.Mutex
	openRoom string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewSession validates cfg and builds a session backed by the REST client.
func NewSession(cfg Config, tokens TokenProvider) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := NewClient(tokens,
		WithBaseURL(cfg.BaseURL),
		WithPasscode(cfg.Passcode),
		WithHTTPClient(cfg.HTTPClient),
		WithLogger(cfg.Logger))
	return newSession(cfg, tokens, client, client, client)
}

func newSession(cfg Config, tokens TokenProvider, api MessageAPI, hist HistoryAPI, rooms roomCreator) (*Session, error) {
	cfg.defaults()
	identity := tokens.Identity()
	if err := validate.Struct(identity); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}

	cache := NewRoomCache()
	push := NewConnectionManager(cfg, tokens)
	ms := NewMessageSync(cache, push, api, identity, cfg)
	loader := NewHistoryLoader(hist, cache, ms, identity, cfg)
	ms.SetHistory(loader)

	return &Session{
		cfg:      cfg,
		identity: identity,
		logger:   cfg.Logger.With(slog.String("user", identity.UserID)),
		cache:    cache,
		push:     push,
		sync:     ms,
		typing:   NewTypingCoordinator(push, identity, cfg),
		history:  loader,
		rooms:    rooms,
	}, nil
}

func (s *Session) Cache() *RoomCache                  { return s.cache }
func (s *Session) Connection() *ConnectionManager     { return s.push }
func (s *Session) Typing() *TypingCoordinator         { return s.typing }
func (s *Session) History() *HistoryLoader            { return s.history }
func (s *Session) Notifications() <-chan Notification { return s.sync.Notifications() }
func (s *Session) Identity() Identity                 { return s.identity }

// Start restores the stored snapshot, starts the sync loop, loads the room
// list and connects the push channel. Transport failures are logged and left
// to the background reconnect; a rejected credential is returned.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.StorePath != "" {
		store, err := OpenBadgerStore(s.cfg.StorePath, s.cfg.Logger)
		if err != nil {
			return err
		}
		snap, err := store.Load()
		if err != nil {
			store.Close()
			return err
		}
		s.cache.Restore(snap)
		s.store = store
		s.logger.Info("snapshot restored", slog.Int("rooms", len(snap.Rooms)))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.sync.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sync loop stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.pump(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchState(runCtx)
	}()

	if err := s.history.LoadRooms(ctx); err != nil {
		if IsAuthRejection(err) {
			return err
		}
		s.logger.Warn("initial room load failed", slog.Any("error", err))
	}
	if err := s.push.Connect(ctx); err != nil {
		if !IsTransport(err) {
			return err
		}
		s.logger.Warn("push connect failed, retrying in background", slog.Any("error", err))
	}
	return nil
}

// pump routes inbound push events to their consumers.
func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.push.Events():
			switch ev.Type {
			case EventNewMessage:
				s.sync.Deliver(ev)
			case EventUserTyping:
				s.typing.HandleEvent(ev)
			default:
				s.logger.Debug("push event ignored", slog.String("type", ev.Type))
			}
		}
	}
}

// watchState clears typing state whenever the push session ends.
func (s *Session) watchState(ctx context.Context) {
	states, unsubscribe := s.push.Subscribe()
	defer unsubscribe()
	prev := s.push.State()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if prev == StateConnected && st != StateConnected {
				s.typing.Reset()
			}
			prev = st
		}
	}
}

// ── Rooms ────────────────────────────────────────────────

// OpenRoom makes roomID the room on screen: its badge is cleared, its history
// loaded if the cache has none, and the push channel joins it. The cached
// timeline is returned even when the history load fails.
func (s *Session) OpenRoom(ctx context.Context, roomID string) ([]Message, error) {
	s.mu.Lock()
	prev := s.openRoom
	s.openRoom = roomID
	s.mu.Unlock()
	if prev != "" && prev != roomID {
		s.leave(ctx, prev)
	}

	s.sync.OpenRoom(roomID)
	loadErr := s.history.EnsureRoom(ctx, roomID)
	if err := s.push.JoinRoom(ctx, roomID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("join failed", slog.String("room", roomID), slog.Any("error", err))
	}
	return s.cache.Messages(roomID), loadErr
}

// CloseRoom leaves the open room.
func (s *Session) CloseRoom(ctx context.Context) {
	s.mu.Lock()
	prev := s.openRoom
	s.openRoom = ""
	s.mu.Unlock()
	if prev != "" {
		s.leave(ctx, prev)
	}
	s.sync.CloseRoom()
}

func (s *Session) leave(ctx context.Context, roomID string) {
	s.typing.SetTyping(ctx, roomID, false)
	if err := s.push.LeaveRoom(ctx, roomID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("leave failed", slog.String("room", roomID), slog.Any("error", err))
	}
}

// CreateRoom creates a room on the server and adds it to the cache.
func (s *Session) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (Room, error) {
	if s.rooms == nil {
		return Room{}, errors.New("room creation not supported")
	}
	if opts.CreatorID == "" {
		opts.CreatorID = s.identity.UserID
	}
	room, err := s.rooms.CreateRoom(ctx, opts)
	if err != nil {
		return Room{}, err
	}
	s.sync.UpsertRoom(room)
	return room, nil
}

// DirectRoom returns the direct room with otherUserID, creating it when the
// cache does not know it.
func (s *Session) DirectRoom(ctx context.Context, otherUserID string) (Room, error) {
	id := DirectRoomID(s.identity.UserID, otherUserID)
	if room, ok := s.cache.Room(id); ok {
		return room, nil
	}
	return s.CreateRoom(ctx, &CreateRoomOptions{
		Participants: []string{s.identity.UserID, otherUserID},
		Kind:         RoomDirect,
	})
}

// ── Messages ─────────────────────────────────────────────

func (s *Session) Send(ctx context.Context, roomID string, body Body) (Message, error) {
	return s.sync.Send(ctx, roomID, body)
}

func (s *Session) Retry(ctx context.Context, correlationID string) error {
	return s.sync.Retry(ctx, correlationID)
}

func (s *Session) EditMessage(ctx context.Context, roomID, messageID, text string) error {
	return s.sync.EditMessage(ctx, roomID, messageID, text)
}

func (s *Session) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return s.sync.DeleteMessage(ctx, roomID, messageID)
}

func (s *Session) SetTyping(ctx context.Context, roomID string, isTyping bool) {
	s.typing.SetTyping(ctx, roomID, isTyping)
}

// Close disconnects, stops the loop and persists a snapshot when a store is
// configured. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.push.Disconnect()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.typing.Reset()

	if s.store == nil {
		return nil
	}
	err := s.store.Save(s.cache.Snapshot())
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
