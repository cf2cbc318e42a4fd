package chatsync

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// cacheWriter is where loaded history lands. Both RoomCache and MessageSync
// satisfy it; a running session passes MessageSync so writes stay on its loop.
type cacheWriter interface {
	UpsertRoom(room Room)
	MergeIncoming(roomID string, msg Message) MergeResult
	RemoveRoom(roomID string)
}

// HistoryLoader pulls room lists and timelines over REST and feeds them
// through the merge rule.
type HistoryLoader struct {
	api      HistoryAPI
	cache    *RoomCache
	writer   cacheWriter
	identity Identity
	limit    int
	logger   *slog.Logger
	group    singleflight.Group
}

// NewHistoryLoader creates a loader. Reads go to cache; writes go to writer,
// or to cache when writer is nil.
func NewHistoryLoader(api HistoryAPI, cache *RoomCache, writer cacheWriter, identity Identity, cfg Config) *HistoryLoader {
	cfg.defaults()
	if writer == nil {
		writer = cache
	}
	return &HistoryLoader{
		api:      api,
		cache:    cache,
		writer:   writer,
		identity: identity,
		limit:    cfg.HistoryLimit,
		logger:   cfg.Logger.With(slog.String("component", "history")),
	}
}

// LoadRooms fetches every room of the user with its embedded recent messages.
// Rooms the server no longer returns are dropped unless they hold unsent
// messages.
func (h *HistoryLoader) LoadRooms(ctx context.Context) error {
	_, err, _ := h.group.Do("rooms", func() (any, error) {
		records, err := h.api.ChatRecords(ctx, h.identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("load rooms: %w", err)
		}

		seen := make(map[string]bool, len(records))
		for _, rec := range records {
			if rec.ID == "" {
				continue
			}
			seen[rec.ID] = true
			h.writer.UpsertRoom(rec.Room)
			for _, m := range rec.Messages {
				h.writer.MergeIncoming(rec.ID, m)
			}
		}

		unsent := make(map[string]bool)
		for _, m := range h.cache.Pending() {
			unsent[m.RoomID] = true
		}
		for _, r := range h.cache.ListRooms() {
			if !seen[r.ID] && !unsent[r.ID] {
				h.logger.Info("room gone from server", slog.String("room", r.ID))
				h.writer.RemoveRoom(r.ID)
			}
		}
		h.logger.Debug("rooms loaded", slog.Int("count", len(records)))
		return nil, nil
	})
	return err
}

// LoadMessages fetches the latest limit messages of a room. Concurrent calls
// for the same room share one request. limit <= 0 uses the configured default.
func (h *HistoryLoader) LoadMessages(ctx context.Context, roomID string, limit int) error {
	if limit <= 0 {
		limit = h.limit
	}
	key := fmt.Sprintf("messages:%s:%d", roomID, limit)
	_, err, shared := h.group.Do(key, func() (any, error) {
		msgs, err := h.api.RoomMessages(ctx, roomID, limit)
		if err != nil {
			return nil, fmt.Errorf("load messages of %s: %w", roomID, err)
		}
		inserted := 0
		for _, m := range msgs {
			if h.writer.MergeIncoming(roomID, m) == MergeInserted {
				inserted++
			}
		}
		h.logger.Debug("messages loaded",
			slog.String("room", roomID),
			slog.Int("fetched", len(msgs)),
			slog.Int("inserted", inserted))
		return nil, nil
	})
	if shared {
		h.logger.Debug("messages load coalesced", slog.String("room", roomID))
	}
	return err
}

// EnsureRoom loads history only when the room has no cached messages.
func (h *HistoryLoader) EnsureRoom(ctx context.Context, roomID string) error {
	if len(h.cache.Messages(roomID)) > 0 {
		return nil
	}
	return h.LoadMessages(ctx, roomID, 0)
}

// Resync reloads several rooms concurrently, four at a time.
func (h *HistoryLoader) Resync(ctx context.Context, roomIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range roomIDs {
		g.Go(func() error {
			return h.LoadMessages(ctx, id, 0)
		})
	}
	return g.Wait()
}
