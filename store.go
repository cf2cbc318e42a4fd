package chatsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	roomPrefix = "room:"
	msgPrefix  = "msg:"
)

// BadgerStore persists cache snapshots so unconfirmed sends survive a
// restart. Messages are keyed by room and timestamp, so a prefix scan yields
// a room's timeline in order.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadgerStore opens the store at path; an empty path keeps it in memory.
func OpenBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log.With(slog.String("component", "badger"))})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func roomKey(roomID string) []byte {
	return []byte(roomPrefix + roomID)
}

// messagePrefix scopes the keys of one room. The id is length-prefixed so
// room "a" never matches the keys of room "a:b".
func messagePrefix(roomID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", msgPrefix, len(roomID), roomID))
}

func messageKey(m Message) []byte {
	return fmt.Appendf(messagePrefix(m.RoomID), "%019d:%s", sortableNanos(m.Timestamp), m.Key())
}

// sortableNanos clamps t to the range where UnixNano is defined and
// non-negative, so the zero-padded keys sort by time.
func sortableNanos(t time.Time) int64 {
	switch {
	case t.Before(time.Unix(0, 0)):
		return 0
	case t.After(time.Unix(0, math.MaxInt64)):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// Save replaces the stored state with snap.
func (b *BadgerStore) Save(snap Snapshot) error {
	if err := b.db.DropPrefix([]byte(roomPrefix), []byte(msgPrefix)); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	count := 0
	for _, rec := range snap.Rooms {
		data, err := json.Marshal(rec.Room)
		if err != nil {
			return fmt.Errorf("marshal room %s: %w", rec.ID, err)
		}
		if err := wb.Set(roomKey(rec.ID), data); err != nil {
			return err
		}
		for _, m := range rec.Messages {
			m.RoomID = rec.ID
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal message %s: %w", m.Key(), err)
			}
			if err := wb.Set(messageKey(m), data); err != nil {
				return err
			}
			count++
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}
	b.log.Debug("snapshot saved", slog.Int("rooms", len(snap.Rooms)), slog.Int("messages", count))
	return nil
}

// Load reads the stored snapshot. An empty store yields an empty snapshot.
func (b *BadgerStore) Load() (Snapshot, error) {
	snap := Snapshot{Rooms: []RoomRecord{}}
	err := b.db.View(func(txn *badger.Txn) error {
		rooms, err := scan[Room](txn, []byte(roomPrefix))
		if err != nil {
			return err
		}
		for _, r := range rooms {
			msgs, err := scan[Message](txn, messagePrefix(r.ID))
			if err != nil {
				return err
			}
			snap.Rooms = append(snap.Rooms, RoomRecord{Room: r, Messages: msgs})
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load store: %w", err)
	}
	return snap, nil
}

func scan[T any](txn *badger.Txn, prefix []byte) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", it.Item().Key(), err)
			}
			out = append(out, item)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debug(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Debug(fmt.Sprintf(f, v...)) }
