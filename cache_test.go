package chatsync

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func confirmed(id string, sec int, text string) Message {
	return Message{
		ID:        id,
		SenderID:  "bob",
		Body:      TextBody(text),
		Timestamp: t0.Add(time.Duration(sec) * time.Second),
	}
}

func pending(corr string, sec int, text string) Message {
	return Message{
		CorrelationID: corr,
		SenderID:      "alice",
		Body:          TextBody(text),
		Timestamp:     t0.Add(time.Duration(sec) * time.Second),
		Status:        StatusPending,
	}
}

func keys(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

// ============================================================================
// MergeIncoming
// ============================================================================

func TestRoomCache_MergeIncoming(t *testing.T) {
	t.Run("keeps timestamp order regardless of arrival order", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		req.Equal(MergeInserted, c.MergeIncoming("r1", confirmed("m3", 3, "c")))
		req.Equal(MergeInserted, c.MergeIncoming("r1", confirmed("m1", 1, "a")))
		req.Equal(MergeInserted, c.MergeIncoming("r1", confirmed("m2", 2, "b")))

		req.Equal([]string{"m1", "m2", "m3"}, keys(c.Messages("r1")))
	})

	t.Run("breaks timestamp ties by key", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		c.MergeIncoming("r1", confirmed("b", 5, "x"))
		c.MergeIncoming("r1", confirmed("a", 5, "y"))
		c.MergeIncoming("r1", confirmed("c", 5, "z"))

		req.Equal([]string{"a", "b", "c"}, keys(c.Messages("r1")))
	})

	t.Run("duplicate delivery keeps one entry with the latest payload", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		c.MergeIncoming("r1", confirmed("m1", 1, "first"))
		again := confirmed("m1", 9, "edited")
		again.Edited = true
		req.Equal(MergeReplaced, c.MergeIncoming("r1", again))

		msgs := c.Messages("r1")
		req.Len(msgs, 1)
		req.Equal("edited", msgs[0].Body.Text)
		req.True(msgs[0].Edited)
		req.Equal(t0.Add(time.Second), msgs[0].Timestamp, "timestamp is never renumbered")

		room, ok := c.Room("r1")
		req.True(ok)
		req.Equal(1, room.MessageCount)
		req.Equal("edited", room.LastMessage.Text)
	})

	t.Run("confirmed echo replaces the pending entry in place", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		c.MergeIncoming("r1", confirmed("m1", 1, "before"))
		c.MergeIncoming("r1", pending("c1", 2, "hi"))
		c.MergeIncoming("r1", confirmed("m9", 3, "after"))

		echo := confirmed("s1", 2, "hi")
		echo.CorrelationID = "c1"
		echo.SenderID = "alice"
		req.Equal(MergeConfirmed, c.MergeIncoming("r1", echo))

		msgs := c.Messages("r1")
		req.Equal([]string{"m1", "s1", "m9"}, keys(msgs))
		req.Equal(StatusConfirmed, msgs[1].Status)
		req.Equal("c1", msgs[1].CorrelationID)
	})

	t.Run("second durable record for a confirmed correlation id is ignored", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		c.MergeIncoming("r1", pending("c1", 1, "hi"))
		first := confirmed("s1", 1, "hi")
		first.CorrelationID = "c1"
		req.Equal(MergeConfirmed, c.MergeIncoming("r1", first))

		dup := confirmed("s2", 1, "hi")
		dup.CorrelationID = "c1"
		req.Equal(MergeIgnored, c.MergeIncoming("r1", dup))

		req.Equal([]string{"s1"}, keys(c.Messages("r1")))
	})

	t.Run("deleted message carries the sentinel body", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()

		c.MergeIncoming("r1", confirmed("m1", 1, "secret"))
		del := confirmed("m1", 1, "secret")
		del.Deleted = true
		c.MergeIncoming("r1", del)

		msgs := c.Messages("r1")
		req.Equal(DeletedText, msgs[0].Body.Text)
		room, _ := c.Room("r1")
		req.Equal(DeletedText, room.LastMessage.Text)
	})

	t.Run("message without any key is ignored", func(t *testing.T) {
		c := NewRoomCache()
		require.Equal(t, MergeIgnored, c.MergeIncoming("r1", Message{Body: TextBody("x")}))
	})
}

func TestRoomCache_LastMessageMonotonic(t *testing.T) {
	req := require.New(t)
	c := NewRoomCache()

	c.MergeIncoming("r1", confirmed("m5", 5, "newest"))
	c.MergeIncoming("r1", confirmed("m1", 1, "backfill"))

	room, _ := c.Room("r1")
	req.Equal("newest", room.LastMessage.Text)
	req.Equal(t0.Add(5*time.Second), room.LastMessage.Timestamp)
	req.Equal(2, room.MessageCount)

	c.UpsertRoom(Room{
		ID:          "r1",
		LastMessage: &MessageSummary{Text: "stale", Timestamp: t0},
	})
	room, _ = c.Room("r1")
	req.Equal("newest", room.LastMessage.Text)
}

func TestRoomCache_MessageCount(t *testing.T) {
	t.Run("messages already in the server summary are not counted again", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()
		c.UpsertRoom(Room{
			ID:           "r1",
			MessageCount: 2,
			LastMessage:  &MessageSummary{Text: "b", Timestamp: t0.Add(time.Second)},
		})

		c.MergeIncoming("r1", confirmed("m1", 0, "a"))
		c.MergeIncoming("r1", confirmed("m2", 1, "b"))
		room, _ := c.Room("r1")
		req.Equal(2, room.MessageCount)

		c.MergeIncoming("r1", confirmed("m3", 2, "c"))
		room, _ = c.Room("r1")
		req.Equal(3, room.MessageCount)
		req.Equal("c", room.LastMessage.Text)
	})

	t.Run("folding a pending copy drops it from the count", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()
		c.MergeIncoming("r1", pending("c1", 1, "hi"))
		c.MergeIncoming("r1", confirmed("s1", 2, "hi"))
		room, _ := c.Room("r1")
		req.Equal(2, room.MessageCount)

		req.True(c.ReplacePending("c1", confirmed("s1", 2, "hi")))
		room, _ = c.Room("r1")
		req.Equal(1, room.MessageCount)
		req.Len(c.Messages("r1"), 1)
	})
}

func TestRoomCache_MergeAnyOrder(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			req := require.New(t)
			rng := rand.New(rand.NewPCG(seed, 42))

			// Few distinct seconds so timestamps collide.
			var unique, stream []Message
			for i := range 40 {
				m := confirmed(fmt.Sprintf("m%02d", i), rng.IntN(8), "x")
				unique = append(unique, m)
				for range 1 + rng.IntN(3) {
					stream = append(stream, m)
				}
			}

			got, want := NewRoomCache(), NewRoomCache()
			for i := range 5 {
				corr := fmt.Sprintf("c%d", i)
				sec := rng.IntN(8)
				echo := confirmed(fmt.Sprintf("s%d", i), sec, "mine")
				echo.CorrelationID = corr
				got.MergeIncoming("r1", pending(corr, sec, "mine"))
				want.MergeIncoming("r1", pending(corr, sec, "mine"))
				want.MergeIncoming("r1", echo)
				stream = append(stream, echo, echo)
			}
			for _, m := range unique {
				want.MergeIncoming("r1", m)
			}

			rng.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })
			for _, m := range stream {
				got.MergeIncoming("r1", m)
			}

			msgs := got.Messages("r1")
			req.Len(msgs, 45)
			req.True(sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) }))
			seen := make(map[string]bool, len(msgs))
			for _, m := range msgs {
				req.NotEmpty(m.ID, "pending %s never confirmed", m.CorrelationID)
				req.False(seen[m.ID], "duplicate %s", m.ID)
				seen[m.ID] = true
			}
			req.Equal(keys(want.Messages("r1")), keys(msgs))

			room, _ := got.Room("r1")
			req.Equal(len(msgs), room.MessageCount)
		})
	}
}

// ============================================================================
// ReplacePending
// ============================================================================

func TestRoomCache_ReplacePending(t *testing.T) {
	t.Run("swaps pending for confirmed", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()
		c.MergeIncoming("r1", pending("c1", 1, "hi"))

		req.True(c.ReplacePending("c1", confirmed("s1", 1, "hi")))

		msgs := c.Messages("r1")
		req.Len(msgs, 1)
		req.Equal("s1", msgs[0].ID)
		req.Equal("c1", msgs[0].CorrelationID)
		req.Equal(StatusConfirmed, msgs[0].Status)
		req.False(c.ReplacePending("c1", confirmed("s1", 1, "hi")), "already confirmed")
	})

	t.Run("unknown correlation id", func(t *testing.T) {
		c := NewRoomCache()
		require.False(t, c.ReplacePending("nope", confirmed("s1", 1, "hi")))
	})

	t.Run("folds into a copy that arrived without correlation id", func(t *testing.T) {
		req := require.New(t)
		c := NewRoomCache()
		c.MergeIncoming("r1", pending("c1", 1, "hi"))
		c.MergeIncoming("r1", confirmed("s1", 1, "hi"))
		req.Len(c.Messages("r1"), 2)

		req.True(c.ReplacePending("c1", confirmed("s1", 1, "hi")))

		msgs := c.Messages("r1")
		req.Len(msgs, 1)
		req.Equal("s1", msgs[0].ID)
		req.Equal("c1", msgs[0].CorrelationID)
	})
}

// ============================================================================
// Status, unread, rooms
// ============================================================================

func TestRoomCache_StatusTransitions(t *testing.T) {
	req := require.New(t)
	c := NewRoomCache()
	c.MergeIncoming("r1", pending("c1", 1, "one"))
	c.MergeIncoming("r2", pending("c2", 0, "two"))
	c.MergeIncoming("r2", confirmed("s9", 2, "done"))

	req.Equal([]string{"c2", "c1"}, keys(c.Pending()))

	req.True(c.MarkFailed("c1", "boom"))
	m, ok := c.FindByCorrelation("c1")
	req.True(ok)
	req.Equal(StatusFailed, m.Status)
	req.Equal("boom", m.Error)
	req.Len(c.Pending(), 2, "failed messages are still unconfirmed")

	req.True(c.MarkPending("c1"))
	m, _ = c.Find("r1", "c1")
	req.Equal(StatusPending, m.Status)
	req.Empty(m.Error)

	req.False(c.MarkFailed("missing", "x"))
}

func TestRoomCache_Unread(t *testing.T) {
	req := require.New(t)
	c := NewRoomCache()
	c.UpsertRoom(Room{ID: "r1", Participants: []string{"b", "a", "a"}})

	c.BumpUnread("r1")
	c.BumpUnread("r1")
	room, _ := c.Room("r1")
	req.Equal(2, room.Unread)
	req.Equal([]string{"a", "b"}, room.Participants)

	c.UpsertRoom(Room{ID: "r1", Name: "renamed"})
	room, _ = c.Room("r1")
	req.Equal(2, room.Unread, "server refresh keeps the local badge")
	req.Equal("renamed", room.Name)

	c.MarkRead("r1")
	room, _ = c.Room("r1")
	req.Zero(room.Unread)
}

func TestRoomCache_ListRooms(t *testing.T) {
	req := require.New(t)
	c := NewRoomCache()
	c.UpsertRoom(Room{ID: "empty-b"})
	c.UpsertRoom(Room{ID: "empty-a"})
	c.MergeIncoming("old", confirmed("m1", 1, "x"))
	c.MergeIncoming("new", confirmed("m2", 9, "y"))
	c.MergeIncoming("tie", confirmed("m3", 9, "z"))

	ids := []string{}
	for _, r := range c.ListRooms() {
		ids = append(ids, r.ID)
	}
	req.Equal([]string{"new", "tie", "old", "empty-a", "empty-b"}, ids)

	c.RemoveRoom("old")
	_, ok := c.Room("old")
	req.False(ok)
	req.Empty(c.Messages("old"))
}

// ============================================================================
// Snapshot and subscriptions
// ============================================================================

func TestRoomCache_SnapshotRestore(t *testing.T) {
	req := require.New(t)
	src := NewRoomCache()
	src.MergeIncoming("r1", confirmed("m1", 1, "a"))
	src.MergeIncoming("r1", pending("c1", 2, "b"))
	src.BumpUnread("r1")

	snap := src.Snapshot()
	req.Len(snap.Rooms, 1)

	dst := NewRoomCache()
	dst.Restore(snap)
	req.Equal(keys(src.Messages("r1")), keys(dst.Messages("r1")))
	room, _ := dst.Room("r1")
	req.Equal(1, room.Unread)
	req.Len(dst.Pending(), 1)

	// Snapshots are copies.
	snap.Rooms[0].Messages[0].Body.Text = "mutated"
	req.Equal("a", src.Messages("r1")[0].Body.Text)
}

func TestRoomCache_Subscribe(t *testing.T) {
	req := require.New(t)
	c := NewRoomCache()
	ch, cancel := c.Subscribe(1)
	defer cancel()

	c.MergeIncoming("r1", confirmed("m1", 1, "a"))
	// Buffer is full; further changes must not block.
	c.MergeIncoming("r1", confirmed("m2", 2, "b"))
	c.BumpUnread("r1")

	select {
	case change := <-ch:
		req.Equal(Change{RoomID: "r1", Kind: ChangeMessages}, change)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	c.MergeIncoming("r1", Message{})
	select {
	case change := <-ch:
		t.Fatalf("ignored merge must not notify, got %+v", change)
	default:
	}
}
