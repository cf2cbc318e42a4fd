package chatsync

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// MergeResult tells the caller what MergeIncoming did with a message.
type MergeResult int

const (
	MergeIgnored MergeResult = iota
	MergeInserted
	MergeReplaced
	MergeConfirmed
)

func (r MergeResult) String() string {
	switch r {
	case MergeInserted:
		return "inserted"
	case MergeReplaced:
		return "replaced"
	case MergeConfirmed:
		return "confirmed"
	default:
		return "ignored"
	}
}

type ChangeKind string

const (
	ChangeRooms    ChangeKind = "rooms"
	ChangeMessages ChangeKind = "messages"
)

// Change is published to cache subscribers after every mutation. Subscribers
// re-read the cache; the change itself carries no data.
type Change struct {
	RoomID string
	Kind   ChangeKind
}

// Snapshot is an immutable copy of the whole cache.
type Snapshot struct {
	Rooms []RoomRecord `json:"rooms"`
}

type roomEntry struct {
	room     Room
	messages []Message
}

func (e *roomEntry) indexByID(id string) int {
	_, i, _ := lo.FindIndexOf(e.messages, func(m Message) bool { return m.ID == id })
	return i
}

func (e *roomEntry) indexByCorrelation(corr string) int {
	_, i, _ := lo.FindIndexOf(e.messages, func(m Message) bool { return m.CorrelationID == corr })
	return i
}

// RoomCache is the in-memory store of rooms and their ordered timelines.
// Readers get copies; writers are serialized by the mutex and, once a
// session runs, by the MessageSync loop.
type RoomCache struct {
	mu       sync.RWMutex
	rooms    map[string]*roomEntry
	corrRoom map[string]string

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// NewRoomCache creates an empty cache.
func NewRoomCache() *RoomCache {
	return &RoomCache{
		rooms:    make(map[string]*roomEntry),
		corrRoom: make(map[string]string),
		subs:     make(map[int]chan Change),
	}
}

// ── Reads ────────────────────────────────────────────────

// ListRooms returns rooms ordered by last message time, newest first.
// Rooms without messages come last.
func (c *RoomCache) ListRooms() []Room {
	c.mu.RLock()
	rooms := make([]Room, 0, len(c.rooms))
	for _, e := range c.rooms {
		rooms = append(rooms, copyRoom(e.room))
	}
	c.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		a, b := rooms[i].LastMessage, rooms[j].LastMessage
		switch {
		case a == nil && b == nil:
			return rooms[i].ID < rooms[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Timestamp.Equal(b.Timestamp):
			return a.Timestamp.After(b.Timestamp)
		default:
			return rooms[i].ID < rooms[j].ID
		}
	})
	return rooms
}

// Room returns a copy of one room.
func (c *RoomCache) Room(roomID string) (Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return copyRoom(e.room), true
}

// Messages returns the ordered timeline of a room; empty if never primed.
func (c *RoomCache) Messages(roomID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rooms[roomID]
	if !ok {
		return []Message{}
	}
	return append([]Message(nil), e.messages...)
}

// Find looks a message up by server id or correlation id.
func (c *RoomCache) Find(roomID, key string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	if i := e.indexByID(key); i >= 0 {
		return e.messages[i], true
	}
	if i := e.indexByCorrelation(key); i >= 0 {
		return e.messages[i], true
	}
	return Message{}, false
}

// FindByCorrelation looks a message up by its correlation id alone.
func (c *RoomCache) FindByCorrelation(corr string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.rooms[c.corrRoom[corr]]
	if e == nil {
		return Message{}, false
	}
	if i := e.indexByCorrelation(corr); i >= 0 {
		return e.messages[i], true
	}
	return Message{}, false
}

// Pending returns every unconfirmed message (pending or failed), oldest first.
func (c *RoomCache) Pending() []Message {
	c.mu.RLock()
	var out []Message
	for _, e := range c.rooms {
		out = append(out, lo.Filter(e.messages, func(m Message, _ int) bool { return m.ID == "" })...)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Snapshot copies the whole cache.
func (c *RoomCache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Rooms: make([]RoomRecord, 0, len(c.rooms))}
	for _, e := range c.rooms {
		snap.Rooms = append(snap.Rooms, RoomRecord{
			Room:     copyRoom(e.room),
			Messages: append([]Message(nil), e.messages...),
		})
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].ID < snap.Rooms[j].ID })
	return snap
}

// ── Writes ───────────────────────────────────────────────

// MergeIncoming is the single ingestion rule for every channel.
//
// A message whose server id is already cached replaces that entry in place.
// A confirmed message carrying the correlation id of a pending entry confirms
// it. A confirmed message whose correlation id is already confirmed under a
// different server id is a duplicate durable record and is dropped. Anything
// else is inserted at its (timestamp, key) position.
func (c *RoomCache) MergeIncoming(roomID string, msg Message) MergeResult {
	c.mu.Lock()
	res := c.mergeLocked(roomID, msg)
	c.mu.Unlock()
	if res != MergeIgnored {
		c.notify(Change{RoomID: roomID, Kind: ChangeMessages})
	}
	return res
}

// ReplacePending swaps the pending message identified by correlationID for
// its server-confirmed counterpart, keeping its place in the timeline.
func (c *RoomCache) ReplacePending(correlationID string, confirmed Message) bool {
	c.mu.Lock()
	roomID := c.corrRoom[correlationID]
	e := c.rooms[roomID]
	ok := false
	if e != nil {
		if i := e.indexByCorrelation(correlationID); i >= 0 && e.messages[i].ID == "" && confirmed.ID != "" {
			confirmed.CorrelationID = correlationID
			confirmed.RoomID = roomID
			c.confirmAtLocked(e, i, confirmed)
			ok = true
		}
	}
	c.mu.Unlock()
	if ok {
		c.notify(Change{RoomID: roomID, Kind: ChangeMessages})
	}
	return ok
}

// MarkFailed flags an unconfirmed message as failed.
func (c *RoomCache) MarkFailed(correlationID, reason string) bool {
	return c.setStatus(correlationID, StatusFailed, reason)
}

// MarkPending puts a failed message back into the pending state.
func (c *RoomCache) MarkPending(correlationID string) bool {
	return c.setStatus(correlationID, StatusPending, "")
}

func (c *RoomCache) setStatus(correlationID string, status MessageStatus, reason string) bool {
	c.mu.Lock()
	roomID := c.corrRoom[correlationID]
	e := c.rooms[roomID]
	ok := false
	if e != nil {
		if i := e.indexByCorrelation(correlationID); i >= 0 && e.messages[i].ID == "" {
			e.messages[i].Status = status
			e.messages[i].Error = reason
			ok = true
		}
	}
	c.mu.Unlock()
	if ok {
		c.notify(Change{RoomID: roomID, Kind: ChangeMessages})
	}
	return ok
}

// UpsertRoom inserts or refreshes room metadata. Local counters and a newer
// cached last message are preserved.
func (c *RoomCache) UpsertRoom(room Room) {
	c.mu.Lock()
	e := c.ensureRoomLocked(room.ID)
	cur := e.room
	room.Participants = NormalizeParticipants(room.Participants)
	room.Unread = cur.Unread
	room.MessageCount = max(room.MessageCount, cur.MessageCount, len(e.messages))
	if cur.LastMessage != nil && (room.LastMessage == nil || cur.LastMessage.Timestamp.After(room.LastMessage.Timestamp)) {
		last := *cur.LastMessage
		room.LastMessage = &last
	}
	if room.Kind == "" {
		room.Kind = cur.Kind
	}
	e.room = room
	c.mu.Unlock()
	c.notify(Change{RoomID: room.ID, Kind: ChangeRooms})
}

// RemoveRoom drops a room the account no longer has access to.
func (c *RoomCache) RemoveRoom(roomID string) {
	c.mu.Lock()
	e, ok := c.rooms[roomID]
	if ok {
		for _, m := range e.messages {
			delete(c.corrRoom, m.CorrelationID)
		}
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
	if ok {
		c.notify(Change{RoomID: roomID, Kind: ChangeRooms})
	}
}

// MarkRead clears the unread badge of a room.
func (c *RoomCache) MarkRead(roomID string) {
	c.mu.Lock()
	e, ok := c.rooms[roomID]
	changed := ok && e.room.Unread != 0
	if changed {
		e.room.Unread = 0
	}
	c.mu.Unlock()
	if changed {
		c.notify(Change{RoomID: roomID, Kind: ChangeRooms})
	}
}

// BumpUnread increments the unread badge of a room.
func (c *RoomCache) BumpUnread(roomID string) {
	c.mu.Lock()
	e, ok := c.rooms[roomID]
	if ok {
		e.room.Unread++
	}
	c.mu.Unlock()
	if ok {
		c.notify(Change{RoomID: roomID, Kind: ChangeRooms})
	}
}

// Restore merges a snapshot into the cache through the regular merge rule.
func (c *RoomCache) Restore(snap Snapshot) {
	for _, rec := range snap.Rooms {
		unread := rec.Unread
		c.UpsertRoom(rec.Room)
		for _, m := range rec.Messages {
			c.MergeIncoming(rec.ID, m)
		}
		c.mu.Lock()
		if e, ok := c.rooms[rec.ID]; ok {
			e.room.Unread = unread
		}
		c.mu.Unlock()
	}
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe returns a channel of change notifications and a cancel func.
// Notifications are dropped for a subscriber whose buffer is full.
func (c *RoomCache) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *RoomCache) notify(ch Change) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// ── Internals ────────────────────────────────────────────

func (c *RoomCache) ensureRoomLocked(roomID string) *roomEntry {
	e, ok := c.rooms[roomID]
	if !ok {
		e = &roomEntry{room: Room{ID: roomID, Kind: RoomGroup}}
		c.rooms[roomID] = e
	}
	return e
}

func (c *RoomCache) mergeLocked(roomID string, msg Message) MergeResult {
	if roomID == "" || msg.Key() == "" {
		return MergeIgnored
	}
	msg.RoomID = roomID
	normalizeMessage(&msg)
	e := c.ensureRoomLocked(roomID)

	if msg.ID != "" {
		if i := e.indexByID(msg.ID); i >= 0 {
			c.replaceAtLocked(e, i, msg)
			return MergeReplaced
		}
		if msg.CorrelationID != "" {
			if i := e.indexByCorrelation(msg.CorrelationID); i >= 0 {
				if e.messages[i].ID != "" {
					return MergeIgnored
				}
				c.confirmAtLocked(e, i, msg)
				return MergeConfirmed
			}
		}
	} else if i := e.indexByCorrelation(msg.CorrelationID); i >= 0 {
		c.replaceAtLocked(e, i, msg)
		return MergeReplaced
	}

	c.insertLocked(e, msg)
	return MergeInserted
}

// replaceAtLocked overwrites entry i. Timestamps never change once a message
// is cached, so the entry keeps its position.
func (c *RoomCache) replaceAtLocked(e *roomEntry, i int, msg Message) {
	old := e.messages[i]
	msg.Timestamp = old.Timestamp
	if msg.CorrelationID == "" {
		msg.CorrelationID = old.CorrelationID
	}
	e.messages[i] = msg
	if msg.CorrelationID != "" {
		c.corrRoom[msg.CorrelationID] = e.room.ID
	}
	if i == len(e.messages)-1 && e.room.LastMessage != nil {
		e.room.LastMessage.Text = msg.Summary()
	}
}

// confirmAtLocked turns the pending entry i into its confirmed form. If the
// confirmed server id is already present (it arrived without a correlation
// id), the pending entry is folded into it instead.
func (c *RoomCache) confirmAtLocked(e *roomEntry, i int, msg Message) {
	msg.Status = StatusConfirmed
	msg.Error = ""
	if j := e.indexByID(msg.ID); j >= 0 && j != i {
		msg.Timestamp = e.messages[j].Timestamp
		e.messages[j] = msg
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
		e.room.MessageCount = max(e.room.MessageCount-1, len(e.messages))
		c.corrRoom[msg.CorrelationID] = e.room.ID
		c.refreshLastLocked(e)
		return
	}
	c.replaceAtLocked(e, i, msg)

	// The key changed from correlation id to server id, which can only
	// matter between messages sharing a timestamp.
	cur := e.messages[i]
	for i > 0 && cur.Before(e.messages[i-1]) {
		e.messages[i], e.messages[i-1] = e.messages[i-1], e.messages[i]
		i--
	}
	for i < len(e.messages)-1 && e.messages[i+1].Before(cur) {
		e.messages[i], e.messages[i+1] = e.messages[i+1], e.messages[i]
		i++
	}
	c.refreshLastLocked(e)
}

func (c *RoomCache) insertLocked(e *roomEntry, msg Message) {
	idx := sort.Search(len(e.messages), func(i int) bool { return !e.messages[i].Before(msg) })
	e.messages = append(e.messages, Message{})
	copy(e.messages[idx+1:], e.messages[idx:])
	e.messages[idx] = msg
	if msg.CorrelationID != "" {
		c.corrRoom[msg.CorrelationID] = e.room.ID
	}

	// Only a message strictly newer than the summary is unknown to the
	// server count; an equal timestamp is the summarised message itself.
	last := e.room.LastMessage
	if last == nil || msg.Timestamp.After(last.Timestamp) {
		e.room.MessageCount++
	}
	if last == nil || !msg.Timestamp.Before(last.Timestamp) {
		e.room.LastMessage = &MessageSummary{Text: msg.Summary(), Timestamp: msg.Timestamp}
	}
	e.room.MessageCount = max(e.room.MessageCount, len(e.messages))
}

func (c *RoomCache) refreshLastLocked(e *roomEntry) {
	if len(e.messages) == 0 || e.room.LastMessage == nil {
		return
	}
	tail := e.messages[len(e.messages)-1]
	if !tail.Timestamp.Before(e.room.LastMessage.Timestamp) {
		e.room.LastMessage = &MessageSummary{Text: tail.Summary(), Timestamp: tail.Timestamp}
	}
}

func normalizeMessage(m *Message) {
	if m.Deleted {
		m.Body = TextBody(DeletedText)
	}
	if m.Body.Kind == "" {
		m.Body.Kind = BodyText
	}
	switch {
	case m.ID != "":
		m.Status = StatusConfirmed
		m.Error = ""
	case m.Status == "" || m.Status == StatusConfirmed:
		m.Status = StatusPending
	}
}

func copyRoom(r Room) Room {
	r.Participants = append([]string(nil), r.Participants...)
	if r.LastMessage != nil {
		last := *r.LastMessage
		r.LastMessage = &last
	}
	return r
}
