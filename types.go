package chatsync

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the stable user identity supplied by a TokenProvider.
type Identity struct {
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
}

// ============================================================================
// Rooms
// ============================================================================

type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// MessageSummary is the denormalized last-message preview used by room lists.
type MessageSummary struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Room is a chat room as seen by the local user.
type Room struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Name         string          `json:"name,omitempty"`
	Kind         RoomKind        `json:"kind"`
	CreatorID    string          `json:"creatorId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	MessageCount int             `json:"messageCount"`
	Unread       int             `json:"unread,omitempty"`
}

// RoomRecord is a room with its embedded recent messages, as returned by the
// bulk records endpoint.
type RoomRecord struct {
	Room
	Messages []Message `json:"messages,omitempty"`
}

// CreateRoomOptions describes a room creation request.
type CreateRoomOptions struct {
	Participants []string `json:"participants" validate:"min=1,dive,required"`
	Name         string   `json:"name,omitempty"`
	Kind         RoomKind `json:"kind" validate:"oneof=direct group"`
	CreatorID    string   `json:"creatorId"`
}

// NormalizeParticipants returns the participant ids de-duplicated and sorted,
// which is the canonical form used for room identity.
func NormalizeParticipants(ids []string) []string {
	out := lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return id != "" }))
	sort.Strings(out)
	return out
}

// DirectRoomID derives the identifier of the direct room between two users.
// The result does not depend on argument order.
func DirectRoomID(a, b string) string {
	return strings.Join(NormalizeParticipants([]string{a, b}), "_")
}

// ============================================================================
// Messages
// ============================================================================

type BodyKind string

const (
	BodyText  BodyKind = "text"
	BodyImage BodyKind = "image"
)

// DeletedText replaces the body of a soft-deleted message.
const DeletedText = "This message was deleted"

// Body is the content of a message: plain text, or an image reference with
// an optional caption.
type Body struct {
	Kind     BodyKind
	Text     string
	ImageURL string
}

func TextBody(text string) Body { return Body{Kind: BodyText, Text: text} }

func ImageBody(url, caption string) Body {
	return Body{Kind: BodyImage, ImageURL: url, Text: caption}
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single chat message. ID is assigned by the server; until then
// the message is pending and identified by its CorrelationID.
type Message struct {
	ID            string
	CorrelationID string
	RoomID        string
	SenderID      string
	SenderName    string
	Body          Body
	Timestamp     time.Time
	Edited        bool
	Deleted       bool
	Status        MessageStatus
	Error         string
}

// Key identifies the message inside its room.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// Before reports whether m sorts before o in the (timestamp, key) order.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Key() < o.Key()
}

// Pending reports whether the server has not confirmed the message yet.
func (m Message) Pending() bool { return m.ID == "" }

// Summary returns the preview text shown in room lists.
func (m Message) Summary() string {
	switch {
	case m.Deleted:
		return DeletedText
	case m.Body.Kind == BodyImage && m.Body.Text == "":
		return "[image]"
	default:
		return m.Body.Text
	}
}

// wireMessage is the single JSON contract for messages on both channels.
type wireMessage struct {
	ID          string        `json:"id,omitempty"`
	ClientID    string        `json:"clientId,omitempty"`
	RoomID      string        `json:"roomId"`
	SenderID    string        `json:"senderId"`
	DisplayName string        `json:"displayName"`
	Message     string        `json:"message"`
	ImageURL    string        `json:"imageUrl,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Edited      bool          `json:"edited,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:          m.ID,
		ClientID:    m.CorrelationID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		DisplayName: m.SenderName,
		Message:     m.Body.Text,
		ImageURL:    m.Body.ImageURL,
		Timestamp:   m.Timestamp,
		Edited:      m.Edited,
		Deleted:     m.Deleted,
		Status:      m.Status,
		Error:       m.Error,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body := TextBody(w.Message)
	if w.ImageURL != "" {
		body = ImageBody(w.ImageURL, w.Message)
	}
	status := w.Status
	if status == "" {
		status = StatusPending
		if w.ID != "" {
			status = StatusConfirmed
		}
	}
	*m = Message{
		ID:            w.ID,
		CorrelationID: w.ClientID,
		RoomID:        w.RoomID,
		SenderID:      w.SenderID,
		SenderName:    w.DisplayName,
		Body:          body,
		Timestamp:     w.Timestamp,
		Edited:        w.Edited,
		Deleted:       w.Deleted,
		Status:        status,
		Error:         w.Error,
	}
	return nil
}

// ============================================================================
// Typing
// ============================================================================

// TypingState is an ephemeral "user is typing" flag for one room.
type TypingState struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}
