// Package chatsync keeps per-room chat timelines consistent across a push
// connection and a REST store.
//
// Example:
//
//	tokens := chatsync.NewStaticTokenProvider(jwt, chatsync.Identity{UserID: "u1", DisplayName: "Ann"})
//	sess, _ := chatsync.NewSession(chatsync.Config{BaseURL: api, PushURL: ws}, tokens)
//	_ = sess.Start(ctx)
//	defer sess.Close()
//
//	sess.OpenRoom(ctx, "u1_u2")
//	sess.Send(ctx, "u1_u2", chatsync.TextBody("Hi"))
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=mock_api_test.go -package=chatsync

// MessageAPI is the REST surface used by MessageSync.
type MessageAPI interface {
	CreateMessage(ctx context.Context, req SendRequest) (Message, error)
	EditMessage(ctx context.Context, roomID, messageID, userID, text string) (Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID, userID string) error
}

// HistoryAPI is the REST surface used by HistoryLoader.
type HistoryAPI interface {
	ChatRecords(ctx context.Context, userID string) ([]RoomRecord, error)
	RoomMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// SendRequest is the body of a REST message creation. ClientID doubles as the
// idempotency key, so retries of the same send never produce two records.
type SendRequest struct {
	RoomID      string    `json:"-" validate:"required"`
	UserID      string    `json:"userId" validate:"required"`
	DisplayName string    `json:"displayName"`
	Message     string    `json:"message" validate:"required_without=ImageURL"`
	ImageURL    string    `json:"imageUrl,omitempty" validate:"omitempty,url"`
	ClientID    string    `json:"clientId" validate:"required,uuid"`
	Timestamp   time.Time `json:"timestamp"`
}

func newSendRequest(m Message) SendRequest {
	return SendRequest{
		RoomID:      m.RoomID,
		UserID:      m.SenderID,
		DisplayName: m.SenderName,
		Message:     m.Body.Text,
		ImageURL:    m.Body.ImageURL,
		ClientID:    m.CorrelationID,
		Timestamp:   m.Timestamp,
	}
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the /Chat REST surface. Every request carries the
// passcode header; mutating requests also carry the bearer token.
type Client struct {
	baseURL    string
	passcode   string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithPasscode(passcode string) ClientOption {
	return func(c *Client) { c.passcode = passcode }
}

// WithTimeout sets the request timeout on a private copy of the HTTP client,
// leaving a client passed to WithHTTPClient untouched.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = timeout
		c.httpClient = &hc
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. tokens may be nil for read-only use.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── Room records ─────────────────────────────────────────

// ChatRecords returns every room of the user with its recent messages.
func (c *Client) ChatRecords(ctx context.Context, userID string) ([]RoomRecord, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/Chat/Records/"+url.PathEscape(userID), nil, nil, false)
	if err != nil {
		return nil, err
	}
	var records []RoomRecord
	if err := res.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateRoom creates a direct or group room.
func (c *Client) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (Room, error) {
	if err := validate.Struct(opts); err != nil {
		return Room{}, fmt.Errorf("invalid room: %w", err)
	}
	body := *opts
	body.Participants = NormalizeParticipants(opts.Participants)
	res, err := c.doRequest(ctx, http.MethodPost, "/Chat/Rooms", body, nil, true)
	if err != nil {
		return Room{}, err
	}
	var room Room
	if err := res.Decode(&room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// ── Messages ─────────────────────────────────────────────

// RoomMessages returns the most recent messages of a room.
func (c *Client) RoomMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	res, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID), nil, query, false)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].RoomID == "" {
			msgs[i].RoomID = roomID
		}
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, req SendRequest) (Message, error) {
	if err := validate.Struct(req); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	res, err := c.doRequest(ctx, http.MethodPost, roomPath(req.RoomID), req, nil, true)
	if err != nil {
		return Message{}, err
	}
	return decodeMessage(res, req.RoomID)
}

func (c *Client) EditMessage(ctx context.Context, roomID, messageID, userID, text string) (Message, error) {
	body := map[string]string{"message": text, "userId": userID}
	res, err := c.doRequest(ctx, http.MethodPut, roomPath(roomID)+"/"+url.PathEscape(messageID), body, nil, true)
	if err != nil {
		return Message{}, err
	}
	return decodeMessage(res, roomID)
}

func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID, userID string) error {
	body := map[string]string{"userId": userID}
	_, err := c.doRequest(ctx, http.MethodDelete, roomPath(roomID)+"/"+url.PathEscape(messageID), body, nil, true)
	return err
}

func roomPath(roomID string) string {
	return "/Chat/Rooms/" + url.PathEscape(roomID) + "/Messages"
}

func decodeMessage(res *apiResult, roomID string) (Message, error) {
	var m Message
	if err := res.Decode(&m); err != nil {
		return Message{}, err
	}
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	return m, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the REST response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *apiResult) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, auth bool) (*apiResult, error) {
	op := method + " " + path
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.passcode != "" {
		req.Header.Set("X-API-Passcode", c.passcode)
	}
	if auth && c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("rest request",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))

	var res apiResult
	if jerr := json.Unmarshal(data, &res); jerr != nil || (!res.OK && res.Error == nil) {
		// Endpoints that answer with a bare payload.
		res = apiResult{OK: true, Data: data}
	}
	return &res, c.statusError(op, resp.StatusCode, &res, data)
}

func (c *Client) statusError(op string, status int, res *apiResult, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	if res.Error != nil {
		msg = res.Error.Message
	}
	switch {
	case status == http.StatusUnauthorized:
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
		return &AuthRejectionError{Reason: msg}
	case status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return &TransportError{Op: op, Err: fmt.Errorf("gateway status %d", status)}
	case status < 200 || status > 299:
		if res.Error != nil {
			e := *res.Error
			e.Status = status
			return &e
		}
		return &APIError{Status: status, Message: msg}
	case !res.OK:
		e := *res.Error
		e.Status = status
		return &e
	}
	return nil
}
