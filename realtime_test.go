package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// pushServer speaks the push protocol over a real WebSocket.
type pushServer struct {
	srv       *httptest.Server
	reject    string
	registers chan RegisterPayload
	conns     chan *websocket.Conn
	frames    chan Envelope
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{
		registers: make(chan RegisterPayload, 16),
		conns:     make(chan *websocket.Conn, 16),
		frames:    make(chan Envelope, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := context.Background()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	var env Envelope
	if json.Unmarshal(data, &env) != nil || env.Type != EventRegister {
		return
	}
	var reg RegisterPayload
	_ = json.Unmarshal(env.Payload, &reg)
	s.registers <- reg

	ack := RegisteredPayload{Success: s.reject == ""}
	ack.Error = s.reject
	if err := writeFrame(ctx, c, EventRegistered, ack); err != nil {
		return
	}
	if s.reject != "" {
		return
	}
	s.conns <- c

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			select {
			case s.frames <- env:
			default:
			}
		}
	}
}

func writeFrame(ctx context.Context, c *websocket.Conn, event string, payload any) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func (s *pushServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection registered")
		return nil
	}
}

// nextFrame returns the next client frame of the given type.
func (s *pushServer) nextFrame(t *testing.T, event string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Type == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame received", event)
			return Envelope{}
		}
	}
}

func newTestManager(t *testing.T, url string, tokens TokenProvider) *ConnectionManager {
	t.Helper()
	cm := NewConnectionManager(Config{
		PushURL:            url,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		ConnectTimeout:     2 * time.Second,
		Logger:             testLogger(),
	}, tokens)
	t.Cleanup(cm.Disconnect)
	return cm
}

func roomOf(t *testing.T, env Envelope) string {
	t.Helper()
	var p RoomPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.RoomID
}

// ============================================================================
// Connect / register
// ============================================================================

func TestConnectionManager_ConnectRegisters(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok-1", alice))

	states, unsubscribe := cm.Subscribe()
	defer unsubscribe()

	req.NoError(cm.Connect(context.Background()))
	req.Equal(StateConnected, cm.State())

	reg := <-srv.registers
	req.Equal("alice", reg.UserID)
	req.Equal("Alice", reg.DisplayName)
	req.Equal("tok-1", reg.AuthToken)

	var seen []ConnState
	for len(seen) < 3 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("states so far: %v", seen)
		}
	}
	req.Equal([]ConnState{StateConnecting, StateRegistering, StateConnected}, seen)

	// Connecting again while live is a no-op.
	req.NoError(cm.Connect(context.Background()))
	select {
	case <-srv.registers:
		t.Fatal("second Connect must not open another socket")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionManager_RegistrationRejected(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	srv.reject = "bad token"

	refreshes := 0
	tokens := NewRefreshingTokenProvider(alice, func(context.Context) (string, error) {
		refreshes++
		return "tok", nil
	}, time.Minute)
	cm := newTestManager(t, srv.url(), tokens)

	err := cm.Connect(context.Background())
	req.Error(err)
	req.True(IsAuthRejection(err))
	req.Contains(err.Error(), "bad token")
	req.Equal(StateFailed, cm.State())
	req.True(IsAuthRejection(cm.LastError()))

	// The rejected token was invalidated, so the next attempt refreshes.
	_ = cm.Reconnect(context.Background())
	req.Equal(2, refreshes)
}

func TestConnectionManager_UnreachableExhaustsAttempts(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cm := NewConnectionManager(Config{
		PushURL:              url,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 1,
		Logger:               testLogger(),
	}, NewStaticTokenProvider("tok", alice))
	t.Cleanup(cm.Disconnect)

	err := cm.Connect(context.Background())
	req.Error(err)
	req.True(IsTransport(err))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(cm.WaitFor(ctx, StateFailed))
}

// ============================================================================
// Reconnect and rooms
// ============================================================================

func TestConnectionManager_ReconnectRejoinsRooms(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok", alice))

	// Desired before connecting; joined once the socket is up.
	req.NoError(cm.JoinRoom(context.Background(), "r2"))
	req.NoError(cm.Connect(context.Background()))
	first := srv.nextConn(t)
	req.Equal("r2", roomOf(t, srv.nextFrame(t, EventJoinRoom)))

	req.NoError(cm.JoinRoom(context.Background(), "r1"))
	req.Equal("r1", roomOf(t, srv.nextFrame(t, EventJoinRoom)))
	req.Equal([]string{"r1", "r2"}, cm.DesiredRooms())

	req.NoError(writeFrame(context.Background(), first, EventRoomJoined, RoomPayload{RoomID: "r1"}))
	req.Eventually(func() bool { return cm.Joined("r1") }, time.Second, 5*time.Millisecond)

	// Server drops the socket.
	_ = first.CloseNow()

	srv.nextConn(t)
	rejoined := []string{
		roomOf(t, srv.nextFrame(t, EventJoinRoom)),
		roomOf(t, srv.nextFrame(t, EventJoinRoom)),
	}
	req.Equal([]string{"r1", "r2"}, rejoined)
	req.Equal(StateConnected, cm.State())
	req.False(cm.Joined("r1"), "join acks are per connection")
	req.True(IsTransport(cm.LastError()))
}

func TestConnectionManager_LateJoinAckIsLeft(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok", alice))
	req.NoError(cm.Connect(context.Background()))
	conn := srv.nextConn(t)

	req.NoError(cm.JoinRoom(context.Background(), "r1"))
	srv.nextFrame(t, EventJoinRoom)
	req.NoError(cm.LeaveRoom(context.Background(), "r1"))
	srv.nextFrame(t, EventLeaveRoom)

	// The join ack arrives after the caller already left.
	req.NoError(writeFrame(context.Background(), conn, EventRoomJoined, RoomPayload{RoomID: "r1"}))
	req.Equal("r1", roomOf(t, srv.nextFrame(t, EventLeaveRoom)))
	req.False(cm.Joined("r1"))
}

// ============================================================================
// Frames
// ============================================================================

func TestConnectionManager_VersionMismatchDropped(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok", alice))
	req.NoError(cm.Connect(context.Background()))
	conn := srv.nextConn(t)

	ctx := context.Background()
	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`{"v":2,"type":"new-message","payload":{"id":"future"}}`)))
	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`garbage`)))
	req.NoError(writeFrame(ctx, conn, EventNewMessage, map[string]string{"id": "current"}))

	select {
	case ev := <-cm.Events():
		req.Equal(EventNewMessage, ev.Type)
		req.JSONEq(`{"id":"current"}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("expected the v1 frame")
	}
}

func TestConnectionManager_EmitRequiresConnection(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok", alice))

	req.ErrorIs(cm.Emit(context.Background(), EventTyping, TypingState{RoomID: "r1"}), ErrNotConnected)

	req.NoError(cm.Connect(context.Background()))
	srv.nextConn(t)
	req.NoError(cm.Emit(context.Background(), EventTyping, TypingState{RoomID: "r1", UserID: "alice", IsTyping: true}))

	env := srv.nextFrame(t, EventTyping)
	req.Equal(ProtocolVersion, env.V)
	var st TypingState
	req.NoError(json.Unmarshal(env.Payload, &st))
	req.True(st.IsTyping)
}

func TestConnectionManager_DisconnectIdempotent(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)
	cm := newTestManager(t, srv.url(), NewStaticTokenProvider("tok", alice))

	req.NoError(cm.JoinRoom(context.Background(), "r1"))
	req.NoError(cm.Connect(context.Background()))
	srv.nextConn(t)

	cm.Disconnect()
	cm.Disconnect()
	req.Equal(StateDisconnected, cm.State())
	req.Empty(cm.DesiredRooms())
	req.ErrorIs(cm.Emit(context.Background(), EventTyping, TypingState{}), ErrNotConnected)

	// A fresh Connect works after Disconnect.
	req.NoError(cm.Connect(context.Background()))
	srv.nextConn(t)
	req.Equal(StateConnected, cm.State())
}

func TestBackoff(t *testing.T) {
	req := require.New(t)
	b := newBackoff(&Config{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	var prev time.Duration
	for i := 0; i < 3; i++ {
		req.True(b.retry())
		d := b.next()
		req.GreaterOrEqual(d, prev)
		req.LessOrEqual(d, time.Second)
		prev = d
	}
	req.False(b.retry())

	// A registered connection forgives earlier failures.
	b.reset()
	req.True(b.retry())
	req.Less(b.next(), 200*time.Millisecond)

	unlimited := newBackoff(&Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 2 * time.Second})
	for i := 0; i < 100; i++ {
		req.LessOrEqual(unlimited.next(), 2*time.Second)
	}
	req.True(unlimited.retry())
}

func TestConnectionManager_FailuresResetAfterRegistering(t *testing.T) {
	req := require.New(t)
	srv := newPushServer(t)

	// The gateway refuses the first two upgrades.
	var upgrades atomic.Int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if upgrades.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		srv.handle(w, r)
	}))
	t.Cleanup(gateway.Close)

	cm := NewConnectionManager(Config{
		PushURL:              "ws" + strings.TrimPrefix(gateway.URL, "http"),
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ConnectTimeout:       2 * time.Second,
		Logger:               testLogger(),
	}, NewStaticTokenProvider("tok", alice))
	t.Cleanup(cm.Disconnect)

	req.True(IsTransport(cm.Connect(context.Background())))
	conn := srv.nextConn(t)
	req.Equal(StateConnected, cm.State())

	states, unsubscribe := cm.Subscribe()
	defer unsubscribe()
	_ = conn.CloseNow()

	srv.nextConn(t)
	var seen []ConnState
	for len(seen) == 0 || seen[len(seen)-1] != StateConnected {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("states so far: %v", seen)
		}
	}
	req.NotContains(seen, StateFailed)
	req.Contains(seen, StateReconnecting)
	req.EqualValues(4, upgrades.Load())
}
