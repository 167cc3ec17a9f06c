package internal_janus_room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// fakeGatewayServer speaks just enough of the control protocol for the
// tests: sessions, plugin handles, and videoroom create with 427 on repeat.
type fakeGatewayServer struct {
	upgrader websocket.Upgrader
	rooms    map[uint64]bool
	nextID   atomic.Uint64
}

func newFakeGatewayServer() *fakeGatewayServer {
	s := &fakeGatewayServer{
		upgrader: websocket.Upgrader{Subprotocols: []string{janusSubprotocol}},
		rooms:    map[uint64]bool{},
	}
	s.nextID.Store(1000)
	return s
}

func (s *fakeGatewayServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg gatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Janus {
		case "create", "attach":
			conn.WriteJSON(map[string]any{
				"janus":       "success",
				"transaction": msg.Transaction,
				"data":        map[string]any{"id": s.nextID.Add(1)},
			})
		case "keepalive":
			conn.WriteJSON(map[string]any{"janus": "ack", "transaction": msg.Transaction})
		case "message":
			s.handlePluginRequest(conn, &msg)
		}
	}
}

func (s *fakeGatewayServer) handlePluginRequest(conn *websocket.Conn, msg *gatewayMessage) {
	room := uint64(msg.Body["room"].(float64))
	data := map[string]any{}
	if s.rooms[room] {
		data["videoroom"] = "event"
		data["error_code"] = float64(errRoomExists)
		data["error"] = "room already exists"
	} else {
		s.rooms[room] = true
		data["videoroom"] = "created"
		data["room"] = room
	}
	conn.WriteJSON(map[string]any{
		"janus":       "success",
		"transaction": msg.Transaction,
		"plugindata":  map[string]any{"plugin": videoroomPlugin, "data": data},
	})
}

func testLogger() commons.Logger {
	logger, _ := commons.NewApplicationLogger()
	return logger
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(newFakeGatewayServer().handler))
	t.Cleanup(server.Close)

	gateway := NewGateway(config.SFUConfig{
		GatewayURL:       "ws" + strings.TrimPrefix(server.URL, "http"),
		KeepAliveSeconds: 1,
	}, testLogger())
	require.NoError(t, gateway.Connect(context.Background()))
	t.Cleanup(gateway.Close)
	return gateway
}

func TestGateway_ConnectEstablishesSessionAndHandle(t *testing.T) {
	gateway := newTestGateway(t)
	assert.True(t, gateway.Connected())
	assert.NotZero(t, gateway.sessionID)
	assert.NotZero(t, gateway.handleID)
	assert.NotEqual(t, gateway.sessionID, gateway.handleID)
}

func TestGateway_AbandonedRequestClearsPending(t *testing.T) {
	gateway := newTestGateway(t)

	// The control server never answers a detach, so the request gives up at
	// the caller's deadline and must drop its correlation entry.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := gateway.DetachHandle(ctx, gateway.handleID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	gateway.mu.Lock()
	pending := len(gateway.pending)
	gateway.mu.Unlock()
	assert.Zero(t, pending, "abandoned transactions must not linger")
}

func TestEnsureRoomExists_IdempotentAcross427(t *testing.T) {
	gateway := newTestGateway(t)
	room := NewSFURoom(gateway, &fakeBridge{}, testLogger())

	require.NoError(t, room.EnsureRoomExists(context.Background(), "live-10", 12))
	require.NoError(t, room.EnsureRoomExists(context.Background(), "live-10", 12),
		"re-creating an existing videoroom must succeed")
}

func TestRoomID_StableAndPositive(t *testing.T) {
	a := RoomID("live-10")
	assert.Equal(t, a, RoomID("live-10"), "room ids must survive restarts")
	assert.NotEqual(t, a, RoomID("lobby-10"))
	assert.Less(t, a, uint64(1)<<63, "plugin room ids are positive int64")
}

// fakeBridge records stream-controller calls.
type fakeBridge struct {
	moves    []string
	forwards []bool
	detached []string
	err      error
}

func (f *fakeBridge) MoveStream(ctx context.Context, streamID, toRoom string, muted bool) error {
	f.moves = append(f.moves, streamID+"→"+toRoom)
	return f.err
}

func (f *fakeBridge) SetForwarding(ctx context.Context, streamID string, forwarding bool) error {
	f.forwards = append(f.forwards, forwarding)
	return f.err
}

func (f *fakeBridge) DetachStream(ctx context.Context, streamID string) error {
	f.detached = append(f.detached, streamID)
	return f.err
}

func TestSFURoom_DelegatesPlacementToBridge(t *testing.T) {
	bridge := &fakeBridge{}
	room := NewSFURoom(nil, bridge, testLogger())
	participant := internal_room.Participant{CallID: 7, StreamID: "MZ123"}

	require.NoError(t, room.MoveParticipant(context.Background(), participant, "lobby-10", "screen-10-7", true))
	assert.Equal(t, []string{"MZ123→screen-10-7"}, bridge.moves)

	require.NoError(t, room.MuteParticipant(context.Background(), participant, true))
	require.NoError(t, room.MuteParticipant(context.Background(), participant, false))
	assert.Equal(t, []bool{false, true}, bridge.forwards, "mute stops forwarding, unmute resumes")

	require.NoError(t, room.RemoveParticipant(context.Background(), participant))
	assert.Equal(t, []string{"MZ123"}, bridge.detached)
}

func TestSFURoom_MissingStreamID(t *testing.T) {
	bridge := &fakeBridge{}
	room := NewSFURoom(nil, bridge, testLogger())
	noStream := internal_room.Participant{CallID: 7}

	assert.Error(t, room.MoveParticipant(context.Background(), noStream, "a", "b", false))
	assert.Error(t, room.MuteParticipant(context.Background(), noStream, true))
	assert.NoError(t, room.RemoveParticipant(context.Background(), noStream),
		"removing a caller that never attached media is a no-op")
	assert.Empty(t, bridge.detached)
}
