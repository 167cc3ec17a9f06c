package internal_janus_room

import (
	"context"
	"fmt"
	"hash/fnv"

	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// videoroom error code for "room already exists"; creation is idempotent.
const errRoomExists = 427

// StreamController is the slice of the media bridge this backend drives.
// The gateway only manages rooms; per-caller audio lives in the bridge,
// which owns each call's publisher connection.
type StreamController interface {
	// MoveStream re-targets the caller's published audio to another room.
	MoveStream(ctx context.Context, streamID string, toRoom string, muted bool) error
	// SetForwarding starts or stops forwarding the caller's frames upstream.
	// Stopping is the SFU's mute: the publisher stays joined but silent.
	SetForwarding(ctx context.Context, streamID string, forwarding bool) error
	// DetachStream tears down the caller's publisher connection.
	DetachStream(ctx context.Context, streamID string) error
}

// sfuRoom implements the room backend on the media gateway's videoroom
// plugin. Room lifecycle goes over the gateway control socket; participant
// placement goes through the bridge, because the SFU only ever sees the
// bridge's republished Opus stream, never the raw telephony leg.
type sfuRoom struct {
	gateway *Gateway
	bridge  StreamController
	logger  commons.Logger
}

// NewSFURoom creates the SFU room backend over an established gateway.
func NewSFURoom(gateway *Gateway, bridge StreamController, logger commons.Logger) internal_room.Backend {
	return &sfuRoom{gateway: gateway, bridge: bridge, logger: logger}
}

func (s *sfuRoom) Name() string {
	return "sfu"
}

// RoomID maps a room name onto the plugin's numeric id space. FNV keeps the
// mapping stable across restarts so re-created rooms collide with (and
// tolerate) their previous incarnation.
func RoomID(roomName string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(roomName))
	// Janus room ids are positive int64 on the wire.
	return h.Sum64() >> 1
}

func (s *sfuRoom) EnsureRoomExists(ctx context.Context, roomID string, maxParticipants int) error {
	body := map[string]any{
		"request":     "create",
		"room":        RoomID(roomID),
		"description": roomID,
		"publishers":  maxParticipants,
		"audiocodec":  "opus",
		"permanent":   false,
	}
	data, err := s.gateway.PluginRequest(ctx, body)
	if err != nil {
		return fmt.Errorf("create videoroom %s: %w", roomID, err)
	}
	if code, ok := data["error_code"].(float64); ok {
		if int(code) == errRoomExists {
			return nil
		}
		return fmt.Errorf("%w: create videoroom %s: plugin error %d: %v",
			internal_room.ErrBackendUnavailable, roomID, int(code), data["error"])
	}
	return nil
}

func (s *sfuRoom) MoveParticipant(ctx context.Context, participant internal_room.Participant, fromRoom, toRoom string, muted bool) error {
	if participant.StreamID == "" {
		return fmt.Errorf("call %d has no media stream attached", participant.CallID)
	}
	if err := s.bridge.MoveStream(ctx, participant.StreamID, toRoom, muted); err != nil {
		return err
	}
	s.logger.Infow("moved stream between videorooms",
		"stream_id", participant.StreamID, "from", fromRoom, "to", toRoom, "muted", muted)
	return nil
}

func (s *sfuRoom) MuteParticipant(ctx context.Context, participant internal_room.Participant, muted bool) error {
	if participant.StreamID == "" {
		return fmt.Errorf("call %d has no media stream attached", participant.CallID)
	}
	return s.bridge.SetForwarding(ctx, participant.StreamID, !muted)
}

func (s *sfuRoom) RemoveParticipant(ctx context.Context, participant internal_room.Participant) error {
	if participant.StreamID == "" {
		return nil
	}
	return s.bridge.DetachStream(ctx, participant.StreamID)
}
