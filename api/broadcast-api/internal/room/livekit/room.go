package internal_livekit_room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

const (
	roomServicePath = "/twirp/livekit.RoomService/"
	tokenTTL        = 6 * time.Hour
)

// twirpError is the error envelope of the cloud room service.
type twirpError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type roomInfo struct {
	Name            string `json:"name"`
	SID             string `json:"sid"`
	NumParticipants int    `json:"num_participants"`
}

type trackInfo struct {
	SID   string `json:"sid"`
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

type participantInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Tracks   []trackInfo `json:"tracks"`
}

// cloudRoom implements the room backend on a SIP-trunked cloud room service.
// Room and participant management go over the service's twirp API; callers
// join rooms through the provider's SIP trunk, so a "move" here removes the
// participant from the source room and relies on the trunk re-inviting the
// leg into the destination (which must already exist).
type cloudRoom struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	logger    commons.Logger
}

// NewCloudRoom creates the cloud room backend.
func NewCloudRoom(cfg config.CloudRoomConfig, logger commons.Logger) internal_room.Backend {
	client := resty.New().
		SetBaseURL(cfg.Host).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &cloudRoom{
		http:      client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		logger:    logger,
	}
}

func (c *cloudRoom) Name() string {
	return "cloud"
}

// adminToken mints a short-lived service credential with room-admin grants.
func (c *cloudRoom) adminToken(room string) (string, error) {
	return c.signToken("broadcast-service", map[string]any{
		"roomCreate": true,
		"roomAdmin":  true,
		"roomList":   true,
		"room":       room,
	}, 10*time.Minute)
}

// JoinToken mints a participant credential for joining the given room,
// handed to the SIP bridge or a browser client.
func (c *cloudRoom) JoinToken(room, identity string) (string, error) {
	return c.signToken(identity, map[string]any{
		"roomJoin":     true,
		"room":         room,
		"canPublish":   true,
		"canSubscribe": true,
	}, tokenTTL)
}

func (c *cloudRoom) signToken(identity string, grants map[string]any, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.apiKey,
		"sub":   identity,
		"nbf":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"video": grants,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign room service token: %w", err)
	}
	return signed, nil
}

// post issues one twirp call, decoding either the success payload into out
// or the error envelope into the returned error.
func (c *cloudRoom) post(ctx context.Context, method string, body any, out any) error {
	token, err := c.adminToken("")
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post(roomServicePath + method)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", internal_room.ErrBackendUnavailable, method, err)
	}
	if resp.IsError() {
		var twerr twirpError
		_ = json.Unmarshal(resp.Body(), &twerr)
		if resp.StatusCode() == http.StatusNotFound || twerr.Code == "not_found" {
			return fmt.Errorf("%w: %s: %s", internal_room.ErrParticipantNotFound, method, twerr.Msg)
		}
		return fmt.Errorf("%w: %s: status %d code %s: %s",
			internal_room.ErrBackendUnavailable, method, resp.StatusCode(), twerr.Code, twerr.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}

// EnsureRoomExists creates the room; the service returns the existing room
// for a repeated create, so this is naturally idempotent.
func (c *cloudRoom) EnsureRoomExists(ctx context.Context, roomID string, maxParticipants int) error {
	var info roomInfo
	err := c.post(ctx, "CreateRoom", map[string]any{
		"name":             roomID,
		"max_participants": maxParticipants,
		"empty_timeout":    600,
	}, &info)
	if err != nil {
		return fmt.Errorf("create room %s: %w", roomID, err)
	}
	return nil
}

func (c *cloudRoom) MoveParticipant(ctx context.Context, participant internal_room.Participant, fromRoom, toRoom string, muted bool) error {
	if participant.Identity == "" {
		return fmt.Errorf("call %d has no room participant identity", participant.CallID)
	}

	if err := c.EnsureRoomExists(ctx, toRoom, 0); err != nil {
		return err
	}

	if fromRoom != "" {
		err := c.post(ctx, "RemoveParticipant", map[string]any{
			"room":     fromRoom,
			"identity": participant.Identity,
		}, nil)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("remove %s from %s: %w", participant.Identity, fromRoom, err)
		}
	}

	// The SIP trunk re-invites the leg into toRoom; the mute flag is applied
	// once the participant lands there. Tolerate the race where it has not
	// joined yet, the next operation re-asserts it.
	moved := participant
	moved.Room = toRoom
	if err := c.MuteParticipant(ctx, moved, muted); err != nil && !isNotFound(err) {
		c.logger.Warnw("could not apply mute after room move",
			"identity", participant.Identity, "room", toRoom, "error", err)
	}

	c.logger.Infow("moved participant between rooms",
		"identity", participant.Identity, "from", fromRoom, "to", toRoom, "muted", muted)
	return nil
}

// MuteParticipant mutes the participant's published audio tracks.
func (c *cloudRoom) MuteParticipant(ctx context.Context, participant internal_room.Participant, muted bool) error {
	var info participantInfo
	err := c.post(ctx, "GetParticipant", map[string]any{
		"room":     participant.Room,
		"identity": participant.Identity,
	}, &info)
	if err != nil {
		return err
	}

	for _, track := range info.Tracks {
		if track.Type != "AUDIO" || track.Muted == muted {
			continue
		}
		err := c.post(ctx, "MutePublishedTrack", map[string]any{
			"room":      participant.Room,
			"identity":  participant.Identity,
			"track_sid": track.SID,
			"muted":     muted,
		}, nil)
		if err != nil {
			return fmt.Errorf("mute track %s: %w", track.SID, err)
		}
	}
	return nil
}

func (c *cloudRoom) RemoveParticipant(ctx context.Context, participant internal_room.Participant) error {
	if participant.Room == "" {
		return nil
	}
	err := c.post(ctx, "RemoveParticipant", map[string]any{
		"room":     participant.Room,
		"identity": participant.Identity,
	}, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// DeleteRoom tears a room down at end of episode.
func (c *cloudRoom) DeleteRoom(ctx context.Context, roomID string) error {
	err := c.post(ctx, "DeleteRoom", map[string]any{"room": roomID}, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, internal_room.ErrParticipantNotFound)
}
