package broadcast_api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_bridge "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/bridge"
	internal_eventbus "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/eventbus"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// MediaApi carries the two websocket surfaces: dashboard event fan-out and
// telephony media frames into the bridge. Only wired when the SFU backend is
// active; the other backends keep media at the vendor.
type MediaApi struct {
	logger     commons.Logger
	bridge     *internal_bridge.Manager
	subscriber *internal_eventbus.Subscriber
	upgrader   websocket.Upgrader
}

func NewMediaApi(logger commons.Logger, bridge *internal_bridge.Manager, subscriber *internal_eventbus.Subscriber) *MediaApi {
	return &MediaApi{
		logger:     logger,
		bridge:     bridge,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			// Dashboards and the telephony provider connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Events handles GET /episodes/:episodeId/events: upgrades and streams the
// episode's call events until the client disconnects.
func (api *MediaApi) Events(ctx *gin.Context) {
	episodeID, err := pathID(ctx, "episodeId")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, err := api.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	err = api.subscriber.Subscribe(ctx.Request.Context(), episodeID, func(event internal_eventbus.CallEvent) {
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
		}
	})
	if err != nil {
		api.logger.Debugw("event stream ended", "episode_id", episodeID, "error", err)
	}
}

// MediaStream handles GET /streams/:streamId/media: the telephony side
// connects one websocket per call, sends binary µ-law frames up, and
// receives binary µ-law frames down.
func (api *MediaApi) MediaStream(ctx *gin.Context) {
	streamID := ctx.Param("streamId")
	room := ctx.Query("room")
	callID, err := strconv.ParseUint(ctx.Query("callId"), 10, 64)
	if err != nil || streamID == "" || room == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "streamId, callId and room are required"})
		return
	}

	conn, err := api.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := api.bridge.AttachStream(ctx.Request.Context(), streamID, callID, room); err != nil {
		api.logger.Warnw("failed to attach media stream", "stream_id", streamID, "error", err)
		return
	}
	defer func() {
		if err := api.bridge.DetachStream(ctx.Request.Context(), streamID); err != nil {
			api.logger.Debugw("detach after media stream close failed", "stream_id", streamID, "error", err)
		}
	}()

	if err := api.bridge.SetDownlink(streamID, func(ulaw []byte) {
		if err := conn.WriteMessage(websocket.BinaryMessage, ulaw); err != nil {
			conn.Close()
		}
	}); err != nil {
		return
	}

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := api.bridge.PushFrame(streamID, frame); err != nil {
			api.logger.Debugw("dropping bad media frame", "stream_id", streamID, "error", err)
		}
	}
}

// StreamStats handles GET /streams/:streamId/stats.
func (api *MediaApi) StreamStats(ctx *gin.Context) {
	stats, ok := api.bridge.Stats(ctx.Param("streamId"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "stream not attached"})
		return
	}
	ctx.JSON(http.StatusOK, stats)
}
