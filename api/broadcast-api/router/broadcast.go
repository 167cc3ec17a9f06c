package broadcast_routers

import (
	"github.com/gin-gonic/gin"

	broadcast_api "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/api/broadcast"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_bridge "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/bridge"
	internal_eventbus "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/eventbus"
	internal_orchestrator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/orchestrator"
	internal_store "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/store"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// BroadcastApiRoutes mounts the caller-workflow endpoints.
func BroadcastApiRoutes(
	cfg *config.BroadcastConfig,
	engine *gin.Engine,
	logger commons.Logger,
	orchestrator *internal_orchestrator.Orchestrator,
	calls internal_store.CallStore,
) {
	apiv1 := engine.Group("v1")
	broadcastApi := broadcast_api.NewBroadcastApi(cfg, logger, orchestrator, calls)
	{
		apiv1.POST("/episodes/:episodeId/calls", broadcastApi.QueueCall)
		apiv1.GET("/episodes/:episodeId/calls", broadcastApi.ListCalls)

		apiv1.POST("/calls/:callId/screen", broadcastApi.StartScreening)
		apiv1.POST("/calls/:callId/approve", broadcastApi.ApproveCall)
		apiv1.POST("/calls/:callId/air", broadcastApi.PutOnAir)
		apiv1.POST("/calls/:callId/hold", broadcastApi.PutOnHold)
		apiv1.POST("/calls/:callId/return", broadcastApi.ReturnToScreening)
		apiv1.POST("/calls/:callId/complete", broadcastApi.CompleteCall)
		apiv1.POST("/calls/:callId/reject", broadcastApi.RejectCall)

		// Telephony provider webhook, form-encoded.
		apiv1.POST("/telephony/status-callback", broadcastApi.StatusCallback)
	}
}

// MediaApiRoutes mounts the websocket surfaces: dashboard event fan-out and,
// when the SFU backend is active, telephony media intake. bridge may be nil
// for the other backends.
func MediaApiRoutes(
	cfg *config.BroadcastConfig,
	engine *gin.Engine,
	logger commons.Logger,
	bridge *internal_bridge.Manager,
	subscriber *internal_eventbus.Subscriber,
) {
	apiv1 := engine.Group("v1")
	mediaApi := broadcast_api.NewMediaApi(logger, bridge, subscriber)
	{
		apiv1.GET("/episodes/:episodeId/events", mediaApi.Events)
		if bridge != nil {
			apiv1.GET("/streams/:streamId/media", mediaApi.MediaStream)
			apiv1.GET("/streams/:streamId/stats", mediaApi.StreamStats)
		}
	}
}
