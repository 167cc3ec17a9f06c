package broadcast_routers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

// HealthCheckRoutes mounts liveness and readiness probes. Readiness verifies
// the database is reachable; liveness only proves the process serves HTTP.
func HealthCheckRoutes(cfg *config.BroadcastConfig, engine *gin.Engine, logger commons.Logger, postgres connectors.PostgresConnector) {
	apiv1 := engine.Group("")
	{
		apiv1.GET("/healthz/", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{
				"service": cfg.Name,
				"version": cfg.Version,
				"status":  "ok",
			})
		})
		apiv1.GET("/readiness/", func(ctx *gin.Context) {
			db, err := postgres.DB(ctx.Request.Context()).DB()
			if err == nil {
				err = db.PingContext(ctx.Request.Context())
			}
			if err != nil {
				logger.Warnw("readiness probe failed", "error", err)
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
	}
}
