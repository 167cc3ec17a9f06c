package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_bridge "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/bridge"
	internal_callsession "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/callsession"
	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	internal_episode_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/episodes"
	internal_eventbus "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/eventbus"
	internal_orchestrator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/orchestrator"
	internal_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room"
	internal_janus_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room/janus"
	internal_livekit_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room/livekit"
	internal_twilio_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room/twilio"
	internal_rtp "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/rtp"
	internal_store "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/store"
	broadcast_routers "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/router"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

func main() {
	viperCfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to read configuration: %v", err)
	}
	cfg, err := config.GetConfig(viperCfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Fatalf("unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("broadcast api exited", "error", err)
	}
}

func run(ctx context.Context, cfg *config.BroadcastConfig, logger commons.Logger) error {
	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		return fmt.Errorf("unable to connect postgres: %w", err)
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(
		&internal_call_entity.Call{},
		&internal_call_entity.Caller{},
		&internal_episode_entity.Episode{},
		&internal_callsession.CallSessionState{},
	); err != nil {
		return fmt.Errorf("unable to migrate schema: %w", err)
	}

	redis, err := connectors.NewRedisConnector(ctx, cfg.RedisConfig, logger)
	if err != nil {
		return fmt.Errorf("unable to connect redis: %w", err)
	}
	defer redis.Close()

	calls := internal_store.NewCallStore(postgres, logger)
	callers := internal_store.NewCallerStore(postgres, logger)
	episodes := internal_store.NewEpisodeStore(postgres, logger)

	machine := internal_callsession.NewMachine(internal_callsession.NewStore(postgres, logger), logger)
	if err := machine.Initialize(ctx); err != nil {
		return fmt.Errorf("unable to load active call sessions: %w", err)
	}

	// Telephony legs are always carrier-managed; the room backend only
	// decides where the audio is mixed.
	control := internal_twilio_room.NewCallControl(cfg.TwilioConfig, logger)

	var backend internal_room.Backend
	var bridge *internal_bridge.Manager
	switch cfg.RoomBackend {
	case config.RoomBackendSFU:
		gateway := internal_janus_room.NewGateway(cfg.SFUConfig, logger)
		if err := gateway.Connect(ctx); err != nil {
			return fmt.Errorf("unable to connect sfu gateway: %w", err)
		}
		defer gateway.Close()
		bridge = internal_bridge.NewManager(
			internal_bridge.NewSFUPublisherFactory(gateway, logger),
			internal_rtp.JitterBufferConfig{},
			logger,
		)
		backend = internal_janus_room.NewSFURoom(gateway, bridge, logger)
	case config.RoomBackendCloud:
		backend = internal_livekit_room.NewCloudRoom(cfg.CloudRoomConfig, logger)
	default:
		backend = internal_twilio_room.NewTwilioRoom(cfg.TwilioConfig, logger)
	}
	logger.Infow("room backend selected", "backend", backend.Name())

	publisher := internal_eventbus.NewPublisher(redis, logger)
	subscriber := internal_eventbus.NewSubscriber(redis, logger)

	orchestrator := internal_orchestrator.NewOrchestrator(
		calls, callers, episodes,
		machine, backend, control, publisher,
		logger, cfg.MaxRoomParticipants,
	)
	// Sessions restored from the database may reference rooms the backend
	// lost while we were down; nudge everyone back into place.
	orchestrator.ReassertRoomPlacements(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	broadcast_routers.HealthCheckRoutes(cfg, engine, logger, postgres)
	broadcast_routers.BroadcastApiRoutes(cfg, engine, logger, orchestrator, calls)
	broadcast_routers.MediaApiRoutes(cfg, engine, logger, bridge, subscriber)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infow("broadcast api listening", "address", server.Addr, "version", cfg.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Infow("shutting down broadcast api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
