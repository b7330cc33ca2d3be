package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/logging"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/relay"
	"github.com/rs/zerolog"
)

const defaultShutdownDeadline = 10 * time.Second

var ErrUnexpected = errors.New("unexpected server error")

// RoomStore persists room metadata. *redis.Client implements it.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	CodeTaken(ctx context.Context, code string) (bool, error)
	ResolveRoomID(ctx context.Context, identifier string) (string, error)
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
}

type Config struct {
	Logger *zerolog.Logger
	Hub    *relay.Hub
	// Rooms may be nil, in which case the room API is not served and every
	// room is created on first join.
	Rooms  RoomStore
	App    *config.Config
}

// Server serves the room API, the health endpoint and the websocket relay.
type Server struct {
	logger zerolog.Logger
	hub    *relay.Hub
	rooms  RoomStore
	relay  config.RelayConfig
	*http.Server
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: logging.Component(cfg.Logger, "api-server"),
		hub:    cfg.Hub,
		rooms:  cfg.Rooms,
		relay:  cfg.App.Relay,
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv.Server = &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           srv.router(cfg.App.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(srv.logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", srv.Health)

	// Room management API (public)
	if srv.rooms != nil {
		apiGroup := router.Group("/api")
		{
			apiGroup.POST("/rooms", srv.CreateRoom)
			apiGroup.GET("/rooms/:roomId", srv.GetRoom)
			apiGroup.DELETE("/rooms/:roomId", srv.DeleteRoom)
		}
	}
	router.GET("/api/rooms/:roomId/participants", srv.ListParticipants)

	// WebSocket signaling - accepts room code or ID
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", srv.HandleSignaling)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully and closes
// every relay connection.
func (srv *Server) Run(ctx context.Context) error {
	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrUnexpected, err)
		}
		return nil
	case <-ctx.Done():
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer shCancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.hub.Shutdown()
	if err := srv.Shutdown(shCtx); err != nil {
		srv.logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	srv.logger.Debug().Msg("server stopped")
	return nil
}

// Health reports liveness with room and connection counts.
func (srv *Server) Health(c *gin.Context) {
	stats := srv.hub.Stats()
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:          "ok",
		RoomCount:       stats.Rooms,
		ConnectionCount: stats.Connections,
	})
}
