package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/middleware"
	"github.com/rs/zerolog"
)

// Service is everything the HTTP surface needs from the signaling core
type Service interface {
	Signaling
	RoomLister
}

// NewRouter wires the public, admin and WebSocket routes.
func NewRouter(cfg *config.Config, svc Service, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Operator API
	apiGroup := router.Group("/api", middleware.JWTAuth(cfg.AdminJWTSecret))
	{
		apiGroup.GET("/rooms", ListRooms(svc))
		apiGroup.GET("/rooms/:roomId", GetRoom(svc))
	}

	router.GET("/ws", HandleSignaling(svc, cfg, logger))

	return router
}
