package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/adapters/signal"
	"github.com/openrelay/signaling/internal/app"
	"github.com/openrelay/signaling/internal/auth"
	"github.com/openrelay/signaling/internal/config"
	"github.com/openrelay/signaling/internal/core"
)

// BearerAuthMiddleware re-verifies the token on every administrative
// request; the gate is pure, so this is cheap.
func BearerAuthMiddleware(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := gate.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("subject", id.Subject)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type settingsRequest struct {
	MaxIncomingBitrate *int `json:"maxIncomingBitrate" binding:"required"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, gate *auth.Gate, reg *app.Registry, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		clients, transports, producers, consumers := reg.Counts()
		c.JSON(http.StatusOK, gin.H{
			"clients":    clients,
			"transports": transports,
			"producers":  producers,
			"consumers":  consumers,
		})
	})

	r.POST("/login", func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing credentials"})
			return
		}
		token, err := gate.Issue(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	api := r.Group("/api")

	// Signaling handshake: the bearer token rides a query parameter
	// because browser WebSocket clients cannot set headers. Refused
	// before any registry interaction.
	api.GET("/ws/signal", func(c *gin.Context) {
		id, err := gate.Authenticate(c.Query("token"))
		if err != nil {
			log.Warn().Str("module", "adapters.http").Msg("ws handshake refused")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctl.HandleSignal(ctx, c, id.Subject)
	})

	api.POST("/transport/:id/settings", BearerAuthMiddleware(gate), func(c *gin.Context) {
		var req settingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "maxIncomingBitrate must be a number"})
			return
		}
		err := reg.UpdateTransportSettings(c.Param("id"), *req.MaxIncomingBitrate)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "updated"})
		case errors.Is(err, core.ErrNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "transport not found"})
		case errors.Is(err, core.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Str("module", "adapters.http").Msg("settings update")
			c.JSON(http.StatusBadRequest, gin.H{"error": "settings update failed"})
		}
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
