package relay

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

const registrationKeyHeader = "X-Registration-Key"

type tokenRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// NewRouter builds the relay HTTP surface:
//
//	GET  /health     liveness check
//	GET  /ws         WebSocket signaling endpoint
//	POST /api/token  issue a device token (only when a JWT secret is set)
//
// A device id is bound to the first client that obtains a token for it.
// Renewing requires the current token as a bearer. When a registration key
// is configured it must be sent in X-Registration-Key.
func NewRouter(cfg *config.RelayConfig, hub *Hub) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws", handleWS(cfg.JWTSecret, hub))

	if cfg.JWTSecret != "" {
		router.POST("/api/token", handleToken(newRegistrations(cfg.JWTSecret, cfg.RegistrationKey)))
	}

	return router
}

func handleWS(secret string, hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var deviceID string
		if secret != "" {
			claims, err := ParseToken(secret, tokenFromRequest(c.Request))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
				return
			}
			deviceID = claims.DeviceID
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			util.LogWarning("relay: upgrade failed: %v", err)
			return
		}

		cl := newClient(uuid.NewString(), deviceID, conn, hub)
		util.LogDebug("relay: client %s connected (device %q)", cl.id, deviceID)

		go cl.writePump()
		go cl.readPump()
	}
}

func handleToken(reg *registrations) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
			return
		}

		token, err := reg.issue(req.DeviceID, c.GetHeader(registrationKeyHeader), tokenFromRequest(c.Request))
		switch {
		case errors.Is(err, ErrRegistrationKey):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid registration key"})
			return
		case errors.Is(err, ErrDeviceRegistered):
			c.JSON(http.StatusConflict, gin.H{"error": "device id already registered"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}

		util.LogDebug("relay: issued token for device %q", req.DeviceID)
		c.JSON(http.StatusOK, tokenResponse{Token: token, DeviceID: req.DeviceID})
	}
}

// OriginFilter rejects browser requests from origins outside allowedOrigins.
// Requests without an Origin header (native clients) pass through.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if origin == o {
				allowed = true
				break
			}
		}

		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
			return
		}

		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
