package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/auth"
	"edgefleet-server/internal/config"
	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/handler"
	"edgefleet-server/internal/middleware"
)

type Deps struct {
	Fleet       *fleet.Fleet
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
	// EdgeLimiter caps edge websocket upgrades per client IP and auth
	// attempts per device id. Nil uses the default edge limits; the caller
	// owns running its sweep loop.
	EdgeLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	edgeLimiter := deps.EdgeLimiter
	if edgeLimiter == nil {
		edge := config.Default().Edge
		edgeLimiter = middleware.NewRateLimiter(edge.ConnectLimit, edge.ConnectWindow)
	}
	edgeHandler := &handler.EdgeSocketHandler{Sessions: deps.Fleet.Sessions, Logger: deps.Logger, Limiter: edgeLimiter}
	r.GET("/v1/edge/ws", middleware.RateLimitMiddleware(edgeLimiter, nil), edgeHandler.Serve)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	deviceHandler := &handler.DeviceHandler{Fleet: deps.Fleet}
	admin := protected.Group("", middleware.RequireAdmin())
	admin.POST("/tenants", deviceHandler.CreateTenant)
	admin.GET("/tenants", deviceHandler.ListTenants)

	protected.GET("/tenants/:tenant/devices", deviceHandler.List)
	protected.POST("/tenants/:tenant/devices", deviceHandler.Register)
	protected.GET("/devices/:id", deviceHandler.Get)
	protected.POST("/devices/:id/revoke", deviceHandler.Revoke)
	protected.POST("/devices/:id/secret", deviceHandler.RotateSecret)

	commandHandler := &handler.CommandHandler{Fleet: deps.Fleet}
	protected.POST("/devices/:id/commands", commandHandler.Submit)
	protected.GET("/devices/:id/commands", commandHandler.List)
	protected.GET("/commands/:id", commandHandler.Get)
	protected.POST("/commands/:id/cancel", commandHandler.Cancel)

	clipHandler := &handler.ClipHandler{Fleet: deps.Fleet}
	protected.POST("/devices/:id/clips", clipHandler.Request)
	protected.GET("/devices/:id/clips", clipHandler.List)
	protected.GET("/clips/:id", clipHandler.Get)

	eventHandler := &handler.EventHandler{Fleet: deps.Fleet}
	protected.GET("/events", eventHandler.List)
	protected.GET("/alerts", eventHandler.Alerts)
	protected.POST("/alerts/:id/acknowledge", eventHandler.Acknowledge)
	protected.POST("/alerts/acknowledge-all", eventHandler.AcknowledgeAll)
	protected.GET("/alerts/unacknowledged-count", eventHandler.UnacknowledgedCount)
	protected.GET("/analytics/detections", eventHandler.Detections)
	protected.GET("/analytics/zones", eventHandler.Zones)

	retentionHandler := &handler.RetentionHandler{Fleet: deps.Fleet}
	protected.PUT("/tenants/:tenant/retention", retentionHandler.Put)
	protected.GET("/tenants/:tenant/retention", retentionHandler.Get)
	protected.GET("/tenants/:tenant/retention/compliance", retentionHandler.Compliance)

	activityHandler := &handler.ActivityHandler{Fleet: deps.Fleet}
	protected.GET("/activity", activityHandler.List)

	return r
}
