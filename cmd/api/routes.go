package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"callreel/internal/auth"
	"callreel/internal/call"
	"callreel/internal/config"
	"callreel/internal/credit"
	"callreel/internal/httpapi"
	"callreel/internal/rbac"
	"callreel/internal/recording"
	"callreel/internal/relay"
	"callreel/internal/render"
)

type routeDeps struct {
	auth        *auth.Manager
	credits     *credit.Service
	calls       *call.Service
	queue       *render.Queue
	relay       *relay.Handler
	twilio      config.TwilioConfig
	healthCheck func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers. Keep this file free of
// business logic.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := deps.healthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks, authenticated by the provider's request signature.
	rec := recording.WebhookHandler{Calls: deps.calls, Jobs: deps.queue}
	r.POST("/webhooks/recording", recording.RequireValidSignature(deps.twilio), rec.HandleStatus)

	// Telephony media stream (public WebSocket; stream identity arrives
	// in-band with the start event).
	r.GET("/media-stream", deps.relay.MediaStream)

	h := httpapi.Handlers{
		Auth:    deps.auth,
		Credits: deps.credits,
		Calls:   deps.calls,
	}

	v1 := r.Group("/v1")

	v1.POST("/auth/login", h.Login)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(deps.auth))
	{
		protected.POST("/credits", h.CreateCredit)
		protected.GET("/credits/balance", h.GetCreditBalance)

		protected.POST("/calls", h.CreateCall)
		protected.GET("/calls", h.ListCalls)
		protected.GET("/calls/:call_id", h.GetCall)

		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/credits/grant", h.AdminGrantCredit)
		}
	}
}
