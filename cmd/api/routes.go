package main

import (
	"callbridge/internal/auth"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/ingest"
	"callbridge/internal/rbac"
	"callbridge/internal/scheduler"
	"callbridge/internal/session"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg      config.Config
	auth     *auth.Manager
	store    session.Store
	engine   *session.Engine
	sched    *scheduler.Scheduler
	ingestor *ingest.Ingestor
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Call Provider callbacks (public).
	// NOTE: These endpoints should be protected by Twilio signature validation
	// in production.
	r.POST("/webhooks/call-status", d.ingestor.HandleCallStatus)
	r.POST("/webhooks/conference-status", d.ingestor.HandleConferenceStatus)
	r.POST("/webhooks/recording-status", d.ingestor.HandleRecordingStatus)

	// Answer document fetched when a dialed leg picks up.
	r.POST("/twiml/answer", d.ingestor.HandleAnswer(ingest.AnswerURLs{
		ConferenceStatusURL: d.cfg.App.PublicBaseURL + "/webhooks/conference-status",
		RecordingStatusURL:  d.cfg.App.PublicBaseURL + "/webhooks/recording-status",
	}))

	h := httpapi.Handlers{
		Auth:         d.auth,
		Store:        d.store,
		Scheduler:    d.sched,
		Engine:       d.engine,
		DefaultDelay: d.cfg.Engine.DefaultDelay,
	}

	// AUTH routes (token issuance).
	// NOTE: Placeholder login; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	{
		sessions := v1.Group("/sessions")
		sessions.Use(rbac.RequireAnyRole(rbac.RoleService, rbac.RoleOps))
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("/:session_id", h.GetSession)
			sessions.POST("/:session_id/cancel", h.CancelSession)
		}

		// Manual-review settlement is an operator action.
		resolve := v1.Group("/sessions/:session_id/resolve")
		resolve.Use(rbac.RequireAnyRole(rbac.RoleOps))
		{
			resolve.POST("", h.ResolveSession)
		}
	}
}
