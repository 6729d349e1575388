package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/payment"
	"callbridge/internal/scheduler"
	"callbridge/internal/session"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Store     session.Store
	Scheduler *scheduler.Scheduler
	Engine    *session.Engine

	// DefaultDelay applies when a create request omits delay_minutes.
	DefaultDelay time.Duration

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate
// credentials before issuing tokens.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Sessions ---

type createSessionRequest struct {
	ProviderPhone string `json:"provider_phone"`
	ClientPhone   string `json:"client_phone"`

	PaymentIntentRef string `json:"payment_intent_ref"`
	AmountMinor      int64  `json:"amount_minor"`
	Currency         string `json:"currency"`

	ServiceType  string `json:"service_type"`
	ProviderType string `json:"provider_type"`
	RequestID    string `json:"request_id"`
	Language     string `json:"language,omitempty"`

	// DelayMinutes defaults to the configured scheduling delay when nil.
	DelayMinutes *int `json:"delay_minutes,omitempty"`
}

// CreateSession creates a pending session with an authorized payment and
// schedules its dial sequence.
func (h Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ProviderPhone == "" || req.ClientPhone == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_phone and client_phone required"})
		return
	}
	if req.PaymentIntentRef == "" || req.AmountMinor <= 0 || req.Currency == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "payment_intent_ref, amount_minor, currency required"})
		return
	}

	delay := h.DefaultDelay
	if req.DelayMinutes != nil {
		delay = time.Duration(*req.DelayMinutes) * time.Minute
	}

	s := session.New(session.NewParams{
		ProviderPhone:    req.ProviderPhone,
		ClientPhone:      req.ClientPhone,
		PaymentIntentRef: req.PaymentIntentRef,
		AmountMinor:      req.AmountMinor,
		Currency:         req.Currency,
		ServiceType:      req.ServiceType,
		ProviderType:     req.ProviderType,
		RequestID:        req.RequestID,
		Language:         req.Language,
	}, h.now())

	if err := h.Store.Create(c.Request.Context(), s); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
		return
	}
	if err := h.Scheduler.Schedule(c.Request.Context(), s.ID, delay); err != nil {
		if errors.Is(err, scheduler.ErrInvalidDelay) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "schedule failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": s.ID, "status": string(s.Status)})
}

// GetSession returns the session status read.
func (h Handlers) GetSession(c *gin.Context) {
	id := c.Param("session_id")
	s, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, s)
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

// CancelSession cancels a session; idempotent on terminal sessions.
func (h Handlers) CancelSession(c *gin.Context) {
	id := c.Param("session_id")
	var req cancelSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_request"
	}

	if err := h.Scheduler.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": "canceled"})
}

type resolveSessionRequest struct {
	Action      string `json:"action"` // capture or refund
	AmountMinor int64  `json:"amount_minor,omitempty"`
}

// ResolveSession settles a manual-review session by operator decision.
func (h Handlers) ResolveSession(c *gin.Context) {
	id := c.Param("session_id")
	var req resolveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	action := payment.Action(req.Action)
	if action != payment.ActionCapture && action != payment.ActionRefund {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "action must be capture or refund"})
		return
	}

	actor, _ := auth.UserID(c.Request.Context())
	err := h.Engine.ResolveManual(c.Request.Context(), id, actor, action, req.AmountMinor)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"session_id": id, "resolved": string(action)})
	case errors.Is(err, session.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrPaymentAlreadySettled):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "payment already settled"})
	case errors.Is(err, session.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session not flagged for review"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
	}
}
