package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/config"
	"callbridge/internal/scheduler"
	"callbridge/internal/session"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuthority struct{}

func (stubAuthority) Capture(ctx context.Context, ref string) error         { return nil }
func (stubAuthority) Cancel(ctx context.Context, ref string) error          { return nil }
func (stubAuthority) Refund(ctx context.Context, ref string, a int64) error { return nil }

type apiFixture struct {
	handlers Handlers
	store    *session.MemoryStore
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := session.NewMemoryStore()
	auditSvc := audit.NewService(audit.NewMemoryRepo())

	eng, err := session.NewEngine(session.EngineParams{
		Store:     store,
		Authority: stubAuthority{},
		Audit:     auditSvc,
	})
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	dial := func(ctx context.Context, s session.Session, role session.Role) (string, error) {
		return "CA-api-test", nil
	}
	sched, err := scheduler.New(store, eng, dial, auditSvc, scheduler.Config{MaxDelay: 10 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("scheduler init: %v", err)
	}
	t.Cleanup(sched.Stop)

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth init: %v", err)
	}

	h := Handlers{
		Auth:         mgr,
		Store:        store,
		Scheduler:    sched,
		Engine:       eng,
		DefaultDelay: 5 * time.Minute,
	}

	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/sessions", h.CreateSession)
	r.GET("/v1/sessions/:session_id", h.GetSession)
	r.POST("/v1/sessions/:session_id/cancel", h.CancelSession)
	r.POST("/v1/sessions/:session_id/resolve", h.ResolveSession)

	return &apiFixture{handlers: h, store: store, router: r}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validCreateBody() map[string]any {
	return map[string]any{
		"provider_phone":     "+15550001111",
		"client_phone":       "+15550002222",
		"payment_intent_ref": "pi_1",
		"amount_minor":       5000,
		"currency":           "USD",
		"service_type":       "consultation",
	}
}

func TestCreateSession(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postJSON(t, "/v1/sessions", validCreateBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" || resp.Status != "pending" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	s, err := f.store.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("stored session: %v", err)
	}
	if s.Payment.Status != session.PaymentAuthorized {
		t.Fatalf("new session must hold an authorization, got %s", s.Payment.Status)
	}
}

func TestCreateSession_ValidatesInput(t *testing.T) {
	f := newAPIFixture(t)

	body := validCreateBody()
	delete(body, "client_phone")
	if w := f.postJSON(t, "/v1/sessions", body); w.Code != http.StatusBadRequest {
		t.Fatalf("missing phone: expected 400, got %d", w.Code)
	}

	body = validCreateBody()
	body["amount_minor"] = 0
	if w := f.postJSON(t, "/v1/sessions", body); w.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: expected 400, got %d", w.Code)
	}

	body = validCreateBody()
	delay := 60
	body["delay_minutes"] = delay
	if w := f.postJSON(t, "/v1/sessions", body); w.Code != http.StatusBadRequest {
		t.Fatalf("delay over max: expected 400, got %d", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postJSON(t, "/v1/sessions", validCreateBody())
	var resp struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+resp.SessionID, nil)
	get := httptest.NewRecorder()
	f.router.ServeHTTP(get, req)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/ghost", nil)
	miss := httptest.NewRecorder()
	f.router.ServeHTTP(miss, req)
	if miss.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", miss.Code)
	}
}

func TestCancelSession(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postJSON(t, "/v1/sessions", validCreateBody())
	var resp struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	c := f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/cancel", map[string]any{"reason": "user_request"})
	if c.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", c.Code, c.Body.String())
	}
	s, _ := f.store.Get(context.Background(), resp.SessionID)
	if s.Status != session.StatusCanceled {
		t.Fatalf("expected canceled, got %s", s.Status)
	}

	// Cancel is idempotent.
	c = f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/cancel", map[string]any{})
	if c.Code != http.StatusOK {
		t.Fatalf("second cancel: expected 200, got %d", c.Code)
	}
}

func TestResolveSession(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postJSON(t, "/v1/sessions", validCreateBody())
	var resp struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	// Unflagged session cannot be resolved.
	r := f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/resolve", map[string]any{"action": "capture"})
	if r.Code != http.StatusConflict {
		t.Fatalf("unflagged: expected 409, got %d", r.Code)
	}

	if err := f.store.FlagManualReview(context.Background(), resp.SessionID); err != nil {
		t.Fatalf("flag: %v", err)
	}

	r = f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/resolve", map[string]any{"action": "void"})
	if r.Code != http.StatusBadRequest {
		t.Fatalf("bad action: expected 400, got %d", r.Code)
	}

	r = f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/resolve", map[string]any{"action": "capture"})
	if r.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", r.Code, r.Body.String())
	}
	s, _ := f.store.Get(context.Background(), resp.SessionID)
	if s.Payment.Status != session.PaymentCaptured {
		t.Fatalf("expected captured, got %s", s.Payment.Status)
	}

	// Settled payments cannot be resolved twice.
	r = f.postJSON(t, "/v1/sessions/"+resp.SessionID+"/resolve", map[string]any{"action": "refund"})
	if r.Code != http.StatusConflict {
		t.Fatalf("double resolve: expected 409, got %d", r.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postJSON(t, "/v1/auth/login", map[string]any{"user_id": "u1", "role": "ops"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", resp)
	}

	if w := f.postJSON(t, "/v1/auth/login", map[string]any{"user_id": "u1"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing role: expected 400, got %d", w.Code)
	}
}
