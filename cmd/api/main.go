package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/config"
	"callbridge/internal/ingest"
	"callbridge/internal/notify"
	"callbridge/internal/payment"
	"callbridge/internal/scheduler"
	"callbridge/internal/session"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := session.EnsureSchema(rootCtx, db); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := session.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	provider := telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	authority := payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey)

	dial := dialFunc(provider, cfg.Twilio.CallerID, cfg.App.PublicBaseURL, cfg.Engine.DialTimeoutSeconds)

	engine, err := session.NewEngine(session.EngineParams{
		Machine: session.Machine{
			MaxDialAttempts:   cfg.Engine.MaxDialAttempts,
			MinCaptureSeconds: cfg.Engine.MinCaptureSeconds,
		},
		Store:     store,
		Provider:  provider,
		Authority: authority,
		Policy: payment.Policy{
			MinCaptureSeconds:  cfg.Engine.MinCaptureSeconds,
			MinBillableSeconds: cfg.Engine.MinBillableSeconds,
		},
		Dial:     dial,
		Audit:    auditSvc,
		Notifier: notify.Logging{Log: log},
		Logger:   log,
	})
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(store, engine, dial, auditSvc, scheduler.Config{
		DefaultDelay:       cfg.Engine.DefaultDelay,
		MaxDelay:           cfg.Engine.MaxDelay,
		RetryAttempts:      cfg.Engine.RetryAttempts,
		RetryDelay:         cfg.Engine.RetryDelay,
		SweepInterval:      cfg.Engine.SweepInterval,
		StuckAfter:         cfg.Engine.StuckAfter,
		ExpireAfter:        cfg.Engine.ExpireAfter,
		MaxPendingSessions: cfg.Engine.MaxPendingSessions,
	}, log)
	if err != nil {
		log.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	sched.SetLock(func(ctx context.Context, id string) (func(), bool) {
		key := "sweep:lock:" + id
		token := uuid.NewString()
		ok, err := utils.AcquireSessionLock(ctx, rdb, key, token, 30*time.Second)
		if err != nil || !ok {
			return nil, false
		}
		return func() { _ = utils.ReleaseSessionLock(ctx, rdb, key, token) }, true
	})
	go sched.Run(rootCtx)

	ingestor := &ingest.Ingestor{
		Engine: engine,
		Store:  store,
		Audit:  auditSvc,
		Dedupe: func(ctx context.Context, key string) bool {
			fresh, err := utils.ClaimDelivery(ctx, rdb, "webhook:"+key, 24*time.Hour)
			if err != nil {
				// Redis trouble must not drop webhooks; transitions are
				// idempotent so processing a duplicate is safe.
				return true
			}
			return fresh
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		auth:     authManager,
		store:    store,
		engine:   engine,
		sched:    sched,
		ingestor: ingestor,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	sched.Stop()
}

// dialFunc builds the DialFunc the engine and scheduler share. URL
// construction stays here so internal packages never see routing layout.
func dialFunc(p telephony.Provider, callerID, baseURL string, timeoutSeconds int) session.DialFunc {
	return func(ctx context.Context, s session.Session, role session.Role) (string, error) {
		answer := fmt.Sprintf("%s/twiml/answer?session_id=%s&role=%s",
			baseURL, url.QueryEscape(s.ID), url.QueryEscape(string(role)))
		res, err := p.Dial(ctx, telephony.DialRequest{
			From:             callerID,
			To:               s.ParticipantFor(role).Phone,
			SessionID:        s.ID,
			ParticipantLabel: string(role),
			CallbackURL:      baseURL + "/webhooks/call-status",
			AnswerURL:        answer,
			TimeoutSeconds:   timeoutSeconds,
		})
		if err != nil {
			return "", err
		}
		return res.CallRef, nil
	}
}
