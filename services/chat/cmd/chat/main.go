package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"threadchat/internal/usertoken"
	"threadchat/internal/util"
	"threadchat/pkg/ai"
	"threadchat/pkg/store"
	"threadchat/services/chat/internal/app"
	"threadchat/services/chat/internal/config"
	"threadchat/services/chat/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	storeMetrics, err := store.NewStoreMetrics(reg)
	if err != nil {
		util.Fatal("failed to register store metrics", "err", err)
	}

	var backing store.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory thread store; data is lost on restart")
		backing = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init store", "err", err)
		}
		backing = gormStore
	}

	noticeTTL, _ := config.ParseDuration(cfg.NoticeTTL)
	var notices store.NoticeStore
	switch cfg.NoticeDriver {
	case "redis":
		redisNotices := store.NewRedisNoticeStore(cfg.RedisAddr, cfg.RedisPassword, noticeTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisNotices.Ping(pingCtx)
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		defer redisNotices.Close()
		notices = redisNotices
	default:
		notices = store.NewMemoryNoticeStore(noticeTTL)
	}

	var verifier server.TokenVerifier
	if cfg.AuthJWKSURL != "" {
		jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			util.Fatal("failed to parse jwt leeway", "err", err)
		}
		tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     jwtLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
		verifier = tokenVerifier
	} else {
		logger.Warn("no authJwksURL configured; trusting X-User-Id header")
	}

	appCore, err := app.New(app.Config{
		Store:     store.Instrument(backing, storeMetrics),
		Notices:   notices,
		Responder: ai.NewMockResponder(cfg.ResponderDelayDuration()),
		Logger:    logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	idleTTL := cfg.SessionIdleTTLDuration()
	go appCore.RunEviction(ctx, idleTTL/2, idleTTL)

	replyTimeout, _ := config.ParseDuration(cfg.ReplyTimeout)
	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AllowedOrigins: cfg.AllowedOrigins,
		ReplyTimeout:   replyTimeout,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", "addr", addr, "store", cfg.StoreDriver, "notices", cfg.NoticeDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	// Let in-flight assistant replies land before the store goes away.
	if err := appCore.WaitContext(shutdownCtx); err != nil {
		logger.Warn("assistant replies still in flight at shutdown", "err", err)
	}
}
