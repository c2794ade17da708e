package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"pingai/internal/ratelimit"
	"pingai/internal/security"
	"pingai/internal/util"
	"pingai/services/auth/internal/app"
	"pingai/services/auth/internal/config"
	"pingai/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	linkTTL, err := config.ParseDuration("linkTTL", cfg.LinkTTL)
	if err != nil {
		log.Fatalf("failed to parse link TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		SessionTTL:        sessionTTL,
		LinkTTL:           linkTTL,
		JWTPrivateKeyPath: cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:  cfg.JWTPublicKeyPath,
		JWTKeyID:          cfg.JWTKeyID,
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
		WebsiteURL:        cfg.WebsiteURL,
		SMTP:              cfg.SMTP,
		Redis:             rdb,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var otpLimiter *ratelimit.FixedWindowLimiter
	if cfg.OTPRateLimitPerMinute > 0 {
		otpLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "pingai:ratelimit:auth:otp", cfg.OTPRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init otp rate limiter: %v", err)
		}
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid trustedProxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		ServiceKey:     cfg.ServiceKey,
		OTPLimiter:     otpLimiter,
		Alerter:        security.NewAuditAlerter(rdb, "pingai:alerts:auth"),
		TrustedProxies: proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("auth server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
