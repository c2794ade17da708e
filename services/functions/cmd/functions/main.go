package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"pingai/internal/mailer"
	"pingai/internal/ratelimit"
	"pingai/internal/security"
	"pingai/internal/usertoken"
	"pingai/internal/util"
	"pingai/pkg/identity"
	"pingai/pkg/store"
	"pingai/pkg/webhook"
	"pingai/services/functions/internal/app"
	"pingai/services/functions/internal/config"
	"pingai/services/functions/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idp := identity.NewClient(cfg.AuthServiceURL, identity.WithServiceKey(cfg.ServiceKey))

	var directory app.Directory = app.ProviderDirectory{Client: idp}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		directory = app.StoreDirectory{Store: db}
	}

	var verifier app.TokenVerifier
	if strings.TrimSpace(cfg.AuthJWKSURL) != "" {
		v, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		verifier = v
	}

	sender, err := mailer.New(cfg.SMTP, os.Stderr)
	if err != nil {
		log.Fatalf("failed to init mailer: %v", err)
	}

	appCore, err := app.New(app.Config{
		Provider:   idp,
		Directory:  directory,
		Verifier:   verifier,
		Mailer:     sender,
		Documents:  webhook.NewIngestClient(cfg.WebhookBaseURL, nil),
		WebsiteURL: cfg.WebsiteURL,
		Delivery:   cfg.SelfServiceDelivery,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var (
		rdb     redis.UniversalClient
		limiter *ratelimit.FixedWindowLimiter
	)
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}
	if cfg.SelfServiceRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(rdb, "pingai:ratelimit:functions:magic_link", cfg.SelfServiceRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init self-service rate limiter: %v", err)
		}
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid trustedProxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		SelfServiceRate: limiter,
		Alerter:         security.NewAuditAlerter(rdb, "pingai:alerts:functions"),
		TrustedProxies:  proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("functions server listening", "addr", addr, "delivery", appCore.Delivery())
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
