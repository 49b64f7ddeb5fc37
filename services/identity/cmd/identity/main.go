package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"quickfix/internal/ratelimit"
	"quickfix/internal/util"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/notify"
	"quickfix/services/identity/internal/app"
	"quickfix/services/identity/internal/config"
	"quickfix/services/identity/internal/security"
	"quickfix/services/identity/internal/server"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	sessionTTL := mustDuration("sessionTTL", cfg.SessionTTL)
	refreshTTL := mustDuration("refreshTTL", cfg.RefreshTTL)
	resetTTL := mustDuration("resetTTL", cfg.ResetTTL)
	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	webhookTimeout := mustDuration("webhookTimeout", cfg.WebhookTimeout)
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("failed to parse jwt verify public keys", "err", err)
	}

	feed, err := changefeed.Open(changefeed.Options{
		Driver:        cfg.FeedDriver,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.Secrets.RedisPassword,
		RedisPrefix:   cfg.FeedRedisPrefix,
		AMQPURL:       cfg.Secrets.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
	})
	if err != nil {
		util.Fatal("failed to open change feed", "err", err)
	}
	defer feed.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.Secrets.RedisPassword,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		ResetTTL:            resetTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
		Events:              feed,
		Webhook:             notify.NewWebhook(cfg.WebhookURL, webhookTimeout),
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.Secrets.RedisPassword, cfg.AlertPrefix)
	defer alerter.Close()

	httpServer := server.New(server.Config{
		App: appCore,
		Limiters: server.Limiters{
			Signup:   newLimiter(cfg, "signup", cfg.SignupRateLimitPerMinute),
			Login:    newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute),
			Refresh:  newLimiter(cfg, "refresh", cfg.RefreshRateLimitPerMinute),
			Password: newLimiter(cfg, "password", cfg.PasswordRateLimitPerMinute),
		},
		Alerter:            alerter,
		TrustedProxies:     proxies,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := util.Serve(context.Background(), "identity", srv); err != nil {
		util.Fatal("server error", "err", err)
	}
}

// newLimiter returns nil (unlimited) when perMinute is zero.
func newLimiter(cfg config.FileConfig, name string, perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.Secrets.RedisPassword, "quickfix:identity:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "name", name, "err", err)
	}
	return limiter
}

func mustDuration(field, raw string) time.Duration {
	d, err := config.ParseDuration(field, raw)
	if err != nil {
		util.Fatal("invalid duration", "field", field, "err", err)
	}
	return d
}
