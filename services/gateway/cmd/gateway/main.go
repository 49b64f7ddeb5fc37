package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"quickfix/internal/ratelimit"
	"quickfix/internal/servicetoken"
	"quickfix/internal/usertoken"
	"quickfix/internal/util"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/kv"
	"quickfix/pkg/notify"
	"quickfix/pkg/store"
	"quickfix/services/gateway/internal/booking"
	"quickfix/services/gateway/internal/chat"
	"quickfix/services/gateway/internal/config"
	"quickfix/services/gateway/internal/diagnoseclient"
	"quickfix/services/gateway/internal/identityclient"
	"quickfix/services/gateway/internal/metrics"
	"quickfix/services/gateway/internal/server"
	"quickfix/services/gateway/internal/session"
	"quickfix/services/gateway/internal/whatsapp"
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

	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	internalTTL := mustDuration("internalJwtTTL", cfg.InternalJWTTTL)
	sessionCacheTTL := mustDuration("sessionCacheTTL", cfg.SessionCacheTTL)
	operatorCacheTTL := mustDuration("operatorCacheTTL", cfg.OperatorCacheTTL)
	chatTimeout := mustDuration("chatTimeout", cfg.ChatTimeout)
	chatTTL := mustDuration("chatTTL", cfg.ChatTTL)
	webhookTimeout := mustDuration("webhookTimeout", cfg.WebhookTimeout)
	sameSite, err := config.ParseSameSite(cfg.RefreshCookieSameSite)
	if err != nil {
		util.Fatal("invalid refresh cookie config", "err", err)
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		util.Fatal("invalid time zone", "zone", cfg.TimeZone, "err", err)
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

	kvStore, err := kv.Open(kv.Options{
		Driver:        cfg.KVDriver,
		Path:          cfg.KVPath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.Secrets.RedisPassword,
		Prefix:        cfg.KVPrefix,
	})
	if err != nil {
		util.Fatal("failed to open kv store", "driver", cfg.KVDriver, "err", err)
	}
	defer kvStore.Close()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open database", "err", err)
	}
	bookings := store.NewPublishingBookingStore(db, feed)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.IdentityJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}
	identity := identityclient.NewClient(cfg.IdentityServiceURL)
	provider, err := session.NewProvider(session.Config{
		Identity:      identity,
		Verifier:      verifier,
		Feed:          feed,
		Webhook:       notify.NewWebhook(cfg.WebhookURL, webhookTimeout),
		CacheTTL:      sessionCacheTTL,
		NotifyTimeout: webhookTimeout,
	})
	if err != nil {
		util.Fatal("failed to init session provider", "err", err)
	}
	if err := provider.Start(context.Background()); err != nil {
		util.Fatal("failed to subscribe to session changes", "err", err)
	}
	defer provider.Close()

	m := metrics.New()
	access := booking.NewOperatorAccess(kvStore, operatorCacheTTL)
	unsubscribe := provider.Subscribe(func(ev session.SessionEvent) {
		m.SessionEvent(string(ev.Kind))
		switch ev.Kind {
		case domain.SessionUserUpdated, domain.SessionSignedOut:
			access.Forget(context.Background(), ev.PrincipalID)
		}
	})
	defer unsubscribe()

	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         cfg.InternalJWTIssuer,
		TTL:            internalTTL,
	})
	if err != nil {
		util.Fatal("failed to init internal token signer", "err", err)
	}
	relay, err := chat.NewRelay(chat.Config{
		Store:        kvStore,
		Generator:    diagnoseclient.NewClient(cfg.DiagnoseServiceURL, signer),
		Timeout:      chatTimeout,
		TTL:          chatTTL,
		HistoryLimit: cfg.ChatHistoryLimit,
	})
	if err != nil {
		util.Fatal("failed to init chat relay", "err", err)
	}
	wa, err := whatsapp.NewBuilder(cfg.WhatsAppNumber)
	if err != nil {
		util.Fatal("invalid whatsapp number", "err", err)
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		Sessions:  provider,
		Account:   identity,
		Submitter: booking.NewSubmitter(bookings, booking.WithLocation(loc)),
		Lister:    booking.NewLister(bookings, access),
		Access:    access,
		Feed:      feed,
		Chat:      relay,
		WhatsApp:  wa,
		Metrics:   m,
		Limiters: server.Limiters{
			Signup:   newLimiter(cfg, "signup", cfg.SignupRateLimitPerMinute),
			Login:    newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute),
			Refresh:  newLimiter(cfg, "refresh", cfg.RefreshRateLimitPerMinute),
			Password: newLimiter(cfg, "password", cfg.PasswordRateLimitPerMinute),
			Booking:  newLimiter(cfg, "booking", cfg.BookingRateLimitPerMinute),
			Chat:     newLimiter(cfg, "chat", cfg.ChatRateLimitPerMinute),
		},
		RefreshCookie: server.CookieConfig{
			Name:     cfg.RefreshCookieName,
			Domain:   cfg.RefreshCookieDomain,
			Path:     cfg.RefreshCookiePath,
			Secure:   cfg.RefreshCookieSecure,
			SameSite: sameSite,
			MaxAge:   cfg.RefreshCookieMaxAgeSeconds,
		},
		TrustedProxies:     proxies,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := util.Serve(context.Background(), "gateway", srv); err != nil {
		util.Fatal("server error", "err", err)
	}
}

// newLimiter returns nil (unlimited) when perMinute is zero.
func newLimiter(cfg config.FileConfig, name string, perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.Secrets.RedisPassword, "quickfix:gateway:ratelimit:"+name, perMinute, time.Minute)
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
