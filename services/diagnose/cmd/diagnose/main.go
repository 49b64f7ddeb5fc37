package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"quickfix/internal/servicetoken"
	"quickfix/internal/util"
	"quickfix/pkg/ai"
	"quickfix/services/diagnose/internal/app"
	"quickfix/services/diagnose/internal/config"
	"quickfix/services/diagnose/internal/server"
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

	timeout, err := config.ParseGenerationTimeout(cfg.GenerationTimeout)
	if err != nil {
		util.Fatal("failed to parse generation timeout", "err", err)
	}
	generator, err := ai.NewGenerator(ai.Config{
		Provider: cfg.GenerationProvider,
		Model:    cfg.GenerationModel,
		APIKey:   cfg.APIKey(),
		BaseURL:  cfg.GenerationBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init generator", "err", err)
	}
	appCore, err := app.New(app.Config{
		Generator:    generator,
		Timeout:      timeout,
		HistoryLimit: cfg.HistoryLimit,
		Options: ai.Options{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxOutputTokens,
			TopP:        cfg.TopP,
			TopK:        cfg.TopK,
		},
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var verifier *servicetoken.Verifier
	if cfg.InternalJWTPublicKeyPath != "" || cfg.InternalJWTVerifyPublicKeys != "" {
		verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
		if err != nil {
			util.Fatal("failed to parse internal jwt verify public keys", "err", err)
		}
		verifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
			VerifyPublicKeyMap: verifyKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           "diagnose",
			AllowedIssuers:     cfg.InternalAllowedIssuers,
		})
		if err != nil {
			util.Fatal("failed to init internal token verifier", "err", err)
		}
	}

	httpServer := server.New(server.Config{
		App:                appCore,
		ServiceVerifier:    verifier,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := util.Serve(context.Background(), "diagnose", srv); err != nil {
		util.Fatal("server error", "err", err)
	}
}
