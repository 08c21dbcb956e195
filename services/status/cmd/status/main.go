package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"safecircle/internal/ratelimit"
	"safecircle/internal/util"
	"safecircle/pkg/notify"
	"safecircle/services/status/internal/app"
	"safecircle/services/status/internal/config"
	"safecircle/services/status/internal/pin"
	"safecircle/services/status/internal/server"
	"safecircle/services/status/internal/store"
	"safecircle/services/status/internal/token"
)

const rateWindow = time.Minute

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseTTL(cfg.SessionTTL, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	linkTTL, err := config.ParseTTL(cfg.MagicLinkTTL, 15*time.Minute)
	if err != nil {
		log.Fatalf("failed to parse magic link TTL: %v", err)
	}
	pinTTL, err := config.ParseTTL(cfg.PinTTL, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse pin TTL: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	pins, err := pin.NewStore(cfg.RedisAddr, cfg.RedisPassword, pinTTL)
	if err != nil {
		log.Fatalf("failed to init pin store: %v", err)
	}
	links, err := token.NewLinkStore(cfg.RedisAddr, cfg.RedisPassword, linkTTL)
	if err != nil {
		log.Fatalf("failed to init magic link store: %v", err)
	}
	sessions, err := token.NewSessions(cfg.SessionSecret, "safecircle", sessionTTL)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	var publisher notify.Publisher = notify.NoopPublisher{}
	if cfg.AMQPUrl != "" {
		amqpPublisher, err := notify.NewAMQPPublisher(cfg.AMQPUrl, cfg.AlertExchange)
		if err != nil {
			log.Fatalf("failed to init alert publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		slog.Warn("no amqp url configured, help alerts are dropped")
	}

	appCore, err := app.New(app.Config{
		Store:       dataStore,
		Publisher:   publisher,
		PINs:        pins,
		Links:       links,
		Sessions:    sessions,
		Logger:      logger,
		WindowHours: cfg.WindowHours,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	newLimiter := func(name string, limit int) *ratelimit.FixedWindowLimiter {
		if limit <= 0 {
			return nil
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "safecircle:status:ratelimit:"+name, limit, rateWindow)
		if err != nil {
			log.Fatalf("failed to init %s limiter: %v", name, err)
		}
		return limiter
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Logger:         logger,
		DevMode:        cfg.DevMode,
		TrustedProxies: trustedProxies,
		AuthLimiter:    newLimiter("auth", cfg.AuthRateLimitPerMinute),
		SMSLimiter:     newLimiter("sms", cfg.SMSRateLimitPerMinute),
	})

	handler := util.WithRequestID(util.WithSecurityHeaders(util.WithCORS(
		util.WithRequestLog("status", httpServer.Router()))))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("status server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
