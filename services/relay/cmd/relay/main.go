package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"safecircle/internal/util"
	"safecircle/services/relay/internal/cache"
	"safecircle/services/relay/internal/config"
	"safecircle/services/relay/internal/proxy"
	"safecircle/services/relay/internal/queue"
	"safecircle/services/relay/internal/replay"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	cacheTTL, err := config.ParseInterval(cfg.CacheTTL, 30*time.Second)
	if err != nil {
		log.Fatalf("failed to parse cache TTL: %v", err)
	}
	probeInterval, err := config.ParseInterval(cfg.ProbeInterval, 15*time.Second)
	if err != nil {
		log.Fatalf("failed to parse probe interval: %v", err)
	}
	syncInterval, err := config.ParseInterval(cfg.SyncInterval, 5*time.Minute)
	if err != nil {
		log.Fatalf("failed to parse sync interval: %v", err)
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.DataDir).WithLogger(nil))
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer db.Close()

	q, err := queue.NewBadgerQueue(db)
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}
	defer q.Close()

	responseCache, err := cache.New(db)
	if err != nil {
		log.Fatalf("failed to init cache: %v", err)
	}

	upstream := strings.TrimRight(cfg.UpstreamURL, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	replayer := replay.New(q, client, upstream, logger)
	watcher := replay.NewWatcher(client, upstream+"/healthz", probeInterval, syncInterval, replayer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)

	interceptor := proxy.New(proxy.Config{
		Upstream: upstream,
		Client:   client,
		Queue:    q,
		Cache:    responseCache,
		Replayer: replayer,
		Logger:   logger,
		CacheTTL: cacheTTL,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/flush", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		replayer.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/internal/health", func(w http.ResponseWriter, r *http.Request) {
		n, err := q.Len(r.Context())
		if err != nil {
			http.Error(w, "queue unavailable", http.StatusInternalServerError)
			return
		}
		state := "offline"
		if watcher.Online() {
			state = "online"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"upstream": state, "queued": n})
	})
	mux.Handle("/", interceptor)

	handler := util.WithRequestID(util.WithRequestLog("relay", mux))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("relay listening", "addr", addr, "upstream", upstream)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
