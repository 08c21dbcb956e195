package replay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Watcher probes the upstream and fires the replayer on an offline→online
// transition, plus a slow periodic tick as a safety net for missed
// transitions.
type Watcher struct {
	client        *http.Client
	probeURL      string
	probeInterval time.Duration
	tickInterval  time.Duration
	replayer      *Replayer
	logger        *slog.Logger

	online atomic.Bool
}

// NewWatcher builds a watcher probing probeURL (usually the upstream
// /healthz).
func NewWatcher(client *http.Client, probeURL string, probeInterval, tickInterval time.Duration, replayer *Replayer, logger *slog.Logger) *Watcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if probeInterval <= 0 {
		probeInterval = 15 * time.Second
	}
	if tickInterval <= 0 {
		tickInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:        client,
		probeURL:      probeURL,
		probeInterval: probeInterval,
		tickInterval:  tickInterval,
		replayer:      replayer,
		logger:        logger,
	}
}

// Online reports the last probe's result.
func (w *Watcher) Online() bool {
	return w.online.Load()
}

// Run probes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.probe(ctx)

	probeTicker := time.NewTicker(w.probeInterval)
	defer probeTicker.Stop()
	syncTicker := time.NewTicker(w.tickInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			w.probe(ctx)
		case <-syncTicker.C:
			// Deferred-sync tick: flush anything a missed transition left
			// behind.
			w.replayer.Trigger()
		}
	}
}

func (w *Watcher) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.probeURL, nil)
	if err != nil {
		return
	}
	resp, err := w.client.Do(req)
	up := false
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		up = resp.StatusCode >= 200 && resp.StatusCode <= 299
	}

	was := w.online.Swap(up)
	if up && !was {
		w.logger.Info("upstream reachable, triggering replay")
		w.replayer.Trigger()
	}
	if !up && was {
		w.logger.Warn("upstream unreachable, queueing submissions locally")
	}
}
