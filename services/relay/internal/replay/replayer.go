// Package replay drains the relay's durable queue back to the upstream
// once connectivity returns.
package replay

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"safecircle/services/relay/internal/queue"
)

const flushTimeout = 30 * time.Second

// Replayer flushes queued submissions in insertion order. Trigger calls
// coalesce: at most one flush runs at a time, and at most one follow-up is
// remembered, so a burst of triggers costs one or two passes, not N.
type Replayer struct {
	queue    queue.Queue
	client   *http.Client
	upstream string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	pending bool
	idle    chan struct{}
}

// New builds a replayer posting to upstream (scheme://host, no trailing
// slash).
func New(q queue.Queue, client *http.Client, upstream string, logger *slog.Logger) *Replayer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Replayer{
		queue:    q,
		client:   client,
		upstream: upstream,
		logger:   logger,
		idle:     idle,
	}
}

// Trigger requests a flush and returns immediately.
func (r *Replayer) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.pending = true
		return
	}
	r.running = true
	r.idle = make(chan struct{})
	go r.run()
}

// Wait blocks until no flush is running or scheduled. Test hook.
func (r *Replayer) Wait() {
	for {
		r.mu.Lock()
		idle := r.idle
		running := r.running
		r.mu.Unlock()
		if !running {
			return
		}
		<-idle
	}
}

func (r *Replayer) run() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		r.flush(ctx)
		cancel()

		r.mu.Lock()
		if r.pending {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.running = false
		close(r.idle)
		r.mu.Unlock()
		return
	}
}

// flush walks the queue oldest-first. A delivered record (any received
// response with a 2xx code) is removed; everything else stays for the next
// pass, and later records are still attempted.
func (r *Replayer) flush(ctx context.Context) {
	subs, err := r.queue.DrainAll(ctx)
	if err != nil {
		r.logger.Error("replay drain failed", "error", err.Error())
		return
	}
	if len(subs) == 0 {
		return
	}
	delivered := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		if r.deliver(ctx, sub) {
			if err := r.queue.Remove(ctx, sub.ID); err != nil {
				r.logger.Error("replay remove failed", "id", sub.ID, "error", err.Error())
				continue
			}
			delivered++
		}
	}
	r.logger.Info("replay pass finished", "queued", len(subs), "delivered", delivered)
}

func (r *Replayer) deliver(ctx context.Context, sub queue.QueuedSubmission) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.upstream+sub.Target, bytes.NewReader(sub.Body))
	if err != nil {
		r.logger.Error("replay request build failed", "id", sub.ID, "error", err.Error())
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("replay attempt failed", "id", sub.ID, "error", err.Error())
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("replay rejected by upstream", "id", sub.ID, "status", resp.StatusCode)
		return false
	}
	return true
}
