// Package proxy is the relay's network interception layer: a local HTTP
// front for the status API that absorbs upstream outages. Submissions are
// queued on network failure, reads fall back to the cache, and everything
// else passes through untouched.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"safecircle/pkg/domain"
	"safecircle/services/relay/internal/cache"
	"safecircle/services/relay/internal/queue"
)

const (
	maxBodyBytes    = 1 << 20
	defaultCacheTTL = 30 * time.Second
	statusPath      = "/api/status"
)

// Triggerer requests a replay flush.
type Triggerer interface {
	Trigger()
}

// Config wires the proxy's collaborators.
type Config struct {
	Upstream string // scheme://host, no trailing slash
	Client   *http.Client
	Queue    queue.Queue
	Cache    *cache.Cache
	Replayer Triggerer
	Logger   *slog.Logger
	CacheTTL time.Duration
}

// Proxy is an http.Handler fronting the status API.
type Proxy struct {
	upstream string
	client   *http.Client
	queue    queue.Queue
	cache    *cache.Cache
	replayer Triggerer
	logger   *slog.Logger
	cacheTTL time.Duration

	now   func() time.Time
	newID func() string
}

// New constructs the proxy.
func New(cfg Config) *Proxy {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Proxy{
		upstream: strings.TrimRight(cfg.Upstream, "/"),
		client:   cfg.Client,
		queue:    cfg.Queue,
		cache:    cfg.Cache,
		replayer: cfg.Replayer,
		logger:   cfg.Logger,
		cacheTTL: cfg.CacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == statusPath:
		p.serveSubmit(w, r)
	case r.Method == http.MethodGet:
		p.serveRead(w, r)
	default:
		p.servePassThrough(w, r)
	}
}

// serveSubmit forwards a check-in. A received response, success or error,
// passes through untouched; only a transport failure queues the submission
// and fabricates an accepted-offline ack.
func (p *Proxy) serveSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	resp, err := p.forward(r, body)
	if err == nil {
		defer resp.Body.Close()
		copyResponse(w, resp)
		return
	}
	p.logger.Warn("upstream unreachable, queueing submission", "error", err.Error())

	sub, qerr := p.queue.Enqueue(r.Context(), queue.QueuedSubmission{
		Target:     r.URL.RequestURI(),
		Body:       body,
		EnqueuedAt: p.now(),
	})
	if qerr != nil {
		p.logger.Error("enqueue failed", "error", qerr.Error())
		writeJSONError(w, http.StatusServiceUnavailable, "offline")
		return
	}
	if p.replayer != nil {
		p.replayer.Trigger()
	}
	writeJSON(w, http.StatusAccepted, p.syntheticAck(sub, body))
}

// serveRead is cache-first: a fresh cached payload is served immediately
// with a background refresh; otherwise the upstream is tried live, falling
// back to whatever the cache still holds.
func (p *Proxy) serveRead(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	entry, cached, err := p.cacheGet(r, key)
	if err != nil {
		p.logger.Error("cache read failed", "key", key, "error", err.Error())
	}

	if cached && entry.Fresh(p.cacheTTL, p.now()) {
		p.refreshInBackground(r, key)
		serveEntry(w, entry)
		return
	}

	resp, err := p.forward(r, nil)
	if err == nil {
		defer resp.Body.Close()
		fresh, rerr := p.storeResponse(r, key, resp)
		if rerr != nil {
			p.logger.Error("cache store failed", "key", key, "error", rerr.Error())
			copyResponse(w, resp)
			return
		}
		serveEntry(w, fresh)
		return
	}

	if cached {
		p.logger.Warn("upstream unreachable, serving stale cache", "key", key)
		serveEntry(w, entry)
		return
	}
	writeJSONError(w, http.StatusServiceUnavailable, "offline")
}

func (p *Proxy) servePassThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	resp, err := p.forward(r, body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "offline")
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp)
}

func (p *Proxy) forward(r *http.Request, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.upstream+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return p.client.Do(req)
}

func (p *Proxy) cacheGet(r *http.Request, key string) (cache.Entry, bool, error) {
	if p.cache == nil {
		return cache.Entry{}, false, nil
	}
	return p.cache.Get(r.Context(), key)
}

// refreshInBackground re-fetches a served-from-cache key without blocking
// the response. The request is rebuilt on a detached context because the
// handler's context dies with the client connection.
func (p *Proxy) refreshInBackground(r *http.Request, key string) {
	if p.cache == nil {
		return
	}
	method := r.Method
	header := r.Header.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := p.cache.Refresh(ctx, key, func() (cache.Entry, error) {
			req, err := http.NewRequestWithContext(ctx, method, p.upstream+key, nil)
			if err != nil {
				return cache.Entry{}, err
			}
			req.Header = header
			resp, err := p.client.Do(req)
			if err != nil {
				return cache.Entry{}, err
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return cache.Entry{}, fmt.Errorf("upstream returned %d", resp.StatusCode)
			}
			return entryFromResponse(resp)
		})
		if err != nil {
			p.logger.Debug("background refresh failed", "key", key, "error", err.Error())
		}
	}()
}

func (p *Proxy) storeResponse(r *http.Request, key string, resp *http.Response) (cache.Entry, error) {
	entry, err := entryFromResponse(resp)
	if err != nil {
		return cache.Entry{}, err
	}
	if p.cache != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := p.cache.Put(r.Context(), key, entry); err != nil {
			return cache.Entry{}, err
		}
	}
	return entry, nil
}

// syntheticAck mirrors the server's ack shape so clients cannot tell the
// offline path apart structurally, beyond the queued flag.
func (p *Proxy) syntheticAck(sub queue.QueuedSubmission, body []byte) domain.Ack {
	entry := domain.StatusEntry{UpdatedAt: sub.EnqueuedAt, IsYou: true}
	var req struct {
		UserID     string           `json:"userId"`
		Status     string           `json:"status"`
		Note       string           `json:"note"`
		Location   *domain.Location `json:"location"`
		BatteryPct *int             `json:"batteryPct"`
	}
	if json.Unmarshal(body, &req) == nil {
		entry.ID = req.UserID
		entry.Name = req.UserID
		entry.Status = domain.StatusKind(req.Status)
		entry.Note = req.Note
		entry.Location = req.Location
		entry.BatteryPct = req.BatteryPct
	}
	return domain.Ack{
		AckID:      p.newID(),
		ReceivedAt: sub.EnqueuedAt,
		Queued:     true,
		Entry:      entry,
	}
}
