// Package server exposes the status service's HTTP surface: check-in
// submission and listing, circle management, auth glue, and the inbound
// SMS webhook.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"safecircle/internal/ratelimit"
	"safecircle/internal/util"
	"safecircle/pkg/domain"
	"safecircle/services/status/internal/app"
	"safecircle/services/status/internal/sms"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Vendors *sms.Registry
	Logger  *slog.Logger
	DevMode bool

	// TrustedProxies gates X-Forwarded-For trust for audit logs and
	// per-IP rate limit keys.
	TrustedProxies *util.TrustedProxies

	// Optional limiters; nil disables the corresponding limit.
	AuthLimiter *ratelimit.FixedWindowLimiter
	SMSLimiter  *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the status service.
type Server struct {
	app         *app.App
	vendors     *sms.Registry
	logger      *slog.Logger
	devMode     bool
	trusted     *util.TrustedProxies
	authLimiter *ratelimit.FixedWindowLimiter
	smsLimiter  *ratelimit.FixedWindowLimiter
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	if cfg.Vendors == nil {
		cfg.Vendors = sms.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		app:         cfg.App,
		vendors:     cfg.Vendors,
		logger:      cfg.Logger,
		devMode:     cfg.DevMode,
		trusted:     cfg.TrustedProxies,
		authLimiter: cfg.AuthLimiter,
		smsLimiter:  cfg.SMSLimiter,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// check-ins
	s.mux.HandleFunc("/api/status", s.handleStatus)

	// circles
	s.mux.HandleFunc("/api/circles", s.handleCircles)
	s.mux.HandleFunc("/api/circles/", s.handleCircleSubtree)

	// auth glue
	s.mux.HandleFunc("/api/auth/magic-link", s.handleMagicLink)
	s.mux.HandleFunc("/api/auth/redeem", s.handleRedeem)
	s.mux.HandleFunc("/api/pin", s.handleIssuePIN)

	// inbound SMS
	s.mux.HandleFunc("/webhook/sms/", s.handleInboundSMS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// check-in handlers

type submitStatusRequest struct {
	UserID     string           `json:"userId"`
	CircleID   string           `json:"circleId"`
	Status     string           `json:"status"`
	Note       string           `json:"note"`
	Location   *domain.Location `json:"location"`
	BatteryPct *int             `json:"batteryPct"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitStatus(w, r)
	case http.MethodGet:
		s.handleListStatuses(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSubmitStatus(w http.ResponseWriter, r *http.Request) {
	var req submitStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	ack, err := s.app.SubmitStatus(r.Context(), app.SubmitStatusInput{
		UserID:     req.UserID,
		CircleID:   req.CircleID,
		Kind:       domain.StatusKind(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:       req.Note,
		Location:   req.Location,
		BatteryPct: req.BatteryPct,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	windowHours := 0
	if raw := q.Get("windowHours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "windowHours must be a positive integer")
			return
		}
		windowHours = n
	}
	entries, err := s.app.ListStatuses(r.Context(), q.Get("circleId"), q.Get("userId"), windowHours)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circle": entries})
}

// circle handlers

type createCircleRequest struct {
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

type addMemberRequest struct {
	RequesterID string `json:"requesterId"`
	MemberID    string `json:"memberId"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

func (s *Server) handleCircles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createCircleRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		circle, err := s.app.CreateCircle(r.Context(), req.OwnerID, req.Name)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, circle)
	case http.MethodGet:
		circles, err := s.app.ListCircles(r.Context(), r.URL.Query().Get("userId"))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"circles": circles})
	default:
		methodNotAllowed(w)
	}
}

// handleCircleSubtree routes /api/circles/{id}/members[/{memberId}].
func (s *Server) handleCircleSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/circles/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "members":
		s.handleMembers(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "members":
		s.handleMemberByID(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, circleID string) {
	switch r.Method {
	case http.MethodGet:
		members, err := s.app.ListMembers(r.Context(), circleID, r.URL.Query().Get("userId"))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case http.MethodPost:
		var req addMemberRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		m, err := s.app.AddMember(r.Context(), app.AddMemberInput{
			CircleID:    circleID,
			RequesterID: req.RequesterID,
			MemberID:    req.MemberID,
			Phone:       req.Phone,
			Email:       req.Email,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMemberByID(w http.ResponseWriter, r *http.Request, circleID, memberID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	requesterID := r.URL.Query().Get("userId")
	if err := s.app.RemoveMember(r.Context(), circleID, requesterID, memberID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// auth handlers

type magicLinkRequest struct {
	Email string `json:"email"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.rateLimit(w, r, s.authLimiter, "auth:"+s.clientIP(r)) {
		s.audit(r, "status.magic_link", "rate_limited")
		return
	}
	var req magicLinkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	link, err := s.app.RequestMagicLink(r.Context(), req.Email)
	if err != nil {
		s.audit(r, "status.magic_link", "fail")
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "status.magic_link", "success", "user_id", link.UserID)
	resp := map[string]any{"status": "sent"}
	if s.devMode {
		// Dev convenience only; in production the token travels by mail.
		resp["token"] = link.Token
		resp["expiresIn"] = int(link.ExpiresIn.Seconds())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.rateLimit(w, r, s.authLimiter, "auth:"+s.clientIP(r)) {
		s.audit(r, "status.redeem", "rate_limited")
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	session, err := s.app.RedeemMagicLink(r.Context(), req.Token)
	if err != nil {
		s.audit(r, "status.redeem", "fail")
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "status.redeem", "success", "user_id", session.UserID)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  session.Token,
		"userId": session.UserID,
	})
}

func (s *Server) handleIssuePIN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tok, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	userID, err := s.app.VerifySession(tok)
	if err != nil {
		s.audit(r, "status.pin.issue", "fail", "reason", "invalid_session")
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	code, ttl, err := s.app.IssuePIN(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "status.pin.issue", "success", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"pin":       code,
		"expiresIn": int(ttl.Seconds()),
	})
}

// SMS webhook

func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	vendor := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhook/sms/"), "/")
	adapter, ok := s.vendors.Lookup(vendor)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown sms vendor")
		return
	}
	in, err := adapter.Decode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed webhook payload")
		return
	}
	if !s.rateLimit(w, r, s.smsLimiter, "sms:"+in.From) {
		s.audit(r, "status.sms", "rate_limited", "vendor", vendor)
		return
	}

	applied, err := s.app.HandleInboundSMS(r.Context(), in)
	switch {
	case err == nil:
		s.audit(r, "status.sms", "success", "vendor", vendor, "circles", applied)
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrUnauthorized):
		// An unparseable text or stale PIN is the sender's problem, not the
		// vendor's: ack the webhook so it is not retried.
		s.audit(r, "status.sms", "fail", "vendor", vendor, "reason", "rejected")
	default:
		util.LoggerFromContext(r.Context()).Error("inbound sms failed", "vendor", vendor, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	adapter.WriteAck(w)
}

// helpers

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, app.ErrCircleFull):
		writeError(w, http.StatusBadRequest, "circle_full", err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, app.ErrNotMember):
		writeError(w, http.StatusForbidden, "not_member", err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrAlreadyMember):
		writeError(w, http.StatusConflict, "already_member", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, try again later")
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		s.logger.Info("security_event", logAttrs...)
		return
	}
	s.logger.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
