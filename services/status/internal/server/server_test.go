package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"safecircle/internal/ratelimit"
	"safecircle/pkg/domain"
	"safecircle/services/status/internal/app"
	"safecircle/services/status/internal/pin"
	"safecircle/services/status/internal/store"
	"safecircle/services/status/internal/token"
)

type testServer struct {
	srv   *Server
	store *store.MemoryStore
}

func newTestServer(t *testing.T, cfg func(*Config)) *testServer {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	pins, err := pin.NewStore(redisSrv.Addr(), "", time.Hour)
	if err != nil {
		t.Fatalf("pin store: %v", err)
	}
	links, err := token.NewLinkStore(redisSrv.Addr(), "", 10*time.Minute)
	if err != nil {
		t.Fatalf("link store: %v", err)
	}
	sessions, err := token.NewSessions("test-secret", "safecircle", time.Hour)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	memStore := store.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:    memStore,
		PINs:     pins,
		Links:    links,
		Sessions: sessions,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	serverCfg := Config{App: core, DevMode: true}
	if cfg != nil {
		cfg(&serverCfg)
	}
	return &testServer{srv: New(serverCfg), store: memStore}
}

func (ts *testServer) seedProfile(t *testing.T, id, email string) {
	t.Helper()
	if err := ts.store.SaveProfile(domain.Profile{ID: id, Email: email, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func (ts *testServer) seedCircle(t *testing.T, circleID, ownerID string, memberIDs ...string) {
	t.Helper()
	now := time.Now().UTC()
	err := ts.store.CreateCircle(
		domain.Circle{ID: circleID, OwnerID: ownerID, Name: "family", CreatedAt: now},
		domain.Membership{CircleID: circleID, MemberID: ownerID, Role: domain.RoleOwner, JoinedAt: now},
	)
	if err != nil {
		t.Fatalf("seed circle: %v", err)
	}
	for _, id := range memberIDs {
		err := ts.store.AddMember(domain.Membership{CircleID: circleID, MemberID: id, Role: domain.RoleMember, JoinedAt: now})
		if err != nil {
			t.Fatalf("seed member %s: %v", id, err)
		}
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSubmitStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedProfile(t, "owner", "owner@example.com")
	ts.seedCircle(t, "c1", "owner")

	rec := ts.do(t, http.MethodPost, "/api/status", map[string]any{
		"userId":   "owner",
		"circleId": "c1",
		"status":   "safe",
		"note":     "home",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	ack := decode[domain.Ack](t, rec)
	if ack.Queued {
		t.Fatal("live ack must not be queued")
	}
	if ack.StatusID == "" || ack.Entry.Status != domain.StatusSafe {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestSubmitStatusValidationAndMembership(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedProfile(t, "owner", "owner@example.com")
	ts.seedCircle(t, "c1", "owner")

	rec := ts.do(t, http.MethodPost, "/api/status", map[string]any{
		"userId":   "owner",
		"circleId": "c1",
		"status":   "safe",
		"location": map[string]any{"lat": 91.0, "lng": 0.0},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for lat 91, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/status", map[string]any{
		"userId":   "stranger",
		"circleId": "c1",
		"status":   "safe",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["code"] != "not_member" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestListStatusesEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedProfile(t, "owner", "owner@example.com")
	ts.seedProfile(t, "m1", "m1@example.com")
	ts.seedCircle(t, "c1", "owner", "m1")

	for _, kind := range []string{"unknown", "safe"} {
		rec := ts.do(t, http.MethodPost, "/api/status", map[string]any{
			"userId": "m1", "circleId": "c1", "status": kind,
		}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("submit %s: %d", kind, rec.Code)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/status?circleId=c1&userId=owner", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string][]domain.StatusEntry](t, rec)
	entries := resp["circle"]
	if len(entries) != 1 {
		t.Fatalf("expected one entry per posting user, got %+v", entries)
	}
	if entries[0].Status != domain.StatusSafe || entries[0].ID != "m1" {
		t.Fatalf("expected m1's latest safe row, got %+v", entries[0])
	}

	rec = ts.do(t, http.MethodGet, "/api/status?circleId=c1&userId=stranger", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member read, got %d", rec.Code)
	}
}

func TestCircleLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedProfile(t, "owner", "owner@example.com")
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("m%d", i)
		ts.seedProfile(t, id, id+"@example.com")
	}

	rec := ts.do(t, http.MethodPost, "/api/circles", map[string]string{
		"ownerId": "owner", "name": "family",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create circle: %d %s", rec.Code, rec.Body.String())
	}
	circle := decode[domain.Circle](t, rec)

	membersPath := "/api/circles/" + circle.ID + "/members"
	for i := 1; i <= 4; i++ {
		rec = ts.do(t, http.MethodPost, membersPath, map[string]string{
			"requesterId": "owner", "memberId": fmt.Sprintf("m%d", i),
		}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("add m%d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	// Sixth body in a five-person circle.
	rec = ts.do(t, http.MethodPost, membersPath, map[string]string{
		"requesterId": "owner", "memberId": "m5",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for full circle, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["code"] != "circle_full" {
		t.Fatalf("unexpected error body: %v", body)
	}

	rec = ts.do(t, http.MethodGet, membersPath+"?userId=owner", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list members: %d", rec.Code)
	}
	members := decode[map[string][]domain.Membership](t, rec)["members"]
	if len(members) != domain.MaxCircleSize {
		t.Fatalf("expected %d members, got %d", domain.MaxCircleSize, len(members))
	}

	rec = ts.do(t, http.MethodDelete, membersPath+"/m1?userId=owner", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove member: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/circles?userId=owner", nil, nil)
	circles := decode[map[string][]domain.Circle](t, rec)["circles"]
	if len(circles) != 1 || circles[0].ID != circle.ID {
		t.Fatalf("unexpected circle listing: %+v", circles)
	}
}

func TestAuthAndPINFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/auth/magic-link", map[string]string{
		"email": "person@example.com",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("magic link: %d %s", rec.Code, rec.Body.String())
	}
	linkResp := decode[map[string]any](t, rec)
	linkToken, _ := linkResp["token"].(string)
	if linkToken == "" {
		t.Fatalf("dev mode should echo the token, got %v", linkResp)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/redeem", map[string]string{"token": linkToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", rec.Code, rec.Body.String())
	}
	session := decode[map[string]string](t, rec)
	if session["token"] == "" || session["userId"] == "" {
		t.Fatalf("incomplete session response: %v", session)
	}

	// Reuse of a single-use link.
	rec = ts.do(t, http.MethodPost, "/api/auth/redeem", map[string]string{"token": linkToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on link reuse, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/pin", nil, map[string]string{
		"Authorization": "Bearer " + session["token"],
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("issue pin: %d %s", rec.Code, rec.Body.String())
	}
	pinResp := decode[map[string]any](t, rec)
	if code, _ := pinResp["pin"].(string); len(code) != 6 {
		t.Fatalf("expected 6-digit pin, got %v", pinResp)
	}

	rec = ts.do(t, http.MethodPost, "/api/pin", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestInboundSMSWebhook(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedProfile(t, "owner", "owner@example.com")
	ts.seedCircle(t, "c1", "owner")

	// Magic-link + session to mint the PIN the text will carry.
	rec := ts.do(t, http.MethodPost, "/api/auth/magic-link", map[string]string{"email": "owner2@example.com"}, nil)
	linkResp := decode[map[string]any](t, rec)
	rec = ts.do(t, http.MethodPost, "/api/auth/redeem", map[string]string{"token": linkResp["token"].(string)}, nil)
	session := decode[map[string]string](t, rec)
	ts.seedCircle(t, "c2", session["userId"])
	rec = ts.do(t, http.MethodPost, "/api/pin", nil, map[string]string{"Authorization": "Bearer " + session["token"]})
	code := decode[map[string]any](t, rec)["pin"].(string)

	form := url.Values{
		"From":       {"+15551230000"},
		"Body":       {"SAFE " + code},
		"MessageSid": {"SM1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	webhookRec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(webhookRec, req)

	if webhookRec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", webhookRec.Code, webhookRec.Body.String())
	}
	if !strings.Contains(webhookRec.Body.String(), "<Response></Response>") {
		t.Fatalf("expected twiml ack, got %q", webhookRec.Body.String())
	}
	rows, err := ts.store.LatestStatuses("c2", time.Now().UTC().Add(-time.Minute))
	if err != nil || len(rows) != 1 || rows[0].Kind != domain.StatusSafe {
		t.Fatalf("expected one safe row in c2, got %+v (%v)", rows, err)
	}
}

func TestInboundSMSUnknownVendor(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/webhook/sms/nexmo", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown vendor, got %d", rec.Code)
	}
}

func TestMagicLinkRateLimit(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "safecircle:test:auth", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	limited := newTestServer(t, func(cfg *Config) {
		cfg.AuthLimiter = limiter
	})

	body := map[string]string{"email": "rate@example.com"}
	rec := limited.do(t, http.MethodPost, "/api/auth/magic-link", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec = limited.do(t, http.MethodPost, "/api/auth/magic-link", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}
