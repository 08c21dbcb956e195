package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLinkStore(t *testing.T) (*LinkStore, *miniredis.Miniredis) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	s, err := NewLinkStore(redisSrv.Addr(), "", 10*time.Minute)
	if err != nil {
		t.Fatalf("new link store: %v", err)
	}
	return s, redisSrv
}

func TestIssueAndRedeemLink(t *testing.T) {
	s, _ := newTestLinkStore(t)
	ctx := context.Background()

	tok, ttl, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl != 10*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if !strings.Contains(tok, ".") {
		t.Fatalf("expected id.secret token, got %q", tok)
	}

	userID, err := s.Redeem(ctx, tok)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("redeemed to %q, want user-1", userID)
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	s, _ := newTestLinkStore(t)
	ctx := context.Background()

	tok, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Redeem(ctx, tok); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := s.Redeem(ctx, tok); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("second redeem should fail, got %v", err)
	}
}

func TestRedeemRejectsWrongSecret(t *testing.T) {
	s, _ := newTestLinkStore(t)
	ctx := context.Background()

	tok, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	linkID, _, _ := splitLinkToken(tok)
	if _, err := s.Redeem(ctx, linkID+".not-the-secret"); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("expected ErrLinkInvalid, got %v", err)
	}
	// The record survives a failed guess.
	if _, err := s.Redeem(ctx, tok); err != nil {
		t.Fatalf("valid token should still redeem: %v", err)
	}
}

func TestRedeemExpiredLink(t *testing.T) {
	s, redisSrv := newTestLinkStore(t)
	ctx := context.Background()

	tok, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	redisSrv.FastForward(time.Hour)

	if _, err := s.Redeem(ctx, tok); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("expected expired link to be invalid, got %v", err)
	}
}

func TestRedeemMalformedToken(t *testing.T) {
	s, _ := newTestLinkStore(t)
	for _, tok := range []string{"", "nodot", ".leading", "trailing."} {
		if _, err := s.Redeem(context.Background(), tok); !errors.Is(err, ErrLinkInvalid) {
			t.Fatalf("token %q: expected ErrLinkInvalid, got %v", tok, err)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, err := NewSessions("test-secret", "safecircle", time.Hour)
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	tok, err := s.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("verified to %q, want user-1", userID)
	}
}

func TestSessionRejectsWrongSecret(t *testing.T) {
	signer, _ := NewSessions("secret-a", "safecircle", time.Hour)
	verifier, _ := NewSessions("secret-b", "safecircle", time.Hour)

	tok, err := signer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(tok); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestSessionRejectsExpired(t *testing.T) {
	s, _ := NewSessions("test-secret", "safecircle", time.Nanosecond)
	tok, err := s.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := s.Verify(tok); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected expired session to be invalid, got %v", err)
	}
}

func TestSessionRejectsGarbage(t *testing.T) {
	s, _ := NewSessions("test-secret", "safecircle", time.Hour)
	for _, tok := range []string{"", "not.a.jwt", "aaaa"} {
		if _, err := s.Verify(tok); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("token %q: expected ErrSessionInvalid, got %v", tok, err)
		}
	}
}
