package pin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	s, err := NewStore(redisSrv.Addr(), "", time.Hour)
	if err != nil {
		t.Fatalf("new pin store: %v", err)
	}
	return s, redisSrv
}

func TestIssueAndResolve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, ttl, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(code) != pinLength {
		t.Fatalf("expected %d-digit pin, got %q", pinLength, code)
	}
	if ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	userID, err := s.Resolve(ctx, code)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("resolved to %q, want user-1", userID)
	}
}

func TestIssueRotatesPreviousCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}

	if _, err := s.Resolve(ctx, first); !errors.Is(err, ErrPINUnknown) {
		t.Fatalf("expected rotated pin to be revoked, got %v", err)
	}
	userID, err := s.Resolve(ctx, second)
	if err != nil || userID != "user-1" {
		t.Fatalf("second pin should resolve: %q %v", userID, err)
	}
}

func TestResolveUnknownPIN(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Resolve(context.Background(), "000000"); !errors.Is(err, ErrPINUnknown) {
		t.Fatalf("expected ErrPINUnknown, got %v", err)
	}
}

func TestResolveExpiredPIN(t *testing.T) {
	s, redisSrv := newTestStore(t)
	ctx := context.Background()

	code, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	redisSrv.FastForward(2 * time.Hour)

	if _, err := s.Resolve(ctx, code); !errors.Is(err, ErrPINUnknown) {
		t.Fatalf("expected expired pin to be unknown, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, _, err := s.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Revoke(ctx, "user-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Resolve(ctx, code); !errors.Is(err, ErrPINUnknown) {
		t.Fatalf("expected revoked pin to be unknown, got %v", err)
	}
	// Revoking again is a no-op.
	if err := s.Revoke(ctx, "user-1"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}
