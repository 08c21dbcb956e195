package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"safecircle/pkg/domain"
)

func seedCircle(t *testing.T, s *MemoryStore, circleID, ownerID string, extraMembers ...string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateCircle(
		domain.Circle{ID: circleID, OwnerID: ownerID, Name: "test", CreatedAt: now},
		domain.Membership{CircleID: circleID, MemberID: ownerID, Role: domain.RoleOwner, JoinedAt: now},
	)
	if err != nil {
		t.Fatalf("create circle: %v", err)
	}
	for _, id := range extraMembers {
		err := s.AddMember(domain.Membership{CircleID: circleID, MemberID: id, Role: domain.RoleMember, JoinedAt: now})
		if err != nil {
			t.Fatalf("add member %s: %v", id, err)
		}
	}
}

func TestAddMemberEnforcesCircleCap(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner", "m1", "m2", "m3", "m4")

	err := s.AddMember(domain.Membership{CircleID: "c1", MemberID: "m5", Role: domain.RoleMember, JoinedAt: time.Now().UTC()})
	if !errors.Is(err, ErrCircleFull) {
		t.Fatalf("expected ErrCircleFull for sixth membership, got %v", err)
	}
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner", "m1")

	err := s.AddMember(domain.Membership{CircleID: "c1", MemberID: "m1", Role: domain.RoleMember, JoinedAt: time.Now().UTC()})
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestAddMemberUnknownCircle(t *testing.T) {
	s := NewMemoryStore()
	err := s.AddMember(domain.Membership{CircleID: "missing", MemberID: "m1"})
	if !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected ErrCircleNotFound, got %v", err)
	}
}

func TestAddMemberConcurrentRaceAdmitsExactlyOne(t *testing.T) {
	s := NewMemoryStore()
	// Four members plus owner would be full; start at 3 + owner so one slot remains.
	seedCircle(t, s, "c1", "owner", "m1", "m2", "m3")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{"racer-a", "racer-b"} {
		wg.Add(1)
		go func(slot int, memberID string) {
			defer wg.Done()
			results[slot] = s.AddMember(domain.Membership{
				CircleID: "c1",
				MemberID: memberID,
				Role:     domain.RoleMember,
				JoinedAt: time.Now().UTC(),
			})
		}(i, id)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrCircleFull) {
			t.Fatalf("unexpected race error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one racing add to succeed, got %d", successes)
	}
	members, err := s.ListMembers("c1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != domain.MaxCircleSize {
		t.Fatalf("expected %d members after race, got %d", domain.MaxCircleSize, len(members))
	}
}

func TestLatestStatusesKeepsNewestRowPerUser(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner", "m1")
	base := time.Now().UTC().Add(-time.Hour)

	mustAppend(t, s, domain.Status{ID: "s1", UserID: "m1", CircleID: "c1", Kind: domain.StatusUnknown, CreatedAt: base})
	mustAppend(t, s, domain.Status{ID: "s2", UserID: "m1", CircleID: "c1", Kind: domain.StatusSafe, CreatedAt: base.Add(10 * time.Minute)})
	mustAppend(t, s, domain.Status{ID: "s3", UserID: "owner", CircleID: "c1", Kind: domain.StatusHelp, CreatedAt: base.Add(5 * time.Minute)})

	rows, err := s.LatestStatuses("c1", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("latest statuses: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected one row per user, got %d", len(rows))
	}
	byUser := map[string]domain.Status{}
	for _, st := range rows {
		byUser[st.UserID] = st
	}
	if byUser["m1"].ID != "s2" {
		t.Fatalf("expected newest row s2 for m1, got %s", byUser["m1"].ID)
	}
	if byUser["owner"].Kind != domain.StatusHelp {
		t.Fatalf("expected help status for owner, got %s", byUser["owner"].Kind)
	}
}

func TestLatestStatusesTieBreaksOnInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner")
	at := time.Now().UTC()

	mustAppend(t, s, domain.Status{ID: "first", UserID: "owner", CircleID: "c1", Kind: domain.StatusSafe, CreatedAt: at})
	mustAppend(t, s, domain.Status{ID: "second", UserID: "owner", CircleID: "c1", Kind: domain.StatusHelp, CreatedAt: at})

	rows, err := s.LatestStatuses("c1", at.Add(-time.Minute))
	if err != nil {
		t.Fatalf("latest statuses: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "second" {
		t.Fatalf("expected later insert to win the tie, got %+v", rows)
	}
}

func TestLatestStatusesExcludesRowsOutsideWindow(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner")
	now := time.Now().UTC()

	mustAppend(t, s, domain.Status{ID: "old", UserID: "owner", CircleID: "c1", Kind: domain.StatusSafe, CreatedAt: now.Add(-72 * time.Hour)})

	rows, err := s.LatestStatuses("c1", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("latest statuses: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected stale row to be excluded, got %+v", rows)
	}
}

func TestRemoveMemberIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner", "m1")

	if err := s.RemoveMember("c1", "m1"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := s.RemoveMember("c1", "m1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, ok, _ := s.GetMembership("c1", "m1"); ok {
		t.Fatal("membership should be gone")
	}
}

func TestListCirclesByMember(t *testing.T) {
	s := NewMemoryStore()
	seedCircle(t, s, "c1", "owner")
	seedCircle(t, s, "c2", "other", "owner")

	circles, err := s.ListCirclesByMember("owner")
	if err != nil {
		t.Fatalf("list circles: %v", err)
	}
	if len(circles) != 2 {
		t.Fatalf("expected owner in two circles, got %d", len(circles))
	}
}

func mustAppend(t *testing.T, s *MemoryStore, st domain.Status) {
	t.Helper()
	if err := s.AppendStatus(st); err != nil {
		t.Fatalf("append status: %v", err)
	}
}
