package store

import (
	"sort"
	"sync"
	"time"

	"safecircle/pkg/domain"
)

type membershipKey struct {
	circleID string
	memberID string
}

// MemoryStore keeps everything in-process. It is the test double and the
// development stand-in; the mutex gives it the same cap-invariant safety the
// Postgres transaction gives GormStore.
type MemoryStore struct {
	mu          sync.RWMutex
	profiles    map[string]domain.Profile
	circles     map[string]domain.Circle
	memberships map[membershipKey]domain.Membership
	statuses    map[string][]domain.Status // circleID -> rows in insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:    make(map[string]domain.Profile),
		circles:     make(map[string]domain.Circle),
		memberships: make(map[membershipKey]domain.Membership),
		statuses:    make(map[string][]domain.Status),
	}
}

// SaveProfile creates or replaces a profile.
func (m *MemoryStore) SaveProfile(p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

// GetProfile returns a profile by ID.
func (m *MemoryStore) GetProfile(id string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// FindProfileByEmail looks up a profile by email.
func (m *MemoryStore) FindProfileByEmail(email string) (domain.Profile, bool, error) {
	return m.findProfile(func(p domain.Profile) bool { return p.Email != "" && p.Email == email })
}

// FindProfileByPhone looks up a profile by phone number.
func (m *MemoryStore) FindProfileByPhone(phone string) (domain.Profile, bool, error) {
	return m.findProfile(func(p domain.Profile) bool { return p.Phone != "" && p.Phone == phone })
}

func (m *MemoryStore) findProfile(match func(domain.Profile) bool) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if match(p) {
			return p, true, nil
		}
	}
	return domain.Profile{}, false, nil
}

// CreateCircle stores the circle and owner membership together.
func (m *MemoryStore) CreateCircle(circle domain.Circle, owner domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circles[circle.ID] = circle
	m.memberships[membershipKey{owner.CircleID, owner.MemberID}] = owner
	return nil
}

// GetCircle returns a circle by ID.
func (m *MemoryStore) GetCircle(id string) (domain.Circle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.circles[id]
	return c, ok, nil
}

// ListCirclesByMember returns circles the profile belongs to, oldest first.
func (m *MemoryStore) ListCirclesByMember(memberID string) ([]domain.Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Circle, 0)
	for key, membership := range m.memberships {
		if membership.MemberID != memberID {
			continue
		}
		if c, ok := m.circles[key.circleID]; ok {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// AddMember enforces the circle cap under the store lock.
func (m *MemoryStore) AddMember(mb domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.circles[mb.CircleID]; !ok {
		return ErrCircleNotFound
	}
	key := membershipKey{mb.CircleID, mb.MemberID}
	if _, ok := m.memberships[key]; ok {
		return ErrAlreadyMember
	}
	count := 0
	for k := range m.memberships {
		if k.circleID == mb.CircleID {
			count++
		}
	}
	if count >= domain.MaxCircleSize {
		return ErrCircleFull
	}
	m.memberships[key] = mb
	return nil
}

// RemoveMember deletes a membership; no-op when absent.
func (m *MemoryStore) RemoveMember(circleID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, membershipKey{circleID, memberID})
	return nil
}

// GetMembership returns the membership for (circle, member).
func (m *MemoryStore) GetMembership(circleID, memberID string) (domain.Membership, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.memberships[membershipKey{circleID, memberID}]
	return mb, ok, nil
}

// ListMembers returns memberships ordered by join time.
func (m *MemoryStore) ListMembers(circleID string) ([]domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Membership, 0)
	for k, mb := range m.memberships {
		if k.circleID == circleID {
			res = append(res, mb)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].JoinedAt.Before(res[j].JoinedAt) })
	return res, nil
}

// AppendStatus records a status row in insertion order.
func (m *MemoryStore) AppendStatus(st domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.CircleID] = append(m.statuses[st.CircleID], st)
	return nil
}

// LatestStatuses scans the window and keeps the newest row per user.
// Equal timestamps resolve to the later insert, matching the
// DISTINCT ON ordering of the Postgres store.
func (m *MemoryStore) LatestStatuses(circleID string, since time.Time) ([]domain.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[string]domain.Status)
	for _, st := range m.statuses[circleID] {
		if st.CreatedAt.Before(since) {
			continue
		}
		best, ok := latest[st.UserID]
		if !ok || !st.CreatedAt.Before(best.CreatedAt) {
			latest[st.UserID] = st
		}
	}
	res := make([]domain.Status, 0, len(latest))
	for _, st := range latest {
		res = append(res, st)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}
