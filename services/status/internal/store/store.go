package store

import (
	"errors"
	"time"

	"safecircle/pkg/domain"
)

var (
	// ErrCircleFull is returned when an insert would exceed domain.MaxCircleSize.
	ErrCircleFull = errors.New("circle is full")
	// ErrAlreadyMember is returned when the (circle, member) pair already exists.
	ErrAlreadyMember = errors.New("already a member")
	// ErrCircleNotFound is returned when the referenced circle does not exist.
	ErrCircleNotFound = errors.New("circle not found")
)

// Store defines persistence operations for profiles, circles, memberships,
// and statuses. Implementations must enforce the membership cap atomically:
// two concurrent AddMember calls against a circle with four members must
// admit exactly one.
type Store interface {
	// profiles
	SaveProfile(domain.Profile) error
	GetProfile(id string) (domain.Profile, bool, error)
	FindProfileByEmail(email string) (domain.Profile, bool, error)
	FindProfileByPhone(phone string) (domain.Profile, bool, error)

	// circles
	CreateCircle(circle domain.Circle, owner domain.Membership) error
	GetCircle(id string) (domain.Circle, bool, error)
	ListCirclesByMember(memberID string) ([]domain.Circle, error)

	// memberships
	AddMember(domain.Membership) error
	RemoveMember(circleID, memberID string) error
	GetMembership(circleID, memberID string) (domain.Membership, bool, error)
	ListMembers(circleID string) ([]domain.Membership, error)

	// statuses
	AppendStatus(domain.Status) error
	// LatestStatuses returns at most one row per user: the newest status in
	// the circle at or after since. Ties on created_at resolve to the larger id.
	LatestStatuses(circleID string, since time.Time) ([]domain.Status, error)
}
