package domain

import "time"

// MaxCircleSize caps memberships per circle, owner included.
const MaxCircleSize = 5

type StatusKind string

const (
	StatusSafe    StatusKind = "safe"
	StatusHelp    StatusKind = "help"
	StatusUnknown StatusKind = "unknown"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// Profile is an identity record, created on first contact
// (magic-link request or invite-by-phone).
type Profile struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	PublicKey string    `json:"publicKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Circle struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Name           string     `json:"name"`
	EmergencyUntil *time.Time `json:"emergencyUntil,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type Membership struct {
	CircleID string     `json:"circleId"`
	MemberID string     `json:"memberId"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// Location is a reported position. Accuracy is in meters when known.
type Location struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// Status is an append-only check-in row. "Current status" is always derived
// as the newest row per (circle, user), never stored.
type Status struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	CircleID   string     `json:"circleId"`
	Kind       StatusKind `json:"status"`
	Note       string     `json:"note,omitempty"`
	Location   *Location  `json:"location,omitempty"`
	BatteryPct *int       `json:"batteryPct,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// StatusEntry is one member's latest status in a circle listing.
type StatusEntry struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     StatusKind `json:"status"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Note       string     `json:"note,omitempty"`
	Location   *Location  `json:"location,omitempty"`
	BatteryPct *int       `json:"batteryPct,omitempty"`
	IsYou      bool       `json:"isYou"`
}

// Ack acknowledges a status submission. The relay's synthetic offline ack
// carries the same shape with Queued set, so callers cannot tell live and
// replayed success paths apart structurally.
type Ack struct {
	AckID      string      `json:"ackId"`
	ReceivedAt time.Time   `json:"receivedAt"`
	Queued     bool        `json:"queued"`
	StatusID   string      `json:"statusId,omitempty"`
	Entry      StatusEntry `json:"entry"`
}

// HelpAlert is the fire-and-forget event published when a help status lands.
type HelpAlert struct {
	CircleID  string    `json:"circleId"`
	UserID    string    `json:"userId"`
	Note      string    `json:"note,omitempty"`
	Location  *Location `json:"location,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidStatusKind reports whether s is one of the supported kinds.
func ValidStatusKind(s StatusKind) bool {
	switch s {
	case StatusSafe, StatusHelp, StatusUnknown:
		return true
	default:
		return false
	}
}
