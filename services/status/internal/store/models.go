package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ProfileModel struct {
	ID        string    `gorm:"primaryKey"`
	Phone     string    `gorm:"index"`
	Email     string    `gorm:"index"`
	PublicKey string
	CreatedAt time.Time `gorm:"not null"`
}

func (ProfileModel) TableName() string { return "profiles" }

type CircleModel struct {
	ID             string `gorm:"primaryKey"`
	OwnerID        string `gorm:"not null;index"`
	Name           string `gorm:"not null"`
	EmergencyUntil *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

func (CircleModel) TableName() string { return "circles" }

type MembershipModel struct {
	CircleID string    `gorm:"primaryKey"`
	MemberID string    `gorm:"primaryKey;index"`
	Role     string    `gorm:"not null"`
	JoinedAt time.Time `gorm:"not null"`
}

func (MembershipModel) TableName() string { return "memberships" }

type StatusModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index:idx_statuses_circle_user"`
	CircleID   string `gorm:"not null;index:idx_statuses_circle_user;index:idx_statuses_circle_created"`
	Kind       string `gorm:"not null"`
	Note       string
	Location   datatypes.JSON `gorm:"type:jsonb"`
	BatteryPct *int
	CreatedAt  time.Time `gorm:"not null;index:idx_statuses_circle_created"`
}

func (StatusModel) TableName() string { return "statuses" }
