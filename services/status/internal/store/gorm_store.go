package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"safecircle/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ProfileModel{}, &CircleModel{}, &MembershipModel{}, &StatusModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveProfile creates or updates a profile.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"phone", "email", "public_key"}),
	}).Create(&model).Error
}

// GetProfile returns a profile by ID.
func (s *GormStore) GetProfile(id string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// FindProfileByEmail looks up a profile by email.
func (s *GormStore) FindProfileByEmail(email string) (domain.Profile, bool, error) {
	return s.findProfile("email = ?", email)
}

// FindProfileByPhone looks up a profile by E.164 phone number.
func (s *GormStore) FindProfileByPhone(phone string) (domain.Profile, bool, error) {
	return s.findProfile("phone = ?", phone)
}

func (s *GormStore) findProfile(cond string, arg any) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// CreateCircle inserts the circle and the owner membership in one
// transaction so a half-created circle is never observable.
func (s *GormStore) CreateCircle(circle domain.Circle, owner domain.Membership) error {
	circleModel := circleToModel(circle)
	ownerModel := membershipToModel(owner)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&circleModel).Error; err != nil {
			return err
		}
		if err := tx.Create(&ownerModel).Error; err != nil {
			return err
		}
		return nil
	})
}

// GetCircle returns a circle by ID.
func (s *GormStore) GetCircle(id string) (domain.Circle, bool, error) {
	var model CircleModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Circle{}, false, nil
		}
		return domain.Circle{}, false, err
	}
	return circleFromModel(model), true, nil
}

// ListCirclesByMember returns circles the given profile belongs to.
func (s *GormStore) ListCirclesByMember(memberID string) ([]domain.Circle, error) {
	var models []CircleModel
	err := s.db.
		Joins("JOIN memberships ON memberships.circle_id = circles.id").
		Where("memberships.member_id = ?", memberID).
		Order("circles.created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Circle, 0, len(models))
	for _, m := range models {
		res = append(res, circleFromModel(m))
	}
	return res, nil
}

// AddMember inserts a membership while holding a row lock on the circle, so
// the count-then-insert cannot race past the cap. The composite primary key
// backs ErrAlreadyMember.
func (s *GormStore) AddMember(m domain.Membership) error {
	model := membershipToModel(m)
	return s.db.Transaction(func(tx *gorm.DB) error {
		var circle CircleModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&circle, "id = ?", m.CircleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCircleNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&MembershipModel{}).
			Where("circle_id = ?", m.CircleID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= domain.MaxCircleSize {
			return ErrCircleFull
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyMember
			}
			return err
		}
		return nil
	})
}

// RemoveMember deletes a membership; no-op when absent.
func (s *GormStore) RemoveMember(circleID, memberID string) error {
	return s.db.Delete(&MembershipModel{}, "circle_id = ? AND member_id = ?", circleID, memberID).Error
}

// GetMembership returns the membership row for (circle, member).
func (s *GormStore) GetMembership(circleID, memberID string) (domain.Membership, bool, error) {
	var model MembershipModel
	err := s.db.First(&model, "circle_id = ? AND member_id = ?", circleID, memberID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Membership{}, false, nil
		}
		return domain.Membership{}, false, err
	}
	return membershipFromModel(model), true, nil
}

// ListMembers returns memberships ordered by join time.
func (s *GormStore) ListMembers(circleID string) ([]domain.Membership, error) {
	var models []MembershipModel
	if err := s.db.Where("circle_id = ?", circleID).Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Membership, 0, len(models))
	for _, m := range models {
		res = append(res, membershipFromModel(m))
	}
	return res, nil
}

// AppendStatus records a status row. Statuses are never updated.
func (s *GormStore) AppendStatus(st domain.Status) error {
	model, err := statusToModel(st)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// LatestStatuses resolves the newest row per user in one indexed query
// instead of scanning the whole window.
func (s *GormStore) LatestStatuses(circleID string, since time.Time) ([]domain.Status, error) {
	var models []StatusModel
	err := s.db.Raw(`
		SELECT DISTINCT ON (user_id) *
		FROM statuses
		WHERE circle_id = ? AND created_at >= ?
		ORDER BY user_id, created_at DESC, id DESC`,
		circleID, since,
	).Scan(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Status, 0, len(models))
	for _, m := range models {
		st, err := statusFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		ID:        p.ID,
		Phone:     p.Phone,
		Email:     p.Email,
		PublicKey: p.PublicKey,
		CreatedAt: p.CreatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		ID:        m.ID,
		Phone:     m.Phone,
		Email:     m.Email,
		PublicKey: m.PublicKey,
		CreatedAt: m.CreatedAt,
	}
}

func circleToModel(c domain.Circle) CircleModel {
	return CircleModel{
		ID:             c.ID,
		OwnerID:        c.OwnerID,
		Name:           c.Name,
		EmergencyUntil: c.EmergencyUntil,
		CreatedAt:      c.CreatedAt,
	}
}

func circleFromModel(m CircleModel) domain.Circle {
	return domain.Circle{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Name:           m.Name,
		EmergencyUntil: m.EmergencyUntil,
		CreatedAt:      m.CreatedAt,
	}
}

func membershipToModel(m domain.Membership) MembershipModel {
	return MembershipModel{
		CircleID: m.CircleID,
		MemberID: m.MemberID,
		Role:     string(m.Role),
		JoinedAt: m.JoinedAt,
	}
}

func membershipFromModel(m MembershipModel) domain.Membership {
	return domain.Membership{
		CircleID: m.CircleID,
		MemberID: m.MemberID,
		Role:     domain.MemberRole(m.Role),
		JoinedAt: m.JoinedAt,
	}
}

func statusToModel(st domain.Status) (StatusModel, error) {
	model := StatusModel{
		ID:         st.ID,
		UserID:     st.UserID,
		CircleID:   st.CircleID,
		Kind:       string(st.Kind),
		Note:       st.Note,
		BatteryPct: st.BatteryPct,
		CreatedAt:  st.CreatedAt,
	}
	if st.Location != nil {
		raw, err := json.Marshal(st.Location)
		if err != nil {
			return StatusModel{}, fmt.Errorf("marshal location: %w", err)
		}
		model.Location = datatypes.JSON(raw)
	}
	return model, nil
}

func statusFromModel(m StatusModel) (domain.Status, error) {
	st := domain.Status{
		ID:         m.ID,
		UserID:     m.UserID,
		CircleID:   m.CircleID,
		Kind:       domain.StatusKind(m.Kind),
		Note:       m.Note,
		BatteryPct: m.BatteryPct,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Location) > 0 {
		var loc domain.Location
		if err := json.Unmarshal(m.Location, &loc); err != nil {
			return domain.Status{}, fmt.Errorf("unmarshal location: %w", err)
		}
		st.Location = &loc
	}
	return st, nil
}
