// Package app holds the status service's business logic: check-in
// submission and listing, circle membership, and the auth glue around
// magic links, sessions, and SMS PINs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"safecircle/pkg/domain"
	"safecircle/pkg/notify"
	"safecircle/services/status/internal/pin"
	"safecircle/services/status/internal/sms"
	"safecircle/services/status/internal/store"
	"safecircle/services/status/internal/token"
)

const (
	maxNoteRunes       = 240
	maxCircleNameRunes = 80
	defaultWindowHours = 48
	alertTimeout       = 5 * time.Second
)

// PINStore resolves and rotates the short codes used by SMS check-ins.
type PINStore interface {
	Issue(ctx context.Context, userID string) (string, time.Duration, error)
	Resolve(ctx context.Context, code string) (string, error)
}

// LinkStore issues and redeems single-use magic-link tokens.
type LinkStore interface {
	Issue(ctx context.Context, userID string) (string, time.Duration, error)
	Redeem(ctx context.Context, tok string) (string, error)
}

// SessionIssuer signs and verifies session tokens.
type SessionIssuer interface {
	Issue(userID string) (string, error)
	Verify(tok string) (string, error)
}

// Config wires the application's collaborators.
type Config struct {
	Store     store.Store
	Publisher notify.Publisher
	PINs      PINStore
	Links     LinkStore
	Sessions  SessionIssuer
	Logger    *slog.Logger

	// WindowHours bounds how far back a listing looks. Zero means 48.
	WindowHours int
}

// App is the status service core.
type App struct {
	store       store.Store
	publisher   notify.Publisher
	pins        PINStore
	links       LinkStore
	sessions    SessionIssuer
	logger      *slog.Logger
	windowHours int

	now   func() time.Time
	newID func() string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = defaultWindowHours
	}
	return &App{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		pins:        cfg.PINs,
		links:       cfg.Links,
		sessions:    cfg.Sessions,
		logger:      cfg.Logger,
		windowHours: cfg.WindowHours,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}, nil
}

// SubmitStatusInput is one check-in.
type SubmitStatusInput struct {
	UserID     string
	CircleID   string
	Kind       domain.StatusKind
	Note       string
	Location   *domain.Location
	BatteryPct *int
}

// SubmitStatus appends a check-in row and acknowledges it. A help status
// additionally publishes a best-effort alert; alert delivery never blocks
// or fails the acknowledgement.
func (a *App) SubmitStatus(ctx context.Context, in SubmitStatusInput) (domain.Ack, error) {
	if err := validateSubmission(in); err != nil {
		return domain.Ack{}, err
	}
	if _, ok, err := a.store.GetMembership(in.CircleID, in.UserID); err != nil {
		return domain.Ack{}, fmt.Errorf("check membership: %w", err)
	} else if !ok {
		return domain.Ack{}, ErrNotMember
	}

	now := a.now()
	st := domain.Status{
		ID:         a.newID(),
		UserID:     in.UserID,
		CircleID:   in.CircleID,
		Kind:       in.Kind,
		Note:       strings.TrimSpace(in.Note),
		Location:   in.Location,
		BatteryPct: in.BatteryPct,
		CreatedAt:  now,
	}
	if err := a.store.AppendStatus(st); err != nil {
		return domain.Ack{}, fmt.Errorf("append status: %w", err)
	}

	if st.Kind == domain.StatusHelp {
		a.alertHelp(st)
	}

	return domain.Ack{
		AckID:      a.newID(),
		ReceivedAt: now,
		Queued:     false,
		StatusID:   st.ID,
		Entry:      a.entryFor(st, in.UserID),
	}, nil
}

// ListStatuses returns at most one entry per member who posted inside the
// window: the newest row wins, and members who never posted are omitted.
func (a *App) ListStatuses(ctx context.Context, circleID, requesterID string, windowHours int) ([]domain.StatusEntry, error) {
	circleID = strings.TrimSpace(circleID)
	requesterID = strings.TrimSpace(requesterID)
	if circleID == "" || requesterID == "" {
		return nil, fmt.Errorf("%w: circleId and userId are required", ErrValidation)
	}
	if _, ok, err := a.store.GetMembership(circleID, requesterID); err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	} else if !ok {
		return nil, ErrNotMember
	}

	if windowHours <= 0 {
		windowHours = a.windowHours
	}
	since := a.now().Add(-time.Duration(windowHours) * time.Hour)
	rows, err := a.store.LatestStatuses(circleID, since)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	entries := make([]domain.StatusEntry, 0, len(rows))
	for _, st := range rows {
		entries = append(entries, a.entryFor(st, requesterID))
	}
	return entries, nil
}

// CreateCircle makes a circle with the caller as owner. The circle and the
// owner membership land together or not at all.
func (a *App) CreateCircle(ctx context.Context, ownerID, name string) (domain.Circle, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return domain.Circle{}, fmt.Errorf("%w: ownerId is required", ErrValidation)
	}
	if name == "" || utf8.RuneCountInString(name) > maxCircleNameRunes {
		return domain.Circle{}, fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxCircleNameRunes)
	}
	if _, ok, err := a.store.GetProfile(ownerID); err != nil {
		return domain.Circle{}, fmt.Errorf("load owner: %w", err)
	} else if !ok {
		return domain.Circle{}, fmt.Errorf("%w: owner profile", ErrNotFound)
	}

	now := a.now()
	circle := domain.Circle{
		ID:        a.newID(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: now,
	}
	owner := domain.Membership{
		CircleID: circle.ID,
		MemberID: ownerID,
		Role:     domain.RoleOwner,
		JoinedAt: now,
	}
	if err := a.store.CreateCircle(circle, owner); err != nil {
		return domain.Circle{}, fmt.Errorf("create circle: %w", err)
	}
	return circle, nil
}

// ListCircles returns the circles the user belongs to.
func (a *App) ListCircles(ctx context.Context, userID string) ([]domain.Circle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	circles, err := a.store.ListCirclesByMember(userID)
	if err != nil {
		return nil, fmt.Errorf("list circles: %w", err)
	}
	return circles, nil
}

// ListMembers returns a circle's memberships; only members may look.
func (a *App) ListMembers(ctx context.Context, circleID, requesterID string) ([]domain.Membership, error) {
	if _, ok, err := a.store.GetMembership(circleID, requesterID); err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	} else if !ok {
		return nil, ErrNotMember
	}
	members, err := a.store.ListMembers(circleID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// AddMemberInput identifies who to add: an existing profile id, or a
// contact (phone or email) that is resolved to a profile, creating one on
// first contact.
type AddMemberInput struct {
	CircleID    string
	RequesterID string
	MemberID    string
	Phone       string
	Email       string
}

// AddMember admits one more member, owner-only. The five-member cap holds
// even under concurrent adds.
func (a *App) AddMember(ctx context.Context, in AddMemberInput) (domain.Membership, error) {
	circle, ok, err := a.store.GetCircle(in.CircleID)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("load circle: %w", err)
	}
	if !ok {
		return domain.Membership{}, fmt.Errorf("%w: circle", ErrNotFound)
	}
	if circle.OwnerID != in.RequesterID {
		return domain.Membership{}, ErrForbidden
	}

	memberID := strings.TrimSpace(in.MemberID)
	if memberID == "" {
		memberID, err = a.resolveContact(in.Phone, in.Email)
		if err != nil {
			return domain.Membership{}, err
		}
	} else if _, ok, err := a.store.GetProfile(memberID); err != nil {
		return domain.Membership{}, fmt.Errorf("load member profile: %w", err)
	} else if !ok {
		return domain.Membership{}, fmt.Errorf("%w: member profile", ErrNotFound)
	}

	m := domain.Membership{
		CircleID: in.CircleID,
		MemberID: memberID,
		Role:     domain.RoleMember,
		JoinedAt: a.now(),
	}
	if err := a.store.AddMember(m); err != nil {
		switch {
		case errors.Is(err, store.ErrCircleFull):
			return domain.Membership{}, ErrCircleFull
		case errors.Is(err, store.ErrAlreadyMember):
			return domain.Membership{}, ErrAlreadyMember
		case errors.Is(err, store.ErrCircleNotFound):
			return domain.Membership{}, fmt.Errorf("%w: circle", ErrNotFound)
		default:
			return domain.Membership{}, fmt.Errorf("add member: %w", err)
		}
	}
	return m, nil
}

// RemoveMember drops a membership. The owner may remove anyone else; a
// member may remove themself. The owner membership itself cannot be
// removed.
func (a *App) RemoveMember(ctx context.Context, circleID, requesterID, targetID string) error {
	circle, ok, err := a.store.GetCircle(circleID)
	if err != nil {
		return fmt.Errorf("load circle: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: circle", ErrNotFound)
	}
	if targetID == circle.OwnerID {
		return fmt.Errorf("%w: the owner cannot leave their own circle", ErrValidation)
	}
	if requesterID != circle.OwnerID && requesterID != targetID {
		return ErrForbidden
	}
	if err := a.store.RemoveMember(circleID, targetID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// MagicLink is an issued magic-link token with its lifetime.
type MagicLink struct {
	Token     string
	ExpiresIn time.Duration
	UserID    string
}

// RequestMagicLink creates a profile for the email on first contact and
// issues a single-use login link. Delivery is external; callers decide
// whether the token is echoed back (dev mode) or only mailed.
func (a *App) RequestMagicLink(ctx context.Context, email string) (MagicLink, error) {
	if a.links == nil {
		return MagicLink{}, errors.New("magic links not configured")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return MagicLink{}, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	profile, ok, err := a.store.FindProfileByEmail(email)
	if err != nil {
		return MagicLink{}, fmt.Errorf("find profile: %w", err)
	}
	if !ok {
		profile = domain.Profile{ID: a.newID(), Email: email, CreatedAt: a.now()}
		if err := a.store.SaveProfile(profile); err != nil {
			return MagicLink{}, fmt.Errorf("create profile: %w", err)
		}
	}
	tok, ttl, err := a.links.Issue(ctx, profile.ID)
	if err != nil {
		return MagicLink{}, fmt.Errorf("issue magic link: %w", err)
	}
	return MagicLink{Token: tok, ExpiresIn: ttl, UserID: profile.ID}, nil
}

// Session is the result of redeeming a magic link.
type Session struct {
	UserID string
	Token  string
}

// RedeemMagicLink consumes a magic link and opens a session.
func (a *App) RedeemMagicLink(ctx context.Context, tok string) (Session, error) {
	if a.links == nil || a.sessions == nil {
		return Session{}, errors.New("magic links not configured")
	}
	userID, err := a.links.Redeem(ctx, tok)
	if errors.Is(err, token.ErrLinkInvalid) {
		return Session{}, ErrUnauthorized
	}
	if err != nil {
		return Session{}, fmt.Errorf("redeem magic link: %w", err)
	}
	session, err := a.sessions.Issue(userID)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return Session{UserID: userID, Token: session}, nil
}

// VerifySession returns the user id behind a session token.
func (a *App) VerifySession(tok string) (string, error) {
	if a.sessions == nil {
		return "", errors.New("sessions not configured")
	}
	userID, err := a.sessions.Verify(tok)
	if err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// IssuePIN rotates the user's SMS check-in code.
func (a *App) IssuePIN(ctx context.Context, userID string) (string, time.Duration, error) {
	if a.pins == nil {
		return "", 0, errors.New("pins not configured")
	}
	if _, ok, err := a.store.GetProfile(userID); err != nil {
		return "", 0, fmt.Errorf("load profile: %w", err)
	} else if !ok {
		return "", 0, fmt.Errorf("%w: profile", ErrNotFound)
	}
	return a.pins.Issue(ctx, userID)
}

// HandleInboundSMS applies one parsed text message: the PIN picks the
// profile, and the check-in fans out to every circle the profile belongs
// to. Returns how many circles received a row.
func (a *App) HandleInboundSMS(ctx context.Context, in sms.Inbound) (int, error) {
	if a.pins == nil {
		return 0, errors.New("pins not configured")
	}
	msg, err := sms.Parse(in.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	userID, err := a.pins.Resolve(ctx, msg.PIN)
	if errors.Is(err, pin.ErrPINUnknown) {
		return 0, ErrUnauthorized
	}
	if err != nil {
		return 0, fmt.Errorf("resolve pin: %w", err)
	}

	circles, err := a.store.ListCirclesByMember(userID)
	if err != nil {
		return 0, fmt.Errorf("list circles: %w", err)
	}
	now := a.now()
	applied := 0
	for _, c := range circles {
		st := domain.Status{
			ID:        a.newID(),
			UserID:    userID,
			CircleID:  c.ID,
			Kind:      msg.Kind,
			Location:  msg.Location,
			CreatedAt: now,
		}
		if err := a.store.AppendStatus(st); err != nil {
			a.logger.Error("sms status append failed",
				slog.String("circle_id", c.ID),
				slog.String("error", err.Error()))
			continue
		}
		if st.Kind == domain.StatusHelp {
			a.alertHelp(st)
		}
		applied++
	}
	a.logger.Info("inbound sms applied",
		slog.String("vendor_message_id", in.MessageID),
		slog.Int("circles", applied))
	return applied, nil
}

func (a *App) alertHelp(st domain.Status) {
	alert := domain.HelpAlert{
		CircleID:  st.CircleID,
		UserID:    st.UserID,
		Note:      st.Note,
		Location:  st.Location,
		CreatedAt: st.CreatedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := a.publisher.PublishHelp(ctx, alert); err != nil {
			a.logger.Error("help alert publish failed",
				slog.String("circle_id", alert.CircleID),
				slog.String("error", err.Error()))
		}
	}()
}

func (a *App) entryFor(st domain.Status, requesterID string) domain.StatusEntry {
	return domain.StatusEntry{
		ID:         st.UserID,
		Name:       a.displayName(st.UserID),
		Status:     st.Kind,
		UpdatedAt:  st.CreatedAt,
		Note:       st.Note,
		Location:   st.Location,
		BatteryPct: st.BatteryPct,
		IsYou:      st.UserID == requesterID,
	}
}

func (a *App) displayName(userID string) string {
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil || !ok {
		return userID
	}
	if profile.Email != "" {
		return profile.Email
	}
	if profile.Phone != "" {
		return profile.Phone
	}
	return userID
}

func (a *App) resolveContact(phone, email string) (string, error) {
	phone = strings.TrimSpace(phone)
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case phone != "":
		profile, ok, err := a.store.FindProfileByPhone(phone)
		if err != nil {
			return "", fmt.Errorf("find profile by phone: %w", err)
		}
		if ok {
			return profile.ID, nil
		}
		profile = domain.Profile{ID: a.newID(), Phone: phone, CreatedAt: a.now()}
		if err := a.store.SaveProfile(profile); err != nil {
			return "", fmt.Errorf("create invited profile: %w", err)
		}
		return profile.ID, nil
	case email != "":
		profile, ok, err := a.store.FindProfileByEmail(email)
		if err != nil {
			return "", fmt.Errorf("find profile by email: %w", err)
		}
		if ok {
			return profile.ID, nil
		}
		profile = domain.Profile{ID: a.newID(), Email: email, CreatedAt: a.now()}
		if err := a.store.SaveProfile(profile); err != nil {
			return "", fmt.Errorf("create invited profile: %w", err)
		}
		return profile.ID, nil
	default:
		return "", fmt.Errorf("%w: memberId, phone, or email is required", ErrValidation)
	}
}

func validateSubmission(in SubmitStatusInput) error {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.CircleID) == "" {
		return fmt.Errorf("%w: userId and circleId are required", ErrValidation)
	}
	if !domain.ValidStatusKind(in.Kind) {
		return fmt.Errorf("%w: status must be safe, help, or unknown", ErrValidation)
	}
	if utf8.RuneCountInString(in.Note) > maxNoteRunes {
		return fmt.Errorf("%w: note exceeds %d characters", ErrValidation, maxNoteRunes)
	}
	if in.BatteryPct != nil && (*in.BatteryPct < 0 || *in.BatteryPct > 100) {
		return fmt.Errorf("%w: batteryPct must be within [0,100]", ErrValidation)
	}
	if in.Location != nil {
		if in.Location.Lat < -90 || in.Location.Lat > 90 {
			return fmt.Errorf("%w: lat must be within [-90,90]", ErrValidation)
		}
		if in.Location.Lng < -180 || in.Location.Lng > 180 {
			return fmt.Errorf("%w: lng must be within [-180,180]", ErrValidation)
		}
	}
	return nil
}
