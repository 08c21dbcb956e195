// Package token issues the two credentials the status API hands out:
// single-use magic-link tokens (delivered out-of-band by an external mailer)
// and the short-lived session tokens obtained by redeeming one.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrLinkInvalid covers unknown, expired, malformed, and already
	// redeemed magic links; callers cannot tell these apart.
	ErrLinkInvalid = errors.New("magic link is invalid or expired")
	// ErrSessionInvalid is returned for unverifiable session tokens.
	ErrSessionInvalid = errors.New("session token is invalid")
)

const (
	defaultLinkTTL    = 15 * time.Minute
	defaultSessionTTL = 24 * time.Hour
	opTimeout         = 2 * time.Second
)

type linkRecord struct {
	UserID     string `json:"userId"`
	SecretHash string `json:"secretHash"`
}

// LinkStore keeps pending magic links in Redis. The token is "id.secret";
// only a bcrypt hash of the secret is stored, and a successful redeem
// deletes the record so every link is single-use.
type LinkStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewLinkStore connects the magic-link store to Redis.
func NewLinkStore(addr, password string, ttl time.Duration) (*LinkStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("link store redis addr is required")
	}
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	return &LinkStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix: "safecircle:link",
		ttl:       ttl,
	}, nil
}

// Issue mints a magic-link token for the user.
func (s *LinkStore) Issue(ctx context.Context, userID string) (string, time.Duration, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, errors.New("userId required")
	}
	linkID, err := randomHex(12)
	if err != nil {
		return "", 0, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", 0, err
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", 0, fmt.Errorf("hash link secret: %w", err)
	}
	raw, err := json.Marshal(linkRecord{UserID: userID, SecretHash: string(secretHash)})
	if err != nil {
		return "", 0, fmt.Errorf("marshal link record: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.linkKey(linkID), raw, s.ttl).Err(); err != nil {
		return "", 0, err
	}
	return linkID + "." + secret, s.ttl, nil
}

// Redeem validates and consumes a magic-link token, returning the user it
// was issued for.
func (s *LinkStore) Redeem(ctx context.Context, tok string) (string, error) {
	linkID, secret, ok := splitLinkToken(tok)
	if !ok {
		return "", ErrLinkInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	key := s.linkKey(linkID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrLinkInvalid
	}
	if err != nil {
		return "", err
	}
	var rec linkRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("unmarshal link record: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)) != nil {
		return "", ErrLinkInvalid
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return "", err
	}
	return rec.UserID, nil
}

func (s *LinkStore) linkKey(linkID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, linkID)
}

func splitLinkToken(tok string) (linkID, secret string, ok bool) {
	tok = strings.TrimSpace(tok)
	parts := strings.SplitN(tok, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Sessions signs and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSessions builds the session token signer/verifier.
func NewSessions(secret, issuer string, ttl time.Duration) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = "safecircle"
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a session token for the user.
func (s *Sessions) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userId required")
	}
	jti, err := randomHex(12)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        jti,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, expiry, and issuer, returning the subject user id.
func (s *Sessions) Verify(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrSessionInvalid
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unsupported signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil || !parsed.Valid {
		return "", ErrSessionInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrSessionInvalid
	}
	return claims.Subject, nil
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
