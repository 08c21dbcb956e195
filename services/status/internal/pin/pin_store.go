// Package pin maps short rotating codes to profiles so a status can be
// submitted from a dumb phone over SMS.
package pin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrPINUnknown is returned when a code resolves to no profile,
	// because it expired, was rotated away, or never existed.
	ErrPINUnknown = errors.New("unknown pin")
)

const (
	pinLength  = 6
	defaultTTL = 24 * time.Hour
	opTimeout  = 2 * time.Second
)

// Store keeps the active PIN per profile in Redis. Codes are stored under a
// SHA-256 digest key so raw PINs never land in the backing store, and each
// profile has exactly one live code: issuing a new one revokes the old.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewStore connects the PIN store to Redis.
func NewStore(addr, password string, ttl time.Duration) (*Store, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("pin redis addr is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix: "safecircle:pin",
		ttl:       ttl,
	}, nil
}

// Issue rotates the profile's PIN: it mints a fresh numeric code, revokes any
// previous code, and returns the new code with its lifetime.
func (s *Store) Issue(ctx context.Context, userID string) (string, time.Duration, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, errors.New("userId required")
	}
	code, err := generateNumericCode(pinLength)
	if err != nil {
		return "", 0, fmt.Errorf("generate pin: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	userKey := s.userKey(userID)
	if oldDigest, err := s.client.Get(ctx, userKey).Result(); err == nil && oldDigest != "" {
		_ = s.client.Del(ctx, s.codeKey(oldDigest)).Err()
	}

	digest := digestPIN(code)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.codeKey(digest), userID, s.ttl)
	pipe.Set(ctx, userKey, digest, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, err
	}
	return code, s.ttl, nil
}

// Resolve returns the profile id owning the given code.
func (s *Store) Resolve(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrPINUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	userID, err := s.client.Get(ctx, s.codeKey(digestPIN(code))).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrPINUnknown
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// Revoke drops the profile's active PIN, if any.
func (s *Store) Revoke(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	userKey := s.userKey(userID)
	digest, err := s.client.Get(ctx, userKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.codeKey(digest))
	pipe.Del(ctx, userKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) codeKey(digest string) string {
	return fmt.Sprintf("%s:code:%s", s.keyPrefix, digest)
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.keyPrefix, userID)
}

func digestPIN(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateNumericCode(length int) (string, error) {
	if length <= 0 {
		length = pinLength
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
