// Package cache persists GET responses so reads keep working while the
// upstream is unreachable. Entries are stamped, never evicted on age: a
// stale answer beats no answer when the network is down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

var entryPrefix = []byte("c:")

// Entry is one cached upstream response.
type Entry struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
}

// Fresh reports whether the entry is younger than ttl.
func (e Entry) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.StoredAt) < ttl
}

// Cache is a badger-backed response cache with deduplicated refresh.
type Cache struct {
	db    *badger.DB
	group singleflight.Group
	now   func() time.Time
}

// New wraps an open badger handle. The caller owns the db.
func New(db *badger.DB) (*Cache, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &Cache{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Get returns the cached entry for key, if any.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("unmarshal cache entry: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Put stores a response under key, stamping it with the current time.
func (c *Cache) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.StoredAt = c.now()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(key), raw)
	})
}

// Refresh fetches and stores the entry for key, collapsing concurrent
// refreshes of the same key into one upstream call.
func (c *Cache) Refresh(ctx context.Context, key string, fetch func() (Entry, error)) (Entry, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		entry, err := fetch()
		if err != nil {
			return Entry{}, err
		}
		if err := c.Put(ctx, key, entry); err != nil {
			return Entry{}, err
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func entryKey(key string) []byte {
	return append(append([]byte{}, entryPrefix...), key...)
}
