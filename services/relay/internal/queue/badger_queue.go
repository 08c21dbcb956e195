package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	recordPrefix = []byte("q:")
	indexPrefix  = []byte("i:")
	seqKey       = []byte("!queue-seq")
)

const seqBandwidth = 64

// BadgerQueue persists submissions in badger. Records are keyed by a
// monotonic big-endian sequence number, so key order is insertion order
// and survives restarts; a secondary index maps submission id to the
// sequence key for idempotent removal.
type BadgerQueue struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerQueue wraps an open badger handle. The caller owns the db.
func NewBadgerQueue(db *badger.DB) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	return &BadgerQueue{db: db, seq: seq}, nil
}

// Close releases the sequence; unclaimed numbers are discarded, which only
// leaves gaps in the ordering.
func (q *BadgerQueue) Close() error {
	return q.seq.Release()
}

func (q *BadgerQueue) Enqueue(ctx context.Context, sub QueuedSubmission) (QueuedSubmission, error) {
	if err := ctx.Err(); err != nil {
		return QueuedSubmission{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	n, err := q.seq.Next()
	if err != nil {
		return QueuedSubmission{}, fmt.Errorf("next sequence: %w", err)
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return QueuedSubmission{}, fmt.Errorf("marshal submission: %w", err)
	}
	key := recordKey(n)
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		return txn.Set(indexKey(sub.ID), key)
	})
	if err != nil {
		return QueuedSubmission{}, fmt.Errorf("persist submission: %w", err)
	}
	return sub, nil
}

func (q *BadgerQueue) DrainAll(ctx context.Context) ([]QueuedSubmission, error) {
	var subs []QueuedSubmission
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var sub QueuedSubmission
				if err := json.Unmarshal(val, &sub); err != nil {
					return fmt.Errorf("unmarshal queued record: %w", err)
				}
				subs = append(subs, sub)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (q *BadgerQueue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

func (q *BadgerQueue) Len(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func recordKey(n uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], n)
	return key
}

func indexKey(id string) []byte {
	return append(append([]byte{}, indexPrefix...), id...)
}
