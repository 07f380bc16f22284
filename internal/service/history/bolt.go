package history

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/financegpt/backend/internal/model/chat"
)

// BoltStore persists conversations in a bbolt file, one bucket per key with
// messages keyed by a big-endian sequence number.
type BoltStore struct {
	db    *bolt.DB
	limit int
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string, limit int) (*BoltStore, error) {
	if limit < 1 {
		limit = 1
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	return &BoltStore{db: db, limit: limit}, nil
}

func bucketName(key string) []byte {
	return []byte("history-" + key)
}

func (s *BoltStore) Append(_ context.Context, key string, messages ...chat.Message) error {
	if key == "" {
		return ErrKeyRequired
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return errors.Wrap(err, "create history bucket")
		}

		for _, m := range messages {
			seq, err := b.NextSequence()
			if err != nil {
				return errors.Wrap(err, "next sequence")
			}
			v, err := json.Marshal(stamp(m))
			if err != nil {
				return errors.Wrap(err, "marshal message")
			}
			k := make([]byte, 8)
			binary.BigEndian.PutUint64(k, seq)
			if err := b.Put(k, v); err != nil {
				return errors.Wrap(err, "put message")
			}
		}

		return trimOldest(b, s.limit)
	})
}

func trimOldest(b *bolt.Bucket, limit int) error {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	for k, _ := c.First(); k != nil && n > limit; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return errors.Wrap(err, "trim history")
		}
		n--
	}
	return nil
}

func (s *BoltStore) Recent(_ context.Context, key string) ([]chat.Message, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	messages := []chat.Message{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m chat.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return errors.Wrap(err, "unmarshal message")
			}
			messages = append(messages, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *BoltStore) Close() error {
	return errors.Wrap(s.db.Close(), "close history db")
}
