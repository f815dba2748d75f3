package relay

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"collabroom/protocol"
)

var retainedBucket = []byte("retained")

// RetainStore persists retained room envelopes, one nested bucket per
// room, so durable room state like the host record survives a relay
// restart.
type RetainStore struct {
	db *bolt.DB
}

// OpenRetainStore opens or creates the store file.
func OpenRetainStore(path string) (*RetainStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open retain store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retainedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init retain store: %w", err)
	}
	return &RetainStore{db: db}, nil
}

// SaveRetained stores the latest retained envelope for (room, event).
func (s *RetainStore) SaveRetained(roomID string, env protocol.Envelope) error {
	raw, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode retained envelope: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(retainedBucket).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return err
		}
		return b.Put([]byte(env.Event), raw)
	})
}

// LoadRoom returns every retained envelope for a room. A missing room is a
// normal empty result.
func (s *RetainStore) LoadRoom(roomID string) ([]protocol.Envelope, error) {
	var out []protocol.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(retainedBucket).Bucket([]byte(roomID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var env protocol.Envelope
			if err := msgpack.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode retained envelope: %w", err)
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying file.
func (s *RetainStore) Close() {
	s.db.Close()
}
