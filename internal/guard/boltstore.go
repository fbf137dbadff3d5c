package guard

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	noncesBucket = "nonces"
	pairsBucket  = "pairs"
)

// BoltStore is the durable guard store used by the relay: a nonce admitted
// before a restart is still a replay afterwards.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(noncesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(pairsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) InsertNonce(nonce []byte, expiresAt time.Time) (bool, error) {
	seen := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(noncesBucket))
		if bkt.Get(nonce) != nil {
			seen = true
			return nil
		}
		var deadline [8]byte
		binary.BigEndian.PutUint64(deadline[:], uint64(expiresAt.UnixMilli()))
		return bkt.Put(nonce, deadline[:])
	})
	return seen, err
}

func (s *BoltStore) LastAccepted(pair string) (Ordering, bool, error) {
	var ord Ordering
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(pairsBucket)).Get([]byte(pair))
		if len(raw) != 16 {
			return nil
		}
		ord.SequenceNumber = int64(binary.BigEndian.Uint64(raw[:8]))
		ord.Timestamp = int64(binary.BigEndian.Uint64(raw[8:]))
		found = true
		return nil
	})
	return ord, found, err
}

func (s *BoltStore) SetLastAccepted(pair string, ord Ordering) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		value := make([]byte, 16)
		binary.BigEndian.PutUint64(value[:8], uint64(ord.SequenceNumber))
		binary.BigEndian.PutUint64(value[8:], uint64(ord.Timestamp))
		return tx.Bucket([]byte(pairsBucket)).Put([]byte(pair), value)
	})
}

func (s *BoltStore) PruneExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(noncesBucket))
		cutoff := uint64(now.UnixMilli())
		var expired [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			if len(v) == 8 && binary.BigEndian.Uint64(v) <= cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range expired {
			if err := bkt.Delete(key); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (s *BoltStore) NonceCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(noncesBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}
