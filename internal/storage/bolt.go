package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Tabbuchauhan/pathway/internal/logger"
)

var boltBucket = []byte("pathway")

// boltStore implements KV on a single-bucket bbolt database.
type boltStore struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// OpenBolt opens a bbolt-backed store at Dir/state.bolt.
func OpenBolt(config *Config) (KV, error) {
	if config.Dir == "" {
		return nil, errors.New("storage: bolt backend requires a directory")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(config.Dir, "state.bolt"), 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &boltStore{db: db, logger: logger.GetLogger("storage")}
	s.logger.Debug().Str("dir", config.Dir).Msg("opened bolt store")
	return s, nil
}

func (s *boltStore) Set(key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, val)
	})
}

func (s *boltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *boltStore) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (s *boltStore) DeletePrefix(prefix []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Sync() error {
	return s.db.Sync()
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
