package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/internal/logger"
)

// badgerStore implements KV on badger. An empty Dir opens an in-memory
// database, which tests rely on.
type badgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenBadger opens a badger-backed store.
func OpenBadger(config *Config) (KV, error) {
	opts := badger.DefaultOptions(config.Dir).WithLogger(nil)
	if config.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &badgerStore{db: db, logger: logger.GetLogger("storage")}
	s.logger.Debug().Str("dir", config.Dir).Msg("opened badger store")
	return s, nil
}

func (s *badgerStore) Set(key, val []byte) error {
	return s.translate(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}))
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return val, nil
}

func (s *badgerStore) Delete(key []byte) error {
	return s.translate(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (s *badgerStore) DeletePrefix(prefix []byte) error {
	return s.translate(s.db.DropPrefix(prefix))
}

func (s *badgerStore) Scan(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Sync() error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrStoreClosed
	default:
		return err
	}
}
