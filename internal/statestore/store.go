// Package statestore persists per-currency checkpoints (the trade
// stream cursor) across restarts, backed by Badger.
package statestore

import (
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/mutua/hourledger/internal/domain"
)

// Store is a small KV wrapper over Badger keyed by currency code.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening state store at %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(code string) []byte {
	return []byte("currency:" + code + ":state")
}

// Save durably stores the currency's checkpoint. The write is synced
// before returning so a crash after Save never loses the cursor.
func (s *Store) Save(code string, state domain.CurrencyState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding currency state")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(code), raw)
	})
	if err != nil {
		return errors.Wrapf(err, "saving state for currency %s", code)
	}
	return s.db.Sync()
}

// Load returns the stored checkpoint for the currency, or (nil, nil)
// when none was saved yet.
func (s *Store) Load(code string) (*domain.CurrencyState, error) {
	var state *domain.CurrencyState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(code))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var st domain.CurrencyState
			if err := json.Unmarshal(val, &st); err != nil {
				return errors.Wrap(err, "decoding currency state")
			}
			state = &st
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading state for currency %s", code)
	}
	return state, nil
}
