package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/tixforge/tixclient/util"
)

// BadgerKVStore adapts a badger database to the KVStore contract
type BadgerKVStore struct {
	db *badger.DB
}

func OpenBadgerDB(dir string) (*BadgerKVStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerKVStore{db: db}, nil
}

func (s *BadgerKVStore) Get(key string) (string, bool) {
	var ret string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ret = string(val)
			found = true
			return nil
		})
	})
	util.AssertNoError(err, "badger Get")
	return ret, found
}

func (s *BadgerKVStore) Set(key string, value string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	util.AssertNoError(err, "badger Set")
}

func (s *BadgerKVStore) Remove(key string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	util.AssertNoError(err, "badger Remove")
}

// RunGC discards stale value log data. Returns true if something was collected
func (s *BadgerKVStore) RunGC() bool {
	return s.db.RunValueLogGC(0.5) == nil
}

func (s *BadgerKVStore) Close() error {
	return s.db.Close()
}
