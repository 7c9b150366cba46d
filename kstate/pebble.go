package kstate

import (
	"errors"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type pebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates a pebble store in dir.
func OpenPebble(dir string) (Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &pebbleStore{db: db}, nil
}

// OpenMemory opens a pebble store backed by memory. Its content is lost on
// Close.
func OpenMemory() (Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Flush() error {
	return s.db.Flush()
}

func (s *pebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *pebbleStore) Set(k, v []byte) error {
	if v == nil {
		return s.db.Delete(k, pebble.NoSync)
	}
	return s.db.Set(k, v, pebble.NoSync)
}

func (s *pebbleStore) Get(k []byte) ([]byte, error) {
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *pebbleStore) Delete(k []byte) error {
	return s.db.Delete(k, pebble.NoSync)
}

func (s *pebbleStore) Range(start, end []byte) iter.Seq2[[]byte, []byte] {
	return s.scan(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
}

func (s *pebbleStore) All() iter.Seq2[[]byte, []byte] {
	return s.scan(nil)
}

func (s *pebbleStore) scan(opts *pebble.IterOptions) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it := s.db.NewIter(opts)
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())

			value := make([]byte, len(it.Value()))
			copy(value, it.Value())

			if !yield(key, value) {
				return
			}
		}
	}
}

var _ Store = (*pebbleStore)(nil)
