package kstate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestPebbleStore(t *testing.T) {
	s, err := OpenPebble(t.TempDir())
	assert.NoError(t, err)
	defer s.Close()

	_, err = s.Get([]byte("missing"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	for _, k := range []string{"b", "a", "c", "d"} {
		assert.NoError(t, s.Set([]byte(k), []byte("v-"+k)))
	}

	v, err := s.Get([]byte("a"))
	assert.NoError(t, err)
	assert.Equal(t, "v-a", string(v))

	var keys []string
	for k := range s.All() {
		keys = append(keys, string(k))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)

	keys = nil
	for k := range s.Range([]byte("b"), []byte("d")) {
		keys = append(keys, string(k))
	}
	assert.Equal(t, []string{"b", "c"}, keys)

	assert.NoError(t, s.Set([]byte("a"), nil))
	_, err = s.Get([]byte("a"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	assert.NoError(t, s.Delete([]byte("b")))
	_, err = s.Get([]byte("b"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestPebbleStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebble(dir)
	assert.NoError(t, err)
	assert.NoError(t, s.Set([]byte("k"), []byte("v")))
	assert.NoError(t, s.Close())

	s, err = OpenPebble(dir)
	assert.NoError(t, err)
	defer s.Close()
	v, err := s.Get([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestMemoryStore(t *testing.T) {
	s, err := OpenMemory()
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Set([]byte("k"), []byte("v")))
	v, err := s.Get([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestDirectoryLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shard-1")

	l1 := NewDirectoryLock(dir)
	assert.NoError(t, l1.Lock())
	assert.True(t, l1.IsLocked())
	assert.Error(t, l1.Lock())

	l2 := NewDirectoryLock(dir)
	err := l2.Lock()
	assert.True(t, errors.Is(err, ErrLocked))
	assert.False(t, l2.IsLocked())

	assert.NoError(t, l1.Unlock())
	assert.False(t, l1.IsLocked())
	assert.NoError(t, l1.Unlock())

	assert.NoError(t, l2.Lock())
	assert.NoError(t, l2.Unlock())
}

func TestWorkspace(t *testing.T) {
	t.Run("namespace is exclusive", func(t *testing.T) {
		root := t.TempDir()
		w, err := OpenWorkspace(root, "index-1")
		assert.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "index-1"), w.Dir)

		_, err = OpenWorkspace(root, "index-1")
		assert.True(t, errors.Is(err, ErrLocked))

		other, err := OpenWorkspace(root, "index-2")
		assert.NoError(t, err)
		assert.NoError(t, other.Close())

		assert.NoError(t, w.Store().Set([]byte("k"), []byte("v")))
		assert.NoError(t, w.Close())

		w, err = OpenWorkspace(root, "index-1")
		assert.NoError(t, err)
		defer w.Close()
		v, err := w.Store().Get([]byte("k"))
		assert.NoError(t, err)
		assert.Equal(t, "v", string(v))
	})

	t.Run("empty root is in memory", func(t *testing.T) {
		w, err := OpenWorkspace("", "index-1")
		assert.NoError(t, err)
		assert.Equal(t, "", w.Dir)
		assert.NoError(t, w.Close())
	})
}
