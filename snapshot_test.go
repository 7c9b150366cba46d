package kflow

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
	"github.com/birdayz/kflow/kstate"
)

var errNoObject = errors.New("no such object")

// memStore is an ObjectStore in memory.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errNoObject
	}
	return data, nil
}

func (m *memStore) PutDir(ctx context.Context, dir, prefix string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		n++
		return m.Put(ctx, path.Join(prefix, filepath.ToSlash(rel)), data)
	})
	return n, err
}

func (m *memStore) GetDir(_ context.Context, prefix, dir string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, data := range m.objects {
		rel, ok := strings.CutPrefix(key, prefix+"/")
		if !ok {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return n, err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func shardedIndex(t *testing.T) *kdag.Graph {
	return graph(t,
		kdag.StageSpec{Name: "enc", Uses: kstage.KindEncoder},
		kdag.StageSpec{
			Name:               "idx",
			Uses:               kstage.KindIndexer,
			Replicas:           2,
			SeparatedWorkspace: true,
			Polling:            kdag.PollAll,
			ReducingUses:       kstage.KindMergeTopK,
		},
	)
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	g := shardedIndex(t)

	src := MustNew(g, WithRegistry(testRegistry()), WithWorkspace(t.TempDir()), WithTimeout(5*time.Second))
	assert.NoError(t, src.Run(ctx, func(ctx context.Context, f *Flow) error {
		_, err := f.Index(ctx, texts(corpus...))
		return err
	}))

	m, err := src.Snapshot(ctx, store, "snaps/1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(m.Entries))
	assert.Equal(t, "idx-1", m.Entries[0].Namespace)
	assert.Equal(t, "idx-2", m.Entries[1].Namespace)
	_, err = store.Get(ctx, "snaps/1/MANIFEST")
	assert.NoError(t, err)

	dst := MustNew(g, WithRegistry(testRegistry()), WithWorkspace(t.TempDir()), WithTimeout(5*time.Second))
	restored, err := dst.Restore(ctx, store, "snaps/1")
	assert.NoError(t, err)
	assert.Equal(t, m, restored)

	assert.NoError(t, dst.Run(ctx, func(ctx context.Context, f *Flow) error {
		resp, err := f.Search(ctx, []*kdoc.Document{{ID: 100, Text: corpus[4]}}, TopK(1))
		if err != nil {
			return err
		}
		units := kdoc.QueryUnits(resp.Docs[0])
		assert.Equal(t, 1, len(units))
		assert.Equal(t, uint64(5), units[0].Matches()[0].DocID)
		return nil
	}))

	_, err = dst.Restore(ctx, store, "snaps/1")
	assert.True(t, errors.Is(err, kstate.ErrWorkspaceExists))
}

func TestSnapshotPreconditions(t *testing.T) {
	ctx := context.Background()
	g := shardedIndex(t)

	f := MustNew(g, WithRegistry(testRegistry()))
	_, err := f.Snapshot(ctx, newMemStore(), "x")
	assert.True(t, errors.Is(err, ErrNoWorkspace))

	f = build(t, g, WithWorkspace(t.TempDir()))
	_, err = f.Snapshot(ctx, newMemStore(), "x")
	assert.True(t, errors.Is(err, ErrAlreadyBuilt))
}

func TestRestoreWithoutManifest(t *testing.T) {
	f := MustNew(shardedIndex(t), WithRegistry(testRegistry()), WithWorkspace(t.TempDir()))
	_, err := f.Restore(context.Background(), newMemStore(), "missing")
	assert.True(t, errors.Is(err, kstate.ErrNoManifest))
}

func TestSnapshotSkipsStatelessNamespaces(t *testing.T) {
	f := MustNew(shardedIndex(t), WithRegistry(testRegistry()), WithWorkspace(t.TempDir()))
	store := newMemStore()
	m, err := f.Snapshot(context.Background(), store, "empty")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(m.Entries))
	assert.Equal(t, "0\n0\n", string(store.objects["empty/MANIFEST"]))
}
