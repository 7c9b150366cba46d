package kstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func fillWorkspace(t *testing.T, root, ns string, kv ...string) {
	t.Helper()
	ws, err := OpenWorkspace(root, ns)
	assert.NoError(t, err)
	for i := 0; i+1 < len(kv); i += 2 {
		assert.NoError(t, ws.Store().Set([]byte(kv[i]), []byte(kv[i+1])))
	}
	assert.NoError(t, ws.Close())
}

func readAll(t *testing.T, root, ns string) map[string]string {
	t.Helper()
	ws, err := OpenWorkspace(root, ns)
	assert.NoError(t, err)
	defer ws.Close()
	out := map[string]string{}
	for k, v := range ws.Store().All() {
		out[string(k)] = string(v)
	}
	return out
}

func copyTree(t *testing.T, src, dst string) {
	t.Helper()
	assert.NoError(t, filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(src, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	}))
}

func TestCheckpointAndRestore(t *testing.T) {
	root := t.TempDir()
	fillWorkspace(t, root, "idx-1", "a", "1", "b", "2")
	assert.True(t, HasState(root, "idx-1"))
	assert.False(t, HasState(root, "idx-2"))

	dest := filepath.Join(t.TempDir(), "cp")
	entry, err := CheckpointNamespace(root, "idx-1", dest)
	assert.NoError(t, err)
	assert.Equal(t, "idx-1", entry.Namespace)
	assert.True(t, entry.Files > 0)
	assert.True(t, entry.Bytes > 0)

	target := t.TempDir()
	assert.NoError(t, RestoreNamespace(target, "idx-1", func(dir string) error {
		copyTree(t, dest, dir)
		return nil
	}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, readAll(t, target, "idx-1"))

	err = RestoreNamespace(target, "idx-1", func(string) error { return nil })
	assert.True(t, errors.Is(err, ErrWorkspaceExists))
}

func TestRestoreFailureLeavesNoState(t *testing.T) {
	root := t.TempDir()
	err := RestoreNamespace(root, "idx-1", func(string) error { return errors.New("download failed") })
	assert.Error(t, err)
	assert.False(t, HasState(root, "idx-1"))
	_, err = os.Stat(filepath.Join(root, "idx-1", restoreDir))
	assert.True(t, os.IsNotExist(err))
}

func TestCheckpointLockedNamespace(t *testing.T) {
	root := t.TempDir()
	ws, err := OpenWorkspace(root, "idx-1")
	assert.NoError(t, err)
	defer ws.Close()

	_, err = CheckpointNamespace(root, "idx-1", filepath.Join(t.TempDir(), "cp"))
	assert.True(t, errors.Is(err, ErrLocked))
}

func TestCheckpointInMemory(t *testing.T) {
	ws, err := OpenWorkspace("", "idx")
	assert.NoError(t, err)
	defer ws.Close()
	assert.True(t, errors.Is(ws.Checkpoint(t.TempDir()), ErrInMemory))

	_, err = CheckpointNamespace("", "idx", t.TempDir())
	assert.True(t, errors.Is(err, ErrInMemory))
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{}
	m.Add(ManifestEntry{Namespace: "idx-2", Files: 3, Bytes: 100})
	m.Add(ManifestEntry{Namespace: "idx-1", Files: 4, Bytes: 200})
	m.Add(ManifestEntry{Namespace: "idx-2", Files: 5, Bytes: 300})

	data, err := m.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "0\n2\nidx-1 4 200\nidx-2 5 300\n", string(data))

	path := filepath.Join(t.TempDir(), "snap", "MANIFEST")
	assert.NoError(t, WriteManifest(path, m))
	got, err := ReadManifest(path)
	assert.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = ReadManifest(filepath.Join(t.TempDir(), "MANIFEST"))
	assert.True(t, errors.Is(err, ErrNoManifest))
}

func TestParseManifestRejectsCorruption(t *testing.T) {
	for name, text := range map[string]string{
		"empty":       "",
		"version":     "1\n0\n",
		"count":       "0\n2\nidx-1 1 1\n",
		"fields":      "0\n1\nidx-1 1\n",
		"negative":    "0\n1\nidx-1 -1 1\n",
		"blank line":  "0\n1\n\nidx-1 1 1\n",
		"duplicate":   "0\n2\nidx-1 1 1\nidx-1 2 2\n",
		"bad version": "x\n0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(text))
			assert.Error(t, err)
		})
	}
}

func TestManifestRejectsInvalidNamespace(t *testing.T) {
	m := &Manifest{Entries: []ManifestEntry{{Namespace: "a b"}}}
	_, err := m.MarshalText()
	assert.Error(t, err)
}
