package objstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "snap/idx-1/000001.sst", ObjectKey("snap", "idx-1/000001.sst"))
	assert.Equal(t, "snap/MANIFEST", ObjectKey("snap/", "MANIFEST"))
	assert.Equal(t, "MANIFEST", ObjectKey("", "MANIFEST"))
}

func TestLocalPath(t *testing.T) {
	dir := t.TempDir()

	p, err := localPath(dir, "a/b/OPTIONS-000003")
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b", "OPTIONS-000003"), p)
	fi, err := os.Stat(filepath.Join(dir, "a", "b"))
	assert.NoError(t, err)
	assert.True(t, fi.IsDir())

	for _, key := range []string{"", "a/", "../escape", "a/../../b", "a//b"} {
		_, err := localPath(dir, key)
		assert.Error(t, err, "%q", key)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New("localhost:9000", "")
	assert.Error(t, err)

	b, err := New("localhost:9000", "snapshots", WithCredentials("minioadmin", "minioadmin"))
	assert.NoError(t, err)
	assert.Equal(t, "snapshots", b.Name())
}
