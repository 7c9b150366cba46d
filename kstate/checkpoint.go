package kstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

const (
	storeDir   = "store"
	restoreDir = "store.restore"
)

// Checkpoint writes a consistent copy of the workspace's store to dest,
// which must not exist yet.
func (w *Workspace) Checkpoint(dest string) error {
	ps, ok := w.store.(*pebbleStore)
	if !ok || w.Dir == "" {
		return ErrInMemory
	}
	if err := ps.db.Flush(); err != nil {
		return err
	}
	if err := ps.db.Checkpoint(dest); err != nil {
		return fmt.Errorf("checkpoint %s: %w", w.Dir, err)
	}
	return nil
}

// HasState reports whether root/namespace holds a store.
func HasState(root, namespace string) bool {
	fi, err := os.Stat(filepath.Join(root, namespace, storeDir))
	return err == nil && fi.IsDir()
}

// CheckpointNamespace opens root/namespace, checkpoints it to dest and
// releases it again. It fails with ErrLocked while a unit holds the
// namespace.
func CheckpointNamespace(root, namespace, dest string) (entry ManifestEntry, err error) {
	if root == "" {
		return entry, ErrInMemory
	}
	ws, err := OpenWorkspace(root, namespace)
	if err != nil {
		return entry, err
	}
	defer func() {
		err = multierr.Append(err, ws.Close())
	}()

	if err := ws.Checkpoint(dest); err != nil {
		return entry, err
	}
	files, size, err := dirStats(dest)
	if err != nil {
		return entry, err
	}
	return ManifestEntry{Namespace: namespace, Files: files, Bytes: size}, nil
}

// RestoreNamespace fills root/namespace with a store written by fill. fill
// receives an empty directory; the store only appears under its final name
// once fill returned without error. Namespaces that already hold state are
// refused with ErrWorkspaceExists.
func RestoreNamespace(root, namespace string, fill func(dir string) error) (err error) {
	if root == "" {
		return ErrInMemory
	}
	dir := filepath.Join(root, namespace)
	lock := NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lock.Unlock())
	}()

	if HasState(root, namespace) {
		return fmt.Errorf("%w: %s", ErrWorkspaceExists, dir)
	}
	tmp := filepath.Join(dir, restoreDir)
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		return multierr.Append(err, os.RemoveAll(tmp))
	}
	return os.Rename(tmp, filepath.Join(dir, storeDir))
}

func dirStats(dir string) (files int, size int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += fi.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	return files, size, err
}
