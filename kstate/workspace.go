package kstate

import (
	"path/filepath"

	"go.uber.org/multierr"
)

// Workspace is an exclusively opened state namespace of one unit.
type Workspace struct {
	Dir string

	lock  *DirectoryLock
	store Store
}

// OpenWorkspace locks root/namespace and opens its store. With an empty root
// the store lives in memory and nothing is locked.
func OpenWorkspace(root, namespace string) (*Workspace, error) {
	if root == "" {
		s, err := OpenMemory()
		if err != nil {
			return nil, err
		}
		return &Workspace{store: s}, nil
	}

	dir := filepath.Join(root, namespace)
	lock := NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return nil, err
	}

	s, err := OpenPebble(filepath.Join(dir, storeDir))
	if err != nil {
		return nil, multierr.Append(err, lock.Unlock())
	}
	return &Workspace{Dir: dir, lock: lock, store: s}, nil
}

func (w *Workspace) Store() Store {
	return w.store
}

// Close closes the store and releases the namespace.
func (w *Workspace) Close() error {
	err := w.store.Close()
	if w.lock != nil {
		err = multierr.Append(err, w.lock.Unlock())
	}
	return err
}
