package kstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DirectoryLock provides exclusive access to a workspace directory.
//
// Lock file lifecycle:
//  1. Lock(): Create .lock file and acquire exclusive lock
//  2. Unlock(): Release lock and remove .lock file
type DirectoryLock struct {
	lockFilePath string
	lockFile     *os.File
}

// NewDirectoryLock creates a new directory lock for dir.
func NewDirectoryLock(dir string) *DirectoryLock {
	return &DirectoryLock{
		lockFilePath: filepath.Join(dir, ".lock"),
	}
}

// Lock acquires an exclusive lock on the directory, creating it if needed.
// Returns an error wrapping ErrLocked if another instance holds the lock.
//
// The lock is implemented using flock(2), which is advisory: only
// cooperating processes are excluded.
func (l *DirectoryLock) Lock() error {
	if l.lockFile != nil {
		return fmt.Errorf("lock already held by this instance")
	}

	dir := filepath.Dir(l.lockFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	l.lockFile = file
	return nil
}

// Unlock releases the lock and removes the lock file. Removal is best
// effort.
func (l *DirectoryLock) Unlock() error {
	if l.lockFile == nil {
		return nil
	}

	// Clear first so IsLocked never reports a half-released lock.
	file := l.lockFile
	l.lockFile = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	// The lock is already released; a leftover file is harmless.
	_ = os.Remove(l.lockFilePath)

	return nil
}

// IsLocked checks if the lock is currently held by this instance
func (l *DirectoryLock) IsLocked() bool {
	return l.lockFile != nil
}
