//go:build !unix

package stores

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// FileLock is an exclusive lock file created with O_EXCL. It is removed on
// Unlock; a stale file left by a crashed agent must be removed by hand.
type FileLock struct {
	path string
}

// AcquireLock creates the lock file at path. The holder's pid is written
// into the file.
func AcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = f.Close()
	return &FileLock{path: path}, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
