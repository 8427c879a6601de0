package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var ErrLocked = errors.New("store is owned by another process")

// Lock is an exclusive advisory lock on a database. Only the holder may run
// decision cycles or write checkpoints; readers need no lock. The kernel drops
// the lock when the holder exits, so a crash never leaves it stale.
type Lock struct {
	file *os.File
	path string
}

func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireLock takes the lock without waiting. When another process holds it
// the error wraps ErrLocked and names the owner's pid.
func AcquireLock(dbPath string) (*Lock, error) {
	path := LockPath(dbPath)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("%w: %s held by pid %s", ErrLocked, path, lockOwner(path))
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{file: file, path: path}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

func lockOwner(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	if owner := strings.TrimSpace(string(raw)); owner != "" {
		return owner
	}
	return "unknown"
}
