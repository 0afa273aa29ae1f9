//go:build unix

// Package flock provides advisory file locks.
package flock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when the lock is held by another process and timeout elapses.
var ErrLocked = errors.New("file is locked")

// Acquire an exclusive advisory lock on path, creating it if necessary.
//
// If timeout is zero Acquire fails immediately when the lock is held. The returned function releases the lock.
func Acquire(ctx context.Context, path string, timeout time.Duration) (release func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Errorf("failed to create lock directory: %w", err)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Errorf("%s: failed to open lock file: %w", path, err)
	}
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = unix.Close(fd)
			return nil, errors.Errorf("%s: failed to lock: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			_ = unix.Close(fd)
			return nil, errors.Errorf("%s: %w", path, ErrLocked)
		}
		select {
		case <-ctx.Done():
			_ = unix.Close(fd)
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(time.Millisecond * 100):
		}
	}
	return func() error {
		defer unix.Close(fd) //nolint
		return errors.Wrapf(unix.Flock(fd, unix.LOCK_UN), "%s: failed to unlock", path)
	}, nil
}
