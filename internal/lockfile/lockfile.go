// Package lockfile provides a bounded-retry advisory file lock used to
// serialize writes to the daemon's durable JSON state files.
package lockfile

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxAttempts bounds how many times Acquire retries a held lock before
// surfacing an error to the caller.
const MaxAttempts = 5

// Lock wraps an open file descriptor holding an exclusive flock.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the file at path and takes a
// non-blocking exclusive flock on it, retrying with bounded backoff while
// another process holds it. Failure to acquire after MaxAttempts surfaces
// an error; it never corrupts the underlying file.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	bounded := backoff.WithMaxRetries(policy, MaxAttempts-1)

	operation := func() error {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == syscall.EWOULDBLOCK {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, bounded); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("acquire lock %s: still held after %d attempts", path, MaxAttempts)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// File returns the underlying locked file, positioned at offset 0.
func (l *Lock) File() *os.File {
	return l.f
}

// Release unlocks and closes the underlying file descriptor.
func (l *Lock) Release() error {
	unlockErr := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}

// WithLock opens path, acquires the advisory lock, calls fn with the locked
// file, and releases the lock on return regardless of fn's outcome.
func WithLock(path string, fn func(f *os.File) error) error {
	lock, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()
	return fn(lock.f)
}
