package fsq

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockBusy is returned when an advisory lock could not be acquired
// before the deadline. It is recoverable and distinct from I/O errors.
var ErrLockBusy = errors.New("lock busy")

const lockPollInitial = 10 * time.Millisecond

// WithLock acquires an exclusive advisory lock on lockPath, runs fn and
// releases the lock on all paths. Acquisition retries with exponential
// backoff until timeout, then fails with ErrLockBusy. No fairness is
// guaranteed between waiters.
func WithLock(lockPath string, timeout time.Duration, fn func() error) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock %s: %w", lockPath, err)
	}
	defer f.Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = lockPollInitial
	policy.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		lockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if lockErr == nil {
			return nil
		}
		if errors.Is(lockErr, syscall.EWOULDBLOCK) || errors.Is(lockErr, syscall.EAGAIN) {
			return lockErr // retryable: somebody else holds it
		}
		return backoff.Permanent(fmt.Errorf("flock %s: %w", lockPath, lockErr))
	}, policy)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("%w: %s", ErrLockBusy, lockPath)
		}
		return err
	}

	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()
	return fn()
}

// TryLock attempts a single non-blocking acquisition. The returned
// release function must be called when done; it is nil on failure.
func TryLock(lockPath string) (release func(), err error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, lockPath)
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
