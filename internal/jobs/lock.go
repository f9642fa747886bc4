package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "socialcal/internal/log"
)

// DefaultLockTimeout is how long an acquisition stays valid without a
// Refresh.
const DefaultLockTimeout = 5 * time.Minute

// ErrLockNotHeld is returned by Refresh when the lock was released or
// stolen.
var ErrLockNotHeld = errors.New("lock not held")

// TimedLock is a cooperative lock kept as a cache record. An acquisition
// older than the timeout is considered stale and may be taken over by any
// worker.
type TimedLock struct {
	cache   StatusCache
	timeout time.Duration
	now     func() time.Time
}

type lockRecord struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func NewTimedLock(cache StatusCache, timeout time.Duration) *TimedLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &TimedLock{cache: cache, timeout: timeout, now: time.Now}
}

func lockKey(key string) string { return "lock:" + key }

func (l *TimedLock) record(token string) ([]byte, error) {
	return json.Marshal(lockRecord{Token: token, AcquiredAt: l.now().UTC()})
}

// ttl keeps stale records around long enough to be stolen explicitly.
func (l *TimedLock) ttl() time.Duration { return 2 * l.timeout }

// Acquire takes the lock for key. It returns the token needed to refresh or
// release it, or ok=false while another holder's acquisition is fresh.
func (l *TimedLock) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	token = uuid.NewString()
	rec, err := l.record(token)
	if err != nil {
		return "", false, err
	}

	ok, err = l.cache.SetNX(ctx, lockKey(key), rec, l.ttl())
	if err != nil {
		return "", false, err
	}
	if ok {
		return token, true, nil
	}

	cur, err := l.cache.Get(ctx, lockKey(key))
	if errors.Is(err, ErrMiss) {
		// Released between the two calls.
		ok, err = l.cache.SetNX(ctx, lockKey(key), rec, l.ttl())
		return token, ok, err
	}
	if err != nil {
		return "", false, err
	}

	var held lockRecord
	if jerr := json.Unmarshal(cur, &held); jerr == nil && l.now().Sub(held.AcquiredAt) < l.timeout {
		return "", false, nil
	}

	ok, err = l.cache.CompareAndSwap(ctx, lockKey(key), cur, rec, l.ttl())
	if ok {
		appLog.Warn("stale lock taken over", "key", key, "acquired_at", held.AcquiredAt)
	}
	return token, ok, err
}

// Refresh resets the acquisition time of a held lock.
func (l *TimedLock) Refresh(ctx context.Context, key, token string) error {
	cur, held, err := l.current(ctx, key)
	if err != nil {
		return err
	}
	if held.Token != token {
		return ErrLockNotHeld
	}
	rec, err := l.record(token)
	if err != nil {
		return err
	}
	ok, err := l.cache.CompareAndSwap(ctx, lockKey(key), cur, rec, l.ttl())
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

// Release drops the lock if token still holds it. Releasing a lock that was
// stolen is not an error.
func (l *TimedLock) Release(ctx context.Context, key, token string) error {
	cur, held, err := l.current(ctx, key)
	if errors.Is(err, ErrLockNotHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	if held.Token != token {
		return nil
	}
	_, err = l.cache.CompareAndDelete(ctx, lockKey(key), cur)
	return err
}

func (l *TimedLock) current(ctx context.Context, key string) ([]byte, lockRecord, error) {
	var held lockRecord
	cur, err := l.cache.Get(ctx, lockKey(key))
	if errors.Is(err, ErrMiss) {
		return nil, held, ErrLockNotHeld
	}
	if err != nil {
		return nil, held, err
	}
	if err := json.Unmarshal(cur, &held); err != nil {
		return nil, held, fmt.Errorf("decode lock %s: %w", key, err)
	}
	return cur, held, nil
}
