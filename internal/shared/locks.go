package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReceiveLockKey builds the redis key serialising goods receipts for one purchase order.
func ReceiveLockKey(poID int64) string {
	return fmt.Sprintf("procurement:po:%d:receive", poID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker grants short lived mutual exclusion across service replicas.
type Locker struct {
	client redis.UniversalClient
	poll   time.Duration
}

// NewLocker constructs a redis backed Locker.
func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client, poll: 25 * time.Millisecond}
}

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire blocks until key is free, wait elapses or ctx is done. The lock expires after ttl
// so a crashed holder never blocks forever.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (k *Lock) Release(ctx context.Context) error {
	if k == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("shared: release lock %s: %w", k.key, err)
	}
	return nil
}
