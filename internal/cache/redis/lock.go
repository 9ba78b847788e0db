package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// releaseLua deletes the key only while it still carries the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the key's TTL only while it still carries the caller's
// token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX leases renewed at a
// third of their TTL.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
	renew   *redis.Script
	logger  *slog.Logger
}

// NewLockManager returns a LockManager on c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		rdb:     c.rdb,
		release: redis.NewScript(releaseLua),
		renew:   redis.NewScript(renewLua),
		logger:  logger.With(slog.String("component", "lock")),
	}
}

func lockKey(key string) string { return "triarb:lock:" + key }

// Acquire takes the lease for key or returns domain.ErrLockHeld. The lease is
// renewed in the background until the returned unlock is called; unlock is
// safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		lm.keepAlive(renewCtx, lk, token, ttl)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			stop()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.release.Run(releaseCtx, lm.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("lock release failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
	return unlock, nil
}

func (lm *LockManager) keepAlive(ctx context.Context, lk, token string, ttl time.Duration) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := lm.renew.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			switch {
			case err != nil:
				if ctx.Err() == nil {
					lm.logger.Warn("lock renew failed", slog.String("key", lk), slog.String("error", err.Error()))
				}
			case n == 0:
				lm.logger.Error("lock lease lost", slog.String("key", lk))
				return
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
