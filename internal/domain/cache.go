package domain

import (
	"context"
	"time"
)

// SummaryBus fans cycle summaries out to dashboard consumers.
type SummaryBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// LockManager provides a lease that keeps a single engine instance per
// trading account. The lease is renewed until unlock is called.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
