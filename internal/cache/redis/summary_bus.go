package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const defaultStreamMaxLen int64 = 10000

// SummaryBus implements domain.SummaryBus with Pub/Sub for live dashboards
// and a capped stream for history.
type SummaryBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewSummaryBus returns a bus on c. Streams are trimmed to about maxLen
// entries.
func NewSummaryBus(c *Client, maxLen int64) *SummaryBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &SummaryBus{rdb: c.rdb, maxLen: maxLen}
}

// Publish sends payload on a Pub/Sub channel.
func (b *SummaryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend adds payload to stream with XADD MAXLEN ~.
func (b *SummaryBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// Recent returns up to n payloads from stream, newest first. A missing
// stream yields no entries.
func (b *SummaryBus) Recent(ctx context.Context, stream string, n int64) ([][]byte, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}

var _ domain.SummaryBus = (*SummaryBus)(nil)

// SummarySink publishes every cycle summary as JSON on a channel and
// appends it to the history stream. Empty names skip that leg.
type SummarySink struct {
	bus     domain.SummaryBus
	channel string
	stream  string
}

// NewSummarySink returns a sink writing to bus.
func NewSummarySink(bus domain.SummaryBus, channel, stream string) *SummarySink {
	return &SummarySink{bus: bus, channel: channel, stream: stream}
}

// Publish implements the engine's summary sink.
func (s *SummarySink) Publish(ctx context.Context, sum domain.CycleSummary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("redis: encode cycle %d: %w", sum.Cycle, err)
	}
	var errs []error
	if s.channel != "" {
		errs = append(errs, s.bus.Publish(ctx, s.channel, payload))
	}
	// Idle cycles are only broadcast; history keeps cycles that found or did
	// something.
	if s.stream != "" && (sum.Chosen != nil || sum.Paused) {
		errs = append(errs, s.bus.StreamAppend(ctx, s.stream, payload))
	}
	return errors.Join(errs...)
}

// StreamHistory reads recent summaries back from one stream.
type StreamHistory struct {
	bus    *SummaryBus
	stream string
}

// History returns a reader over stream.
func (b *SummaryBus) History(stream string) *StreamHistory {
	return &StreamHistory{bus: b, stream: stream}
}

// Recent returns up to n summaries, newest first.
func (h *StreamHistory) Recent(ctx context.Context, n int64) ([][]byte, error) {
	return h.bus.Recent(ctx, h.stream, n)
}
