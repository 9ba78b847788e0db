package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

type fakeBus struct {
	published map[string][][]byte
	appended  map[string][][]byte
	failPub   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, appended: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.failPub != nil {
		return b.failPub
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.appended[stream] = append(b.appended[stream], payload)
	return nil
}

func TestSummarySinkBroadcastsEveryCycle(t *testing.T) {
	bus := newFakeBus()
	sink := NewSummarySink(bus, "triarb:cycles", "triarb:cycle_log")

	require.NoError(t, sink.Publish(t.Context(), domain.CycleSummary{Cycle: 1}))
	require.NoError(t, sink.Publish(t.Context(), domain.CycleSummary{
		Cycle:  2,
		Chosen: &domain.OpportunityBrief{ID: "abc", Symbols: []string{"BTCUSDT", "ETHBTC", "ETHUSDT"}},
	}))

	assert.Len(t, bus.published["triarb:cycles"], 2)
	require.Len(t, bus.appended["triarb:cycle_log"], 1)

	var got domain.CycleSummary
	require.NoError(t, json.Unmarshal(bus.appended["triarb:cycle_log"][0], &got))
	assert.Equal(t, uint64(2), got.Cycle)
	assert.Equal(t, "abc", got.Chosen.ID)
}

func TestSummarySinkKeepsAppendingWhenPublishFails(t *testing.T) {
	bus := newFakeBus()
	bus.failPub = errors.New("connection reset")
	sink := NewSummarySink(bus, "c", "s")

	err := sink.Publish(t.Context(), domain.CycleSummary{Cycle: 3, Paused: true, PauseReason: "exchange maintenance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Len(t, bus.appended["s"], 1)
}
