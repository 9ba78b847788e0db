package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

type sent struct{ title, message string }

type recorder struct {
	mu   sync.Mutex
	name string
	msgs []sent
	err  error
}

func (r *recorder) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, sent{title, message})
	return nil
}

func (r *recorder) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recorder{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventEnginePaused, " "}, nil)

	require.NoError(t, n.Notify(t.Context(), EventExecutionComplete, "x", "y"))
	require.NoError(t, n.Notify(t.Context(), EventEnginePaused, "Engine paused", "maintenance"))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "Engine paused", rec.msgs[0].title)
}

func TestNotifierDeliversDespiteOneFailingSender(t *testing.T) {
	bad := &recorder{name: "bad", err: errors.New("boom")}
	good := &recorder{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil)

	err := n.Notify(t.Context(), EventExecutionPartial, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.msgs, 1)
}

func TestCycleAlertsOnTransitionsAndResults(t *testing.T) {
	rec := &recorder{name: "rec"}
	alerts := NewCycleAlerts(NewNotifier([]Sender{rec}, nil, nil))
	ctx := t.Context()

	require.NoError(t, alerts.Publish(ctx, domain.CycleSummary{Cycle: 1, Paused: true, PauseReason: "exchange maintenance"}))
	require.NoError(t, alerts.Publish(ctx, domain.CycleSummary{Cycle: 2, Paused: true}))
	require.NoError(t, alerts.Publish(ctx, domain.CycleSummary{
		Cycle: 3,
		Results: []domain.TradeResult{
			{
				Symbols:     []string{"BTCUSDT", "ETHBTC", "ETHUSDT"},
				StartAsset:  "USDT",
				StartAmount: decimal.NewFromInt(64),
				EndAsset:    "USDT",
				EndAmount:   decimal.RequireFromString("64.5"),
				Outcome:     domain.OutcomeComplete,
			},
			{Outcome: domain.OutcomeAborted, ErrorKind: "stale"},
		},
	}))

	require.Len(t, rec.msgs, 3)
	assert.Equal(t, "Engine paused", rec.msgs[0].title)
	assert.Equal(t, "exchange maintenance", rec.msgs[0].message)
	assert.Equal(t, "Engine resumed", rec.msgs[1].title)
	assert.Equal(t, "Execution complete", rec.msgs[2].title)
	assert.Contains(t, rec.msgs[2].message, "64 USDT -> 64.5 USDT")
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.http.SetBaseURL(srv.URL)

	require.NoError(t, s.Send(t.Context(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(t.Context(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
