package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// CycleAlerts turns cycle summaries into alerts: one per execution result
// and one on each pause or resume transition.
type CycleAlerts struct {
	n *Notifier

	mu     sync.Mutex
	paused bool
}

// NewCycleAlerts returns a summary sink backed by n.
func NewCycleAlerts(n *Notifier) *CycleAlerts { return &CycleAlerts{n: n} }

// Publish implements the engine's summary sink.
func (a *CycleAlerts) Publish(ctx context.Context, sum domain.CycleSummary) error {
	var errs []error

	a.mu.Lock()
	was := a.paused
	a.paused = sum.Paused
	a.mu.Unlock()
	switch {
	case sum.Paused && !was:
		errs = append(errs, a.n.Notify(ctx, EventEnginePaused, "Engine paused", sum.PauseReason))
	case !sum.Paused && was:
		errs = append(errs, a.n.Notify(ctx, EventEngineResumed, "Engine resumed", fmt.Sprintf("cycle %d", sum.Cycle)))
	}

	for _, r := range sum.Results {
		event, title := resultEvent(r)
		if event == "" {
			continue
		}
		errs = append(errs, a.n.Notify(ctx, event, title, describe(r)))
	}
	return errors.Join(errs...)
}

func resultEvent(r domain.TradeResult) (event, title string) {
	switch r.Outcome {
	case domain.OutcomeComplete:
		return EventExecutionComplete, "Execution complete"
	case domain.OutcomePartial:
		return EventExecutionPartial, "Execution partial"
	case domain.OutcomeAborted:
		if r.Executed() {
			return EventExecutionFailed, "Execution failed"
		}
	}
	return "", ""
}

func describe(r domain.TradeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", strings.Join(r.Symbols, " > "))
	fmt.Fprintf(&b, "%s %s -> %s %s\n", r.StartAmount, r.StartAsset, r.EndAmount, r.EndAsset)
	fmt.Fprintf(&b, "expected %.4f%% realized %.4f%%", r.ExpectedProfit*100, r.RealizedProfit*100)
	if r.Error != "" {
		fmt.Fprintf(&b, "\n%s: %s", r.ErrorKind, r.Error)
	}
	return b.String()
}
