package domain

import "time"

// OpportunityBrief is the dashboard view of a chosen opportunity.
type OpportunityBrief struct {
	ID          string   `json:"id"`
	Symbols     []string `json:"symbols"`
	StartAsset  Asset    `json:"start_asset"`
	EndAsset    Asset    `json:"end_asset"`
	Closed      bool     `json:"closed"`
	StartAmount float64  `json:"start_amount"`
	NetProfit   float64  `json:"net_profit"`
	RiskScore   float64  `json:"risk_score"`
}

// Brief summarises o for publishing.
func (o Opportunity) Brief() OpportunityBrief {
	return OpportunityBrief{
		ID:          o.ID,
		Symbols:     o.Path.Symbols(),
		StartAsset:  o.Path.Start(),
		EndAsset:    o.Path.End(),
		Closed:      o.Path.Closed(),
		StartAmount: o.StartAmount,
		NetProfit:   o.NetProfit,
		RiskScore:   o.RiskScore,
	}
}

// TradingStats are running totals since process start.
type TradingStats struct {
	TotalTrades int     `json:"total_trades"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Partial     int     `json:"partial"`
	TotalProfit float64 `json:"total_profit"`
	SuccessRate float64 `json:"success_rate"`
	AvgProfit   float64 `json:"avg_profit"`
}

// Record folds one result into the totals. Aborted attempts that never
// moved capital are not counted as trades.
func (s *TradingStats) Record(r TradeResult) {
	if r.Outcome == OutcomeAborted && !r.Executed() {
		return
	}
	s.TotalTrades++
	switch r.Outcome {
	case OutcomeComplete:
		s.Successful++
		s.TotalProfit += r.RealizedProfit
	case OutcomePartial:
		s.Partial++
		s.Failed++
	default:
		s.Failed++
	}
	s.SuccessRate = float64(s.Successful) / float64(s.TotalTrades)
	if s.Successful > 0 {
		s.AvgProfit = s.TotalProfit / float64(s.Successful)
	}
}

// CycleSummary is emitted once per analysis cycle.
type CycleSummary struct {
	Cycle          uint64            `json:"cycle"`
	StartedAt      time.Time         `json:"started_at"`
	Duration       time.Duration     `json:"duration"`
	Paused         bool              `json:"paused"`
	PauseReason    string            `json:"pause_reason,omitempty"`
	PathsEvaluated int               `json:"paths_evaluated"`
	PathsPruned    int               `json:"paths_pruned"`
	PathsIlliquid  int               `json:"paths_illiquid"`
	Opportunities  int               `json:"opportunities"`
	Rejected       map[string]int    `json:"rejected,omitempty"`
	Threshold      float64           `json:"threshold"`
	MaxDepth       int               `json:"max_depth"`
	Subscriptions  int               `json:"subscriptions"`
	Chosen         *OpportunityBrief `json:"chosen,omitempty"`
	Results        []TradeResult     `json:"results,omitempty"`
	Stats          TradingStats      `json:"stats"`
}
