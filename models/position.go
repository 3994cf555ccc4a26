package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a hedge position.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
	PositionFailed  PositionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// PositionLeg records one side of a hedge.
type PositionLeg struct {
	Exchange   string  `json:"exchange"`
	Side       string  `json:"side"` // "long" or "short"
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price,omitempty"`
}

// HedgePosition is an executor-owned hedged position: a long leg on one
// exchange and a short leg on another for the same symbol. At most one
// position with a non-terminal status may exist per
// (symbol, longExchange, shortExchange) tuple; the executor enforces this.
type HedgePosition struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	LongExchange   string          `json:"long_exchange"`
	ShortExchange  string          `json:"short_exchange"`
	LongLeg        PositionLeg     `json:"long_leg"`
	ShortLeg       PositionLeg     `json:"short_leg"`
	SizeEur        decimal.Decimal `json:"size_eur"`
	Status         PositionStatus  `json:"status"`
	Paper          bool            `json:"paper"`
	OpenedAt       time.Time       `json:"opened_at,omitempty"`
	ClosedAt       time.Time       `json:"closed_at,omitempty"`
	RealizedPnlEur decimal.Decimal `json:"realized_pnl_eur"`
	EntryEdgeBps   float64         `json:"entry_edge_bps"`
	FundingCapEur  decimal.Decimal `json:"funding_captured_eur"`
}

// Key identifies the opportunity the position hedges.
func (p HedgePosition) Key() string {
	return p.Symbol + "|" + p.LongExchange + "|" + p.ShortExchange
}

// RiskBudget is process-wide risk state. It is mutated only by the executor
// under a single-writer discipline and reset daily.
type RiskBudget struct {
	DeployedCapitalEur       decimal.Decimal `json:"deployed_capital_eur"`
	OpenHedgeCount           int             `json:"open_hedge_count"`
	DailyRealizedDrawdownEur decimal.Decimal `json:"daily_realized_drawdown_eur"`
	Day                      string          `json:"day"` // YYYY-MM-DD of the current budget window
}
