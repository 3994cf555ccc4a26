package models

import "time"

// RiskTier classifies how risky a symbol is to hedge.
type RiskTier string

const (
	RiskTierSafe   RiskTier = "safe"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// ArbitrageOpportunity is a candidate hedge between a long leg and a short
// leg on two distinct exchanges for the same symbol. Opportunities are
// recomputed from the latest snapshots each cycle, never accumulated.
type ArbitrageOpportunity struct {
	Symbol           string    `json:"symbol"`
	LongExchange     string    `json:"long_exchange"`
	ShortExchange    string    `json:"short_exchange"`
	LongFundingRate  float64   `json:"long_funding_rate"`  // 8h-normalized
	ShortFundingRate float64   `json:"short_funding_rate"` // 8h-normalized
	SpreadBps        float64   `json:"spread_bps"`
	FeeBps           float64   `json:"fee_bps"`
	NetEdgeBps       float64   `json:"net_edge_bps"`
	PriceSpreadBps   float64   `json:"price_spread_bps"`
	LiquidityScore   float64   `json:"liquidity_score"`
	RiskTier         RiskTier  `json:"risk_tier"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Key identifies the opportunity by its hedge legs.
func (o ArbitrageOpportunity) Key() string {
	return o.Symbol + "|" + o.LongExchange + "|" + o.ShortExchange
}

// TradingSignal is an opportunity that cleared the minimum-edge and risk-tier
// thresholds, carrying its score. Signals exist only within one scoring
// cycle's output.
type TradingSignal struct {
	Opportunity ArbitrageOpportunity `json:"opportunity"`
	Score       float64              `json:"score"`
	Rank        int                  `json:"rank"`
	CycleID     string               `json:"cycle_id"`
	EmittedAt   time.Time            `json:"emitted_at"`
}
