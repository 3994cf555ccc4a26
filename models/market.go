package models

import "time"

// MarketSnapshot is one exchange's view of one symbol at a point in time.
// Snapshots are immutable once written; later snapshots supersede earlier
// ones and are only ever produced by the ingestion scheduler.
type MarketSnapshot struct {
	Exchange             string    `json:"exchange"`
	Symbol               string    `json:"symbol"`
	MarkPrice            float64   `json:"mark_price"`
	FundingRate          float64   `json:"funding_rate"`
	FundingIntervalHours float64   `json:"funding_interval_hours"`
	NextFundingTime      time.Time `json:"next_funding_time"`
	OpenInterest         float64   `json:"open_interest"`
	Volume24h            float64   `json:"volume_24h"`
	ObservedAt           time.Time `json:"observed_at"`
	// BelowLiquidityFloor keeps the snapshot out of scoring while still
	// giving position management a fresh mark price.
	BelowLiquidityFloor bool `json:"below_liquidity_floor,omitempty"`
}

// Key returns the exchange|symbol identity of the snapshot.
func (s MarketSnapshot) Key() string {
	return s.Exchange + "|" + s.Symbol
}

// Stale reports whether the snapshot is older than the freshness threshold.
func (s MarketSnapshot) Stale(now time.Time, freshness time.Duration) bool {
	return now.Sub(s.ObservedAt) > freshness
}

// NormalizeFunding rescales a raw funding rate to the canonical 8-hour
// equivalent basis. A 1h-funding exchange paying 0.01% per interval is
// equivalent to 0.08% per 8h. The value is derived on read and never
// persisted independently of its source snapshot.
func NormalizeFunding(rawRate, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = 8
	}
	return rawRate * (8 / intervalHours)
}

// NormalizedFunding returns the snapshot's funding rate on the 8h basis.
func (s MarketSnapshot) NormalizedFunding() float64 {
	return NormalizeFunding(s.FundingRate, s.FundingIntervalHours)
}
