package scoring

import (
	"math"

	"fundflow/config"
	"fundflow/models"
)

// classifyRisk assigns a deterministic risk tier to a hedge candidate. An
// extreme funding rate marks the pair high risk regardless of the symbol,
// otherwise the blue-chip allowlist earns safe and everything else is medium.
func classifyRisk(cfg config.RiskTierConfig, symbol string, longNorm, shortNorm float64) models.RiskTier {
	if cfg.HighRateAbsLimit > 0 {
		if math.Abs(longNorm) > cfg.HighRateAbsLimit || math.Abs(shortNorm) > cfg.HighRateAbsLimit {
			return models.RiskTierHigh
		}
	}
	for _, s := range cfg.BlueChips {
		if s == symbol {
			return models.RiskTierSafe
		}
	}
	return models.RiskTierMedium
}

// liquidityScore maps a pair of snapshots to [0,1]. Each leg scores its 24h
// volume and open interest against ten times the ingestion floor; the pair
// takes the weaker leg. Missing open interest falls back to the volume
// component alone.
func liquidityScore(liq config.LiquidityFilterConfig, long, short models.MarketSnapshot) float64 {
	return math.Min(legLiquidity(liq, long), legLiquidity(liq, short))
}

func legLiquidity(liq config.LiquidityFilterConfig, snap models.MarketSnapshot) float64 {
	volScore := 1.0
	if liq.MinVolume24h > 0 {
		volScore = math.Min(1, snap.Volume24h/(liq.MinVolume24h*10))
	}
	if snap.OpenInterest <= 0 || liq.MinOpenInterest <= 0 {
		return volScore
	}
	oiScore := math.Min(1, snap.OpenInterest/(liq.MinOpenInterest*10))
	return (volScore + oiScore) / 2
}
