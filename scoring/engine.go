package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/store"

	"github.com/google/uuid"
)

// Engine recomputes the opportunity set from the latest snapshots each cycle.
// Nothing carries over between cycles except what the store holds; a symbol
// with stale data simply drops out of the output until fresh data arrives.
type Engine struct {
	cfg *config.Config
	db  *store.Store
	log *logger.Log
}

func NewEngine(cfg *config.Config, db *store.Store) *Engine {
	return &Engine{
		cfg: cfg,
		db:  db,
		log: logger.GetLogger(),
	}
}

// RunCycle computes opportunities and emits ranked signals. The full
// opportunity set and the signal list are persisted for read-only consumers.
func (e *Engine) RunCycle(ctx context.Context) ([]models.TradingSignal, error) {
	now := time.Now().UTC()

	snapshots, err := e.db.LoadSnapshots()
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string][]models.MarketSnapshot)
	stale, belowFloor := 0, 0
	for _, snap := range snapshots {
		if snap.Stale(now, e.cfg.Scoring.Freshness) {
			stale++
			continue
		}
		if snap.BelowLiquidityFloor {
			belowFloor++
			continue
		}
		bySymbol[snap.Symbol] = append(bySymbol[snap.Symbol], snap)
	}

	var opportunities []models.ArbitrageOpportunity
	for symbol, snaps := range bySymbol {
		opportunities = append(opportunities, e.pairings(symbol, snaps, now)...)
	}

	signals := e.emit(opportunities, now)

	if err := e.db.SaveOpportunities(opportunities); err != nil {
		e.log.WithComponent("scoring").WithError(err).Warn("failed to persist opportunities")
	}
	if err := e.db.SaveSignals(signals); err != nil {
		e.log.WithComponent("scoring").WithError(err).Warn("failed to persist signals")
	}
	logger.IncrementSignals(len(signals))

	e.log.WithComponent("scoring").WithFields(logger.Fields{
		"snapshots":     len(snapshots),
		"stale":         stale,
		"below_floor":   belowFloor,
		"opportunities": len(opportunities),
		"signals":       len(signals),
		"duration":      time.Since(now).String(),
	}).Info("scoring cycle complete")

	return signals, nil
}

// pairings builds every profitable-direction hedge candidate for one symbol.
// Pairs are ordered: the long leg earns (pays) the lower normalized rate, the
// short leg collects the higher one.
func (e *Engine) pairings(symbol string, snaps []models.MarketSnapshot, now time.Time) []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, long := range snaps {
		for _, short := range snaps {
			if long.Exchange == short.Exchange {
				continue
			}
			if !e.cfg.IsValidHedgePair(long.Exchange, short.Exchange) {
				continue
			}

			longNorm := long.NormalizedFunding()
			shortNorm := short.NormalizedFunding()
			spreadBps := (shortNorm - longNorm) * 10000
			if spreadBps <= 0 {
				continue
			}

			feeBps := e.cfg.TakerFeeBps(long.Exchange) + e.cfg.TakerFeeBps(short.Exchange)
			mid := (long.MarkPrice + short.MarkPrice) / 2
			priceSpreadBps := 0.0
			if mid > 0 {
				priceSpreadBps = math.Abs(long.MarkPrice-short.MarkPrice) / mid * 10000
			}

			out = append(out, models.ArbitrageOpportunity{
				Symbol:           symbol,
				LongExchange:     long.Exchange,
				ShortExchange:    short.Exchange,
				LongFundingRate:  longNorm,
				ShortFundingRate: shortNorm,
				SpreadBps:        spreadBps,
				FeeBps:           feeBps,
				NetEdgeBps:       spreadBps - feeBps - e.cfg.Scoring.SlippageBps,
				PriceSpreadBps:   priceSpreadBps,
				LiquidityScore:   liquidityScore(e.cfg.Scheduler.Liquidity, long, short),
				RiskTier:         classifyRisk(e.cfg.Scoring.RiskTiers, symbol, longNorm, shortNorm),
				ComputedAt:       now,
			})
		}
	}
	return out
}

// emit filters opportunities through the per-tier profit floor and the price
// divergence guard, scores the survivors and ranks them best first.
func (e *Engine) emit(opportunities []models.ArbitrageOpportunity, now time.Time) []models.TradingSignal {
	cycleID := uuid.New().String()

	var signals []models.TradingSignal
	for _, opp := range opportunities {
		minProfit, ok := e.cfg.Scoring.MinProfitBps[string(opp.RiskTier)]
		if !ok {
			e.log.WithComponent("scoring").WithFields(logger.Fields{
				"tier": string(opp.RiskTier),
			}).Warn("no profit floor configured for tier, skipping")
			continue
		}
		if opp.NetEdgeBps < minProfit {
			continue
		}
		if opp.PriceSpreadBps > e.cfg.Scoring.MaxPriceSpreadBps {
			e.log.WithComponent("scoring").WithFields(logger.Fields{
				"key":              opp.Key(),
				"price_spread_bps": opp.PriceSpreadBps,
			}).Debug("price divergence too wide, signal suppressed")
			continue
		}

		signals = append(signals, models.TradingSignal{
			Opportunity: opp,
			Score:       e.score(opp),
			CycleID:     cycleID,
			EmittedAt:   now,
		})
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		// Equal scores go to the cheaper pair.
		return signals[i].Opportunity.FeeBps < signals[j].Opportunity.FeeBps
	})
	for i := range signals {
		signals[i].Rank = i + 1
	}
	return signals
}

// score grows with edge and liquidity and shrinks for riskier tiers.
func (e *Engine) score(opp models.ArbitrageOpportunity) float64 {
	policy := e.cfg.Scoring.Score
	factor, ok := policy.TierFactors[string(opp.RiskTier)]
	if !ok {
		factor = 1
	}
	return opp.NetEdgeBps * (1 + policy.LiquidityWeight*opp.LiquidityScore) * factor
}
