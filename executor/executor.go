package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fundflow/audit"
	"fundflow/config"
	"fundflow/gateway"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Executor turns ranked signals into hedged positions and manages their
// lifecycle. Positions move pending -> open -> closing -> closed, or to
// failed when a leg cannot be established. At most one non-terminal position
// exists per opportunity key; the in-flight set plus the position map enforce
// that even while legs are being placed.
type Executor struct {
	cfg      *config.Config
	db       *store.Store
	registry gateway.Provider
	auditor  *audit.Logger
	risk     *riskLedger
	paper    *paperTrader

	mu        sync.Mutex
	mode      string
	positions map[string]models.HedgePosition
	inFlight  map[string]bool

	log *logger.Log
}

func NewExecutor(cfg *config.Config, registry gateway.Provider, db *store.Store, auditor *audit.Logger) (*Executor, error) {
	risk, err := newRiskLedger(cfg.Executor, db)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:       cfg,
		db:        db,
		registry:  registry,
		auditor:   auditor,
		risk:      risk,
		paper:     &paperTrader{db: db},
		mode:      cfg.Executor.Mode,
		positions: make(map[string]models.HedgePosition),
		inFlight:  make(map[string]bool),
		log:       logger.GetLogger(),
	}

	// Non-terminal positions survive restarts and resume management.
	persisted, err := db.LoadPositions()
	if err != nil {
		return nil, err
	}
	for _, pos := range persisted {
		if !pos.Status.Terminal() {
			e.positions[pos.Key()] = pos
		}
	}

	e.log.WithComponent("executor").WithFields(logger.Fields{
		"mode":           e.mode,
		"open_positions": len(e.positions),
	}).Info("executor initialized")

	return e, nil
}

// Mode returns the current execution mode.
func (e *Executor) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMode switches between paper and live execution at runtime. Open
// positions keep the mode they were opened in.
func (e *Executor) SetMode(mode string) error {
	if mode != config.ModePaper && mode != config.ModeLive {
		return fmt.Errorf("invalid execution mode '%s'", mode)
	}

	e.mu.Lock()
	previous := e.mode
	e.mode = mode
	e.mu.Unlock()

	if previous != mode {
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"from": previous,
			"to":   mode,
		}).Warn("execution mode changed")
		e.auditor.Warn("mode_changed", "executor", "mode", map[string]interface{}{
			"from": previous,
			"to":   mode,
		})
	}
	return nil
}

// RiskBudget returns the current budget state.
func (e *Executor) RiskBudget() models.RiskBudget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.snapshot()
}

// HandleSignals walks the ranked signal list and opens hedges for every
// signal that clears the risk gates. Signals for keys that already carry a
// non-terminal position are idempotently ignored.
func (e *Executor) HandleSignals(ctx context.Context, signals []models.TradingSignal) {
	now := time.Now().UTC()

	e.mu.Lock()
	e.risk.rollDay(now)
	e.mu.Unlock()

	for _, sig := range signals {
		if ctx.Err() != nil {
			return
		}
		e.openHedge(ctx, sig, now)
	}
}

func (e *Executor) openHedge(ctx context.Context, sig models.TradingSignal, now time.Time) {
	opp := sig.Opportunity
	key := opp.Key()
	size := decimal.NewFromFloat(e.cfg.Executor.HedgeSizeEur)

	e.mu.Lock()
	if _, exists := e.positions[key]; exists || e.inFlight[key] {
		e.mu.Unlock()
		return
	}
	if ok, reason := e.risk.canOpen(size); !ok {
		e.mu.Unlock()
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"key":    key,
			"reason": reason,
		}).Debug("signal rejected by risk gate")
		e.auditor.Warn("hedge_rejected", "signal", key, map[string]interface{}{
			"reason":       reason,
			"net_edge_bps": opp.NetEdgeBps,
			"rank":         sig.Rank,
		})
		return
	}

	paper := e.mode == config.ModePaper
	pos := models.HedgePosition{
		ID:            uuid.New().String(),
		Symbol:        opp.Symbol,
		LongExchange:  opp.LongExchange,
		ShortExchange: opp.ShortExchange,
		SizeEur:       size,
		Status:        models.PositionPending,
		Paper:         paper,
		EntryEdgeBps:  opp.NetEdgeBps,
	}
	e.positions[key] = pos
	e.inFlight[key] = true
	e.risk.commitOpen(size)
	e.mu.Unlock()

	e.persist(pos)

	quantity := e.legQuantity(opp.LongExchange, opp.Symbol, size)
	if quantity <= 0 {
		e.failHedge(pos, size, "no reference price for sizing", nil)
		return
	}

	longFill, err := e.executeOrder(ctx, paper, opp.LongExchange, gateway.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     gateway.SideBuy,
		Quantity: quantity,
	})
	if err != nil {
		e.failHedge(pos, size, "long leg failed", err)
		return
	}
	pos.LongLeg = models.PositionLeg{Exchange: opp.LongExchange, Side: "long", EntryPrice: longFill.FillPrice}

	shortFill, err := e.executeOrder(ctx, paper, opp.ShortExchange, gateway.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     gateway.SideSell,
		Quantity: quantity,
	})
	if err != nil {
		// Compensating unwind: a naked long is directional exposure the
		// strategy never accepts.
		e.unwindLeg(ctx, paper, pos, quantity)
		e.failHedge(pos, size, "short leg failed", err)
		return
	}
	pos.ShortLeg = models.PositionLeg{Exchange: opp.ShortExchange, Side: "short", EntryPrice: shortFill.FillPrice}

	pos.Status = models.PositionOpen
	pos.OpenedAt = now

	e.mu.Lock()
	e.positions[key] = pos
	delete(e.inFlight, key)
	e.mu.Unlock()

	e.persist(pos)
	e.auditor.Info("hedge_opened", "position", pos.ID, map[string]interface{}{
		"key":          key,
		"size_eur":     size.String(),
		"entry_edge":   opp.NetEdgeBps,
		"long_entry":   pos.LongLeg.EntryPrice,
		"short_entry":  pos.ShortLeg.EntryPrice,
		"paper":        paper,
		"signal_cycle": sig.CycleID,
	})
	e.log.WithComponent("executor").WithFields(logger.Fields{
		"key":      key,
		"size_eur": size.String(),
		"paper":    paper,
	}).Info("hedge opened")
}

func (e *Executor) failHedge(pos models.HedgePosition, size decimal.Decimal, reason string, cause error) {
	key := pos.Key()
	pos.Status = models.PositionFailed
	pos.ClosedAt = time.Now().UTC()

	e.mu.Lock()
	delete(e.positions, key)
	delete(e.inFlight, key)
	e.risk.releaseOpen(size)
	e.mu.Unlock()

	e.persist(pos)

	details := map[string]interface{}{"key": key, "reason": reason}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	e.auditor.Error("hedge_failed", "position", pos.ID, details)
	e.log.WithComponent("executor").WithError(cause).WithFields(logger.Fields{
		"key":    key,
		"reason": reason,
	}).Error("hedge failed")
}

// unwindLeg closes the filled long leg after the short leg could not be
// established.
func (e *Executor) unwindLeg(ctx context.Context, paper bool, pos models.HedgePosition, quantity float64) {
	_, err := e.executeOrder(ctx, paper, pos.LongExchange, gateway.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       gateway.SideSell,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		e.auditor.Error("hedge_unwind_failed", "position", pos.ID, map[string]interface{}{
			"key":      pos.Key(),
			"exchange": pos.LongExchange,
			"cause":    err.Error(),
		})
		e.log.WithComponent("executor").WithError(err).WithFields(logger.Fields{
			"key": pos.Key(),
		}).Error("compensating unwind failed, manual intervention required")
		return
	}
	e.auditor.Warn("hedge_unwound", "position", pos.ID, map[string]interface{}{
		"key":      pos.Key(),
		"exchange": pos.LongExchange,
	})
}

// ManagePositions evaluates exit policy for every open position and retries
// positions stuck in closing.
func (e *Executor) ManagePositions(ctx context.Context) {
	now := time.Now().UTC()

	e.mu.Lock()
	e.risk.rollDay(now)
	open := make([]models.HedgePosition, 0, len(e.positions))
	for _, pos := range e.positions {
		open = append(open, pos)
	}
	e.mu.Unlock()

	for _, pos := range open {
		if ctx.Err() != nil {
			return
		}
		switch pos.Status {
		case models.PositionClosing:
			e.closeHedge(ctx, pos, "close_retry")
		case models.PositionOpen:
			if reason, due := e.shouldExit(pos, now); due {
				e.closeHedge(ctx, pos, reason)
			}
		}
	}
}

// shouldExit applies the exit policy: spread reversal, stop loss on the
// mark-to-market value, or maximum holding time.
func (e *Executor) shouldExit(pos models.HedgePosition, now time.Time) (string, bool) {
	exit := e.cfg.Executor.Exit

	if exit.MaxHoldingHrs > 0 && now.Sub(pos.OpenedAt).Hours() >= exit.MaxHoldingHrs {
		return "max_holding", true
	}

	edge, ok := e.currentEdge(pos, now)
	if ok && edge < exit.SpreadExitBps {
		return "spread_reversal", true
	}

	if exit.StopLossEur > 0 {
		if unrealized, ok := e.unrealizedPnl(pos, now); ok && unrealized < -exit.StopLossEur {
			return "stop_loss", true
		}
	}
	return "", false
}

// currentEdge recomputes the position's net edge from the latest snapshots.
// Stale data yields no verdict rather than a false exit.
func (e *Executor) currentEdge(pos models.HedgePosition, now time.Time) (float64, bool) {
	long, err := e.db.LatestSnapshot(pos.LongExchange, pos.Symbol)
	if err != nil || long.Stale(now, e.cfg.Scoring.Freshness) {
		return 0, false
	}
	short, err := e.db.LatestSnapshot(pos.ShortExchange, pos.Symbol)
	if err != nil || short.Stale(now, e.cfg.Scoring.Freshness) {
		return 0, false
	}

	spreadBps := (short.NormalizedFunding() - long.NormalizedFunding()) * 10000
	feeBps := e.cfg.TakerFeeBps(pos.LongExchange) + e.cfg.TakerFeeBps(pos.ShortExchange)
	return spreadBps - feeBps - e.cfg.Scoring.SlippageBps, true
}

// unrealizedPnl marks both legs to the latest prices plus the funding accrual
// estimate.
func (e *Executor) unrealizedPnl(pos models.HedgePosition, now time.Time) (float64, bool) {
	longMark := e.paper.markPrice(pos.LongExchange, pos.Symbol)
	shortMark := e.paper.markPrice(pos.ShortExchange, pos.Symbol)
	if longMark <= 0 || shortMark <= 0 {
		return 0, false
	}
	size, _ := pos.SizeEur.Float64()
	legs := legPnl(size, pos.LongLeg.EntryPrice, longMark, pos.ShortLeg.EntryPrice, shortMark)
	return legs + fundingAccrual(size, pos.EntryEdgeBps, pos.OpenedAt, now), true
}

func (e *Executor) closeHedge(ctx context.Context, pos models.HedgePosition, reason string) {
	key := pos.Key()
	now := time.Now().UTC()
	paper := pos.Paper

	if pos.Status != models.PositionClosing {
		pos.Status = models.PositionClosing
		e.mu.Lock()
		e.positions[key] = pos
		e.mu.Unlock()
		e.persist(pos)
		e.auditor.Info("hedge_closing", "position", pos.ID, map[string]interface{}{
			"key":    key,
			"reason": reason,
		})
	}

	size, _ := pos.SizeEur.Float64()
	quantity := 0.0
	if pos.LongLeg.EntryPrice > 0 {
		quantity = size / pos.LongLeg.EntryPrice
	}
	if quantity <= 0 {
		e.failHedge(pos, pos.SizeEur, "cannot size close orders", nil)
		return
	}

	// A leg whose exit already filled on an earlier attempt is not
	// resubmitted; the retry only closes what is still open.
	if pos.LongLeg.ExitPrice == 0 {
		longExit, err := e.executeOrder(ctx, paper, pos.LongExchange, gateway.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       gateway.SideSell,
			Quantity:   quantity,
			ReduceOnly: true,
		})
		if err != nil {
			e.auditor.Error("hedge_close_failed", "position", pos.ID, map[string]interface{}{
				"key":   key,
				"leg":   "long",
				"cause": err.Error(),
			})
			return
		}
		pos.LongLeg.ExitPrice = longExit.FillPrice
		e.mu.Lock()
		e.positions[key] = pos
		e.mu.Unlock()
		e.persist(pos)
	}

	if pos.ShortLeg.ExitPrice == 0 {
		shortExit, err := e.executeOrder(ctx, paper, pos.ShortExchange, gateway.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       gateway.SideBuy,
			Quantity:   quantity,
			ReduceOnly: true,
		})
		if err != nil {
			e.auditor.Error("hedge_close_failed", "position", pos.ID, map[string]interface{}{
				"key":   key,
				"leg":   "short",
				"cause": err.Error(),
			})
			return
		}
		pos.ShortLeg.ExitPrice = shortExit.FillPrice
	}

	legs := legPnl(size, pos.LongLeg.EntryPrice, pos.LongLeg.ExitPrice, pos.ShortLeg.EntryPrice, pos.ShortLeg.ExitPrice)
	funding := fundingAccrual(size, pos.EntryEdgeBps, pos.OpenedAt, now)

	pos.Status = models.PositionClosed
	pos.ClosedAt = now
	pos.FundingCapEur = decimal.NewFromFloat(funding).Round(4)
	pos.RealizedPnlEur = decimal.NewFromFloat(legs + funding).Round(4)

	e.mu.Lock()
	delete(e.positions, key)
	e.risk.commitClose(pos.SizeEur, pos.RealizedPnlEur)
	e.mu.Unlock()

	e.persist(pos)
	e.auditor.Info("hedge_closed", "position", pos.ID, map[string]interface{}{
		"key":          key,
		"reason":       reason,
		"realized_pnl": pos.RealizedPnlEur.String(),
		"funding_eur":  pos.FundingCapEur.String(),
		"holding":      now.Sub(pos.OpenedAt).String(),
	})
	e.log.WithComponent("executor").WithFields(logger.Fields{
		"key":          key,
		"reason":       reason,
		"realized_pnl": pos.RealizedPnlEur.String(),
	}).Info("hedge closed")
}

// executeOrder routes a leg order through the paper trader or the live
// gateway. Live orders that return unfilled get one status query before the
// leg is declared failed, and a timed-out placement is resolved by client
// order id first: the request may have reached the exchange even though its
// confirmation did not come back.
func (e *Executor) executeOrder(ctx context.Context, paper bool, exchange string, req gateway.OrderRequest) (gateway.OrderResult, error) {
	if paper {
		res, err := e.paper.execute(ctx, exchange, req)
		if err == nil {
			logger.IncrementOrders()
		}
		return res, err
	}

	gw, ok := e.registry.Get(exchange)
	if !ok {
		return gateway.OrderResult{}, fmt.Errorf("no gateway registered for %s", exchange)
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	orderCtx, cancel := context.WithTimeout(ctx, e.cfg.Executor.OrderTimeout)
	defer cancel()

	res, err := gw.PlaceOrder(orderCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || orderCtx.Err() != nil {
			if res, qErr := e.resolveByClientID(ctx, gw, req); qErr == nil {
				return res, nil
			}
		}
		return gateway.OrderResult{}, err
	}
	if !res.Filled {
		res, err = gw.QueryOrder(orderCtx, req.Symbol, res.OrderID, req.ClientOrderID)
		if err != nil {
			return gateway.OrderResult{}, err
		}
		if !res.Filled {
			return gateway.OrderResult{}, fmt.Errorf("order %s on %s not filled", res.OrderID, exchange)
		}
	}
	logger.IncrementOrders()
	return res, nil
}

// resolveByClientID asks the exchange what became of a placement whose
// response never arrived. Only a confirmed fill counts; anything else leaves
// the original timeout in force.
func (e *Executor) resolveByClientID(ctx context.Context, gw gateway.Gateway, req gateway.OrderRequest) (gateway.OrderResult, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.Executor.OrderTimeout)
	defer cancel()

	res, err := gw.QueryOrder(queryCtx, req.Symbol, "", req.ClientOrderID)
	if err != nil {
		return gateway.OrderResult{}, err
	}
	if !res.Filled {
		return gateway.OrderResult{}, fmt.Errorf("order %s on %s not filled", req.ClientOrderID, gw.Name())
	}

	e.log.WithComponent("executor").WithFields(logger.Fields{
		"exchange":        gw.Name(),
		"symbol":          req.Symbol,
		"client_order_id": req.ClientOrderID,
	}).Warn("timed-out order placement resolved as filled")
	logger.IncrementOrders()
	return res, nil
}

// legQuantity sizes both legs in base units off the long exchange's mark.
func (e *Executor) legQuantity(exchange, symbol string, size decimal.Decimal) float64 {
	mark := e.paper.markPrice(exchange, symbol)
	if mark <= 0 {
		return 0
	}
	sz, _ := size.Float64()
	return sz / mark
}

// OpenPositions returns the executor's non-terminal positions.
func (e *Executor) OpenPositions() []models.HedgePosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.HedgePosition, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, pos)
	}
	return out
}

func (e *Executor) persist(pos models.HedgePosition) {
	if err := e.db.SavePosition(pos); err != nil {
		e.log.WithComponent("executor").WithError(err).Error("failed to persist position")
	}
}

// legPnl values the hedge's price legs: long gains with price, short gains
// against it, both sized in EUR notional at entry.
func legPnl(sizeEur, longEntry, longExit, shortEntry, shortExit float64) float64 {
	if longEntry <= 0 || shortEntry <= 0 {
		return 0
	}
	longPnl := sizeEur * (longExit - longEntry) / longEntry
	shortPnl := sizeEur * (shortEntry - shortExit) / shortEntry
	return longPnl + shortPnl
}

// fundingAccrual estimates captured funding from the entry edge over the
// holding period, on the 8h settlement basis.
func fundingAccrual(sizeEur, entryEdgeBps float64, openedAt, now time.Time) float64 {
	if openedAt.IsZero() || now.Before(openedAt) {
		return 0
	}
	periods := now.Sub(openedAt).Hours() / 8
	return sizeEur * entryEdgeBps / 10000 * periods
}
