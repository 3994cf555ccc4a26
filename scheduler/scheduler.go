package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fundflow/audit"
	"fundflow/config"
	"fundflow/gateway"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/store"
)

// SnapshotSink receives stored snapshots for downstream archival. Offer must
// not block the ingestion path.
type SnapshotSink interface {
	Offer(snapshots []models.MarketSnapshot)
}

// Scheduler owns the tiered polling plan: which exchange/symbol pairs are
// tracked, when each is due, and the per-exchange circuit breaker that
// shields the pipeline from a flapping exchange. One RunCycle issues at most
// one batched fetch per exchange and settles every due schedule from it.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry gateway.Provider
	db       *store.Store
	auditor  *audit.Logger
	breaker  *circuitBreaker
	sink     SnapshotSink

	mu        sync.Mutex
	schedules map[string]*models.ExchangeSymbolSchedule

	log *logger.Log
}

func NewScheduler(cfg *config.Config, registry gateway.Provider, db *store.Store, auditor *audit.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cfg:       cfg.Scheduler,
		registry:  registry,
		db:        db,
		auditor:   auditor,
		breaker:   newCircuitBreaker(cfg.Scheduler.CircuitBreaker),
		schedules: make(map[string]*models.ExchangeSymbolSchedule),
		log:       logger.GetLogger(),
	}

	persisted := make(map[string]models.ExchangeSymbolSchedule)
	if db != nil {
		saved, err := db.LoadSchedules()
		if err != nil {
			return nil, err
		}
		for _, sched := range saved {
			persisted[sched.Key()] = sched
		}
	}

	exchanges := cfg.EnabledExchanges()
	for _, tier := range cfg.Scheduler.Tiers {
		for _, symbol := range tier.Symbols {
			for _, exchange := range exchanges {
				sched := models.ExchangeSymbolSchedule{
					Exchange:     exchange,
					Symbol:       symbol,
					Tier:         tier.Name,
					TierPriority: tier.Priority,
					PollInterval: tier.PollInterval,
					CircuitState: models.CircuitClosed,
					Active:       true,
				}
				// Poll history survives restarts; circuit state does not, a
				// fresh process re-earns its failures.
				if prev, ok := persisted[sched.Key()]; ok {
					sched.LastPolledAt = prev.LastPolledAt
					sched.LastSuccessAt = prev.LastSuccessAt
				}
				s.schedules[sched.Key()] = &sched
			}
		}
	}

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"schedules": len(s.schedules),
		"exchanges": len(exchanges),
		"tiers":     len(cfg.Scheduler.Tiers),
	}).Info("scheduler initialized")

	return s, nil
}

// SetSnapshotSink attaches an archival consumer for stored snapshots.
func (s *Scheduler) SetSnapshotSink(sink SnapshotSink) {
	s.sink = sink
}

// DueSchedules returns active schedules whose poll interval has elapsed and
// whose exchange circuit is not open, ordered by tier priority then by how
// long they have waited since the last poll. An open circuit excludes the
// exchange's every symbol, not just the ones that saw the failures.
func (s *Scheduler) DueSchedules(now time.Time) []models.ExchangeSymbolSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.ExchangeSymbolSchedule
	for _, sched := range s.schedules {
		if !sched.Active || !sched.Due(now) {
			continue
		}
		if s.breaker.State(sched.Exchange) == models.CircuitOpen {
			continue
		}
		due = append(due, *sched)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].TierPriority != due[j].TierPriority {
			return due[i].TierPriority < due[j].TierPriority
		}
		return due[i].LastPolledAt.Before(due[j].LastPolledAt)
	})
	return due
}

// RunCycle executes one ingestion pass: pick due work, fan out one batched
// fetch per exchange, store fresh snapshots, settle circuit state.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	now := time.Now().UTC()
	due := s.DueSchedules(now)
	if len(due) == 0 {
		return nil
	}

	byExchange := make(map[string][]models.ExchangeSymbolSchedule)
	for _, sched := range due {
		byExchange[sched.Exchange] = append(byExchange[sched.Exchange], sched)
	}

	// Allow consumes the half-open trial slot, so it is asked exactly once
	// per exchange per cycle, here.
	for exchange := range byExchange {
		if !s.breaker.Allow(exchange, now) {
			delete(byExchange, exchange)
		}
	}
	if len(byExchange) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(byExchange))
	for exchange, scheds := range byExchange {
		wg.Add(1)
		go func(exchange string, scheds []models.ExchangeSymbolSchedule) {
			defer wg.Done()
			if err := s.fetchExchange(ctx, exchange, scheds, now); err != nil {
				errCh <- err
			}
		}(exchange, scheds)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) fetchExchange(ctx context.Context, exchange string, scheds []models.ExchangeSymbolSchedule, now time.Time) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	gw, ok := s.registry.Get(exchange)
	if !ok {
		err := errors.New("no gateway registered for " + exchange)
		s.settleBatchFailure(exchange, scheds, now, err)
		return err
	}

	start := time.Now()
	snapshots, err := gw.FetchBatch(fetchCtx)
	logger.IncrementFetchBatch(err != nil)
	if err != nil {
		s.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"symbols":  len(scheds),
		}).Error("batch fetch failed")
		s.settleBatchFailure(exchange, scheds, now, err)
		return err
	}
	s.settleBatchSuccess(exchange)

	bySymbol := make(map[string]models.MarketSnapshot, len(snapshots))
	for _, snap := range snapshots {
		bySymbol[snap.Symbol] = snap
	}

	stored, belowFloor := 0, 0
	for _, sched := range scheds {
		snap, ok := bySymbol[sched.Symbol]
		if !ok {
			s.markPolled(sched.Key(), now, false)
			continue
		}
		s.markPolled(sched.Key(), now, true)

		// Sub-liquidity snapshots are still recorded so open positions keep
		// a fresh mark; the flag keeps them out of scoring.
		snap.BelowLiquidityFloor = !s.liquid(snap)
		if snap.BelowLiquidityFloor {
			belowFloor++
			s.log.WithComponent("scheduler").WithFields(logger.Fields{
				"exchange":      snap.Exchange,
				"symbol":        snap.Symbol,
				"open_interest": snap.OpenInterest,
				"volume_24h":    snap.Volume24h,
			}).Debug("snapshot below liquidity floor, flagged out of scoring")
		}

		if err := s.db.SaveSnapshot(snap); err != nil {
			s.log.WithComponent("scheduler").WithError(err).Error("failed to store snapshot")
			continue
		}
		stored++
		if s.sink != nil {
			s.sink.Offer([]models.MarketSnapshot{snap})
		}
	}
	logger.IncrementSnapshots(stored)

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange":    exchange,
		"due":         len(scheds),
		"stored":      stored,
		"below_floor": belowFloor,
		"duration":    time.Since(start).String(),
	}).Info("ingest pass complete")

	return nil
}

// liquid applies the liquidity floor. Open interest of zero means the venue
// did not report it and must not penalize the symbol.
func (s *Scheduler) liquid(snap models.MarketSnapshot) bool {
	if snap.Volume24h < s.cfg.Liquidity.MinVolume24h {
		return false
	}
	if snap.OpenInterest > 0 && snap.OpenInterest < s.cfg.Liquidity.MinOpenInterest {
		return false
	}
	return true
}

// settleBatchSuccess settles the exchange circuit after a successful batch.
// One batch is one circuit event regardless of how many symbols it served.
func (s *Scheduler) settleBatchSuccess(exchange string) {
	transitioned, from := s.breaker.RecordSuccess(exchange)
	if !transitioned {
		return
	}
	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange": exchange,
		"from":     string(from),
	}).Info("circuit closed")
	if s.auditor != nil {
		s.auditor.Info("circuit_closed", "exchange", exchange, map[string]interface{}{
			"from": string(from),
		})
	}
}

// settleBatchFailure counts one circuit failure for the exchange and marks
// every schedule in the failed group as attempted.
func (s *Scheduler) settleBatchFailure(exchange string, scheds []models.ExchangeSymbolSchedule, now time.Time, cause error) {
	opened, failures, cooldown := s.breaker.RecordFailure(exchange, now)
	for _, sched := range scheds {
		s.markPolled(sched.Key(), now, false)
	}

	if opened {
		s.log.WithComponent("scheduler").WithError(cause).WithFields(logger.Fields{
			"exchange": exchange,
			"failures": failures,
			"cooldown": cooldown.String(),
		}).Warn("circuit opened")
		if s.auditor != nil {
			s.auditor.Warn("circuit_opened", "exchange", exchange, map[string]interface{}{
				"failures": failures,
				"cooldown": cooldown.String(),
				"cause":    cause.Error(),
			})
		}
	}
}

// markPolled advances bookkeeping for one attempted schedule. LastPolledAt
// moves forward on every attempt so a dead key does not hog the due queue.
func (s *Scheduler) markPolled(key string, now time.Time, success bool) {
	s.mu.Lock()
	sched, ok := s.schedules[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sched.LastPolledAt = now
	if success {
		sched.LastSuccessAt = now
		sched.ConsecutiveFailures = 0
	} else {
		sched.ConsecutiveFailures++
	}
	sched.CircuitState = s.breaker.State(sched.Exchange)
	snapshot := *sched
	s.mu.Unlock()

	s.persist(snapshot)
}

func (s *Scheduler) persist(sched models.ExchangeSymbolSchedule) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveSchedule(sched); err != nil {
		s.log.WithComponent("scheduler").WithError(err).Warn("failed to persist schedule")
	}
}

// Schedules returns a copy of the current plan for inspection.
func (s *Scheduler) Schedules() []models.ExchangeSymbolSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ExchangeSymbolSchedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		cp.CircuitState = s.breaker.State(sched.Exchange)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
