package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundflow/config"
	"fundflow/executor"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/scheduler"
	"fundflow/scoring"
	"fundflow/store"
)

// Pipeline drives the two periodic passes: ingestion, and the combined
// score-then-act pass. The passes run on independent tickers but the
// score/act pass is serialized with itself so a slow cycle never overlaps
// the next one.
type Pipeline struct {
	cfg    config.PipelineConfig
	sched  *scheduler.Scheduler
	engine *scoring.Engine
	exec   *executor.Executor
	db     *store.Store

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	cycleMu sync.Mutex
	running bool

	log *logger.Log
}

func NewPipeline(cfg config.PipelineConfig, sched *scheduler.Scheduler, engine *scoring.Engine, exec *executor.Executor, db *store.Store) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		sched:  sched,
		engine: engine,
		exec:   exec,
		db:     db,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(2)
	go p.ingestLoop()
	go p.scoreLoop()

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"ingest_interval": p.cfg.IngestInterval.String(),
		"score_interval":  p.cfg.ScoreInterval.String(),
	}).Info("pipeline started")

	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

// ingestLoop runs an immediate first pass, then ticks aligned to the
// interval so poll timestamps land on round boundaries.
func (p *Pipeline) ingestLoop() {
	defer p.wg.Done()

	p.runIngest()

	ticker := p.alignedTicker(p.cfg.IngestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runIngest()
		}
	}
}

func (p *Pipeline) scoreLoop() {
	defer p.wg.Done()

	ticker := p.alignedTicker(p.cfg.ScoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runScoreAct()
		}
	}
}

func (p *Pipeline) alignedTicker(interval time.Duration) *time.Ticker {
	now := time.Now()
	first := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(first.Sub(now))
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}
	return time.NewTicker(interval)
}

func (p *Pipeline) runIngest() {
	err := p.sched.RunCycle(p.ctx)
	p.recordHealth("ingest", err)
	if err != nil {
		p.log.WithComponent("pipeline").WithError(err).Warn("ingest pass finished with errors")
	}
}

// runScoreAct scores the latest snapshots, hands the ranked signals to the
// executor and then sweeps exit policy over open positions.
func (p *Pipeline) runScoreAct() {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	signals, err := p.engine.RunCycle(p.ctx)
	p.recordHealth("score", err)
	if err != nil {
		p.log.WithComponent("pipeline").WithError(err).Error("scoring pass failed")
		return
	}

	p.exec.HandleSignals(p.ctx, signals)
	p.exec.ManagePositions(p.ctx)
	p.recordHealth("execute", nil)
}

func (p *Pipeline) recordHealth(stage string, cause error) {
	now := time.Now().UTC()
	health := models.CycleHealth{Stage: stage, LastRunAt: now}

	if prev, err := p.db.LoadCycleHealth(); err == nil {
		for _, h := range prev {
			if h.Stage == stage {
				health.LastSuccess = h.LastSuccess
			}
		}
	}
	if cause == nil {
		health.LastSuccess = now
	} else {
		health.LastError = cause.Error()
	}

	if err := p.db.SaveCycleHealth(health); err != nil {
		p.log.WithComponent("pipeline").WithError(err).Warn("failed to record cycle health")
	}
}
