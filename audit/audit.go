package audit

import (
	"context"
	"sync"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/store"

	"github.com/google/uuid"
)

// Logger buffers audit entries in memory and flushes them to the store on an
// interval or when the buffer fills. Producers never block on storage; a
// failed flush puts the batch back at the front of the buffer so order is
// preserved for the next attempt.
type Logger struct {
	cfg config.AuditConfig
	db  *store.Store

	mu       sync.Mutex
	buffer   []models.AuditEntry
	dropped  int64
	flushing bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	running bool
	runMu   sync.RWMutex

	log *logger.Log
}

func NewLogger(cfg config.AuditConfig, db *store.Store) *Logger {
	return &Logger{
		cfg:    cfg,
		db:     db,
		buffer: make([]models.AuditEntry, 0, cfg.BufferSize),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (l *Logger) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running = true

	l.wg.Add(1)
	go l.flushLoop()

	l.log.WithComponent("audit").WithFields(logger.Fields{
		"buffer_size":    l.cfg.BufferSize,
		"flush_interval": l.cfg.FlushInterval.String(),
	}).Info("audit logger started")

	return nil
}

// Stop drains the buffer before returning.
func (l *Logger) Stop() {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.runMu.Unlock()

	l.wg.Wait()
	l.Drain()
	l.log.WithComponent("audit").Info("audit logger stopped")
}

// Record buffers one audit entry. A full buffer triggers an immediate
// asynchronous flush; producers never block on storage, and entries are
// surrendered to the process log only when storage cannot keep up.
func (l *Logger) Record(level models.AuditLevel, action, entityType, entityID string, details map[string]interface{}) {
	entry := models.AuditEntry{
		ID:         uuid.New().String(),
		Level:      level,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, entry)
	kick := len(l.buffer) >= l.cfg.BufferSize && !l.flushing
	if kick {
		l.flushing = true
	}
	// The hard cap at twice the configured size only bites when flushes keep
	// failing; below it nothing is ever discarded.
	var spilled []models.AuditEntry
	if over := len(l.buffer) - 2*l.cfg.BufferSize; over > 0 {
		spilled = append(spilled, l.buffer[:over]...)
		l.buffer = l.buffer[over:]
		l.dropped += int64(over)
	}
	l.mu.Unlock()

	l.spill(spilled, "audit buffer overrun, entry dropped")
	if kick {
		go func() {
			l.flush()
			l.mu.Lock()
			l.flushing = false
			l.mu.Unlock()
		}()
	}
}

func (l *Logger) Info(action, entityType, entityID string, details map[string]interface{}) {
	l.Record(models.AuditInfo, action, entityType, entityID, details)
}

func (l *Logger) Warn(action, entityType, entityID string, details map[string]interface{}) {
	l.Record(models.AuditWarn, action, entityType, entityID, details)
}

func (l *Logger) Error(action, entityType, entityID string, details map[string]interface{}) {
	l.Record(models.AuditError, action, entityType, entityID, details)
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush swaps the buffer out under the lock, then writes without holding it
// so producers keep recording during the store write.
func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = make([]models.AuditEntry, 0, l.cfg.BufferSize)
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if err := l.db.AppendAudit(batch); err != nil {
		l.log.WithComponent("audit").WithError(err).WithFields(logger.Fields{
			"entries": len(batch),
		}).Error("audit flush failed, re-buffering")

		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		var spilled []models.AuditEntry
		if over := len(l.buffer) - 2*l.cfg.BufferSize; over > 0 {
			spilled = append(spilled, l.buffer[:over]...)
			l.buffer = l.buffer[over:]
			l.dropped += int64(over)
		}
		l.mu.Unlock()

		l.spill(spilled, "audit entry dropped after failed flush")
		return
	}

	logger.IncrementAuditFlush()
	if dropped > 0 {
		l.log.WithComponent("audit").WithFields(logger.Fields{
			"dropped": dropped,
		}).Warn("audit entries dropped under buffer pressure")
	}
}

// spill escalates entries to the process log so the record survives
// somewhere when durable storage is unavailable.
func (l *Logger) spill(entries []models.AuditEntry, msg string) {
	for _, e := range entries {
		l.log.WithComponent("audit").WithFields(logger.Fields{
			"action":   e.Action,
			"entity":   e.EntityType + "/" + e.EntityID,
			"level":    string(e.Level),
			"entry_ts": e.Timestamp.Format(time.RFC3339Nano),
		}).Error(msg)
	}
}

// Drain flushes whatever is buffered. Called on shutdown after the flush
// loop has exited.
func (l *Logger) Drain() {
	l.flush()
}

// Pending reports the buffered entry count.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}
