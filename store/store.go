package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fundflow/logger"
	"fundflow/models"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound indicates the requested key has never been written.
var ErrNotFound = errors.New("store: not found")

const (
	prefixSchedule = "schedule|"
	prefixSnapshot = "snapshot|"
	prefixPosition = "position|"
	prefixAudit    = "audit|"
	prefixHealth   = "health|"
	keyRiskBudget  = "risk_budget"
	keySignals     = "signals"
	keyOpps        = "opportunities"
)

// Store is the durable key/value store backing the pipeline: schedule
// bookkeeping, latest market snapshots, hedge positions, the audit trail and
// cycle health. Values are JSON-encoded; latest-by-key reads are plain point
// lookups because writers overwrite the same key.
type Store struct {
	db  *badger.DB
	log *logger.Log
}

// Open opens (or creates) the badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("store").WithFields(logger.Fields{"dir": dir}).Info("store opened")

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string, out interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) scan(prefix string, visit func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSchedule persists schedule bookkeeping. Safe to retry: the value is a
// full overwrite of the schedule's state.
func (s *Store) SaveSchedule(sched models.ExchangeSymbolSchedule) error {
	return s.put(prefixSchedule+sched.Key(), sched)
}

// LoadSchedules returns every persisted schedule, active or not.
func (s *Store) LoadSchedules() ([]models.ExchangeSymbolSchedule, error) {
	var out []models.ExchangeSymbolSchedule
	err := s.scan(prefixSchedule, func(val []byte) error {
		var sched models.ExchangeSymbolSchedule
		if err := json.Unmarshal(val, &sched); err != nil {
			return err
		}
		out = append(out, sched)
		return nil
	})
	return out, err
}

// SaveSnapshot records the latest snapshot for its exchange/symbol key,
// superseding the previous one.
func (s *Store) SaveSnapshot(snap models.MarketSnapshot) error {
	return s.put(prefixSnapshot+snap.Key(), snap)
}

// LatestSnapshot returns the most recent snapshot for one exchange/symbol.
func (s *Store) LatestSnapshot(exchange, symbol string) (models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	err := s.get(prefixSnapshot+exchange+"|"+symbol, &snap)
	return snap, err
}

// LoadSnapshots returns the latest snapshot for every tracked key.
func (s *Store) LoadSnapshots() ([]models.MarketSnapshot, error) {
	var out []models.MarketSnapshot
	err := s.scan(prefixSnapshot, func(val []byte) error {
		var snap models.MarketSnapshot
		if err := json.Unmarshal(val, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

// SavePosition persists a hedge position keyed by its opportunity tuple.
func (s *Store) SavePosition(p models.HedgePosition) error {
	return s.put(prefixPosition+p.Key(), p)
}

// LoadPosition returns the position for an opportunity key.
func (s *Store) LoadPosition(key string) (models.HedgePosition, error) {
	var p models.HedgePosition
	err := s.get(prefixPosition+key, &p)
	return p, err
}

// LoadPositions returns every stored position.
func (s *Store) LoadPositions() ([]models.HedgePosition, error) {
	var out []models.HedgePosition
	err := s.scan(prefixPosition, func(val []byte) error {
		var p models.HedgePosition
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// AppendAudit writes a batch of audit entries in one transaction. Keys embed
// the emission timestamp so the recent feed can iterate in time order.
func (s *Store) AppendAudit(entries []models.AuditEntry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%020d|%s", prefixAudit, e.Timestamp.UnixNano(), e.ID)
		if err := wb.Set([]byte(key), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *Store) RecentAudit(limit int) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the audit keyspace.
		seek := prefixAudit + strings.Repeat("\xff", 8)
		for it.Seek([]byte(seek)); it.ValidForPrefix([]byte(prefixAudit)) && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e models.AuditEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// SaveRiskBudget persists the executor's risk state.
func (s *Store) SaveRiskBudget(b models.RiskBudget) error {
	return s.put(keyRiskBudget, b)
}

// LoadRiskBudget returns the persisted risk state.
func (s *Store) LoadRiskBudget() (models.RiskBudget, error) {
	var b models.RiskBudget
	err := s.get(keyRiskBudget, &b)
	return b, err
}

// SaveSignals records the current scoring cycle's output for read-only
// consumers.
func (s *Store) SaveSignals(signals []models.TradingSignal) error {
	return s.put(keySignals, signals)
}

// LoadSignals returns the most recent scoring cycle's signals.
func (s *Store) LoadSignals() ([]models.TradingSignal, error) {
	var out []models.TradingSignal
	err := s.get(keySignals, &out)
	return out, err
}

// SaveOpportunities records the full opportunity set of the latest cycle.
func (s *Store) SaveOpportunities(opps []models.ArbitrageOpportunity) error {
	return s.put(keyOpps, opps)
}

// LoadOpportunities returns the latest cycle's opportunity set.
func (s *Store) LoadOpportunities() ([]models.ArbitrageOpportunity, error) {
	var out []models.ArbitrageOpportunity
	err := s.get(keyOpps, &out)
	return out, err
}

// SaveCycleHealth records a stage's latest run outcome.
func (s *Store) SaveCycleHealth(h models.CycleHealth) error {
	return s.put(prefixHealth+h.Stage, h)
}

// LoadCycleHealth returns health records for all stages.
func (s *Store) LoadCycleHealth() ([]models.CycleHealth, error) {
	var out []models.CycleHealth
	err := s.scan(prefixHealth, func(val []byte) error {
		var h models.CycleHealth
		if err := json.Unmarshal(val, &h); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// GC runs badger value-log garbage collection; callers schedule it.
func (s *Store) GC() {
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}
