package executor

import (
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/store"

	"github.com/shopspring/decimal"
)

// riskLedger guards the process-wide risk budget. All mutation happens on the
// executor's goroutine, so the ledger itself carries no lock; it owns the
// daily window roll and persistence.
type riskLedger struct {
	cfg    config.ExecutorConfig
	db     *store.Store
	budget models.RiskBudget
	log    *logger.Log
}

func newRiskLedger(cfg config.ExecutorConfig, db *store.Store) (*riskLedger, error) {
	l := &riskLedger{
		cfg: cfg,
		db:  db,
		log: logger.GetLogger(),
	}

	budget, err := db.LoadRiskBudget()
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		budget = models.RiskBudget{Day: time.Now().UTC().Format("2006-01-02")}
	}
	l.budget = budget
	return l, nil
}

// rollDay resets the drawdown window when the UTC date changes. Deployed
// capital and open hedge count carry over, they track live positions.
func (l *riskLedger) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if l.budget.Day == day {
		return
	}
	l.log.WithComponent("executor").WithFields(logger.Fields{
		"previous_day":      l.budget.Day,
		"realized_drawdown": l.budget.DailyRealizedDrawdownEur.String(),
	}).Info("daily risk window reset")

	l.budget.Day = day
	l.budget.DailyRealizedDrawdownEur = decimal.Zero
	l.persist()
}

// canOpen checks every gate for a new hedge of the given size. The first
// failing gate names the rejection.
func (l *riskLedger) canOpen(size decimal.Decimal) (bool, string) {
	maxDeployed := decimal.NewFromFloat(l.cfg.MaxDeployedEur)
	if l.budget.DeployedCapitalEur.Add(size).GreaterThan(maxDeployed) {
		return false, "deployed_capital_limit"
	}
	if l.budget.OpenHedgeCount >= l.cfg.MaxConcurrentHedges {
		return false, "concurrent_hedge_limit"
	}
	maxDrawdown := decimal.NewFromFloat(l.cfg.MaxDailyDrawdownEur)
	if l.budget.DailyRealizedDrawdownEur.GreaterThanOrEqual(maxDrawdown) {
		return false, "daily_drawdown_limit"
	}
	return true, ""
}

func (l *riskLedger) commitOpen(size decimal.Decimal) {
	l.budget.DeployedCapitalEur = l.budget.DeployedCapitalEur.Add(size)
	l.budget.OpenHedgeCount++
	l.persist()
}

// releaseOpen undoes commitOpen when a hedge fails before both legs fill.
func (l *riskLedger) releaseOpen(size decimal.Decimal) {
	l.budget.DeployedCapitalEur = l.budget.DeployedCapitalEur.Sub(size)
	if l.budget.DeployedCapitalEur.IsNegative() {
		l.budget.DeployedCapitalEur = decimal.Zero
	}
	if l.budget.OpenHedgeCount > 0 {
		l.budget.OpenHedgeCount--
	}
	l.persist()
}

// commitClose releases the hedge's capital and books realized losses against
// the daily drawdown window.
func (l *riskLedger) commitClose(size, realizedPnl decimal.Decimal) {
	l.releaseOpen(size)
	if realizedPnl.IsNegative() {
		l.budget.DailyRealizedDrawdownEur = l.budget.DailyRealizedDrawdownEur.Add(realizedPnl.Neg())
		l.persist()
	}
}

func (l *riskLedger) snapshot() models.RiskBudget {
	return l.budget
}

func (l *riskLedger) persist() {
	if err := l.db.SaveRiskBudget(l.budget); err != nil {
		l.log.WithComponent("executor").WithError(err).Warn("failed to persist risk budget")
	}
}
