package executor

import (
	"context"
	"fmt"

	"fundflow/gateway"
	"fundflow/store"

	"github.com/google/uuid"
)

// paperTrader fills orders instantly at the latest stored mark price. It
// shares the live path's interface so the executor's state machine is
// identical in both modes.
type paperTrader struct {
	db *store.Store
}

func (p *paperTrader) execute(ctx context.Context, exchange string, req gateway.OrderRequest) (gateway.OrderResult, error) {
	snap, err := p.db.LatestSnapshot(exchange, req.Symbol)
	if err != nil {
		return gateway.OrderResult{}, fmt.Errorf("paper fill %s %s: %w", exchange, req.Symbol, err)
	}
	if snap.MarkPrice <= 0 {
		return gateway.OrderResult{}, fmt.Errorf("paper fill %s %s: no mark price", exchange, req.Symbol)
	}
	return gateway.OrderResult{
		OrderID:   "paper-" + uuid.New().String(),
		Filled:    true,
		FillPrice: snap.MarkPrice,
	}, nil
}

// markPrice returns the latest mark for valuation, 0 when unknown.
func (p *paperTrader) markPrice(exchange, symbol string) float64 {
	snap, err := p.db.LatestSnapshot(exchange, symbol)
	if err != nil {
		return 0
	}
	return snap.MarkPrice
}
