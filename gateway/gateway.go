package gateway

import (
	"context"
	"fmt"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRequest describes a market order on one leg of a hedge.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64 // base asset quantity
	ReduceOnly    bool    // closing an existing position
	ClientOrderID string  // caller-generated id, lets a timed-out placement be resolved by query
}

// OrderResult reports the outcome of an order placement or query.
type OrderResult struct {
	OrderID   string
	Filled    bool
	FillPrice float64
}

// GatewayError wraps any failure talking to an exchange so callers can
// attribute it for circuit-breaker bookkeeping.
type GatewayError struct {
	Exchange string
	Op       string
	Cause    error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Exchange, e.Op, e.Cause)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// Gateway is the per-exchange capability the pipeline consumes: one batched
// market fetch plus order placement, closing and status queries. Adapters own
// their latency and failure profile; callers bound every call with a context
// deadline.
type Gateway interface {
	Name() string
	// FetchBatch returns the exchange's current view of every perpetual it
	// lists, restricted later by the scheduler to tracked symbols. One call
	// per exchange per cycle regardless of how many symbols are due.
	FetchBatch(ctx context.Context) ([]models.MarketSnapshot, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CloseOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// QueryOrder resolves an order by exchange id or, when orderID is empty,
	// by the client order id the request carried.
	QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (OrderResult, error)
}

// Provider resolves an exchange name to its gateway. The registry satisfies
// it; consumers depend on this interface so they stay testable.
type Provider interface {
	Get(exchange string) (Gateway, bool)
}

// Registry holds the gateways selected by configuration at startup.
type Registry struct {
	gateways map[string]Gateway
	log      *logger.Log
}

// NewRegistry constructs one adapter per enabled exchange. Unknown exchange
// names are a configuration error surfaced immediately.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	log := logger.GetLogger()
	r := &Registry{
		gateways: make(map[string]Gateway),
		log:      log,
	}

	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		var (
			gw  Gateway
			err error
		)
		switch name {
		case "binance":
			gw, err = newBinanceGateway(ex)
		case "bybit":
			gw, err = newBybitGateway(ex)
		case "okx":
			gw, err = newOkxGateway(ex)
		default:
			err = fmt.Errorf("unknown exchange '%s'", name)
		}
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", name, err)
		}
		r.gateways[name] = gw
	}

	log.WithComponent("gateway").WithFields(logger.Fields{
		"exchanges": len(r.gateways),
	}).Info("gateway registry initialized")

	return r, nil
}

// Get returns the gateway for an exchange name.
func (r *Registry) Get(exchange string) (Gateway, bool) {
	gw, ok := r.gateways[exchange]
	return gw, ok
}

// Names lists the registered exchanges.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	return out
}
