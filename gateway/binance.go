package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"

	futures "github.com/adshao/go-binance/v2/futures"
)

// binanceGateway adapts the Binance USD-M futures API to the Gateway
// capability using the binance-go client.
type binanceGateway struct {
	cfg    config.ExchangeConfig
	client *futures.Client
	log    *logger.Log
}

func newBinanceGateway(cfg config.ExchangeConfig) (*binanceGateway, error) {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	apiSecret := os.Getenv(cfg.APISecretEnv)

	client := futures.NewClient(apiKey, apiSecret)
	client.HTTPClient = &http.Client{Transport: transport}

	if cfg.BaseURL != "" {
		if parsed, err := url.Parse(cfg.BaseURL); err == nil {
			client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		}
	}

	log.WithComponent("binance_gateway").WithFields(logger.Fields{
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
	}).Info("binance gateway initialized")

	return &binanceGateway{cfg: cfg, client: client, log: log}, nil
}

func (g *binanceGateway) Name() string { return "binance" }

// FetchBatch combines the premium index (mark price, funding) and the 24h
// ticker statistics (volume) into one snapshot per listed perpetual.
func (g *binanceGateway) FetchBatch(ctx context.Context) ([]models.MarketSnapshot, error) {
	premiums, err := g.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, &GatewayError{Exchange: "binance", Op: "premium_index", Cause: err}
	}

	stats, err := g.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, &GatewayError{Exchange: "binance", Op: "price_change_stats", Cause: err}
	}

	volumes := make(map[string]float64, len(stats))
	for _, s := range stats {
		if v, err := strconv.ParseFloat(s.QuoteVolume, 64); err == nil {
			volumes[s.Symbol] = v
		}
	}

	now := time.Now().UTC()
	snapshots := make([]models.MarketSnapshot, 0, len(premiums))
	for _, p := range premiums {
		markPrice, err := strconv.ParseFloat(p.MarkPrice, 64)
		if err != nil {
			continue
		}
		fundingRate, err := strconv.ParseFloat(p.LastFundingRate, 64)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, models.MarketSnapshot{
			Exchange:             "binance",
			Symbol:               NormalizeSymbol("binance", p.Symbol),
			MarkPrice:            markPrice,
			FundingRate:          fundingRate,
			FundingIntervalHours: g.cfg.FundingIntervalHours,
			NextFundingTime:      time.UnixMilli(p.NextFundingTime).UTC(),
			Volume24h:            volumes[p.Symbol],
			ObservedAt:           now,
		})
	}
	return snapshots, nil
}

func (g *binanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "binance", Op: "place_order", Cause: err}
	}

	fillPrice, _ := strconv.ParseFloat(res.AvgPrice, 64)
	return OrderResult{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		Filled:    res.Status == futures.OrderStatusTypeFilled,
		FillPrice: fillPrice,
	}, nil
}

func (g *binanceGateway) CloseOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.ReduceOnly = true
	return g.PlaceOrder(ctx, req)
}

func (g *binanceGateway) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (OrderResult, error) {
	svc := g.client.NewGetOrderService().Symbol(symbol)
	if orderID != "" {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return OrderResult{}, &GatewayError{Exchange: "binance", Op: "query_order", Cause: err}
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(clientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "binance", Op: "query_order", Cause: err}
	}

	fillPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	return OrderResult{
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		Filled:    order.Status == futures.OrderStatusTypeFilled,
		FillPrice: fillPrice,
	}, nil
}
