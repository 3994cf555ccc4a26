package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// bybitGateway adapts the Bybit v5 unified trading API to the Gateway
// capability. Market tickers for the linear category carry mark price,
// funding rate, open interest and turnover in a single call.
type bybitGateway struct {
	cfg    config.ExchangeConfig
	client *bybit.Client
	log    *logger.Log
}

// bybitTicker is the subset of the v5 ticker payload the pipeline consumes.
type bybitTicker struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	OpenInterest    string `json:"openInterestValue"`
	Turnover24h     string `json:"turnover24h"`
}

type bybitTickerResult struct {
	Category string        `json:"category"`
	List     []bybitTicker `json:"list"`
}

func newBybitGateway(cfg config.ExchangeConfig) (*bybitGateway, error) {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	base := cfg.BaseURL
	if parsed, err := url.Parse(cfg.BaseURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	apiSecret := os.Getenv(cfg.APISecretEnv)

	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(base))
	client.HTTPClient = &http.Client{Transport: transport}

	log.WithComponent("bybit_gateway").Info("bybit gateway initialized")

	return &bybitGateway{cfg: cfg, client: client, log: log}, nil
}

func (g *bybitGateway) Name() string { return "bybit" }

func (g *bybitGateway) FetchBatch(ctx context.Context) ([]models.MarketSnapshot, error) {
	params := map[string]interface{}{"category": "linear"}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, &GatewayError{Exchange: "bybit", Op: "market_tickers", Cause: err}
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, &GatewayError{Exchange: "bybit", Op: "market_tickers", Cause: err}
	}

	var result bybitTickerResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, &GatewayError{Exchange: "bybit", Op: "market_tickers", Cause: err}
	}

	now := time.Now().UTC()
	snapshots := make([]models.MarketSnapshot, 0, len(result.List))
	for _, t := range result.List {
		markPrice, err := strconv.ParseFloat(t.MarkPrice, 64)
		if err != nil {
			continue
		}
		fundingRate, err := strconv.ParseFloat(t.FundingRate, 64)
		if err != nil {
			continue
		}
		openInterest, _ := strconv.ParseFloat(t.OpenInterest, 64)
		turnover, _ := strconv.ParseFloat(t.Turnover24h, 64)

		snap := models.MarketSnapshot{
			Exchange:             "bybit",
			Symbol:               NormalizeSymbol("bybit", t.Symbol),
			MarkPrice:            markPrice,
			FundingRate:          fundingRate,
			FundingIntervalHours: g.cfg.FundingIntervalHours,
			OpenInterest:         openInterest,
			Volume24h:            turnover,
			ObservedAt:           now,
		}
		if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil {
			snap.NextFundingTime = time.UnixMilli(ms).UTC()
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (g *bybitGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}

	params := map[string]interface{}{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "place_order", Cause: err}
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "place_order", Cause: err}
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(payload, &created); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "place_order", Cause: err}
	}

	// The create response carries no fill; resolve it with a status query so
	// callers always see the executed price.
	return g.QueryOrder(ctx, req.Symbol, created.OrderID, req.ClientOrderID)
}

func (g *bybitGateway) CloseOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.ReduceOnly = true
	return g.PlaceOrder(ctx, req)
}

func (g *bybitGateway) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (OrderResult, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = clientOrderID
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "query_order", Cause: err}
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "query_order", Cause: err}
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "query_order", Cause: err}
	}

	for _, o := range result.List {
		if orderID != "" && o.OrderID != orderID {
			continue
		}
		if orderID == "" && o.OrderLinkID != clientOrderID {
			continue
		}
		fillPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
		return OrderResult{
			OrderID:   o.OrderID,
			Filled:    o.OrderStatus == "Filled",
			FillPrice: fillPrice,
		}, nil
	}
	return OrderResult{}, &GatewayError{Exchange: "bybit", Op: "query_order", Cause: fmt.Errorf("order %s%s not found", orderID, clientOrderID)}
}
