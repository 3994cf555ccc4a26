package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"

	"golang.org/x/time/rate"
)

// okxGateway talks to the OKX v5 REST API directly. Public market data needs
// no authentication; order endpoints sign requests with the account's HMAC
// secret. A rate limiter paces all calls to stay inside the public limits.
type okxGateway struct {
	cfg        config.ExchangeConfig
	client     *http.Client
	baseURL    string
	limiter    *rate.Limiter
	apiKey     string
	apiSecret  string
	passphrase string
	log        *logger.Log
}

type okxResponse struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

func newOkxGateway(cfg config.ExchangeConfig) (*okxGateway, error) {
	base := "https://www.okx.com"
	if cfg.BaseURL != "" {
		if parsed, err := url.Parse(cfg.BaseURL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &okxGateway{
		cfg:        cfg,
		client:     &http.Client{},
		baseURL:    base,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		apiSecret:  os.Getenv(cfg.APISecretEnv),
		passphrase: os.Getenv(cfg.APIPassphraseEnv),
		log:        logger.GetLogger(),
	}, nil
}

func (g *okxGateway) Name() string { return "okx" }

func (g *okxGateway) get(ctx context.Context, path string, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// signedRequest signs per the OKX v5 scheme: base64(HMAC-SHA256(secret,
// timestamp+method+path+body)).
func (g *okxGateway) signedRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if g.apiKey == "" || g.apiSecret == "" {
		return fmt.Errorf("okx credentials not configured")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(g.apiSecret))
	mac.Write([]byte(ts + method + path))
	mac.Write(payload)
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", g.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sign)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", g.passphrase)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type okxTicker struct {
	InstID    string `json:"instId"`
	VolCcy24h string `json:"volCcy24h"`
}

type okxMarkPrice struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
}

type okxFundingRate struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type okxOpenInterest struct {
	InstID string `json:"instId"`
	OiUsd  string `json:"oiUsd"`
}

func (g *okxGateway) FetchBatch(ctx context.Context) ([]models.MarketSnapshot, error) {
	var tickers okxResponse
	if err := g.get(ctx, "/api/v5/market/tickers?instType=SWAP", &tickers); err != nil {
		return nil, &GatewayError{Exchange: "okx", Op: "tickers", Cause: err}
	}

	var marks okxResponse
	if err := g.get(ctx, "/api/v5/public/mark-price?instType=SWAP", &marks); err != nil {
		return nil, &GatewayError{Exchange: "okx", Op: "mark_price", Cause: err}
	}

	var funding okxResponse
	if err := g.get(ctx, "/api/v5/public/funding-rate?instId=ANY", &funding); err != nil {
		return nil, &GatewayError{Exchange: "okx", Op: "funding_rate", Cause: err}
	}

	var oi okxResponse
	if err := g.get(ctx, "/api/v5/public/open-interest?instType=SWAP", &oi); err != nil {
		return nil, &GatewayError{Exchange: "okx", Op: "open_interest", Cause: err}
	}

	volumes := make(map[string]float64)
	for _, raw := range tickers.Data {
		var t okxTicker
		if json.Unmarshal(raw, &t) == nil {
			if v, err := strconv.ParseFloat(t.VolCcy24h, 64); err == nil {
				volumes[t.InstID] = v
			}
		}
	}

	marksByInst := make(map[string]float64)
	for _, raw := range marks.Data {
		var m okxMarkPrice
		if json.Unmarshal(raw, &m) == nil {
			if v, err := strconv.ParseFloat(m.MarkPx, 64); err == nil {
				marksByInst[m.InstID] = v
			}
		}
	}

	oiByInst := make(map[string]float64)
	for _, raw := range oi.Data {
		var o okxOpenInterest
		if json.Unmarshal(raw, &o) == nil {
			if v, err := strconv.ParseFloat(o.OiUsd, 64); err == nil {
				oiByInst[o.InstID] = v
			}
		}
	}

	now := time.Now().UTC()
	snapshots := make([]models.MarketSnapshot, 0, len(funding.Data))
	for _, raw := range funding.Data {
		var f okxFundingRate
		if json.Unmarshal(raw, &f) != nil {
			continue
		}
		markPrice, ok := marksByInst[f.InstID]
		if !ok {
			continue
		}
		fundingRate, err := strconv.ParseFloat(f.FundingRate, 64)
		if err != nil {
			continue
		}
		snap := models.MarketSnapshot{
			Exchange:             "okx",
			Symbol:               NormalizeSymbol("okx", f.InstID),
			MarkPrice:            markPrice,
			FundingRate:          fundingRate,
			FundingIntervalHours: g.cfg.FundingIntervalHours,
			OpenInterest:         oiByInst[f.InstID],
			Volume24h:            volumes[f.InstID],
			ObservedAt:           now,
		}
		if ms, err := strconv.ParseInt(f.NextFundingTime, 10, 64); err == nil {
			snap.NextFundingTime = time.UnixMilli(ms).UTC()
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (g *okxGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := map[string]interface{}{
		"instId":  ExchangeSymbol("okx", req.Symbol),
		"tdMode":  "cross",
		"side":    string(req.Side),
		"ordType": "market",
		"sz":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = req.ClientOrderID
	}

	var resp okxResponse
	if err := g.signedRequest(ctx, http.MethodPost, "/api/v5/trade/order", body, &resp); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "place_order", Cause: err}
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "place_order", Cause: fmt.Errorf("code %s: %s", resp.Code, resp.Msg)}
	}

	var created struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(resp.Data[0], &created); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "place_order", Cause: err}
	}
	if created.SCode != "0" {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "place_order", Cause: fmt.Errorf("sCode %s: %s", created.SCode, created.SMsg)}
	}

	return g.QueryOrder(ctx, req.Symbol, created.OrdID, req.ClientOrderID)
}

func (g *okxGateway) CloseOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.ReduceOnly = true
	return g.PlaceOrder(ctx, req)
}

func (g *okxGateway) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (OrderResult, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", ExchangeSymbol("okx", symbol), orderID)
	if orderID == "" {
		path = fmt.Sprintf("/api/v5/trade/order?instId=%s&clOrdId=%s", ExchangeSymbol("okx", symbol), clientOrderID)
	}

	var resp okxResponse
	if err := g.signedRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "query_order", Cause: err}
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "query_order", Cause: fmt.Errorf("code %s: %s", resp.Code, resp.Msg)}
	}

	var order struct {
		OrdID string `json:"ordId"`
		State string `json:"state"`
		AvgPx string `json:"avgPx"`
	}
	if err := json.Unmarshal(resp.Data[0], &order); err != nil {
		return OrderResult{}, &GatewayError{Exchange: "okx", Op: "query_order", Cause: err}
	}

	fillPrice, _ := strconv.ParseFloat(order.AvgPx, 64)
	return OrderResult{
		OrderID:   order.OrdID,
		Filled:    order.State == "filled",
		FillPrice: fillPrice,
	}, nil
}
