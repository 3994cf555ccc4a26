package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"fundflow/audit"
	"fundflow/config"
	"fundflow/gateway"
	"fundflow/models"
	"fundflow/store"

	"github.com/shopspring/decimal"
)

func testConfig() *config.Config {
	return &config.Config{
		Exchanges: config.ExchangesConfig{
			"binance": {Enabled: true, Role: "both", TakerFeeBps: 4.5},
			"bybit":   {Enabled: true, Role: "both", TakerFeeBps: 5.5},
		},
		Scoring: config.ScoringConfig{
			Freshness:   3 * time.Minute,
			SlippageBps: 2,
		},
		Executor: config.ExecutorConfig{
			Mode:                config.ModePaper,
			HedgeSizeEur:        1000,
			MaxDeployedEur:      3000,
			MaxConcurrentHedges: 3,
			MaxDailyDrawdownEur: 500,
			OrderTimeout:        5 * time.Second,
			Exit: config.ExitConfig{
				SpreadExitBps: 0,
				StopLossEur:   50,
				MaxHoldingHrs: 72,
			},
		},
		Audit: config.AuditConfig{BufferSize: 64, FlushInterval: time.Second},
	}
}

func testHarness(t *testing.T, cfg *config.Config) (*Executor, *store.Store) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	exec, err := NewExecutor(cfg, nil, db, audit.NewLogger(cfg.Audit, db))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	return exec, db
}

func seedSnapshots(t *testing.T, db *store.Store, symbol string, mark float64) {
	t.Helper()
	now := time.Now().UTC()
	for _, exchange := range []string{"binance", "bybit"} {
		err := db.SaveSnapshot(models.MarketSnapshot{
			Exchange:             exchange,
			Symbol:               symbol,
			MarkPrice:            mark,
			FundingIntervalHours: 8,
			ObservedAt:           now,
		})
		if err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	}
}

func testSignal(symbol string) models.TradingSignal {
	return models.TradingSignal{
		Opportunity: models.ArbitrageOpportunity{
			Symbol:        symbol,
			LongExchange:  "binance",
			ShortExchange: "bybit",
			NetEdgeBps:    8,
		},
		Score:   8,
		Rank:    1,
		CycleID: "cycle-1",
	}
}

// tradeStub is an order-only gateway for live-mode tests. Placements fill at
// the configured price unless placeErr is set; queries run the hook when one
// is installed.
type tradeStub struct {
	name     string
	price    float64
	placeErr error
	queryFn  func(symbol, orderID, clientOrderID string) (gateway.OrderResult, error)

	mu      sync.Mutex
	placed  []gateway.OrderRequest
	queried []string
}

func (s *tradeStub) Name() string { return s.name }

func (s *tradeStub) FetchBatch(ctx context.Context) ([]models.MarketSnapshot, error) {
	return nil, errors.New("not a market data venue")
}

func (s *tradeStub) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	s.mu.Lock()
	s.placed = append(s.placed, req)
	n := len(s.placed)
	s.mu.Unlock()

	if s.placeErr != nil {
		return gateway.OrderResult{}, s.placeErr
	}
	return gateway.OrderResult{OrderID: fmt.Sprintf("%s-%d", s.name, n), Filled: true, FillPrice: s.price}, nil
}

func (s *tradeStub) CloseOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return s.PlaceOrder(ctx, req)
}

func (s *tradeStub) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (gateway.OrderResult, error) {
	s.mu.Lock()
	s.queried = append(s.queried, clientOrderID)
	s.mu.Unlock()

	if s.queryFn != nil {
		return s.queryFn(symbol, orderID, clientOrderID)
	}
	return gateway.OrderResult{}, errors.New("order not found")
}

func (s *tradeStub) placedOrders() []gateway.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.OrderRequest(nil), s.placed...)
}

type stubVenues map[string]gateway.Gateway

func (v stubVenues) Get(exchange string) (gateway.Gateway, bool) {
	gw, ok := v[exchange]
	return gw, ok
}

func liveHarness(t *testing.T, venues stubVenues) (*Executor, *store.Store) {
	t.Helper()

	cfg := testConfig()
	cfg.Executor.Mode = config.ModeLive

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	exec, err := NewExecutor(cfg, venues, db, audit.NewLogger(cfg.Audit, db))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	return exec, db
}

func TestPaperHedgeLifecycle(t *testing.T) {
	exec, db := testHarness(t, testConfig())
	seedSnapshots(t, db, "BTCUSDT", 50000)
	ctx := context.Background()

	exec.HandleSignals(ctx, []models.TradingSignal{testSignal("BTCUSDT")})

	open := exec.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(open))
	}
	pos := open[0]
	if pos.Status != models.PositionOpen {
		t.Fatalf("expected open status, got %s", pos.Status)
	}
	if !pos.Paper {
		t.Fatal("paper mode position not flagged as paper")
	}
	if pos.LongLeg.EntryPrice != 50000 || pos.ShortLeg.EntryPrice != 50000 {
		t.Fatalf("unexpected entry prices: %v / %v", pos.LongLeg.EntryPrice, pos.ShortLeg.EntryPrice)
	}

	budget := exec.RiskBudget()
	if budget.OpenHedgeCount != 1 {
		t.Fatalf("expected 1 open hedge in budget, got %d", budget.OpenHedgeCount)
	}
	if !budget.DeployedCapitalEur.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 EUR deployed, got %s", budget.DeployedCapitalEur)
	}

	// The same signal next cycle is a no-op while the position is non-terminal.
	exec.HandleSignals(ctx, []models.TradingSignal{testSignal("BTCUSDT")})
	if len(exec.OpenPositions()) != 1 {
		t.Fatal("duplicate signal opened a second position for the same key")
	}

	exec.closeHedge(ctx, exec.OpenPositions()[0], "test_exit")

	if len(exec.OpenPositions()) != 0 {
		t.Fatal("closed position still tracked as open")
	}
	budget = exec.RiskBudget()
	if budget.OpenHedgeCount != 0 || !budget.DeployedCapitalEur.IsZero() {
		t.Fatalf("budget not released: count=%d deployed=%s", budget.OpenHedgeCount, budget.DeployedCapitalEur)
	}

	stored, err := db.LoadPosition("BTCUSDT|binance|bybit")
	if err != nil {
		t.Fatalf("failed to load closed position: %v", err)
	}
	if stored.Status != models.PositionClosed {
		t.Fatalf("expected closed status in store, got %s", stored.Status)
	}
	if stored.LongLeg.ExitPrice != 50000 || stored.ShortLeg.ExitPrice != 50000 {
		t.Fatalf("unexpected exit prices: %v / %v", stored.LongLeg.ExitPrice, stored.ShortLeg.ExitPrice)
	}
}

func TestConcurrentHedgeGate(t *testing.T) {
	cfg := testConfig()
	cfg.Executor.MaxConcurrentHedges = 1
	exec, db := testHarness(t, cfg)
	seedSnapshots(t, db, "BTCUSDT", 50000)
	seedSnapshots(t, db, "ETHUSDT", 3000)

	exec.HandleSignals(context.Background(), []models.TradingSignal{
		testSignal("BTCUSDT"),
		testSignal("ETHUSDT"),
	})

	if got := len(exec.OpenPositions()); got != 1 {
		t.Fatalf("expected concurrent limit to cap at 1 position, got %d", got)
	}
	if exec.auditor.Pending() == 0 {
		t.Fatal("rejected signal should leave an audit entry")
	}
}

func TestAtMostOnePositionUnderConcurrency(t *testing.T) {
	exec, db := testHarness(t, testConfig())
	seedSnapshots(t, db, "BTCUSDT", 50000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.HandleSignals(ctx, []models.TradingSignal{testSignal("BTCUSDT")})
		}()
	}
	wg.Wait()

	if got := len(exec.OpenPositions()); got != 1 {
		t.Fatalf("expected exactly 1 position for the key under concurrency, got %d", got)
	}
	budget := exec.RiskBudget()
	if budget.OpenHedgeCount != 1 {
		t.Fatalf("budget drifted under concurrency: %d open hedges", budget.OpenHedgeCount)
	}
}

func TestDeployedCapitalGate(t *testing.T) {
	cfg := testConfig()
	cfg.Executor.MaxDeployedEur = 2500
	exec, db := testHarness(t, cfg)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		seedSnapshots(t, db, sym, 100)
	}

	exec.HandleSignals(context.Background(), []models.TradingSignal{
		testSignal("BTCUSDT"),
		testSignal("ETHUSDT"),
		testSignal("SOLUSDT"),
	})

	// 3x1000 EUR would exceed the 2500 cap; only two hedges fit.
	if got := len(exec.OpenPositions()); got != 2 {
		t.Fatalf("expected capital cap at 2 positions, got %d", got)
	}
}

func TestDrawdownGate(t *testing.T) {
	exec, db := testHarness(t, testConfig())
	seedSnapshots(t, db, "BTCUSDT", 50000)

	exec.mu.Lock()
	exec.risk.budget.DailyRealizedDrawdownEur = decimal.NewFromInt(600)
	exec.mu.Unlock()

	exec.HandleSignals(context.Background(), []models.TradingSignal{testSignal("BTCUSDT")})
	if len(exec.OpenPositions()) != 0 {
		t.Fatal("drawdown breach should block new hedges")
	}
}

func TestDailyDrawdownReset(t *testing.T) {
	exec, _ := testHarness(t, testConfig())

	exec.risk.budget.Day = "2020-01-01"
	exec.risk.budget.DailyRealizedDrawdownEur = decimal.NewFromInt(600)
	exec.risk.rollDay(time.Now().UTC())

	budget := exec.RiskBudget()
	if !budget.DailyRealizedDrawdownEur.IsZero() {
		t.Fatalf("drawdown not reset on day roll: %s", budget.DailyRealizedDrawdownEur)
	}
	if budget.Day != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("budget window not advanced: %s", budget.Day)
	}
}

func TestShouldExitMaxHolding(t *testing.T) {
	exec, _ := testHarness(t, testConfig())
	now := time.Now().UTC()

	pos := models.HedgePosition{
		Symbol:        "BTCUSDT",
		LongExchange:  "binance",
		ShortExchange: "bybit",
		Status:        models.PositionOpen,
		OpenedAt:      now.Add(-100 * time.Hour),
	}
	reason, due := exec.shouldExit(pos, now)
	if !due || reason != "max_holding" {
		t.Fatalf("expected max_holding exit, got %q due=%v", reason, due)
	}

	pos.OpenedAt = now.Add(-time.Hour)
	if _, due := exec.shouldExit(pos, now); due {
		t.Fatal("young position with no market data should not exit")
	}
}

func TestShouldExitSpreadReversal(t *testing.T) {
	exec, db := testHarness(t, testConfig())
	now := time.Now().UTC()

	// Funding flipped: the long leg now earns more than the short pays.
	db.SaveSnapshot(models.MarketSnapshot{
		Exchange: "binance", Symbol: "BTCUSDT", MarkPrice: 50000,
		FundingRate: 0.0020, FundingIntervalHours: 8, ObservedAt: now,
	})
	db.SaveSnapshot(models.MarketSnapshot{
		Exchange: "bybit", Symbol: "BTCUSDT", MarkPrice: 50000,
		FundingRate: -0.0010, FundingIntervalHours: 8, ObservedAt: now,
	})

	pos := models.HedgePosition{
		Symbol:        "BTCUSDT",
		LongExchange:  "binance",
		ShortExchange: "bybit",
		Status:        models.PositionOpen,
		OpenedAt:      now.Add(-time.Hour),
		LongLeg:       models.PositionLeg{Exchange: "binance", Side: "long", EntryPrice: 50000},
		ShortLeg:      models.PositionLeg{Exchange: "bybit", Side: "short", EntryPrice: 50000},
		SizeEur:       decimal.NewFromInt(1000),
	}
	reason, due := exec.shouldExit(pos, now)
	if !due || reason != "spread_reversal" {
		t.Fatalf("expected spread_reversal exit, got %q due=%v", reason, due)
	}
}

func TestShortLegFailureReleasesBudget(t *testing.T) {
	exec, db := testHarness(t, testConfig())

	// Only the long exchange has a price: the short leg's paper fill fails
	// and the half-built hedge must be rolled back.
	now := time.Now().UTC()
	err := db.SaveSnapshot(models.MarketSnapshot{
		Exchange: "binance", Symbol: "BTCUSDT", MarkPrice: 50000,
		FundingIntervalHours: 8, ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}

	exec.HandleSignals(context.Background(), []models.TradingSignal{testSignal("BTCUSDT")})

	if len(exec.OpenPositions()) != 0 {
		t.Fatal("failed hedge still tracked as open")
	}
	budget := exec.RiskBudget()
	if budget.OpenHedgeCount != 0 || !budget.DeployedCapitalEur.IsZero() {
		t.Fatalf("budget not released after failure: count=%d deployed=%s",
			budget.OpenHedgeCount, budget.DeployedCapitalEur)
	}

	stored, err := db.LoadPosition("BTCUSDT|binance|bybit")
	if err != nil {
		t.Fatalf("failed position not persisted: %v", err)
	}
	if stored.Status != models.PositionFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}

	// The key is free again once the failure is terminal.
	seedSnapshots(t, db, "BTCUSDT", 50000)
	exec.HandleSignals(context.Background(), []models.TradingSignal{testSignal("BTCUSDT")})
	if len(exec.OpenPositions()) != 1 {
		t.Fatal("terminal failure should not block a fresh hedge on the same key")
	}
}

func TestTimedOutShortLegResolvedByQuery(t *testing.T) {
	long := &tradeStub{name: "binance", price: 50000}
	short := &tradeStub{name: "bybit", price: 50010, placeErr: context.DeadlineExceeded}
	// The placement reached the exchange even though its response never came
	// back: the status query finds the fill.
	short.queryFn = func(symbol, orderID, clientOrderID string) (gateway.OrderResult, error) {
		if orderID != "" || clientOrderID == "" {
			return gateway.OrderResult{}, errors.New("order not found")
		}
		return gateway.OrderResult{OrderID: "bybit-1", Filled: true, FillPrice: 50010}, nil
	}

	exec, db := liveHarness(t, stubVenues{"binance": long, "bybit": short})
	seedSnapshots(t, db, "BTCUSDT", 50000)

	exec.HandleSignals(context.Background(), []models.TradingSignal{testSignal("BTCUSDT")})

	open := exec.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("expected the resolved timeout to open the hedge, got %d positions", len(open))
	}
	if open[0].Status != models.PositionOpen {
		t.Fatalf("expected open status, got %s", open[0].Status)
	}
	if open[0].ShortLeg.EntryPrice != 50010 {
		t.Fatalf("short entry not taken from the queried fill: %v", open[0].ShortLeg.EntryPrice)
	}

	placed := short.placedOrders()
	if len(placed) != 1 || placed[0].ClientOrderID == "" {
		t.Fatalf("placement must carry a client order id: %+v", placed)
	}
	short.mu.Lock()
	queried := append([]string(nil), short.queried...)
	short.mu.Unlock()
	if len(queried) != 1 || queried[0] != placed[0].ClientOrderID {
		t.Fatalf("query did not use the placed client order id: placed=%s queried=%v",
			placed[0].ClientOrderID, queried)
	}
}

func TestUnresolvedTimeoutFailsAndUnwinds(t *testing.T) {
	long := &tradeStub{name: "binance", price: 50000}
	short := &tradeStub{name: "bybit", price: 50010, placeErr: context.DeadlineExceeded}

	exec, db := liveHarness(t, stubVenues{"binance": long, "bybit": short})
	seedSnapshots(t, db, "BTCUSDT", 50000)

	exec.HandleSignals(context.Background(), []models.TradingSignal{testSignal("BTCUSDT")})

	if len(exec.OpenPositions()) != 0 {
		t.Fatal("unresolved short leg timeout must not leave an open position")
	}
	budget := exec.RiskBudget()
	if budget.OpenHedgeCount != 0 || !budget.DeployedCapitalEur.IsZero() {
		t.Fatalf("budget not released: count=%d deployed=%s",
			budget.OpenHedgeCount, budget.DeployedCapitalEur)
	}

	// The status query ran before the leg was declared failed, and the filled
	// long leg was unwound.
	short.mu.Lock()
	queries := len(short.queried)
	short.mu.Unlock()
	if queries == 0 {
		t.Fatal("timed-out placement was failed without a status query")
	}
	placed := long.placedOrders()
	if len(placed) != 2 || placed[1].Side != gateway.SideSell || !placed[1].ReduceOnly {
		t.Fatalf("expected a reduce-only unwind of the long leg, got %+v", placed)
	}

	stored, err := db.LoadPosition("BTCUSDT|binance|bybit")
	if err != nil {
		t.Fatalf("failed position not persisted: %v", err)
	}
	if stored.Status != models.PositionFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
}

func TestCloseRetrySkipsAlreadyExitedLeg(t *testing.T) {
	long := &tradeStub{name: "binance", price: 50000}
	short := &tradeStub{name: "bybit", price: 50000}

	exec, db := liveHarness(t, stubVenues{"binance": long, "bybit": short})
	seedSnapshots(t, db, "BTCUSDT", 50000)
	ctx := context.Background()

	exec.HandleSignals(ctx, []models.TradingSignal{testSignal("BTCUSDT")})
	if len(exec.OpenPositions()) != 1 {
		t.Fatal("hedge did not open")
	}

	// First close attempt: the long exit fills, the short exit fails, the
	// position stays in closing.
	long.price = 50100
	short.placeErr = errors.New("venue rejected the order")
	exec.closeHedge(ctx, exec.OpenPositions()[0], "spread_reversal")

	open := exec.OpenPositions()
	if len(open) != 1 || open[0].Status != models.PositionClosing {
		t.Fatalf("expected position stuck in closing, got %+v", open)
	}
	if open[0].LongLeg.ExitPrice != 50100 {
		t.Fatalf("long exit fill not recorded: %v", open[0].LongLeg.ExitPrice)
	}

	// Retry with the venue healthy again. A resubmitted long exit would fill
	// at the moved price; the recorded one must survive instead.
	long.price = 99999
	short.placeErr = nil
	exec.closeHedge(ctx, exec.OpenPositions()[0], "close_retry")

	if len(exec.OpenPositions()) != 0 {
		t.Fatal("retry did not close the position")
	}
	if got := len(long.placedOrders()); got != 2 {
		t.Fatalf("long leg resubmitted on retry: %d orders placed", got)
	}

	stored, err := db.LoadPosition("BTCUSDT|binance|bybit")
	if err != nil {
		t.Fatalf("closed position not persisted: %v", err)
	}
	if stored.Status != models.PositionClosed {
		t.Fatalf("expected closed status, got %s", stored.Status)
	}
	if stored.LongLeg.ExitPrice != 50100 || stored.ShortLeg.ExitPrice != 50000 {
		t.Fatalf("exit prices corrupted by retry: long=%v short=%v",
			stored.LongLeg.ExitPrice, stored.ShortLeg.ExitPrice)
	}
}

func TestSetModeValidation(t *testing.T) {
	exec, _ := testHarness(t, testConfig())

	if err := exec.SetMode("yolo"); err == nil {
		t.Fatal("invalid mode accepted")
	}
	if err := exec.SetMode(config.ModeLive); err != nil {
		t.Fatalf("live mode rejected: %v", err)
	}
	if exec.Mode() != config.ModeLive {
		t.Fatalf("mode not switched, got %s", exec.Mode())
	}
}

func TestLegPnl(t *testing.T) {
	// Long up 1%, short flat: +10 EUR on 1000 notional.
	if got := legPnl(1000, 100, 101, 100, 100); math.Abs(got-10) > 1e-9 {
		t.Fatalf("expected +10, got %v", got)
	}
	// Both legs move together: hedge is flat.
	if got := legPnl(1000, 100, 110, 100, 110); math.Abs(got) > 1e-9 {
		t.Fatalf("expected 0 for parallel move, got %v", got)
	}
	if got := legPnl(1000, 0, 110, 100, 110); got != 0 {
		t.Fatalf("expected 0 for missing entry, got %v", got)
	}
}

func TestFundingAccrual(t *testing.T) {
	opened := time.Now().UTC().Add(-16 * time.Hour)
	now := time.Now().UTC()

	// 8bps per 8h over two periods on 1000 EUR.
	got := fundingAccrual(1000, 8, opened, now)
	if math.Abs(got-1.6) > 1e-6 {
		t.Fatalf("expected 1.6 EUR, got %v", got)
	}
	if fundingAccrual(1000, 8, time.Time{}, now) != 0 {
		t.Fatal("zero open time should accrue nothing")
	}
}
