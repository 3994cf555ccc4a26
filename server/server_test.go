package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fundflow/audit"
	"fundflow/config"
	"fundflow/executor"
	"fundflow/models"
	"fundflow/store"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Exchanges: config.ExchangesConfig{
			"binance": {Enabled: true, Role: "both", TakerFeeBps: 4.5},
			"bybit":   {Enabled: true, Role: "both", TakerFeeBps: 5.5},
		},
		Scoring: config.ScoringConfig{Freshness: 3 * time.Minute},
		Executor: config.ExecutorConfig{
			Mode:                config.ModePaper,
			HedgeSizeEur:        1000,
			MaxDeployedEur:      10000,
			MaxConcurrentHedges: 5,
			MaxDailyDrawdownEur: 500,
		},
		Audit: config.AuditConfig{BufferSize: 16, FlushInterval: time.Second},
	}

	exec, err := executor.NewExecutor(cfg, nil, db, audit.NewLogger(cfg.Audit, db))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	srv := NewServer(config.ServerConfig{Listen: ":0", AdminToken: "sekrit"}, db, exec)
	return srv, db
}

func doRequest(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, db := testServer(t)
	db.SaveCycleHealth(models.CycleHealth{Stage: "ingest", LastRunAt: time.Now().UTC()})

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status string               `json:"status"`
		Mode   string               `json:"mode"`
		Stages []models.CycleHealth `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.Status != "ok" || body.Mode != config.ModePaper {
		t.Fatalf("unexpected health payload: %+v", body)
	}
	if len(body.Stages) != 1 || body.Stages[0].Stage != "ingest" {
		t.Fatalf("stage health missing: %+v", body.Stages)
	}
}

func TestSignalsEndpointEmptyStore(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/signals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty store should still answer 200, got %d", rec.Code)
	}

	var body struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 0 {
		t.Fatalf("expected 0 signals, got %d", body.Count)
	}
}

func TestModeEndpointRequiresToken(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/mode", strings.NewReader(`{"mode":"live"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := doRequest(t, srv, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/mode", strings.NewReader(`{"mode":"live"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sekrit")
	if rec := doRequest(t, srv, req); rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected, got %d", rec.Code)
	}
	if srv.exec.Mode() != config.ModeLive {
		t.Fatalf("mode not switched, got %s", srv.exec.Mode())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/mode", strings.NewReader(`{"mode":"bogus"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sekrit")
	if rec := doRequest(t, srv, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus mode should be rejected, got %d", rec.Code)
	}
}

func TestAuditEndpointLimit(t *testing.T) {
	srv, db := testServer(t)

	var batch []models.AuditEntry
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		batch = append(batch, models.AuditEntry{
			ID:        "e" + string(rune('0'+i)),
			Level:     models.AuditInfo,
			Action:    "hedge_opened",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	if err := db.AppendAudit(batch); err != nil {
		t.Fatalf("failed to seed audit: %v", err)
	}

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/audit?limit=4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 4 {
		t.Fatalf("expected limit of 4 honored, got %d", body.Count)
	}
}
