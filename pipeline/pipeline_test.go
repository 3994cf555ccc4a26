package pipeline

import (
	"errors"
	"testing"
	"time"

	"fundflow/logger"
	"fundflow/store"
)

func testPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &Pipeline{db: db, log: logger.GetLogger()}, db
}

func TestRecordHealthTracksSuccessAndError(t *testing.T) {
	p, db := testPipeline(t)

	p.recordHealth("ingest", nil)

	health, err := db.LoadCycleHealth()
	if err != nil || len(health) != 1 {
		t.Fatalf("expected 1 health record, got %d (err=%v)", len(health), err)
	}
	if health[0].LastSuccess.IsZero() || health[0].LastError != "" {
		t.Fatalf("successful run recorded wrong: %+v", health[0])
	}
	firstSuccess := health[0].LastSuccess

	time.Sleep(5 * time.Millisecond)
	p.recordHealth("ingest", errors.New("exchange down"))

	health, _ = db.LoadCycleHealth()
	if health[0].LastError != "exchange down" {
		t.Fatalf("error not recorded: %+v", health[0])
	}
	// The previous success timestamp survives a failed run.
	if !health[0].LastSuccess.Equal(firstSuccess) {
		t.Fatalf("last success lost on failure: %+v", health[0])
	}
	if !health[0].LastRunAt.After(firstSuccess) {
		t.Fatalf("last run not advanced: %+v", health[0])
	}
}
