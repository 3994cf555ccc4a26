package scheduler

import (
	"testing"
	"time"

	"fundflow/config"
	"fundflow/models"
)

func testBreaker() *circuitBreaker {
	return newCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CooldownMax:      4 * time.Minute,
	})
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	cb := testBreaker()
	now := time.Now()
	key := "binance"

	for i := 0; i < 2; i++ {
		opened, _, _ := cb.RecordFailure(key, now)
		if opened {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}
	opened, failures, cooldown := cb.RecordFailure(key, now)
	if !opened {
		t.Fatal("circuit did not open at threshold")
	}
	if failures != 3 {
		t.Fatalf("expected 3 failures, got %d", failures)
	}
	if cooldown != time.Minute {
		t.Fatalf("expected initial cooldown 1m, got %v", cooldown)
	}
	if cb.State(key) != models.CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State(key))
	}
	if cb.Allow(key, now) {
		t.Fatal("open circuit must not allow fetches before cooldown")
	}
}

func TestCircuitHalfOpenSingleTrial(t *testing.T) {
	cb := testBreaker()
	now := time.Now()
	key := "bybit"

	for i := 0; i < 3; i++ {
		cb.RecordFailure(key, now)
	}

	after := now.Add(61 * time.Second)
	if !cb.Allow(key, after) {
		t.Fatal("expected trial fetch after cooldown elapsed")
	}
	if cb.State(key) != models.CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State(key))
	}
	if cb.Allow(key, after) {
		t.Fatal("half-open circuit granted a second trial")
	}
}

func TestCircuitClosesOnTrialSuccess(t *testing.T) {
	cb := testBreaker()
	now := time.Now()
	key := "okx"

	for i := 0; i < 3; i++ {
		cb.RecordFailure(key, now)
	}
	cb.Allow(key, now.Add(2*time.Minute))

	transitioned, from := cb.RecordSuccess(key)
	if !transitioned || from != models.CircuitHalfOpen {
		t.Fatalf("expected transition from half_open, got transitioned=%v from=%s", transitioned, from)
	}
	if cb.State(key) != models.CircuitClosed {
		t.Fatalf("expected closed, got %s", cb.State(key))
	}
	if cb.Failures(key) != 0 {
		t.Fatalf("expected failure count reset, got %d", cb.Failures(key))
	}
}

func TestCircuitCooldownDoublesAndCaps(t *testing.T) {
	cb := testBreaker()
	now := time.Now()
	key := "binance"

	for i := 0; i < 3; i++ {
		cb.RecordFailure(key, now)
	}

	// Fail the trial repeatedly; each re-open doubles the cooldown up to the cap.
	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	at := now
	for i, want := range expected {
		at = at.Add(10 * time.Minute)
		if !cb.Allow(key, at) {
			t.Fatalf("round %d: expected trial after long wait", i)
		}
		opened, _, cooldown := cb.RecordFailure(key, at)
		if !opened {
			t.Fatalf("round %d: failed trial should re-open the circuit", i)
		}
		if cooldown != want {
			t.Fatalf("round %d: expected cooldown %v, got %v", i, want, cooldown)
		}
	}

	// A successful trial resets the ladder back to the base cooldown.
	at = at.Add(10 * time.Minute)
	cb.Allow(key, at)
	cb.RecordSuccess(key)
	for i := 0; i < 2; i++ {
		cb.RecordFailure(key, at)
	}
	_, _, cooldown := cb.RecordFailure(key, at)
	if cooldown != time.Minute {
		t.Fatalf("expected cooldown reset to 1m after recovery, got %v", cooldown)
	}
}
