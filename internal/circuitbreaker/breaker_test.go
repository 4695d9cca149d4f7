package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_StateTransitions(t *testing.T) {
	breaker := NewBreaker(3, 100*time.Millisecond)

	// Initially closed
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=Closed, got %v", breaker.State())
	}

	// Record failures to open
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=Closed after 2 failures, got %v", breaker.State())
	}

	breaker.RecordFailure()
	if breaker.State() != StateOpen {
		t.Errorf("Expected state=Open after 3 failures, got %v", breaker.State())
	}

	// Wait for timeout
	time.Sleep(150 * time.Millisecond)

	// Should transition to half-open
	if !breaker.Allow() {
		t.Error("Expected Allow() to return true after timeout (half-open)")
	}

	// Record success to close
	breaker.RecordSuccess()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=Closed after success, got %v", breaker.State())
	}
}

func TestBreaker_OpenState(t *testing.T) {
	breaker := NewBreaker(2, 100*time.Millisecond)

	// Open the breaker
	breaker.RecordFailure()
	breaker.RecordFailure()

	if breaker.Allow() {
		t.Error("Expected Allow() to return false when open")
	}
}

func TestBreaker_HalfOpenAllowsOneTrial(t *testing.T) {
	breaker := NewBreaker(1, 50*time.Millisecond)
	breaker.RecordFailure()
	time.Sleep(60 * time.Millisecond)

	if !breaker.Allow() {
		t.Fatal("Expected the first call after the timeout to go through")
	}
	if breaker.Allow() {
		t.Error("Expected a second call to wait for the trial call")
	}

	// A failed trial call reopens immediately
	breaker.RecordFailure()
	if breaker.State() != StateOpen {
		t.Errorf("Expected state=Open after a failed trial call, got %v", breaker.State())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	breaker := NewBreaker(2, time.Minute)
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=Closed, got %v", breaker.State())
	}
}

func TestSet_PerBackend(t *testing.T) {
	set := NewSet(1, time.Minute)
	set.Record("a:19132", errors.New("refused"))
	set.Record("b:19132", nil)

	if set.Get("a:19132").Allow() {
		t.Error("Expected a:19132 to be open")
	}
	if !set.Get("b:19132").Allow() {
		t.Error("Expected b:19132 to be closed")
	}
	states := set.States()
	if states["a:19132"] != StateOpen || states["b:19132"] != StateClosed {
		t.Errorf("Unexpected states %v", states)
	}
	if StateHalfOpen.String() != "half-open" {
		t.Errorf("Expected half-open, got %s", StateHalfOpen)
	}
}
