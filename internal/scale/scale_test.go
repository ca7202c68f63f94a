package scale

import (
	"errors"
	"testing"
	"time"

	"github.com/sweeney/shelf-lock/internal/gpio"
)

func newTestSampler(t *testing.T, cell *gpio.FakeLoadCell) (*Sampler, *[]time.Duration) {
	t.Helper()
	s, err := New(cell, Config{
		Offset:        1000,
		Factor:        2,
		ReadyAttempts: 10,
		ReadyBackoff:  5 * time.Millisecond,
		QuickCount:    3,
		DecisionCount: 10,
		Threshold:     100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var sleeps []time.Duration
	s.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return s, &sleeps
}

func TestNewRejectsZeroFactor(t *testing.T) {
	if _, err := New(gpio.NewFakeLoadCell(0), Config{}); err == nil {
		t.Error("expected error for zero calibration factor")
	}
}

func TestSampleAveragesAndCalibrates(t *testing.T) {
	cell := gpio.NewFakeLoadCell(1990, 2000, 2010)
	s, _ := newTestSampler(t, cell)

	r, err := s.Sample(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Raw != 2000 {
		t.Errorf("raw: got %v, want 2000", r.Raw)
	}
	if r.Value != 500 {
		t.Errorf("value: got %v, want 500", r.Value)
	}
	if r.Samples != 3 {
		t.Errorf("samples: got %d, want 3", r.Samples)
	}
	if !s.Available() {
		t.Error("expected available after a good sample")
	}
}

func TestDecisionUsesDecisionCount(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	s, _ := newTestSampler(t, cell)

	if _, err := s.Decision(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cell.Reads != 10 {
		t.Errorf("expected 10 reads, got %d", cell.Reads)
	}

	if _, err := s.Quick(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cell.Reads != 13 {
		t.Errorf("expected 3 more reads for a quick sample, got %d total", cell.Reads)
	}
}

func TestSampleUnavailableAfterRetryBudget(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	cell.NotReady = true
	s, sleeps := newTestSampler(t, cell)

	_, err := s.Decision()
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if cell.ReadyChecks != 10 {
		t.Errorf("expected 10 ready checks, got %d", cell.ReadyChecks)
	}
	if len(*sleeps) != 9 {
		t.Errorf("expected 9 backoff sleeps, got %d", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != 5*time.Millisecond {
			t.Errorf("expected fixed 5ms backoff, got %v", d)
		}
	}
	if cell.Reads != 0 {
		t.Errorf("no conversion should be read when not ready, got %d", cell.Reads)
	}
	if s.Available() {
		t.Error("expected unavailable")
	}
}

func TestSampleReadErrorIsWrapped(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	cell.ReadError = errors.New("bus fault")
	s, _ := newTestSampler(t, cell)

	_, err := s.Quick()
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("read errors are not readiness timeouts")
	}
	if !errors.Is(err, cell.ReadError) {
		t.Errorf("expected wrapped read error, got %v", err)
	}
}

func TestStable(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	s, _ := newTestSampler(t, cell)

	if s.Stable(Reading{Value: 500}) {
		t.Error("nothing is stable before a decision-grade reading")
	}

	if _, err := s.Decision(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Threshold 100: stable below 50 units of drift.
	if !s.Stable(Reading{Value: 549}) {
		t.Error("expected 49 units drift to be stable")
	}
	if s.Stable(Reading{Value: 550}) {
		t.Error("expected 50 units drift to be unstable")
	}
	if s.Stable(Reading{Value: 400}) {
		t.Error("expected 100 units drift to be unstable")
	}
}

func TestDecisionStableAgainstPreviousDecision(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	s, _ := newTestSampler(t, cell)

	first, err := s.Decision()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Stable {
		t.Error("first decision has no reference and cannot be stable")
	}

	second, err := s.Decision()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Stable {
		t.Error("unchanged decision reading should be stable")
	}

	// 500 -> 100: a 400 unit jump against threshold 100.
	cell.Script(1200)
	jumped, err := s.Decision()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jumped.Value != 100 {
		t.Fatalf("value: got %v, want 100", jumped.Value)
	}
	if jumped.Stable {
		t.Error("a 400 unit jump must not be stable")
	}

	settled, err := s.Decision()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !settled.Stable {
		t.Error("repeat of the new weight should be stable against it")
	}
}

func TestQuickStableKeepsDecisionReference(t *testing.T) {
	cell := gpio.NewFakeLoadCell(2000)
	s, _ := newTestSampler(t, cell)

	if _, err := s.Decision(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cell.Script(1200)
	q, err := s.Quick()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Stable {
		t.Error("quick reading 400 units off the decision reference must not be stable")
	}
	q, err = s.Quick()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Stable {
		t.Error("quick readings must not replace the decision reference")
	}
}
