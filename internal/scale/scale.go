// Package scale turns raw load-cell conversions into averaged, calibrated
// weight readings.
package scale

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnavailable is returned when the sensor did not signal readiness within
// the retry budget. Callers treat the shelf as untracked rather than failing.
var ErrUnavailable = errors.New("scale: sensor unavailable")

// Sensor is the subset of gpio.LoadCell the sampler needs.
type Sensor interface {
	Ready() (bool, error)
	ReadRaw() (int32, error)
}

// Config holds calibration and sampling parameters.
type Config struct {
	// Offset is the raw value of the empty shelf (tare).
	Offset float64
	// Factor is raw units per weight unit. Must not be zero.
	Factor float64

	ReadyAttempts int
	ReadyBackoff  time.Duration

	QuickCount    int
	DecisionCount int

	// Threshold is the weight-change threshold; Stable compares against half of it.
	Threshold float64
}

// Defaults for sampling.
const (
	DefaultReadyAttempts = 10
	DefaultReadyBackoff  = 20 * time.Millisecond
	DefaultQuickCount    = 3
	DefaultDecisionCount = 10
)

// Reading is one averaged, calibrated sample.
type Reading struct {
	Value   float64
	Raw     float64
	Samples int
	// Stable is set when Value is within half the threshold of the
	// decision-grade reading that preceded this one.
	Stable bool
}

// Sampler averages raw reads. It is not safe for concurrent use.
type Sampler struct {
	sensor Sensor
	cfg    Config
	sleep  func(time.Duration)

	lastDecision *Reading
	available    bool
}

// New creates a Sampler reading from sensor.
func New(sensor Sensor, cfg Config) (*Sampler, error) {
	if cfg.Factor == 0 || math.IsNaN(cfg.Factor) {
		return nil, fmt.Errorf("scale: calibration factor must be non-zero")
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.QuickCount <= 0 {
		cfg.QuickCount = DefaultQuickCount
	}
	if cfg.DecisionCount <= 0 {
		cfg.DecisionCount = DefaultDecisionCount
	}
	return &Sampler{
		sensor:    sensor,
		cfg:       cfg,
		sleep:     time.Sleep,
		available: true,
	}, nil
}

// Sample averages n raw conversions. Every conversion waits for the sensor's
// ready signal with a fixed backoff; running out of attempts yields
// ErrUnavailable.
func (s *Sampler) Sample(n int) (Reading, error) {
	if n <= 0 {
		n = 1
	}

	var sum float64
	for i := 0; i < n; i++ {
		if err := s.waitReady(); err != nil {
			s.available = false
			return Reading{}, err
		}
		raw, err := s.sensor.ReadRaw()
		if err != nil {
			s.available = false
			return Reading{}, fmt.Errorf("scale: read conversion: %w", err)
		}
		sum += float64(raw)
	}

	s.available = true
	raw := sum / float64(n)
	return Reading{
		Value:   (raw - s.cfg.Offset) / s.cfg.Factor,
		Raw:     raw,
		Samples: n,
	}, nil
}

func (s *Sampler) waitReady() error {
	for attempt := 0; attempt < s.cfg.ReadyAttempts; attempt++ {
		ready, err := s.sensor.Ready()
		if err != nil {
			return fmt.Errorf("scale: check ready: %w", err)
		}
		if ready {
			return nil
		}
		if attempt < s.cfg.ReadyAttempts-1 {
			s.sleep(s.cfg.ReadyBackoff)
		}
	}
	return ErrUnavailable
}

// Decision takes a decision-grade reading. Its Stable flag compares it with
// the previous decision-grade reading, which it then replaces as the
// reference.
func (s *Sampler) Decision() (Reading, error) {
	r, err := s.Sample(s.cfg.DecisionCount)
	if err != nil {
		return Reading{}, err
	}
	r.Stable = s.Stable(r)
	s.lastDecision = &r
	return r, nil
}

// Quick takes a low-latency reading for status polling. The decision-grade
// reference is left untouched.
func (s *Sampler) Quick() (Reading, error) {
	r, err := s.Sample(s.cfg.QuickCount)
	if err != nil {
		return Reading{}, err
	}
	r.Stable = s.Stable(r)
	return r, nil
}

// Stable reports whether r is within half the threshold of the last
// decision-grade reading. Diagnostic only.
func (s *Sampler) Stable(r Reading) bool {
	if s.lastDecision == nil {
		return false
	}
	return math.Abs(r.Value-s.lastDecision.Value) < s.cfg.Threshold/2
}

// Available reports whether the most recent sample succeeded.
func (s *Sampler) Available() bool {
	return s.available
}
