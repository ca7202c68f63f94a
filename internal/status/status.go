// Package status provides a thread-safe status tracker for the shelf-lock daemon.
// The control loop writes it once per tick; HTTP handlers and MQTT lifecycle
// events read it. Nothing outside the control loop touches the state machine.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/report"
)

// Sensor status values surfaced in the Status command.
const (
	SensorOK          = "ok"
	SensorUnavailable = "unavailable"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	ShelfID         string
	PollMs          int64
	HeartbeatMs     int64
	UnlockWindowMs  int64
	Threshold       float64
	CheckIntervalMs int64
	DecisionSamples int
	SettleMs        int64
	Broker          string
	HTTPAddr        string
	Journal         string
}

// Weight is the most recent calibrated reading.
type Weight struct {
	Value  float64
	At     time.Time
	Stable bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Session logic.Snapshot
	// SessionAt is when Session was taken; TimeRemaining counts from it.
	SessionAt time.Time

	Weight          *Weight
	SensorAvailable bool

	Counts  logic.Counts
	Reports report.Stats

	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// TimeRemaining returns the unlock window left at s.Now, or nil while locked.
func (s Snapshot) TimeRemaining() *time.Duration {
	if s.Session.TimeRemaining == nil {
		return nil
	}
	left := *s.Session.TimeRemaining
	if !s.SessionAt.IsZero() && s.Now.After(s.SessionAt) {
		left -= s.Now.Sub(s.SessionAt)
	}
	if left < 0 {
		left = 0
	}
	return &left
}

// SensorStatus returns SensorOK or SensorUnavailable.
func (s Snapshot) SensorStatus() string {
	if s.SensorAvailable {
		return SensorOK
	}
	return SensorUnavailable
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
// The shelf starts locked with the sensor assumed available.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Session:         logic.Snapshot{Position: logic.Locked},
			SensorAvailable: true,
			StartTime:       startTime,
			Config:          cfg,
		},
	}
}

// Update sets the session view and outcome counts.
// Called from the control loop on every tick.
func (t *Tracker) Update(session logic.Snapshot, at time.Time, counts logic.Counts) {
	t.mu.Lock()
	t.snap.Session = session
	t.snap.SessionAt = at
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetWeight records the latest reading.
func (t *Tracker) SetWeight(value float64, at time.Time, stable bool) {
	t.mu.Lock()
	t.snap.Weight = &Weight{Value: value, At: at, Stable: stable}
	t.mu.Unlock()
}

// SetSensorAvailable records whether the last sample succeeded.
func (t *Tracker) SetSensorAvailable(ok bool) {
	t.mu.Lock()
	t.snap.SensorAvailable = ok
	t.mu.Unlock()
}

// SetReports records the reporter's outcome counters.
func (t *Tracker) SetReports(stats report.Stats) {
	t.mu.Lock()
	t.snap.Reports = stats
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Weight != nil {
		w := *s.Weight
		s.Weight = &w
	}
	if s.Network != nil {
		n := *s.Network
		s.Network = &n
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
