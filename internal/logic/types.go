// Package logic contains the pure session state machine for a locked shelf compartment.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time and weight readings are always injected via Input and method parameters.
package logic

import (
	"errors"
	"strings"
	"time"
)

// LockPosition is the commanded position of the latch.
type LockPosition string

const (
	Locked   LockPosition = "LOCKED"
	Unlocked LockPosition = "UNLOCKED"
)

// Mode selects which weight-delta sign counts as a valid event for a session.
type Mode string

const (
	ModeIssue  Mode = "issue"  // book leaves the shelf: expect a decrease
	ModeReturn Mode = "return" // book comes back: expect an increase
)

// ParseMode maps a wire value onto a Mode. "pickup" is accepted as a legacy
// spelling of issue.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issue", "pickup":
		return ModeIssue, nil
	case "return":
		return ModeReturn, nil
	}
	return "", ErrInvalidMode
}

// Valid reports whether m is one of the two known modes.
func (m Mode) Valid() bool {
	return m == ModeIssue || m == ModeReturn
}

// EventType identifies an outbound event.
type EventType string

const (
	EventUnlockRecorded EventType = "unlock_recorded"
	EventClassified     EventType = "classified"
	EventSessionExpired EventType = "session_expired"
	EventConflict       EventType = "conflict"
)

// Kind is the classification result carried by an EventClassified.
type Kind string

const (
	KindIssue  Kind = "issue"
	KindReturn Kind = "return"
)

// Result is the synchronous outcome of a command.
type Result string

const (
	ResultOK       Result = "ok"
	ResultConflict Result = "conflict"
	ResultInvalid  Result = "invalid"
)

var (
	// ErrInvalidMode is returned for a mode that is neither issue nor return.
	ErrInvalidMode = errors.New("mode must be issue or return")
	// ErrMissingSubject is returned for an unlock command without a subject.
	ErrMissingSubject = errors.New("subject_id is required")
)

// UnlockCommand asks the machine to open the compartment for one session.
// SessionID may be empty when the caller has no backend record to correlate.
type UnlockCommand struct {
	SubjectID string
	SessionID string
	Mode      Mode
}

// Validate rejects partially filled commands.
func (c UnlockCommand) Validate() error {
	if strings.TrimSpace(c.SubjectID) == "" {
		return ErrMissingSubject
	}
	if !c.Mode.Valid() {
		return ErrInvalidMode
	}
	return nil
}

// Event is a decision of the state machine, to be reported to the backend.
type Event struct {
	Timestamp time.Time
	Type      EventType
	SessionID string
	SubjectID string
	Mode      Mode

	// Classified only.
	Kind           Kind
	CurrentWeight  float64
	PreviousWeight float64
	Delta          float64

	// Conflict only: the session that is holding the compartment.
	ActiveSessionID string
}

// Input represents one control-loop tick.
type Input struct {
	Time time.Time
	// Sampled is true when a decision-grade reading was attempted this tick.
	Sampled bool
	// Available is false when the sampler reported the sensor unavailable.
	Available bool
	Weight    float64
}

// Config holds the design constants of the machine.
type Config struct {
	UnlockWindow  time.Duration
	Threshold     float64
	CheckInterval time.Duration
	Settle        time.Duration
}

// Default design constants.
const (
	DefaultUnlockWindow  = 60 * time.Second
	DefaultThreshold     = 75.0
	DefaultCheckInterval = 2 * time.Second
	DefaultSettle        = 500 * time.Millisecond
)

// DefaultConfig returns the reference design constants.
func DefaultConfig() Config {
	return Config{
		UnlockWindow:  DefaultUnlockWindow,
		Threshold:     DefaultThreshold,
		CheckInterval: DefaultCheckInterval,
		Settle:        DefaultSettle,
	}
}

// SessionState is the mutable state of the compartment.
type SessionState struct {
	Position  LockPosition
	Mode      Mode
	Baseline  float64
	Deadline  time.Time
	SessionID string
	SubjectID string
}

// Snapshot is the read-only answer to a Status command.
// Pointer fields are nil when undefined for the current state.
type Snapshot struct {
	Position         LockPosition
	Mode             Mode
	Baseline         *float64
	TimeRemaining    *time.Duration
	SessionID        string
	SubjectID        string
	Settling         bool
	DetectionEnabled bool
}

// Counts tracks the number of each outcome since startup.
type Counts struct {
	Unlocks     int
	Issues      int
	Returns     int
	Expirations int
	ManualLocks int
	Conflicts   int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    Counts
}
