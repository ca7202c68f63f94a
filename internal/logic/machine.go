package logic

import "time"

// Machine owns the session state of one compartment and decides every
// transition. It is not safe for concurrent use: the control loop is its only
// driver.
type Machine struct {
	cfg   Config
	state SessionState

	// settleUntil is the end of the settling sub-state that follows every
	// actuation. Weight is not read while settling.
	settleUntil time.Time

	baselineCaptured bool
	detection        bool
	nextCheck        time.Time

	startTime     time.Time
	lastHeartbeat time.Time
	counts        Counts
}

// NewMachine creates a locked machine with the given design constants.
// The startTime is used for calculating uptime in heartbeat events.
func NewMachine(cfg Config, startTime time.Time) *Machine {
	return &Machine{
		cfg:           cfg,
		state:         SessionState{Position: Locked},
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Unlock opens the compartment for a new session. A second Unlock while a
// session is active is a conflict and leaves that session untouched.
func (m *Machine) Unlock(cmd UnlockCommand, now time.Time) (Result, []Event) {
	if cmd.Validate() != nil {
		return ResultInvalid, nil
	}

	if m.state.Position == Unlocked {
		m.counts.Conflicts++
		return ResultConflict, []Event{{
			Timestamp:       now,
			Type:            EventConflict,
			SessionID:       cmd.SessionID,
			SubjectID:       cmd.SubjectID,
			Mode:            cmd.Mode,
			ActiveSessionID: m.state.SessionID,
		}}
	}

	m.state = SessionState{
		Position:  Unlocked,
		Mode:      cmd.Mode,
		Deadline:  now.Add(m.cfg.UnlockWindow),
		SessionID: cmd.SessionID,
		SubjectID: cmd.SubjectID,
	}
	m.settleUntil = now.Add(m.cfg.Settle)
	m.baselineCaptured = false
	m.detection = false
	m.nextCheck = time.Time{}
	m.counts.Unlocks++

	return ResultOK, []Event{{
		Timestamp: now,
		Type:      EventUnlockRecorded,
		SessionID: cmd.SessionID,
		SubjectID: cmd.SubjectID,
		Mode:      cmd.Mode,
	}}
}

// Lock closes the compartment on request. No classification is emitted,
// whatever delta is pending. Locking an already locked machine is a no-op.
func (m *Machine) Lock(now time.Time) Result {
	if m.state.Position == Locked {
		return ResultOK
	}
	m.counts.ManualLocks++
	m.relock(now)
	return ResultOK
}

// NeedsSample reports whether Process wants a decision-grade reading at now.
// It is false while locked or settling, true until the baseline is captured,
// then true once per check interval. After the deadline a final check is
// always due so that a late pickup still classifies.
func (m *Machine) NeedsSample(now time.Time) bool {
	if m.state.Position != Unlocked || m.settling(now) {
		return false
	}
	if !m.baselineCaptured {
		return true
	}
	if !m.detection {
		return false
	}
	return m.checkDue(now)
}

// Process advances the machine by one tick and returns any events to report.
// Classification is evaluated before deadline expiry.
func (m *Machine) Process(in Input) []Event {
	if m.state.Position != Unlocked {
		return nil
	}

	now := in.Time
	if !m.settling(now) {
		if !m.baselineCaptured {
			if in.Sampled {
				m.captureBaseline(in)
			}
		} else if m.detection && in.Sampled && m.checkDue(now) {
			m.nextCheck = now.Add(m.cfg.CheckInterval)
			if in.Available {
				if ev, ok := m.classify(in.Weight, now); ok {
					m.relock(now)
					return []Event{ev}
				}
			}
		}
	}

	if now.After(m.state.Deadline) {
		var events []Event
		if m.state.SessionID != "" {
			events = append(events, Event{
				Timestamp: now,
				Type:      EventSessionExpired,
				SessionID: m.state.SessionID,
				SubjectID: m.state.SubjectID,
				Mode:      m.state.Mode,
			})
		}
		m.counts.Expirations++
		m.relock(now)
		return events
	}

	return nil
}

func (m *Machine) captureBaseline(in Input) {
	m.baselineCaptured = true
	if !in.Available {
		// Degraded: the door stays open for the window but nothing classifies.
		m.state.Baseline = 0
		m.detection = false
		return
	}
	m.state.Baseline = in.Weight
	m.detection = true
	m.nextCheck = in.Time.Add(m.cfg.CheckInterval)
}

func (m *Machine) classify(current float64, now time.Time) (Event, bool) {
	delta := current - m.state.Baseline

	var kind Kind
	switch {
	case m.state.Mode == ModeIssue && delta < -m.cfg.Threshold:
		kind = KindIssue
		m.counts.Issues++
	case m.state.Mode == ModeReturn && delta > m.cfg.Threshold:
		kind = KindReturn
		m.counts.Returns++
	default:
		return Event{}, false
	}

	return Event{
		Timestamp:      now,
		Type:           EventClassified,
		SessionID:      m.state.SessionID,
		SubjectID:      m.state.SubjectID,
		Mode:           m.state.Mode,
		Kind:           kind,
		CurrentWeight:  current,
		PreviousWeight: m.state.Baseline,
		Delta:          delta,
	}, true
}

// relock tears the session down. Every path back to Locked goes through here.
func (m *Machine) relock(now time.Time) {
	m.state = SessionState{Position: Locked}
	m.settleUntil = now.Add(m.cfg.Settle)
	m.baselineCaptured = false
	m.detection = false
	m.nextCheck = time.Time{}
}

func (m *Machine) settling(now time.Time) bool {
	return now.Before(m.settleUntil)
}

func (m *Machine) checkDue(now time.Time) bool {
	return !now.Before(m.nextCheck) || now.After(m.state.Deadline)
}

// Position returns the position the latch should be in.
func (m *Machine) Position() LockPosition {
	return m.state.Position
}

// State returns a copy of the session state.
func (m *Machine) State() SessionState {
	return m.state
}

// Settling reports whether the last actuation is still settling at now.
func (m *Machine) Settling(now time.Time) bool {
	return m.settling(now)
}

// Snapshot returns the Status view of the machine at now.
func (m *Machine) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Position: m.state.Position,
		Settling: m.settling(now),
	}
	if m.state.Position != Unlocked {
		return snap
	}

	snap.Mode = m.state.Mode
	snap.SessionID = m.state.SessionID
	snap.SubjectID = m.state.SubjectID
	snap.DetectionEnabled = m.detection

	remaining := m.state.Deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	snap.TimeRemaining = &remaining

	if m.baselineCaptured {
		baseline := m.state.Baseline
		snap.Baseline = &baseline
	}
	return snap
}

// CountsSnapshot returns a copy of the outcome counters.
func (m *Machine) CountsSnapshot() Counts {
	return m.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (m *Machine) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(m.lastHeartbeat) < interval {
		return nil
	}

	m.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(m.startTime),
		Counts:    m.counts,
	}
}
