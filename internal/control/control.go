// Package control runs one tick of the shelf: apply queued commands, sample
// the load cell when the session needs it, advance the state machine, drive
// the latch and report whatever was decided.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/shelf-lock/internal/command"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/metrics"
	"github.com/sweeney/shelf-lock/internal/report"
	"github.com/sweeney/shelf-lock/internal/scale"
	"github.com/sweeney/shelf-lock/internal/status"
	"pkt.systems/pslog"
)

// DefaultStatusInterval is how often a quick reading refreshes the status page.
const DefaultStatusInterval = 5 * time.Second

// Sampler produces weight readings.
type Sampler interface {
	Decision() (scale.Reading, error)
	Quick() (scale.Reading, error)
}

// Latch drives the lock.
type Latch interface {
	Set(pos logic.LockPosition) error
	Position() logic.LockPosition
}

// Reporter sends events to the backend.
type Reporter interface {
	Report(ctx context.Context, ev logic.Event) report.Outcome
	Stats() report.Stats
}

// Controller owns the state machine. It is driven by a single goroutine.
type Controller struct {
	machine  *logic.Machine
	sampler  Sampler
	latch    Latch
	reporter Reporter
	queue    *command.Queue

	tracker *status.Tracker
	metrics *metrics.Metrics
	logger  pslog.Logger

	statusInterval time.Duration
	lastQuick      time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithTracker publishes a status snapshot after every tick.
func WithTracker(t *status.Tracker) Option {
	return func(c *Controller) { c.tracker = t }
}

// WithMetrics updates Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithStatusInterval sets the quick-reading interval; 0 disables it.
func WithStatusInterval(d time.Duration) Option {
	return func(c *Controller) { c.statusInterval = d }
}

// New creates a Controller.
func New(machine *logic.Machine, sampler Sampler, latch Latch, reporter Reporter, queue *command.Queue, opts ...Option) *Controller {
	c := &Controller{
		machine:        machine,
		sampler:        sampler,
		latch:          latch,
		reporter:       reporter,
		queue:          queue,
		logger:         pslog.NoopLogger(),
		statusInterval: DefaultStatusInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tick advances the shelf to now. It blocks at most for one sampler retry
// budget and one report timeout per event.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	if c.queue != nil {
		c.queue.Drain(func(req command.Request) command.Reply {
			return c.Apply(ctx, req, now)
		})
	}

	before := c.machine.CountsSnapshot()

	in := logic.Input{Time: now}
	if c.machine.NeedsSample(now) {
		in.Sampled = true
		r, err := c.sampler.Decision()
		if err != nil {
			c.sensorFailed(err)
		} else {
			in.Available = true
			in.Weight = r.Value
			c.recordWeight(r, now)
		}
	}

	events := c.machine.Process(in)
	c.observe(before)
	c.actuate()
	c.emit(ctx, events)

	if !in.Sampled && c.quickDue(now) {
		c.lastQuick = now
		if r, err := c.sampler.Quick(); err != nil {
			c.sensorFailed(err)
		} else {
			c.recordWeight(r, now)
		}
	}

	c.publish(now)
}

// Apply runs one command against the machine and actuates immediately.
func (c *Controller) Apply(ctx context.Context, req command.Request, now time.Time) command.Reply {
	before := c.machine.CountsSnapshot()

	var (
		result logic.Result
		events []logic.Event
	)
	switch req.Kind {
	case command.KindUnlock:
		result, events = c.machine.Unlock(req.Unlock, now)
		switch result {
		case logic.ResultOK:
			c.logger.Info("session.unlocked", "session_id", req.Unlock.SessionID, "subject_id", req.Unlock.SubjectID, "mode", req.Unlock.Mode, "source", req.Source)
		case logic.ResultConflict:
			c.logger.Warn("session.conflict", "session_id", req.Unlock.SessionID, "active_session_id", c.machine.State().SessionID, "source", req.Source)
		default:
			c.logger.Warn("command.invalid", "kind", req.Kind, "source", req.Source)
		}
	case command.KindLock:
		wasUnlocked := c.machine.Position() == logic.Unlocked
		result = c.machine.Lock(now)
		if wasUnlocked {
			c.logger.Info("session.locked", "reason", "manual", "source", req.Source)
		}
	default:
		result = logic.ResultInvalid
		c.logger.Warn("command.unknown", "kind", req.Kind, "source", req.Source)
	}

	c.observe(before)
	c.actuate()
	c.emit(ctx, events)
	c.publish(now)

	reply := command.Reply{Result: result, Position: c.machine.Position()}
	if result == logic.ResultConflict {
		reply.ActiveSessionID = c.machine.State().SessionID
	}
	return reply
}

// Shutdown relocks the shelf before the process exits.
func (c *Controller) Shutdown(ctx context.Context, now time.Time) {
	if c.machine.Position() == logic.Unlocked {
		c.logger.Warn("session.locked", "reason", "shutdown", "session_id", c.machine.State().SessionID)
		before := c.machine.CountsSnapshot()
		c.machine.Lock(now)
		c.observe(before)
	}
	c.actuate()
	// The latch is commanded locked even if the position already agrees.
	if err := c.latch.Set(logic.Locked); err != nil {
		c.logger.Error("latch.set.failed", "position", logic.Locked, "error", err)
	}
	c.publish(now)
}

// Heartbeat returns heartbeat data when interval has elapsed.
func (c *Controller) Heartbeat(now time.Time, interval time.Duration) *logic.HeartbeatData {
	return c.machine.CheckHeartbeat(now, interval)
}

// Snapshot returns the machine's Status view at now.
func (c *Controller) Snapshot(now time.Time) logic.Snapshot {
	return c.machine.Snapshot(now)
}

// actuate drives the latch to the machine's position when they disagree.
// A failed actuation is logged and never rolls the machine back.
func (c *Controller) actuate() {
	want := c.machine.Position()
	if c.latch.Position() == want {
		return
	}
	if err := c.latch.Set(want); err != nil {
		c.logger.Error("latch.set.failed", "position", want, "error", err)
		return
	}
	c.logger.Debug("latch.set", "position", want)
}

func (c *Controller) emit(ctx context.Context, events []logic.Event) {
	for _, ev := range events {
		switch ev.Type {
		case logic.EventClassified:
			c.logger.Info("session.classified", "session_id", ev.SessionID, "kind", ev.Kind, "current", ev.CurrentWeight, "previous", ev.PreviousWeight, "delta", ev.Delta)
		case logic.EventSessionExpired:
			c.logger.Info("session.expired", "session_id", ev.SessionID)
		}
		c.reporter.Report(ctx, ev)
	}
	if len(events) > 0 && c.tracker != nil {
		c.tracker.SetReports(c.reporter.Stats())
	}
}

// observe turns counter changes since before into session metrics. Expiries
// without a session ID emit no event but still count.
func (c *Controller) observe(before logic.Counts) {
	if c.metrics == nil {
		return
	}
	after := c.machine.CountsSnapshot()
	add := func(reason string, n int) {
		if n > 0 {
			c.metrics.Sessions.WithLabelValues(reason).Add(float64(n))
		}
	}
	add("issue", after.Issues-before.Issues)
	add("return", after.Returns-before.Returns)
	add("expired", after.Expirations-before.Expirations)
	add("manual", after.ManualLocks-before.ManualLocks)
	if n := after.Conflicts - before.Conflicts; n > 0 {
		c.metrics.Conflicts.Add(float64(n))
	}
}

func (c *Controller) quickDue(now time.Time) bool {
	if c.statusInterval <= 0 || c.machine.Settling(now) {
		return false
	}
	return c.lastQuick.IsZero() || now.Sub(c.lastQuick) >= c.statusInterval
}

func (c *Controller) sensorFailed(err error) {
	if errors.Is(err, scale.ErrUnavailable) {
		c.logger.Warn("sensor.unavailable", "error", err)
	} else {
		c.logger.Error("sensor.read.failed", "error", err)
	}
	if c.metrics != nil {
		c.metrics.SensorUnavailable.Inc()
	}
	if c.tracker != nil {
		c.tracker.SetSensorAvailable(false)
	}
}

func (c *Controller) recordWeight(r scale.Reading, now time.Time) {
	if c.metrics != nil {
		c.metrics.Weight.Set(r.Value)
	}
	if c.tracker != nil {
		c.tracker.SetSensorAvailable(true)
		c.tracker.SetWeight(r.Value, now, r.Stable)
	}
}

func (c *Controller) publish(now time.Time) {
	if c.metrics != nil {
		unlocked := 0.0
		if c.machine.Position() == logic.Unlocked {
			unlocked = 1
		}
		c.metrics.Unlocked.Set(unlocked)
	}
	if c.tracker != nil {
		c.tracker.Update(c.machine.Snapshot(now), now, c.machine.CountsSnapshot())
	}
}
