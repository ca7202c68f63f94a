package control

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sweeney/shelf-lock/internal/command"
	"github.com/sweeney/shelf-lock/internal/gpio"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/metrics"
	"github.com/sweeney/shelf-lock/internal/mqtt"
	"github.com/sweeney/shelf-lock/internal/report"
	"github.com/sweeney/shelf-lock/internal/scale"
	"github.com/sweeney/shelf-lock/internal/status"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	cell    *gpio.FakeLoadCell
	latch   *gpio.FakeLatch
	pub     *mqtt.FakePublisher
	queue   *command.Queue
	tracker *status.Tracker
	metrics *metrics.Metrics
	ctrl    *Controller
}

func newHarness(t *testing.T, raw ...int32) *harness {
	t.Helper()
	h := &harness{
		cell:    gpio.NewFakeLoadCell(raw...),
		latch:   gpio.NewFakeLatch(),
		pub:     mqtt.NewFakePublisher(),
		queue:   command.NewQueue(4),
		tracker: status.NewTracker(t0, status.Config{ShelfID: "a1"}),
		metrics: metrics.New(),
	}
	sampler, err := scale.New(h.cell, scale.Config{
		Factor:        1,
		ReadyAttempts: 3,
		QuickCount:    3,
		DecisionCount: 10,
		Threshold:     100,
	})
	if err != nil {
		t.Fatalf("scale.New: %v", err)
	}
	machine := logic.NewMachine(logic.Config{
		UnlockWindow:  60 * time.Second,
		Threshold:     100,
		CheckInterval: 2 * time.Second,
		Settle:        500 * time.Millisecond,
	}, t0)
	reporter := report.New("a1", h.pub, report.WithMetrics(h.metrics))
	h.ctrl = New(machine, sampler, h.latch, reporter, h.queue,
		WithTracker(h.tracker),
		WithMetrics(h.metrics),
		WithStatusInterval(0),
	)
	return h
}

func (h *harness) unlock(t *testing.T, mode logic.Mode, sessionID string, now time.Time) command.Reply {
	t.Helper()
	return h.ctrl.Apply(context.Background(), command.Request{
		Kind:   command.KindUnlock,
		Unlock: logic.UnlockCommand{SubjectID: "member-7", SessionID: sessionID, Mode: mode},
		Source: "test",
	}, now)
}

// run ticks from start to end (inclusive) every step.
func (h *harness) run(start, end time.Time, step time.Duration) {
	for t := start; !t.After(end); t = t.Add(step) {
		h.ctrl.Tick(context.Background(), t)
	}
}

func eventTypes(recs []report.Record) []logic.EventType {
	var out []logic.EventType
	for _, r := range recs {
		out = append(out, r.Event.Type)
	}
	return out
}

func TestIssueClassifiesAndRelocks(t *testing.T) {
	h := newHarness(t, 500)

	reply := h.unlock(t, logic.ModeIssue, "sess-1", t0)
	if reply.Result != logic.ResultOK {
		t.Fatalf("unlock: got %s, want ok", reply.Result)
	}
	if h.latch.Position() != logic.Unlocked {
		t.Fatal("latch should open on unlock")
	}

	// Settle, then baseline at 500ms.
	h.run(t0.Add(100*time.Millisecond), t0.Add(500*time.Millisecond), 100*time.Millisecond)
	snap := h.tracker.Snapshot()
	if snap.Session.Baseline == nil || *snap.Session.Baseline != 500 {
		t.Fatalf("baseline: got %v, want 500", snap.Session.Baseline)
	}

	h.cell.Script(380)
	h.run(t0.Add(600*time.Millisecond), t0.Add(5*time.Second), 100*time.Millisecond)

	recs := h.pub.RecordsSnapshot()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %v", eventTypes(recs))
	}
	ev := recs[1].Event
	if ev.Type != logic.EventClassified || ev.Kind != logic.KindIssue {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.CurrentWeight != 380 || ev.PreviousWeight != 500 || ev.Delta != -120 {
		t.Errorf("unexpected weights: current=%v previous=%v delta=%v", ev.CurrentWeight, ev.PreviousWeight, ev.Delta)
	}
	if h.latch.Position() != logic.Locked {
		t.Error("latch should relock after classification")
	}

	snap = h.tracker.Snapshot()
	if snap.Session.Position != logic.Locked {
		t.Errorf("tracker position: got %s, want LOCKED", snap.Session.Position)
	}
	if snap.TimeRemaining() != nil {
		t.Error("time remaining must be undefined after relock")
	}
	if got := testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("issue")); got != 1 {
		t.Errorf("issue sessions: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.Reports.WithLabelValues("classified", "delivered")); got != 1 {
		t.Errorf("classified reports: got %v, want 1", got)
	}
}

func TestNoSampleWhileSettling(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)

	h.run(t0.Add(100*time.Millisecond), t0.Add(400*time.Millisecond), 100*time.Millisecond)
	if h.cell.Reads != 0 {
		t.Errorf("expected no reads while settling, got %d", h.cell.Reads)
	}

	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))
	if h.cell.Reads != 10 {
		t.Errorf("expected one decision-grade read of 10 conversions, got %d", h.cell.Reads)
	}
}

func TestReturnExpires(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeReturn, "sess-2", t0)

	h.run(t0.Add(500*time.Millisecond), t0.Add(60*time.Second), 500*time.Millisecond)
	if h.latch.Position() != logic.Unlocked {
		t.Fatal("latch should stay open until the deadline passes")
	}

	h.ctrl.Tick(context.Background(), t0.Add(61*time.Second))

	recs := h.pub.RecordsSnapshot()
	if len(recs) != 2 || recs[1].Event.Type != logic.EventSessionExpired {
		t.Fatalf("expected unlock_recorded then session_expired, got %v", eventTypes(recs))
	}
	if recs[1].Event.SessionID != "sess-2" {
		t.Errorf("session_id: got %q, want sess-2", recs[1].Event.SessionID)
	}
	if h.latch.Position() != logic.Locked {
		t.Error("latch should relock on expiry")
	}
	if got := testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("expired")); got != 1 {
		t.Errorf("expired sessions: got %v, want 1", got)
	}
}

func TestConflictLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)
	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))
	before := h.tracker.Snapshot().Session

	reply := h.unlock(t, logic.ModeReturn, "sess-2", t0.Add(time.Second))
	if reply.Result != logic.ResultConflict {
		t.Fatalf("second unlock: got %s, want conflict", reply.Result)
	}
	if reply.ActiveSessionID != "sess-1" {
		t.Errorf("ActiveSessionID: got %q, want sess-1", reply.ActiveSessionID)
	}

	after := h.tracker.Snapshot().Session
	if after.SessionID != "sess-1" || after.Mode != logic.ModeIssue {
		t.Errorf("session changed: %+v", after)
	}
	if *after.Baseline != *before.Baseline {
		t.Errorf("baseline changed: %v -> %v", *before.Baseline, *after.Baseline)
	}

	recs := h.pub.RecordsSnapshot()
	last := recs[len(recs)-1].Event
	if last.Type != logic.EventConflict || last.SessionID != "sess-2" || last.ActiveSessionID != "sess-1" {
		t.Errorf("unexpected conflict event: %+v", last)
	}
	if got := testutil.ToFloat64(h.metrics.Conflicts); got != 1 {
		t.Errorf("conflicts: got %v, want 1", got)
	}
}

func TestManualLockEmitsNothing(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)
	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))
	h.cell.Script(100) // pending delta well past the threshold

	reply := h.ctrl.Apply(context.Background(), command.NewLock("test"), t0.Add(time.Second))
	if reply.Result != logic.ResultOK || reply.Position != logic.Locked {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if h.latch.Position() != logic.Locked {
		t.Error("latch should lock")
	}

	h.run(t0.Add(1100*time.Millisecond), t0.Add(5*time.Second), 100*time.Millisecond)

	recs := h.pub.RecordsSnapshot()
	if len(recs) != 1 || recs[0].Event.Type != logic.EventUnlockRecorded {
		t.Errorf("expected only unlock_recorded, got %v", eventTypes(recs))
	}
	if got := testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("manual")); got != 1 {
		t.Errorf("manual sessions: got %v, want 1", got)
	}

	// Second lock is a no-op.
	n := len(h.latch.Actuations)
	reply = h.ctrl.Apply(context.Background(), command.NewLock("test"), t0.Add(6*time.Second))
	if reply.Result != logic.ResultOK {
		t.Errorf("second lock: got %s, want ok", reply.Result)
	}
	if len(h.latch.Actuations) != n {
		t.Error("redundant lock should not actuate")
	}
}

func TestSensorUnavailableDisablesDetection(t *testing.T) {
	h := newHarness(t, 500)
	h.cell.NotReady = true

	h.unlock(t, logic.ModeIssue, "sess-1", t0)
	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))

	snap := h.tracker.Snapshot()
	if snap.SensorStatus() != status.SensorUnavailable {
		t.Errorf("sensor status: got %s, want unavailable", snap.SensorStatus())
	}
	if snap.Session.Baseline == nil || *snap.Session.Baseline != 0 {
		t.Errorf("baseline: got %v, want 0", snap.Session.Baseline)
	}
	if snap.Session.DetectionEnabled {
		t.Error("detection should be disabled")
	}
	if h.latch.Position() != logic.Unlocked {
		t.Error("door should stay open in the degraded path")
	}

	// Sensor recovers; still nothing classifies in this session.
	h.cell.NotReady = false
	h.cell.Script(100)
	h.run(t0.Add(time.Second), t0.Add(61*time.Second), time.Second)

	recs := h.pub.RecordsSnapshot()
	if got := eventTypes(recs); len(got) != 2 || got[1] != logic.EventSessionExpired {
		t.Errorf("expected expiry only, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.SensorUnavailable); got != 1 {
		t.Errorf("sensor unavailable count: got %v, want 1", got)
	}
}

func TestQueuedCommandsAppliedAtTick(t *testing.T) {
	h := newHarness(t, 500)

	req, err := command.NewUnlock(command.UnlockRequest{SubjectID: "m", SessionID: "s", Mode: "issue"}, "http")
	if err != nil {
		t.Fatalf("NewUnlock: %v", err)
	}

	done := make(chan command.Reply, 1)
	go func() {
		r, err := h.queue.Submit(context.Background(), req)
		if err != nil {
			t.Errorf("submit: %v", err)
		}
		done <- r
	}()

	deadline := time.Now().Add(time.Second)
	for h.queue.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never queued")
		}
		time.Sleep(time.Millisecond)
	}
	if h.latch.Position() != logic.Locked {
		t.Fatal("command must not apply before the tick")
	}

	h.ctrl.Tick(context.Background(), t0)

	select {
	case r := <-done:
		if r.Result != logic.ResultOK || r.Position != logic.Unlocked {
			t.Errorf("unexpected reply: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
	if h.latch.Position() != logic.Unlocked {
		t.Error("latch should be open after the tick")
	}
}

func TestReportFailureDoesNotBlockRelock(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)
	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))

	h.pub.PublishError = errTest
	h.cell.Script(300)
	h.ctrl.Tick(context.Background(), t0.Add(2500*time.Millisecond))

	if h.latch.Position() != logic.Locked {
		t.Error("latch should relock even when reporting fails")
	}
	snap := h.tracker.Snapshot()
	if snap.Reports.Failed != 1 {
		t.Errorf("failed reports: got %d, want 1", snap.Reports.Failed)
	}
}

func TestShutdownRelocks(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)

	h.ctrl.Shutdown(context.Background(), t0.Add(time.Second))

	if h.latch.Position() != logic.Locked {
		t.Error("shutdown should relock")
	}
	if h.tracker.Snapshot().Session.Position != logic.Locked {
		t.Error("tracker should show locked after shutdown")
	}
	if got := eventTypes(h.pub.RecordsSnapshot()); len(got) != 1 {
		t.Errorf("shutdown must not emit events, got %v", got)
	}
}

func TestQuickReadingForStatus(t *testing.T) {
	h := newHarness(t, 420)
	h.ctrl.statusInterval = 5 * time.Second

	h.ctrl.Tick(context.Background(), t0)
	if h.cell.Reads != 3 {
		t.Errorf("expected a quick read of 3 conversions, got %d", h.cell.Reads)
	}
	w := h.tracker.Snapshot().Weight
	if w == nil || w.Value != 420 {
		t.Fatalf("tracker weight: got %+v, want 420", w)
	}
	if w.Stable {
		t.Error("no decision-grade reference yet, reading cannot be stable")
	}

	h.ctrl.Tick(context.Background(), t0.Add(time.Second))
	if h.cell.Reads != 3 {
		t.Errorf("quick read should wait for the interval, got %d reads", h.cell.Reads)
	}

	h.ctrl.Tick(context.Background(), t0.Add(5*time.Second))
	if h.cell.Reads != 6 {
		t.Errorf("expected a second quick read, got %d reads", h.cell.Reads)
	}
}

func TestDecisionJumpReportedUnstable(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeReturn, "sess-1", t0)

	h.ctrl.Tick(context.Background(), t0.Add(500*time.Millisecond))
	if w := h.tracker.Snapshot().Weight; w == nil || w.Stable {
		t.Fatalf("baseline has no reference, want unstable: %+v", w)
	}

	h.ctrl.Tick(context.Background(), t0.Add(2500*time.Millisecond))
	if w := h.tracker.Snapshot().Weight; w == nil || !w.Stable {
		t.Fatalf("unchanged reading should be stable: %+v", w)
	}

	// A drop during a return is ignored by the machine but still a jump.
	h.cell.Script(100)
	h.ctrl.Tick(context.Background(), t0.Add(4500*time.Millisecond))
	w := h.tracker.Snapshot().Weight
	if w == nil || w.Value != 100 {
		t.Fatalf("tracker weight: got %+v, want 100", w)
	}
	if w.Stable {
		t.Error("a 400 unit jump must not be reported stable")
	}
}

func TestUnlockedGauge(t *testing.T) {
	h := newHarness(t, 500)
	h.unlock(t, logic.ModeIssue, "sess-1", t0)
	if got := testutil.ToFloat64(h.metrics.Unlocked); got != 1 {
		t.Errorf("unlocked gauge: got %v, want 1", got)
	}
	h.ctrl.Apply(context.Background(), command.NewLock("test"), t0.Add(time.Second))
	if got := testutil.ToFloat64(h.metrics.Unlocked); got != 0 {
		t.Errorf("unlocked gauge: got %v, want 0", got)
	}
}
