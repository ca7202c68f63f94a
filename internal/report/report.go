// Package report turns state-machine decisions into outbound records and
// applies the delivery failure policy: log, count, journal, never block the
// door.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/metrics"
	"pkt.systems/pslog"
)

// ErrDeferred is wrapped by publishers that kept a record for later delivery
// instead of sending it now.
var ErrDeferred = errors.New("report: delivery deferred")

// Outcome of a single report attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDropped is counted by the transport when a deferred record is
	// evicted from its buffer before the broker came back.
	OutcomeDropped Outcome = "dropped"
)

// Record is one outbound event with its idempotent identifier.
type Record struct {
	ID      string
	ShelfID string
	Event   logic.Event
}

// Entry is a journalled report attempt.
type Entry struct {
	Record  Record
	Outcome Outcome
	Error   string
}

// Publisher delivers records to the backend.
type Publisher interface {
	Publish(rec Record) error
}

// Journal keeps a local log of report attempts.
type Journal interface {
	Append(ctx context.Context, e Entry) error
}

// Stats counts report outcomes since startup.
type Stats struct {
	Delivered int
	Deferred  int
	Failed    int
	LastError string
}

// Reporter is the single exit point for events.
type Reporter struct {
	shelfID string
	pub     Publisher
	journal Journal
	metrics *metrics.Metrics
	logger  pslog.Logger
	timeout time.Duration

	mu    sync.Mutex
	stats Stats

	// Events sharing a timestamp are numbered in report order.
	lastAt time.Time
	seq    int
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithJournal records every attempt in j.
func WithJournal(j Journal) Option {
	return func(r *Reporter) { r.journal = j }
}

// WithMetrics counts attempts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithJournalTimeout bounds each journal write.
func WithJournalTimeout(d time.Duration) Option {
	return func(r *Reporter) { r.timeout = d }
}

// New creates a Reporter for the given shelf.
func New(shelfID string, pub Publisher, opts ...Option) *Reporter {
	r := &Reporter{
		shelfID: shelfID,
		pub:     pub,
		logger:  pslog.NoopLogger(),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordID derives a name-based UUID from the identity of an event, so the
// same event always carries the same ID however often it is replayed. seq
// separates events that share a timestamp.
func RecordID(shelfID string, ev logic.Event, seq int) string {
	name := fmt.Sprintf("%s/%s/%s/%s/%s/%d/%d",
		shelfID, ev.SessionID, ev.SubjectID, ev.ActiveSessionID, ev.Type, ev.Timestamp.UnixNano(), seq)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (r *Reporter) nextSeq(at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at.Equal(r.lastAt) {
		r.seq++
	} else {
		r.lastAt = at
		r.seq = 0
	}
	return r.seq
}

// Report publishes ev. It never returns an error: the physical action has
// already happened.
func (r *Reporter) Report(ctx context.Context, ev logic.Event) Outcome {
	rec := Record{
		ID:      RecordID(r.shelfID, ev, r.nextSeq(ev.Timestamp)),
		ShelfID: r.shelfID,
		Event:   ev,
	}

	outcome := OutcomeDelivered
	var errMsg string
	if err := r.pub.Publish(rec); err != nil {
		errMsg = err.Error()
		if errors.Is(err, ErrDeferred) {
			outcome = OutcomeDeferred
			r.logger.Warn("report.deferred", "id", rec.ID, "type", ev.Type, "session_id", ev.SessionID, "error", err)
		} else {
			outcome = OutcomeFailed
			r.logger.Error("report.failed", "id", rec.ID, "type", ev.Type, "session_id", ev.SessionID, "error", err)
		}
	} else {
		r.logger.Info("report.delivered", "id", rec.ID, "type", ev.Type, "session_id", ev.SessionID)
	}

	r.mu.Lock()
	switch outcome {
	case OutcomeDelivered:
		r.stats.Delivered++
	case OutcomeDeferred:
		r.stats.Deferred++
		r.stats.LastError = errMsg
	case OutcomeFailed:
		r.stats.Failed++
		r.stats.LastError = errMsg
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Reports.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	}

	if r.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.journal.Append(jctx, Entry{Record: rec, Outcome: outcome, Error: errMsg})
		cancel()
		if err != nil {
			r.logger.Warn("report.journal.failed", "id", rec.ID, "error", err)
		}
	}

	return outcome
}

// Stats returns a copy of the outcome counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
