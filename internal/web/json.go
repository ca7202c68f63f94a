package web

import (
	"time"

	"github.com/sweeney/shelf-lock/internal/journal"
)

// EventsJSON is the /events.json document.
type EventsJSON struct {
	Events []EventJSON `json:"events"`
}

// EventJSON is one journalled report.
type EventJSON struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	SessionID       string   `json:"session_id,omitempty"`
	SubjectID       string   `json:"subject_id,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	CurrentWeight   *float64 `json:"current_weight,omitempty"`
	PreviousWeight  *float64 `json:"previous_weight,omitempty"`
	Delta           *float64 `json:"delta,omitempty"`
	ActiveSessionID string   `json:"active_session_id,omitempty"`
	Timestamp       string   `json:"timestamp"`
	Outcome         string   `json:"outcome"`
	Error           string   `json:"error,omitempty"`
	Attempts        int      `json:"attempts"`
}

func formatEvents(rows []journal.Row) EventsJSON {
	out := EventsJSON{Events: make([]EventJSON, 0, len(rows))}
	for _, r := range rows {
		ev := r.Record.Event
		e := EventJSON{
			ID:              r.Record.ID,
			Type:            string(ev.Type),
			SessionID:       ev.SessionID,
			SubjectID:       ev.SubjectID,
			Mode:            string(ev.Mode),
			Kind:            string(ev.Kind),
			ActiveSessionID: ev.ActiveSessionID,
			Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Outcome:         string(r.Outcome),
			Error:           r.Error,
			Attempts:        r.Attempts,
		}
		if ev.Kind != "" {
			current, previous, delta := ev.CurrentWeight, ev.PreviousWeight, ev.Delta
			e.CurrentWeight = &current
			e.PreviousWeight = &previous
			e.Delta = &delta
		}
		out.Events = append(out.Events, e)
	}
	return out
}
