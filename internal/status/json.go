package status

import (
	"encoding/json"
	"math"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	ShelfID       string       `json:"shelf_id"`
	Shelf         ShelfStatus  `json:"shelf"`
	Weight        *WeightJSON  `json:"weight,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"session_counts"`
	Reports       ReportsJSON  `json:"reports"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// ShelfStatus is the answer to the Status command.
// Optional fields are omitted while the shelf is locked.
type ShelfStatus struct {
	LockPosition   string   `json:"lock_position"`
	Mode           string   `json:"mode,omitempty"`
	BaselineWeight *float64 `json:"baseline_weight,omitempty"`
	TimeRemaining  *float64 `json:"time_remaining,omitempty"` // seconds
	SessionID      string   `json:"session_id,omitempty"`
	SensorStatus   string   `json:"sensor_status"`
}

// WeightJSON is the latest reading.
type WeightJSON struct {
	Value     float64 `json:"value"`
	Stable    bool    `json:"stable"`
	Timestamp string  `json:"timestamp"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of session outcome counts.
type CountsJSON struct {
	Unlocks     int `json:"unlocks"`
	Issues      int `json:"issues"`
	Returns     int `json:"returns"`
	Expirations int `json:"expirations"`
	ManualLocks int `json:"manual_locks"`
	Conflicts   int `json:"conflicts"`
}

// ReportsJSON is the JSON representation of report outcomes.
type ReportsJSON struct {
	Delivered int    `json:"delivered"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs              int64   `json:"poll_ms"`
	HeartbeatMs         int64   `json:"heartbeat_ms"`
	UnlockWindowSeconds float64 `json:"unlock_window_seconds"`
	Threshold           float64 `json:"weight_change_threshold"`
	CheckIntervalMs     int64   `json:"weight_check_interval_ms"`
	DecisionSamples     int     `json:"decision_sample_count"`
	SettleMs            int64   `json:"actuator_settle_ms"`
	Broker              string  `json:"broker"`
	HTTPAddr            string  `json:"http_addr"`
	Journal             string  `json:"journal,omitempty"`
}

// BuildShelfStatus returns the Status command view of snap.
func BuildShelfStatus(snap Snapshot) ShelfStatus {
	sess := snap.Session
	pos := string(sess.Position)
	if pos == "" {
		pos = "UNKNOWN"
	}
	out := ShelfStatus{
		LockPosition: pos,
		Mode:         string(sess.Mode),
		SessionID:    sess.SessionID,
		SensorStatus: snap.SensorStatus(),
	}
	if sess.Baseline != nil {
		b := *sess.Baseline
		out.BaselineWeight = &b
	}
	if left := snap.TimeRemaining(); left != nil {
		secs := math.Round(left.Seconds()*1000) / 1000
		out.TimeRemaining = &secs
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		ShelfID:       snap.Config.ShelfID,
		Shelf:         BuildShelfStatus(snap),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Unlocks:     snap.Counts.Unlocks,
			Issues:      snap.Counts.Issues,
			Returns:     snap.Counts.Returns,
			Expirations: snap.Counts.Expirations,
			ManualLocks: snap.Counts.ManualLocks,
			Conflicts:   snap.Counts.Conflicts,
		},
		Reports: ReportsJSON{
			Delivered: snap.Reports.Delivered,
			Deferred:  snap.Reports.Deferred,
			Failed:    snap.Reports.Failed,
			LastError: snap.Reports.LastError,
		},
		Config: ConfigJSON{
			PollMs:              snap.Config.PollMs,
			HeartbeatMs:         snap.Config.HeartbeatMs,
			UnlockWindowSeconds: float64(snap.Config.UnlockWindowMs) / 1000,
			Threshold:           snap.Config.Threshold,
			CheckIntervalMs:     snap.Config.CheckIntervalMs,
			DecisionSamples:     snap.Config.DecisionSamples,
			SettleMs:            snap.Config.SettleMs,
			Broker:              snap.Config.Broker,
			HTTPAddr:            snap.Config.HTTPAddr,
			Journal:             snap.Config.Journal,
		},
	}
	if snap.Weight != nil {
		inner.Weight = &WeightJSON{
			Value:     snap.Weight.Value,
			Stable:    snap.Weight.Stable,
			Timestamp: snap.Weight.At.UTC().Format(time.RFC3339),
		}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// Build returns the full status document for snap.
func Build(snap Snapshot) StatusJSON {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	return StatusJSON{Status: inner}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	doc := Build(snap)
	doc.Status.Event = event
	doc.Status.Reason = reason

	data, _ := json.Marshal(doc)
	return data
}
