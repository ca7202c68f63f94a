package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sweeney/shelf-lock/internal/journal"
	"github.com/sweeney/shelf-lock/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"weight": func(f float64) string {
		return humanize.FtoaWithDigits(f, 1)
	},
	"seconds": func(f float64) string {
		return humanize.FtoaWithDigits(f, 1) + "s"
	},
	"ago": humanize.Time,
	"deref": func(f *float64) float64 {
		if f == nil {
			return 0
		}
		return *f
	},
	"count": func(n int) string {
		return humanize.Comma(int64(n))
	},
	"ts": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Shelf {{.Config.ShelfID}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.locked { color: #888; }
.unlocked { color: green; font-weight: bold; }
.unknown { color: orange; }
.connected, .ok, .delivered { color: green; }
.disconnected, .unavailable, .failed { color: red; }
.deferred { color: orange; }
</style>
</head>
<body>
<h1>Shelf {{.Config.ShelfID}}</h1>

<h2>Lock</h2>
<table>
<tr><th>Position</th><td id="lock-position" class="{{if eq .Shelf.LockPosition "UNLOCKED"}}unlocked{{else if eq .Shelf.LockPosition "LOCKED"}}locked{{else}}unknown{{end}}">{{.Shelf.LockPosition}}</td></tr>
{{if .Shelf.Mode}}<tr><th>Mode</th><td>{{.Shelf.Mode}}</td></tr>{{end}}
{{if .Shelf.SessionID}}<tr><th>Session</th><td>{{.Shelf.SessionID}}</td></tr>{{end}}
{{if .Session.SubjectID}}<tr><th>Subject</th><td>{{.Session.SubjectID}}</td></tr>{{end}}
{{if .Shelf.BaselineWeight}}<tr><th>Baseline</th><td>{{weight (deref .Shelf.BaselineWeight)}}</td></tr>{{end}}
{{if .Shelf.TimeRemaining}}<tr><th>Time remaining</th><td>{{seconds (deref .Shelf.TimeRemaining)}}</td></tr>{{end}}
{{if eq .Shelf.LockPosition "UNLOCKED"}}<tr><th>Detection</th><td>{{if .Session.Settling}}settling{{else if .Session.DetectionEnabled}}enabled{{else if .Session.Baseline}}disabled{{else}}waiting for baseline{{end}}</td></tr>{{end}}
</table>

<h2>Scale</h2>
<table>
<tr><th>Sensor</th><td class="{{.Shelf.SensorStatus}}">{{.Shelf.SensorStatus}}</td></tr>
{{if .Weight}}<tr><th>Weight</th><td>{{weight .Weight.Value}}{{if .Weight.Stable}} (stable){{end}}</td></tr>
<tr><th>Read</th><td>{{ago .Weight.At}}</td></tr>{{else}}<tr><th>Weight</th><td>no reading yet</td></tr>{{end}}
</table>

<h2>Sessions</h2>
<table>
<tr><th>Unlocks</th><td>{{count .Counts.Unlocks}}</td></tr>
<tr><th>Issues</th><td>{{count .Counts.Issues}}</td></tr>
<tr><th>Returns</th><td>{{count .Counts.Returns}}</td></tr>
<tr><th>Expired</th><td>{{count .Counts.Expirations}}</td></tr>
<tr><th>Manual locks</th><td>{{count .Counts.ManualLocks}}</td></tr>
<tr><th>Conflicts</th><td>{{count .Counts.Conflicts}}</td></tr>
</table>

<h2>Reports</h2>
<table>
<tr><th>Delivered</th><td>{{count .Reports.Delivered}}</td></tr>
<tr><th>Deferred</th><td>{{count .Reports.Deferred}}</td></tr>
<tr><th>Failed</th><td>{{count .Reports.Failed}}</td></tr>
{{if .Reports.LastError}}<tr><th>Last error</th><td class="failed">{{.Reports.LastError}}</td></tr>{{end}}
</table>
{{if .Events}}
<h2>Recent events</h2>
<table>
{{range .Events}}<tr><th>{{ts .Record.Event.Timestamp}}</th><td>{{.Record.Event.Type}}{{if .Record.Event.Kind}} ({{.Record.Event.Kind}}){{end}} {{.Record.Event.SessionID}} <span class="{{.Outcome}}">{{.Outcome}}</span></td></tr>
{{end}}</table>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{ts .StartTime}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Unlock window</th><td>{{.Config.UnlockWindowMs}}ms</td></tr>
<tr><th>Threshold</th><td>{{weight .Config.Threshold}}</td></tr>
<tr><th>Check interval</th><td>{{.Config.CheckIntervalMs}}ms</td></tr>
<tr><th>Settle</th><td>{{.Config.SettleMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/status">status</a> · <a href="/events.json">events</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, events []journal.Row) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Shelf  status.ShelfStatus
		Uptime time.Duration
		Events []journal.Row
	}{
		Snapshot: snap,
		Shelf:    status.BuildShelfStatus(snap),
		Uptime:   snap.Uptime(),
		Events:   events,
	}
	return indexTmpl.Execute(w, data)
}
