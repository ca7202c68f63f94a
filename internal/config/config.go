// Package config binds the shelf-lock command line, SHELF_* environment
// variables and an optional YAML file into one validated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/sweeney/shelf-lock/internal/gpio"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/scale"
	"github.com/sweeney/shelf-lock/internal/status"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// EnvPrefix is prepended to every environment variable, e.g. SHELF_BROKER.
const EnvPrefix = "SHELF"

// Defaults.
const (
	DefaultShelfID        = "shelf-1"
	DefaultBroker         = "tcp://192.168.1.200:1883"
	DefaultHTTPAddr       = ":80"
	DefaultPoll           = 100 * time.Millisecond
	DefaultHeartbeat      = 15 * time.Minute
	DefaultReportTimeout  = 2 * time.Second
	DefaultStatusInterval = 5 * time.Second
	DefaultGPIOChip       = "gpiochip0"
	DefaultLogLevel       = "info"
)

// Config is the resolved daemon configuration.
type Config struct {
	ShelfID  string
	Broker   string
	HTTPAddr string

	Poll      time.Duration
	Heartbeat time.Duration

	UnlockWindow    time.Duration
	Threshold       float64
	CheckInterval   time.Duration
	DecisionSamples int
	QuickSamples    int
	Settle          time.Duration

	ReadyAttempts int
	ReadyBackoff  time.Duration
	ScaleOffset   float64
	ScaleFactor   float64

	ReportTimeout  time.Duration
	StatusInterval time.Duration
	Journal        string

	PinLatch       int
	PinDout        int
	PinSck         int
	LatchActiveLow bool
	GPIOChip       string

	LogLevel    string
	PrintWeight bool
}

// aliases maps the underscore option names used by the backend deployment
// tooling onto flag names.
var aliases = map[string]string{
	"unlock_window_seconds":    "unlock-window-seconds",
	"weight_change_threshold":  "weight-change-threshold",
	"weight_check_interval_ms": "weight-check-interval-ms",
	"decision_sample_count":    "decision-sample-count",
	"actuator_settle_ms":       "actuator-settle-ms",
}

// RegisterFlags adds every option to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("shelf-id", DefaultShelfID, "shelf identifier used in MQTT topics and event records")
	fs.String("broker", DefaultBroker, "MQTT broker address")
	fs.String("http", DefaultHTTPAddr, "HTTP status and command address (empty to disable)")
	fs.Duration("poll", DefaultPoll, "control loop tick interval")
	fs.Duration("heartbeat", DefaultHeartbeat, "heartbeat interval (0 to disable)")

	fs.Int("unlock-window-seconds", int(logic.DefaultUnlockWindow/time.Second), "seconds a session stays unlocked")
	fs.Float64("weight-change-threshold", logic.DefaultThreshold, "minimum weight delta that classifies a session")
	fs.Int("weight-check-interval-ms", int(logic.DefaultCheckInterval/time.Millisecond), "milliseconds between decision-grade weight checks")
	fs.Int("decision-sample-count", scale.DefaultDecisionCount, "raw conversions averaged per decision-grade reading")
	fs.Int("quick-sample-count", scale.DefaultQuickCount, "raw conversions averaged per status reading")
	fs.Int("actuator-settle-ms", int(logic.DefaultSettle/time.Millisecond), "milliseconds weight is ignored after the latch moves")

	fs.Int("sensor-ready-attempts", scale.DefaultReadyAttempts, "ready polls per conversion before the sensor counts as unavailable")
	fs.Duration("sensor-ready-backoff", scale.DefaultReadyBackoff, "delay between ready polls")
	fs.Float64("scale-offset", 0, "raw reading of the empty shelf")
	fs.Float64("scale-factor", 1, "raw units per weight unit")

	fs.Duration("report-timeout", DefaultReportTimeout, "bound on every event publish")
	fs.Duration("status-sample-interval", DefaultStatusInterval, "interval between status-page weight readings")
	fs.String("journal", "", "SQLite journal of report attempts (empty to disable)")

	fs.Int("pin-latch", gpio.DefaultPinLatch, "BCM pin driving the latch relay")
	fs.Int("pin-dout", gpio.DefaultPinDout, "BCM pin wired to HX711 DOUT")
	fs.Int("pin-sck", gpio.DefaultPinSck, "BCM pin wired to HX711 PD_SCK")
	fs.Bool("latch-active-low", false, "drive the latch line low to unlock")
	fs.String("gpio-chip", DefaultGPIOChip, "GPIO character device")

	fs.String("log-level", DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	fs.Bool("print-weight", false, "print one calibrated reading and exit")
}

// Bind connects every flag in fs to v and enables SHELF_* environment
// overrides.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, bindErr)
		}
	})
	if err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for alias, key := range aliases {
		v.RegisterAlias(alias, key)
	}
	return nil
}

// ReadFile loads the file named by the "config" key, if any, and returns its
// cleaned path.
func ReadFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return "", nil
	}
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", path)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}
	return path, nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ShelfID:  strings.TrimSpace(v.GetString("shelf-id")),
		Broker:   v.GetString("broker"),
		HTTPAddr: v.GetString("http"),

		Poll:      v.GetDuration("poll"),
		Heartbeat: v.GetDuration("heartbeat"),

		UnlockWindow:    time.Duration(v.GetInt("unlock-window-seconds")) * time.Second,
		Threshold:       v.GetFloat64("weight-change-threshold"),
		CheckInterval:   time.Duration(v.GetInt("weight-check-interval-ms")) * time.Millisecond,
		DecisionSamples: v.GetInt("decision-sample-count"),
		QuickSamples:    v.GetInt("quick-sample-count"),
		Settle:          time.Duration(v.GetInt("actuator-settle-ms")) * time.Millisecond,

		ReadyAttempts: v.GetInt("sensor-ready-attempts"),
		ReadyBackoff:  v.GetDuration("sensor-ready-backoff"),
		ScaleOffset:   v.GetFloat64("scale-offset"),
		ScaleFactor:   v.GetFloat64("scale-factor"),

		ReportTimeout:  v.GetDuration("report-timeout"),
		StatusInterval: v.GetDuration("status-sample-interval"),
		Journal:        strings.TrimSpace(v.GetString("journal")),

		PinLatch:       v.GetInt("pin-latch"),
		PinDout:        v.GetInt("pin-dout"),
		PinSck:         v.GetInt("pin-sck"),
		LatchActiveLow: v.GetBool("latch-active-low"),
		GPIOChip:       v.GetString("gpio-chip"),

		LogLevel:    strings.TrimSpace(v.GetString("log-level")),
		PrintWeight: v.GetBool("print-weight"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid option at once.
func (c Config) Validate() error {
	var errs []error
	if c.ShelfID == "" {
		errs = append(errs, errors.New("shelf-id is required"))
	} else if strings.ContainsAny(c.ShelfID, "/+#") {
		errs = append(errs, fmt.Errorf("shelf-id %q must not contain MQTT topic characters", c.ShelfID))
	}
	if c.Poll <= 0 {
		errs = append(errs, errors.New("poll must be positive"))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if c.UnlockWindow <= 0 {
		errs = append(errs, errors.New("unlock-window-seconds must be positive"))
	}
	if c.Threshold <= 0 {
		errs = append(errs, errors.New("weight-change-threshold must be positive"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("weight-check-interval-ms must be positive"))
	}
	if c.DecisionSamples <= 0 {
		errs = append(errs, errors.New("decision-sample-count must be positive"))
	}
	if c.QuickSamples <= 0 {
		errs = append(errs, errors.New("quick-sample-count must be positive"))
	}
	if c.Settle < 0 {
		errs = append(errs, errors.New("actuator-settle-ms must not be negative"))
	}
	if c.UnlockWindow > 0 && c.Settle >= c.UnlockWindow {
		// No baseline could be taken before the window closes.
		errs = append(errs, fmt.Errorf("actuator-settle-ms (%s) must be shorter than unlock-window-seconds (%s)", c.Settle, c.UnlockWindow))
	}
	if c.ReadyAttempts <= 0 {
		errs = append(errs, errors.New("sensor-ready-attempts must be positive"))
	}
	if c.ScaleFactor == 0 {
		errs = append(errs, errors.New("scale-factor must not be zero"))
	}
	if c.ReportTimeout <= 0 {
		errs = append(errs, errors.New("report-timeout must be positive"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status-sample-interval must be positive"))
	}
	if c.LogLevel != "" {
		if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
			errs = append(errs, fmt.Errorf("log-level %q is not a known level", c.LogLevel))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Logic returns the state machine constants.
func (c Config) Logic() logic.Config {
	return logic.Config{
		UnlockWindow:  c.UnlockWindow,
		Threshold:     c.Threshold,
		CheckInterval: c.CheckInterval,
		Settle:        c.Settle,
	}
}

// Scale returns the sampler calibration.
func (c Config) Scale() scale.Config {
	return scale.Config{
		Offset:        c.ScaleOffset,
		Factor:        c.ScaleFactor,
		ReadyAttempts: c.ReadyAttempts,
		ReadyBackoff:  c.ReadyBackoff,
		QuickCount:    c.QuickSamples,
		DecisionCount: c.DecisionSamples,
		Threshold:     c.Threshold,
	}
}

// Status returns the configuration shown on the status page.
func (c Config) Status() status.Config {
	return status.Config{
		ShelfID:         c.ShelfID,
		PollMs:          c.Poll.Milliseconds(),
		HeartbeatMs:     c.Heartbeat.Milliseconds(),
		UnlockWindowMs:  c.UnlockWindow.Milliseconds(),
		Threshold:       c.Threshold,
		CheckIntervalMs: c.CheckInterval.Milliseconds(),
		DecisionSamples: c.DecisionSamples,
		SettleMs:        c.Settle.Milliseconds(),
		Broker:          c.Broker,
		HTTPAddr:        c.HTTPAddr,
		Journal:         c.Journal,
	}
}

type fileDefaults struct {
	ShelfID               string  `yaml:"shelf-id"`
	Broker                string  `yaml:"broker"`
	HTTP                  string  `yaml:"http"`
	Poll                  string  `yaml:"poll"`
	Heartbeat             string  `yaml:"heartbeat"`
	UnlockWindowSeconds   int     `yaml:"unlock-window-seconds"`
	WeightChangeThreshold float64 `yaml:"weight-change-threshold"`
	WeightCheckIntervalMs int     `yaml:"weight-check-interval-ms"`
	DecisionSampleCount   int     `yaml:"decision-sample-count"`
	QuickSampleCount      int     `yaml:"quick-sample-count"`
	ActuatorSettleMs      int     `yaml:"actuator-settle-ms"`
	SensorReadyAttempts   int     `yaml:"sensor-ready-attempts"`
	SensorReadyBackoff    string  `yaml:"sensor-ready-backoff"`
	ScaleOffset           float64 `yaml:"scale-offset"`
	ScaleFactor           float64 `yaml:"scale-factor"`
	ReportTimeout         string  `yaml:"report-timeout"`
	StatusSampleInterval  string  `yaml:"status-sample-interval"`
	Journal               string  `yaml:"journal"`
	PinLatch              int     `yaml:"pin-latch"`
	PinDout               int     `yaml:"pin-dout"`
	PinSck                int     `yaml:"pin-sck"`
	LatchActiveLow        bool    `yaml:"latch-active-low"`
	GPIOChip              string  `yaml:"gpio-chip"`
	LogLevel              string  `yaml:"log-level"`
}

// DefaultYAML renders the default configuration as a YAML file.
func DefaultYAML() ([]byte, error) {
	defaults := fileDefaults{
		ShelfID:               DefaultShelfID,
		Broker:                DefaultBroker,
		HTTP:                  DefaultHTTPAddr,
		Poll:                  DefaultPoll.String(),
		Heartbeat:             DefaultHeartbeat.String(),
		UnlockWindowSeconds:   int(logic.DefaultUnlockWindow / time.Second),
		WeightChangeThreshold: logic.DefaultThreshold,
		WeightCheckIntervalMs: int(logic.DefaultCheckInterval / time.Millisecond),
		DecisionSampleCount:   scale.DefaultDecisionCount,
		QuickSampleCount:      scale.DefaultQuickCount,
		ActuatorSettleMs:      int(logic.DefaultSettle / time.Millisecond),
		SensorReadyAttempts:   scale.DefaultReadyAttempts,
		SensorReadyBackoff:    scale.DefaultReadyBackoff.String(),
		ScaleOffset:           0,
		ScaleFactor:           1,
		ReportTimeout:         DefaultReportTimeout.String(),
		StatusSampleInterval:  DefaultStatusInterval.String(),
		Journal:               "",
		PinLatch:              gpio.DefaultPinLatch,
		PinDout:               gpio.DefaultPinDout,
		PinSck:                gpio.DefaultPinSck,
		LatchActiveLow:        false,
		GPIOChip:              DefaultGPIOChip,
		LogLevel:              DefaultLogLevel,
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
