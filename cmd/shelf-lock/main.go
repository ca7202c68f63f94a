// Command shelf-lock drives one library shelf compartment: it unlocks the
// latch on request, watches the load cell while the door is open, and
// publishes what was taken or returned to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sweeney/shelf-lock/internal/command"
	"github.com/sweeney/shelf-lock/internal/config"
	"github.com/sweeney/shelf-lock/internal/control"
	"github.com/sweeney/shelf-lock/internal/gpio"
	"github.com/sweeney/shelf-lock/internal/journal"
	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/sweeney/shelf-lock/internal/metrics"
	"github.com/sweeney/shelf-lock/internal/mqtt"
	"github.com/sweeney/shelf-lock/internal/report"
	"github.com/sweeney/shelf-lock/internal/scale"
	"github.com/sweeney/shelf-lock/internal/status"
	"github.com/sweeney/shelf-lock/internal/web"
	"pkt.systems/pslog"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("SHELF_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "shelf-lock")

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error("command.failed", "error", err)
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "shelf-lock",
		Short:         "Weight-sensing access controller for a library shelf compartment",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ReadFile(v)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
				logger = logger.LogLevel(level)
			}
			if path != "" {
				logger.Info("config.loaded", "path", path)
			}
			return run(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
	config.RegisterFlags(cmd.Flags())
	if err := config.Bind(v, cmd.Flags()); err != nil {
		panic(err)
	}
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger pslog.Logger, out io.Writer) error {
	// Initialize GPIO
	cell, err := gpio.NewHX711(cfg.GPIOChip, cfg.PinDout, cfg.PinSck)
	if err != nil {
		return fmt.Errorf("init load cell: %w", err)
	}
	defer cell.Close()

	sampler, err := scale.New(cell, cfg.Scale())
	if err != nil {
		return fmt.Errorf("init scale: %w", err)
	}

	// Print weight mode
	if cfg.PrintWeight {
		return printWeight(out, sampler)
	}

	latch, err := gpio.NewRelayLatch(cfg.GPIOChip, cfg.PinLatch, cfg.LatchActiveLow)
	if err != nil {
		return fmt.Errorf("init latch: %w", err)
	}
	defer latch.Close()

	m := metrics.New()
	queue := command.NewQueue(command.DefaultQueueSize)

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(mqtt.Config{
		Broker:    cfg.Broker,
		ShelfID:   cfg.ShelfID,
		Timeout:   cfg.ReportTimeout,
		OnCommand: commandHandler(queue, web.DefaultCommandTimeout, logger.With("subsystem", "command")),
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	reportOpts := []report.Option{
		report.WithMetrics(m),
		report.WithLogger(logger.With("subsystem", "report")),
	}
	var store *journal.Store
	if cfg.Journal != "" {
		store, err = journal.Open(cfg.Journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		reportOpts = append(reportOpts, report.WithJournal(store))
		logger.Info("journal.opened", "path", cfg.Journal)
	}
	reporter := report.New(cfg.ShelfID, publisher, reportOpts...)

	// Initialize status tracker (before STARTUP so snapshot is available)
	start := time.Now()
	tracker := status.NewTracker(start, cfg.Status())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	machine := logic.NewMachine(cfg.Logic(), start)
	ctrl := control.New(machine, sampler, latch, reporter, queue,
		control.WithTracker(tracker),
		control.WithMetrics(m),
		control.WithLogger(logger.With("subsystem", "control")),
		control.WithStatusInterval(cfg.StatusInterval),
	)
	// The latch is driven locked before anything can unlock it.
	ctrl.Shutdown(ctx, start)

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		logger.Warn("system.startup.publish_failed", "error", err)
	} else {
		logger.Info("system.startup.published")
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		opts := web.Options{
			Queue:   queue,
			Metrics: m.Handler(),
			Logger:  logger.With("subsystem", "http"),
		}
		if store != nil {
			opts.Journal = store
		}
		srv := web.New(cfg.HTTPAddr, tracker, opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http.serve.failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("http.listening", "addr", cfg.HTTPAddr)
	}

	logger.Info("shelf.started",
		"shelf_id", cfg.ShelfID,
		"poll", cfg.Poll,
		"broker", cfg.Broker,
		"heartbeat", cfg.Heartbeat,
		"unlock_window", cfg.UnlockWindow,
		"threshold", cfg.Threshold,
	)

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, ctrl, publisher, publisher, tracker, cfg.Heartbeat, time.Now, ticker.C, sigCh, logger)
}

func runLoop(ctx context.Context, ctrl *control.Controller, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, logger pslog.Logger) error {
	for {
		select {
		case s := <-sig:
			name := signalName(s)
			logger.Info("shelf.shutdown", "signal", name)
			t := now()
			ctrl.Shutdown(ctx, t)

			event := mqtt.SystemEvent{
				Timestamp: t,
				Event:     "SHUTDOWN",
				Reason:    name,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", name)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.Warn("system.shutdown.publish_failed", "error", err)
			} else {
				logger.Info("system.shutdown.published")
			}
			return nil

		case <-tick:
			t := now()
			ctrl.Tick(ctx, t)

			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			hb := ctrl.Heartbeat(t, heartbeat)
			if hb == nil {
				continue
			}
			logger.Info("system.heartbeat",
				"uptime", hb.Uptime,
				"unlocks", hb.Counts.Unlocks,
				"issues", hb.Counts.Issues,
				"returns", hb.Counts.Returns,
				"expirations", hb.Counts.Expirations,
				"conflicts", hb.Counts.Conflicts,
			)
			hbEvent := mqtt.SystemEvent{
				Timestamp: hb.Timestamp,
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				logger.Warn("system.heartbeat.publish_failed", "error", err)
			}
		}
	}
}

// commandHandler decodes payloads from the MQTT commands topic and hands
// them to the control loop. The paho router must not block, so the wait for
// the reply happens on its own goroutine.
func commandHandler(queue *command.Queue, timeout time.Duration, logger pslog.Logger) func([]byte) {
	return func(payload []byte) {
		req, err := command.Decode(payload, "mqtt")
		if err != nil {
			logger.Warn("command.rejected", "source", "mqtt", "error", err)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			reply, err := queue.Submit(ctx, req)
			if err != nil {
				logger.Warn("command.failed", "source", "mqtt", "kind", req.Kind, "error", err)
				return
			}
			logger.Info("command.applied",
				"source", "mqtt",
				"kind", req.Kind,
				"result", reply.Result,
				"position", reply.Position,
				"active_session_id", reply.ActiveSessionID,
			)
		}()
	}
}

func printWeight(out io.Writer, sampler *scale.Sampler) error {
	r, err := sampler.Decision()
	if err != nil {
		return fmt.Errorf("read weight: %w", err)
	}
	fmt.Fprintf(out, "weight: %s (raw %s, %d samples)\n",
		humanize.FtoaWithDigits(r.Value, 1), humanize.FtoaWithDigits(r.Raw, 0), r.Samples)
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
