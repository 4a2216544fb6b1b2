package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/resofly/internal/config"
	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/fusion"
	"github.com/banshee-data/resofly/internal/lifeform/pipeline"
	"github.com/banshee-data/resofly/internal/lifeform/sink"
	"github.com/banshee-data/resofly/internal/lifeform/source"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
	"github.com/banshee-data/resofly/internal/monitoring"
	"github.com/banshee-data/resofly/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning file (.json, .yaml or .yml); defaults apply when empty")
	showVersion = flag.Bool("version", false, "Print version and exit")

	sourceKind = flag.String("source", "synthetic", "Thermal source: synthetic, udp, pcap, serial or video")
	udpAddr    = flag.String("udp-addr", fmt.Sprintf(":%d", source.DefaultUDPPort), "UDP listen address for -source udp")
	rcvBuf     = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	pcapFile   = flag.String("pcap", "", "Capture file for -source pcap")
	pcapPort   = flag.Int("pcap-port", source.DefaultUDPPort, "UDP destination port to replay from the capture")
	pcapLoop   = flag.Bool("pcap-loop", true, "Rewind the capture at end of file")
	serialPort = flag.String("serial", "/dev/ttyACM0", "Serial device for -source serial")
	baudRate   = flag.Int("baud", 921600, "Serial baud rate")
	videoFile  = flag.String("video", "", "Video file for -source video")
	seed       = flag.Int64("seed", 1, "Random seed for -source synthetic")
	rawFrames  = flag.Bool("raw", false, "Skip enhancement and detect on the sensor frame")

	haarFullBody  = flag.String("haar-fullbody", "", "Full body Haar cascade (overrides tuning)")
	haarUpperBody = flag.String("haar-upperbody", "", "Upper body Haar cascade (overrides tuning)")
	camera        = flag.String("camera", "", "Optical camera device index or stream URL")
	requireFused  = flag.Bool("require-fused", false, "Only alert on FUSED_VALIDATED detections")

	streamListen  = flag.String("stream-listen", "", "Serve the annotated MJPEG stream on this address")
	streamFPS     = flag.Int("stream-fps", 15, "Maximum MJPEG stream frame rate")
	metricsListen = flag.String("metrics-listen", "", "Serve Prometheus metrics on this address")
	eventsLog     = flag.String("events-log", "", "Append detection events as JSON lines to this file (- for stdout)")
	kafkaBrokers  = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers for alert fan-out")
	kafkaTopic    = flag.String("kafka-topic", sink.DefaultKafkaTopic, "Kafka topic for alert envelopes")
	mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker (host:port or URL) for alert fan-out")
	mqttPrefix    = flag.String("mqtt-prefix", sink.DefaultMQTTPrefix, "MQTT topic prefix; alerts go to <prefix>/alerts")

	debug    = flag.Bool("debug", false, "Write the diag log stream to stderr")
	traceLog = flag.String("trace-log", "", "Write the trace log stream to this file")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatalf("resofly: %v", err)
	}
}

func run(ctx context.Context) error {
	closeLogs, err := setupLogging(*debug, *traceLog)
	if err != nil {
		return err
	}
	defer closeLogs()
	monitoring.Logf("%s starting", version.String())

	tuning, err := loadTuning(*configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(tuning)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := monitoring.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Background goroutines stop before any stage they use is closed.
	var (
		wg      sync.WaitGroup
		cleanup []func()
	)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	src, closeSource, err := openSource(ctx, &wg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeSource)

	session := uuid.New()
	optics, err := openOptics(ctx, &wg, tuning)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, optics.Close)

	dispatcher, err := openDispatcher(session, metrics)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { dispatcher.Close(context.Background()) })

	cfg, det, err := buildPipeline(tuning, src, session, metrics)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { det.Close() })
	cfg.Optical = optics.detector
	cfg.OpticalSource = optics.latest
	cfg.OnDetection = dispatcher.Handle

	orch, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	monitoring.Logf("session %s: source=%s optical=%t", session, *sourceKind, optics.latest != nil)

	if *metricsListen != "" {
		started := time.Now()
		status := func() map[string]any {
			return map[string]any{
				"version":      version.Version,
				"session_id":   session.String(),
				"source":       *sourceKind,
				"uptime":       time.Since(started).Round(time.Second).String(),
				"sink_pending": dispatcher.Pending(),
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitoring.ServeMetrics(ctx, *metricsListen, reg, status); err != nil {
				monitoring.Logf("metrics server: %v", err)
			}
		}()
	}
	if *streamListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveStream(ctx, *streamListen, orch, *streamFPS); err != nil {
				monitoring.Logf("stream server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	monitoring.Logf("shutting down")

	var errs []error
	if err := orch.Stop(); err != nil {
		errs = append(errs, err)
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// setupLogging routes ops to stderr, diag to stderr when debug is set and
// trace to an optional file.
func setupLogging(debug bool, tracePath string) (func(), error) {
	w := lifeform.LogWriters{Ops: os.Stderr}
	if debug {
		w.Diag = os.Stderr
	}
	closer := func() {}
	if tracePath != "" {
		f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace log: %w", err)
		}
		w.Trace = f
		closer = func() { f.Close() }
	}
	lifeform.SetLogWriters(w)
	pipeline.SetLogWriters(w)
	source.SetLogWriters(w)
	sink.SetLogWriters(w)
	return closer, nil
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func applyFlagOverrides(t *config.TuningConfig) {
	if *haarFullBody != "" {
		t.HaarFullBody = haarFullBody
	}
	if *haarUpperBody != "" {
		t.HaarUpperBody = haarUpperBody
	}
	if *requireFused {
		v := string(lifeform.FusedValidated)
		t.RequiredValidation = &v
	}
}

// buildPipeline wires the detection stages from the tuning. Optical stages
// and the detection handler are attached by the caller.
func buildPipeline(t *config.TuningConfig, src pipeline.FrameSource, session uuid.UUID, m *monitoring.Metrics) (pipeline.Config, *thermal.Detector, error) {
	cfg := t.PipelineConfig()
	cfg.Source = src
	cfg.SessionID = session
	cfg.Metrics = m

	det, err := thermal.NewDetector(t.ThermalConfig())
	if err != nil {
		return cfg, nil, err
	}
	cfg.Thermal = det
	if cfg.Fusion, err = fusion.NewEngine(t.FusionConfig()); err != nil {
		det.Close()
		return cfg, nil, err
	}
	if cfg.Tracker, err = tracking.NewTracker(t.TrackerConfig()); err != nil {
		det.Close()
		return cfg, nil, err
	}
	if cfg.Alerts, err = alerts.NewManager(t.AlertConfig()); err != nil {
		det.Close()
		return cfg, nil, err
	}
	return cfg, det, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
