package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/config"
	"github.com/banshee-data/resofly/internal/fsutil"
	"github.com/banshee-data/resofly/internal/lifeform/optical"
	"github.com/banshee-data/resofly/internal/lifeform/pipeline"
	"github.com/banshee-data/resofly/internal/lifeform/sink"
	"github.com/banshee-data/resofly/internal/lifeform/source"
	"github.com/banshee-data/resofly/internal/monitoring"
)

// openSource opens the thermal source named by -source. Listener goroutines
// are tracked by wg and stop with ctx.
func openSource(ctx context.Context, wg *sync.WaitGroup) (pipeline.FrameSource, func(), error) {
	var (
		src     pipeline.FrameSource
		closeFn = func() {}
	)
	switch *sourceKind {
	case "synthetic":
		src = source.NewSyntheticSource(source.SyntheticConfig{Seed: *seed})
	case "udp":
		udp := source.NewUDPSource(source.UDPConfig{Address: *udpAddr, RcvBuf: *rcvBuf})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := udp.Start(ctx); err != nil && ctx.Err() == nil {
				monitoring.Logf("udp source: %v", err)
			}
		}()
		src = udp
	case "pcap":
		if *pcapFile == "" {
			return nil, nil, fmt.Errorf("-source pcap needs -pcap")
		}
		p, err := source.OpenPCAP(*pcapFile, source.PCAPConfig{Port: *pcapPort, Loop: *pcapLoop, Realtime: true})
		if err != nil {
			return nil, nil, err
		}
		src, closeFn = p, func() { p.Close() }
	case "serial":
		s, err := source.OpenSerial(source.SerialConfig{
			Path:    *serialPort,
			Options: source.PortOptions{BaudRate: *baudRate},
		})
		if err != nil {
			return nil, nil, err
		}
		src, closeFn = s, func() { s.Close() }
	case "video":
		if *videoFile == "" {
			return nil, nil, fmt.Errorf("-source video needs -video")
		}
		v, err := source.OpenVideo(*videoFile)
		if err != nil {
			return nil, nil, err
		}
		src, closeFn = v, func() { v.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown source %q", *sourceKind)
	}

	if *rawFrames {
		return src, closeFn, nil
	}
	pre := source.NewPreprocessor(src, source.PreprocessConfig{})
	return pre, func() {
		pre.Close()
		closeFn()
	}, nil
}

// optics holds the optional camera path. Both fields are nil when no
// cascade is loaded.
type optics struct {
	detector *optical.Detector
	latest   *optical.LatestFrame
	capture  *gocv.VideoCapture
}

func (o *optics) Close() {
	if o.capture != nil {
		o.capture.Close()
	}
	if o.latest != nil {
		o.latest.Close()
	}
	if o.detector != nil {
		o.detector.Close()
	}
}

// openOptics loads the cascades and, when -camera is set, starts a capture
// goroutine feeding the latest-frame holder.
func openOptics(ctx context.Context, wg *sync.WaitGroup, t *config.TuningConfig) (*optics, error) {
	o := &optics{}
	det := optical.NewDetector(t.OpticalConfig())
	if !det.Available() {
		det.Close()
		monitoring.Logf("no Haar cascades loaded, running thermal only")
		return o, nil
	}
	o.detector = det
	if *camera == "" {
		monitoring.Logf("cascades loaded but no -camera, running thermal only")
		return o, nil
	}

	capture, err := gocv.OpenVideoCapture(*camera)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("open camera %s: %w", *camera, err)
	}
	o.capture = capture
	o.latest = optical.NewLatestFrame(t.GetOpticalMaxAge(), nil)

	wg.Add(1)
	go func() {
		defer wg.Done()
		frame := gocv.NewMat()
		defer frame.Close()
		for ctx.Err() == nil {
			if ok := capture.Read(&frame); !ok || frame.Empty() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			o.latest.Update(frame)
		}
	}()
	return o, nil
}

// openDispatcher builds the alert sinks named by the flags. With none
// configured the dispatcher still runs so events are counted.
func openDispatcher(session uuid.UUID, m *monitoring.Metrics) (*sink.Dispatcher, error) {
	var sinks []sink.Sink
	if *eventsLog != "" {
		if *eventsLog == "-" {
			sinks = append(sinks, sink.NewLogSink(nopCloser{os.Stdout}))
		} else {
			f, err := fsutil.OSFileSystem{}.Append(*eventsLog)
			if err != nil {
				return nil, fmt.Errorf("open events log: %w", err)
			}
			sinks = append(sinks, sink.NewLogSink(f))
		}
	}
	if brokers := splitList(*kafkaBrokers); len(brokers) > 0 {
		k, err := sink.NewKafkaSink(sink.KafkaConfig{Brokers: brokers, Topic: *kafkaTopic})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if *mqttBroker != "" {
		mq, err := sink.ConnectMQTT(sink.MQTTConfig{
			Broker:      *mqttBroker,
			ClientID:    "resofly-" + session.String()[:8],
			TopicPrefix: *mqttPrefix,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mq)
	}
	return sink.NewDispatcher(sink.DispatcherConfig{Metrics: m}, sinks...), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// frameSource is the part of the orchestrator the stream needs.
type frameSource interface {
	LatestEncodedFrame() []byte
}

// pumpStream copies the latest annotated frame into stream at most fps times
// per second until ctx is done.
func pumpStream(ctx context.Context, stream *mjpeg.Stream, frames frameSource, fps int) {
	if fps <= 0 {
		fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b := frames.LatestEncodedFrame()
			if len(b) == 0 || (len(last) > 0 && &b[0] == &last[0]) {
				continue
			}
			stream.UpdateJPEG(b)
			last = b
		}
	}
}

// serveStream serves the annotated MJPEG stream at / on addr.
func serveStream(ctx context.Context, addr string, frames frameSource, fps int) error {
	stream := mjpeg.NewStream()
	go pumpStream(ctx, stream, frames, fps)

	mux := http.NewServeMux()
	mux.Handle("/", stream)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	monitoring.Logf("MJPEG stream on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
