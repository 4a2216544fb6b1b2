package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/monitoring"
)

// Dispatcher defaults.
const (
	DefaultQueueSize      = 64
	DefaultPublishTimeout = 2 * time.Second
)

// Drop reasons recorded in metrics.
const (
	dropQueueFull = "queue_full"
	dropPublish   = "publish_error"
	dropShutdown  = "shutdown"
	dispatcherTag = "dispatcher"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize      int
	PublishTimeout time.Duration // per sink, per envelope
	Metrics        *monitoring.Metrics
}

// Dispatcher queues events and publishes them to every sink from one worker
// goroutine.
type Dispatcher struct {
	cfg   DispatcherConfig
	sinks []Sink
	queue chan Envelope

	// ctx is cancelled when Close gives up on draining; it aborts the
	// in-flight publish and skips what is still queued.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. Close must be called to stop it.
func NewDispatcher(cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		queue:  make(chan Envelope, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit enqueues ev without blocking. It returns ErrQueueFull when the
// worker is behind and an error after Close.
func (d *Dispatcher) Submit(ev lifeform.DetectionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("sink: dispatcher closed")
	}
	select {
	case d.queue <- NewEnvelope(ev):
		return nil
	default:
		d.cfg.Metrics.SinkDrop(dispatcherTag, dropQueueFull)
		diagf("queue full, dropping frame %d event (%d alerts)", ev.FrameNumber, len(ev.Alerts))
		return ErrQueueFull
	}
}

// Handle is a detection handler that submits and logs failures.
func (d *Dispatcher) Handle(ev lifeform.DetectionEvent) {
	if err := d.Submit(ev); err != nil && !errors.Is(err, ErrQueueFull) {
		opsf("submit: %v", err)
	}
}

// Pending returns the number of queued envelopes.
func (d *Dispatcher) Pending() int { return len(d.queue) }

func (d *Dispatcher) run() {
	defer close(d.done)
	for env := range d.queue {
		if d.ctx.Err() != nil {
			d.cfg.Metrics.SinkDrop(dispatcherTag, dropShutdown)
			continue
		}
		for _, s := range d.sinks {
			d.publish(s, env)
		}
	}
}

func (d *Dispatcher) publish(s Sink, env Envelope) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.PublishTimeout)
	defer cancel()
	if err := s.Publish(ctx, env); err != nil {
		d.cfg.Metrics.SinkDrop(s.Name(), dropPublish)
		opsf("%s: publish frame %d: %v", s.Name(), env.Event.FrameNumber, err)
		return
	}
	tracef("%s: published frame %d (%d alerts)", s.Name(), env.Event.FrameNumber, len(env.Alerts))
}

// Close stops accepting events, drains the queue within ctx and closes every
// sink. When ctx expires first the in-flight publish is cancelled and the
// rest of the queue dropped; sinks are closed only after the worker exits.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var errs []error
	select {
	case <-d.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sink: drain: %w", ctx.Err()))
		d.cancel()
		<-d.done
	}
	d.cancel()
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
