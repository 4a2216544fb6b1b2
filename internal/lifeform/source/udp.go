package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// UDP defaults.
const (
	DefaultUDPPort      = 5005
	DefaultFrameTimeout = time.Second
	readDeadline        = 100 * time.Millisecond
	maxDatagram         = 65535
)

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	Address      string        // listen address, default ":5005"
	RcvBuf       int           // socket receive buffer, 0 leaves the OS default
	Width        int           // frame width, default 160
	Height       int           // frame height, default 120
	FrameTimeout time.Duration // GetFrame wait for a new frame
	Listen       ListenFunc    // defaults to ListenUDP
}

func (c *UDPConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = fmt.Sprintf(":%d", DefaultUDPPort)
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.Listen == nil {
		c.Listen = ListenUDP
	}
}

// UDPStats counts datagrams seen by the listener.
type UDPStats struct {
	Received uint64
	Dropped  uint64
}

// UDPSource listens for raw frames from the forwarder and keeps only the
// newest one. Start runs the listen loop; GetFrame hands out each new frame
// once.
type UDPSource struct {
	cfg UDPConfig

	mu        sync.Mutex
	latest    RawFrame
	seq       uint64
	delivered uint64
	notify    chan struct{}

	listening atomic.Bool
	received  atomic.Uint64
	dropped   atomic.Uint64
}

// NewUDPSource returns a source that is idle until Start is called.
func NewUDPSource(cfg UDPConfig) *UDPSource {
	cfg.applyDefaults()
	return &UDPSource{cfg: cfg, notify: make(chan struct{}, 1)}
}

// Start binds the socket and reads datagrams until ctx is cancelled.
func (s *UDPSource) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := s.cfg.Listen("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if s.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			opsf("warning: failed to set UDP receive buffer to %d: %v", s.cfg.RcvBuf, err)
		}
	}
	s.listening.Store(true)
	defer s.listening.Store(false)
	opsf("UDP thermal listener on %s (%dx%d)", conn.LocalAddr(), s.cfg.Width, s.cfg.Height)

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			diagf("UDP listener stopping: %d received, %d dropped", s.received.Load(), s.dropped.Load())
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			opsf("UDP read error: %v", err)
			continue
		}
		s.handle(buf[:n], from)
	}
}

func (s *UDPSource) handle(b []byte, from *net.UDPAddr) {
	frame, err := DecodeRawFrame(b, s.cfg.Width, s.cfg.Height)
	if err != nil {
		s.dropped.Add(1)
		diagf("dropping datagram from %v: %v", from, err)
		return
	}
	s.received.Add(1)
	s.publish(frame)
	tracef("frame %d from %v", frame.Number, from)
}

func (s *UDPSource) publish(f RawFrame) {
	s.mu.Lock()
	s.latest = f
	s.seq++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// GetFrame returns the newest frame not yet delivered, waiting up to
// FrameTimeout for one to arrive.
func (s *UDPSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	timer := time.NewTimer(s.cfg.FrameTimeout)
	defer timer.Stop()
	for {
		if f, ok := s.take(); ok {
			return f.ToMat()
		}
		select {
		case <-ctx.Done():
			return gocv.NewMat(), ctx.Err()
		case <-timer.C:
			return gocv.NewMat(), ErrNoFrame
		case <-s.notify:
		}
	}
}

func (s *UDPSource) take() (RawFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == s.delivered {
		return RawFrame{}, false
	}
	s.delivered = s.seq
	return s.latest, true
}

// IsAvailable reports whether the listener is bound.
func (s *UDPSource) IsAvailable() bool { return s.listening.Load() }

// Stats returns datagram counters.
func (s *UDPSource) Stats() UDPStats {
	return UDPStats{Received: s.received.Load(), Dropped: s.dropped.Load()}
}
