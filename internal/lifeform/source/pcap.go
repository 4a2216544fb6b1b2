package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gocv.io/x/gocv"

	"github.com/banshee-data/resofly/internal/timeutil"
)

// maxReplayGap caps the pause between two replayed frames so a capture with
// long silences does not stall the pipeline.
const maxReplayGap = 2 * time.Second

// PCAPConfig configures replay of captured forwarder traffic.
type PCAPConfig struct {
	Port     int  // UDP destination port to keep, default 5005
	Width    int  // frame width, default 160
	Height   int  // frame height, default 120
	Loop     bool // rewind at end of file
	Realtime bool // pace frames by capture timestamps
	Clock    timeutil.Clock
}

func (c *PCAPConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultUDPPort
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// PCAPSource replays raw frames from a classic pcap capture. It is not safe
// for concurrent GetFrame calls.
type PCAPSource struct {
	cfg    PCAPConfig
	rs     io.ReadSeeker
	closer io.Closer

	mu        sync.Mutex
	reader    *pcapgo.Reader
	lastTS    time.Time
	packets   int
	frames    int
	exhausted bool
}

// OpenPCAP opens a capture file for replay.
func OpenPCAP(path string, cfg PCAPConfig) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	s, err := NewPCAPSource(f, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewPCAPSource replays the capture read from rs.
func NewPCAPSource(rs io.ReadSeeker, cfg PCAPConfig) (*PCAPSource, error) {
	cfg.applyDefaults()
	s := &PCAPSource{cfg: cfg, rs: rs}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PCAPSource) rewind() error {
	if _, err := s.rs.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pcap rewind: %w", err)
	}
	r, err := pcapgo.NewReader(s.rs)
	if err != nil {
		return fmt.Errorf("pcap header: %w", err)
	}
	s.reader = r
	s.lastTS = time.Time{}
	return nil
}

// GetFrame returns the next frame addressed to the configured port.
func (s *PCAPSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return gocv.NewMat(), err
		}
		if s.exhausted {
			return gocv.NewMat(), ErrUnavailable
		}

		data, ci, err := s.reader.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			diagf("PCAP replay reached end: %d packets, %d frames", s.packets, s.frames)
			if !s.cfg.Loop || s.frames == 0 {
				s.exhausted = true
				continue
			}
			if err := s.rewind(); err != nil {
				s.exhausted = true
				return gocv.NewMat(), err
			}
			continue
		}
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("pcap read: %w", err)
		}
		s.packets++

		payload, ok := s.udpPayload(data)
		if !ok {
			continue
		}
		frame, err := DecodeRawFrame(payload, s.cfg.Width, s.cfg.Height)
		if err != nil {
			diagf("PCAP packet %d: %v", s.packets, err)
			continue
		}
		s.frames++
		s.pace(ci.Timestamp)
		return frame.ToMat()
	}
}

// udpPayload extracts the UDP payload when the packet targets the configured
// port.
func (s *PCAPSource) udpPayload(data []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.Default)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || int(udp.DstPort) != s.cfg.Port || len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

func (s *PCAPSource) pace(ts time.Time) {
	defer func() { s.lastTS = ts }()
	if !s.cfg.Realtime || s.lastTS.IsZero() {
		return
	}
	gap := ts.Sub(s.lastTS)
	if gap <= 0 {
		return
	}
	s.cfg.Clock.Sleep(min(gap, maxReplayGap))
}

// IsAvailable reports whether the replay can still produce frames.
func (s *PCAPSource) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exhausted
}

// Close releases the capture file when OpenPCAP opened it.
func (s *PCAPSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
