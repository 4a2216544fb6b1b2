package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"gocv.io/x/gocv"
)

// SyncWord precedes every frame on the serial link, followed by a big-endian
// uint32 payload length and the raw frame.
var SyncWord = []byte("LPTN")

const (
	defaultBaudRate    = 921600
	serialReadTimeout  = 100 * time.Millisecond
	serialLengthSize   = 4
	maxSerialOverflows = 3
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = defaultBaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialPorter is the part of a serial port the source reads from.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Path    string
	Options PortOptions
	Width   int
	Height  int
}

// SerialSource reads sync-framed raw frames from a serial link. GetFrame
// must not be called concurrently.
type SerialSource struct {
	cfg    SerialConfig
	port   SerialPorter
	in     *ctxReader
	r      *bufio.Reader
	mu     sync.Mutex
	closed bool
}

// OpenSerial opens the port at cfg.Path with go.bug.st/serial.
func OpenSerial(cfg SerialConfig) (*SerialSource, error) {
	mode, err := cfg.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial read timeout: %w", err)
	}
	opsf("serial thermal link on %s at %d baud", cfg.Path, mode.BaudRate)
	return NewSerialSource(port, cfg), nil
}

// NewSerialSource reads frames from an already open port.
func NewSerialSource(port SerialPorter, cfg SerialConfig) *SerialSource {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	in := &ctxReader{r: port}
	return &SerialSource{
		cfg:  cfg,
		port: port,
		in:   in,
		r:    bufio.NewReaderSize(in, PayloadSize(cfg.Width, cfg.Height)+len(SyncWord)+serialLengthSize),
	}
}

// GetFrame scans for the next sync word and decodes the frame behind it.
// ErrNoFrame is returned when the port times out.
func (s *SerialSource) GetFrame(ctx context.Context) (gocv.Mat, error) {
	s.in.ctx = ctx
	defer func() { s.in.ctx = nil }()

	payload, err := s.next()
	if err != nil {
		return gocv.NewMat(), err
	}
	frame, err := DecodeRawFrame(payload, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return gocv.NewMat(), err
	}
	tracef("serial frame %d", frame.Number)
	return frame.ToMat()
}

func (s *SerialSource) next() ([]byte, error) {
	want := PayloadSize(s.cfg.Width, s.cfg.Height)
	for overflow := 0; ; overflow++ {
		if err := s.sync(); err != nil {
			return nil, err
		}
		var hdr [serialLengthSize]byte
		if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(hdr[:]))
		if n < want || n > 2*want {
			diagf("serial: implausible payload length %d, resyncing", n)
			if overflow >= maxSerialOverflows {
				return nil, fmt.Errorf("%w: payload length %d", ErrShortFrame, n)
			}
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// sync discards bytes up to and including the next sync word.
func (s *SerialSource) sync() error {
	matched := 0
	skipped := 0
	for matched < len(SyncWord) {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		switch {
		case b == SyncWord[matched]:
			matched++
		case b == SyncWord[0]:
			skipped += matched
			matched = 1
		default:
			skipped += matched + 1
			matched = 0
		}
	}
	if skipped > 0 {
		tracef("serial: skipped %d bytes before sync", skipped)
	}
	return nil
}

// IsAvailable reports whether the port is open.
func (s *SerialSource) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close closes the port.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// EncodeSerialFrame wraps a raw frame in the serial link framing.
func EncodeSerialFrame(raw []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(SyncWord) + serialLengthSize + len(raw))
	buf.Write(SyncWord)
	var n [serialLengthSize]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(raw)))
	buf.Write(n[:])
	buf.Write(raw)
	return buf.Bytes()
}

// ctxReader turns serial read timeouts (0, nil) into ErrNoFrame and stops
// reading once the caller's context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.ctx != nil {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
	}
	n, err := c.r.Read(p)
	if n == 0 && err == nil {
		return 0, ErrNoFrame
	}
	if errors.Is(err, io.EOF) && n > 0 {
		return n, nil
	}
	return n, err
}
