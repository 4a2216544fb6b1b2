package sink

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// LogSink writes each envelope as one JSON line.
type LogSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewLogSink writes to w. If w is also an io.Closer it is closed by Close.
func NewLogSink(w io.Writer) *LogSink {
	s := &LogSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(env)
}

// Close implements Sink.
func (s *LogSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
