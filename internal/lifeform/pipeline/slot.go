package pipeline

import (
	"sync"

	"gocv.io/x/gocv"
)

// frameSlot is a single-slot cache for the newest raw frame. The writer hands
// over ownership on store; readers receive a clone.
type frameSlot struct {
	mu  sync.Mutex
	mat gocv.Mat
	has bool
	seq uint64
}

// store takes ownership of m, closes the frame it replaces and returns the
// new sequence number.
func (s *frameSlot) store(m gocv.Mat) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has {
		s.mat.Close()
	}
	s.mat = m
	s.has = true
	s.seq++
	return s.seq
}

// loadAfter returns a clone of the cached frame when its sequence differs
// from seen.
func (s *frameSlot) loadAfter(seen uint64) (gocv.Mat, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has || s.seq == seen {
		return gocv.Mat{}, seen, false
	}
	return s.mat.Clone(), s.seq, true
}

func (s *frameSlot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has {
		s.mat.Close()
		s.has = false
	}
}

// jpegSlot holds the newest encoded frame. Stored buffers are never modified
// after publication, so readers share them without copying.
type jpegSlot struct {
	mu  sync.RWMutex
	buf []byte
	seq uint64
}

func (s *jpegSlot) store(b []byte) {
	s.mu.Lock()
	s.buf = b
	s.seq++
	s.mu.Unlock()
}

func (s *jpegSlot) load() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf, s.seq
}
