// Package alerts decides when confirmed tracks raise a LIFEFORM_DETECTED
// alert and formats the payload.
package alerts

import (
	"fmt"
	"time"

	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
	"github.com/banshee-data/resofly/internal/timeutil"
)

// EscalationPolicy allows a re-alert inside the cooldown window. The zero
// value never escalates.
type EscalationPolicy struct {
	// MinTempRise is the rise in °C of a track's running maximum over the
	// temperature recorded at its last alert. Zero disables escalation.
	MinTempRise float64
}

func (p EscalationPolicy) enabled() bool { return p.MinTempRise > 0 }

// escalates reports whether a track now at temp warrants a fresh alert after
// last alerting at prev.
func (p EscalationPolicy) escalates(prev, temp float64) bool {
	return p.enabled() && temp-prev >= p.MinTempRise
}

// Config holds alert gating parameters.
type Config struct {
	// PersistenceThreshold must not be below the tracker's confirmation
	// threshold, so only confirmed tracks alert.
	PersistenceThreshold int
	Cooldown             time.Duration
	// RequiredValidation restricts alerts to one validation type. Empty
	// accepts any.
	RequiredValidation lifeform.ValidationType
	Escalation         EscalationPolicy
	Clock              timeutil.Clock
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		PersistenceThreshold: tracking.DefaultConfig().PersistenceThreshold,
		Cooldown:             300 * time.Second,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.PersistenceThreshold < 1 {
		return fmt.Errorf("persistence_threshold must be at least 1, got %d", c.PersistenceThreshold)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %s", c.Cooldown)
	}
	if c.Escalation.MinTempRise < 0 {
		return fmt.Errorf("escalation min_temp_rise must be non-negative, got %g", c.Escalation.MinTempRise)
	}
	return nil
}

type record struct {
	at   time.Time
	temp float64
}

// Manager keeps per-id alert history. It is not safe for concurrent use; the
// processor goroutine owns it together with the tracker whose objects it
// marks.
type Manager struct {
	cfg     Config
	history map[uint64]record
}

// NewManager validates cfg and defaults the clock to real time.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Manager{cfg: cfg, history: make(map[uint64]record)}, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// HistoryLen returns the number of ids with a remembered alert.
func (m *Manager) HistoryLen() int { return len(m.history) }

// CheckAndEmit returns one payload for every object that qualifies, in the
// order given, and sets AlertSent on each of them.
func (m *Manager) CheckAndEmit(tracked []*tracking.TrackedObject, frame uint64) []lifeform.AlertPayload {
	now := m.cfg.Clock.Now()
	var out []lifeform.AlertPayload

	for _, o := range tracked {
		if o == nil || o.Persistence < m.cfg.PersistenceThreshold {
			continue
		}
		prev, seen := m.history[o.ID]
		if o.AlertSent && seen && now.Sub(prev.at) < m.cfg.Cooldown {
			if !m.cfg.Escalation.escalates(prev.temp, o.MaxTemperature) {
				continue
			}
			lifeform.Diagf("alerts: escalating #%d, %.1fC -> %.1fC", o.ID, prev.temp, o.MaxTemperature)
		}
		if m.cfg.RequiredValidation != lifeform.ValidationUnknown && o.Validation != m.cfg.RequiredValidation {
			continue
		}

		o.AlertSent = true
		m.history[o.ID] = record{at: now, temp: o.MaxTemperature}

		p := Payload(o, frame, now)
		out = append(out, p)
		lifeform.Opsf("ALERT #%d: type=%s, temp=%.1fC, conf=%.0f%%",
			o.ID, o.Validation, o.MaxTemperature, o.Confidence*100)
	}

	m.gc(now)
	return out
}

// gc drops history older than twice the cooldown.
func (m *Manager) gc(now time.Time) {
	horizon := 2 * m.cfg.Cooldown
	for id, r := range m.history {
		if now.Sub(r.at) > horizon {
			delete(m.history, id)
		}
	}
}

// Payload formats the alert for o. Temperature is rounded to one decimal and
// confidence is expressed as a percentage with one decimal.
func Payload(o *tracking.TrackedObject, frame uint64, at time.Time) lifeform.AlertPayload {
	return lifeform.AlertPayload{
		ID:          o.ID,
		Type:        lifeform.AlertType,
		Validation:  o.Validation,
		MaxTemp:     lifeform.Round(o.MaxTemperature, 1),
		Confidence:  lifeform.Round(o.Confidence*100, 1),
		Persistence: o.Persistence,
		Frame:       frame,
		Timestamp:   at.UTC(),
	}
}
