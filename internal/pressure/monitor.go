// Package pressure turns discrete memory-pressure signals into a leveled
// event stream with any number of subscribers.
package pressure

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/fanout"
	"prism/internal/media"
	"prism/internal/metrics"
)

const (
	urgentWindow   = 30 * time.Second
	urgentCount    = 3
	criticalWindow = 60 * time.Second
	criticalCount  = 5
)

// Event is one pressure notification.
type Event struct {
	Level     media.PressureLevel `json:"level"`
	Timestamp time.Time           `json:"timestamp"`
}

// Monitor aggregates signals and fans events out.
type Monitor struct {
	mu       sync.Mutex
	warnings []time.Time
	last     Event

	hub     *fanout.Hub[Event]
	now     func() time.Time
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New builds a monitor. now may be nil.
func New(logger *logrus.Logger, m *metrics.Metrics, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		hub:     fanout.New[Event](),
		now:     now,
		logger:  logger,
		metrics: m,
		last:    Event{Level: media.PressureNormal},
	}
}

// Trigger emits an event at level directly.
func (m *Monitor) Trigger(level media.PressureLevel) Event {
	ev := Event{Level: level, Timestamp: m.now()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = ev
	m.emit(ev)
	return ev
}

// Signal records one OS-style warning and emits an event whose level depends
// on how many warnings arrived recently: five within a minute is critical,
// three within thirty seconds is urgent, anything else is a warning.
func (m *Monitor) Signal() Event {
	now := m.now()

	m.mu.Lock()
	m.warnings = append(m.warnings, now)
	cutoff := now.Add(-criticalWindow)
	keep := m.warnings[:0]
	for _, ts := range m.warnings {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	m.warnings = keep

	inUrgent := 0
	for _, ts := range m.warnings {
		if now.Sub(ts) < urgentWindow {
			inUrgent++
		}
	}
	level := media.PressureWarning
	switch {
	case len(m.warnings) >= criticalCount:
		level = media.PressureCritical
	case inUrgent >= urgentCount:
		level = media.PressureUrgent
	}
	ev := Event{Level: level, Timestamp: now}
	m.last = ev
	m.emit(ev)
	m.mu.Unlock()
	return ev
}

// Subscribe returns an independent event stream. Call cancel when done.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	return m.hub.Subscribe(8)
}

// Last is the most recent event (normal before any signal).
func (m *Monitor) Last() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Close ends every subscription.
func (m *Monitor) Close() { m.hub.Close() }

// emit runs under m.mu so subscribers see events in the order Last reports.
func (m *Monitor) emit(ev Event) {
	m.metrics.Pressure(ev.Level.String())
	if m.logger != nil {
		m.logger.WithField("level", ev.Level.String()).Info("memory pressure")
	}
	m.hub.Publish(ev)
}
