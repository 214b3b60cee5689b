// Package player is the media transport the daemon drives. The clock player
// has no audio output; it advances the playhead with wall time so the rest of
// the pipeline behaves as it would behind a real decoder.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"prism/internal/extract"
	"prism/internal/fanout"
	"prism/internal/media"
)

// ErrNotLoaded is returned by transport calls before Load.
var ErrNotLoaded = errors.New("no media loaded")

// Player is the transport contract.
type Player interface {
	Load(ctx context.Context, ref string) (float64, error)
	Play() error
	Pause() error
	Seek(t float64) error
	Position() float64
	Subscribe() (<-chan float64, func())
}

// Clock is a Player driven by a clock.
type Clock struct {
	mu        sync.Mutex
	ref       string
	duration  float64
	playing   bool
	base      float64
	startedAt time.Time

	prober extract.Prober
	now    func() time.Time
	hub    *fanout.Hub[float64]
}

// NewClock returns a player that validates media with prober. now may be nil.
func NewClock(prober extract.Prober, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{prober: prober, now: now, hub: fanout.New[float64]()}
}

// Load probes ref and rewinds to zero.
func (c *Clock) Load(ctx context.Context, ref string) (float64, error) {
	d, err := c.prober.Duration(ctx, ref)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s has no audio", media.ErrLoadFailure, ref)
	}
	c.mu.Lock()
	c.ref, c.duration = ref, d
	c.playing, c.base = false, 0
	c.mu.Unlock()
	return d, nil
}

func (c *Clock) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ref == "" {
		return ErrNotLoaded
	}
	if !c.playing {
		c.playing = true
		c.startedAt = c.now()
	}
	return nil
}

func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ref == "" {
		return ErrNotLoaded
	}
	c.base = c.positionLocked()
	c.playing = false
	return nil
}

func (c *Clock) Seek(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ref == "" {
		return ErrNotLoaded
	}
	if t < 0 || t > c.duration {
		return fmt.Errorf("%w: seek to %.1fs outside [0, %.1f]", media.ErrInvalidRange, t, c.duration)
	}
	c.base = t
	c.startedAt = c.now()
	return nil
}

func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *Clock) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing && c.positionLocked() < c.duration
}

func (c *Clock) positionLocked() float64 {
	if !c.playing {
		return c.base
	}
	p := c.base + c.now().Sub(c.startedAt).Seconds()
	if p > c.duration {
		p = c.duration
	}
	return p
}

// Subscribe streams positions published by Run.
func (c *Clock) Subscribe() (<-chan float64, func()) {
	return c.hub.Subscribe(4)
}

// Run publishes the position every interval while playing, until ctx ends.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.hub.Close()
			return
		case <-ticker.C:
			c.mu.Lock()
			playing := c.playing
			pos := c.positionLocked()
			c.mu.Unlock()
			if playing {
				c.hub.Publish(pos)
			}
		}
	}
}
