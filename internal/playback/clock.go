// Package playback simulates the clock of a media element for headless
// sessions: the position advances in real time while enough data is buffered
// ahead of it, and stalls otherwise.
package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/stream"
)

// Config tunes the Clock.
type Config struct {
	// Interval between two ticks.
	Interval      time.Duration
	StartPosition float64
	Speed         float64
	AutoPlay      bool
	// Playback stalls under StallGap seconds of data ahead and resumes once
	// ResumeGap seconds are buffered.
	StallGap  float64
	ResumeGap float64
}

// DefaultConfig returns the defaults of the server.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		Speed:     1,
		AutoPlay:  true,
		StallGap:  0.5,
		ResumeGap: 5,
	}
}

// GapFunc returns the seconds of data buffered ahead of position.
type GapFunc func(position float64) float64

// Clock produces stream.Ticks.
type Clock struct {
	cfg   Config
	gap   GapFunc
	end   func() float64
	ticks *broadcast.Value[stream.Tick]
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	position float64
	paused   bool
	stalled  bool
	ended    bool
	speed    float64
	last     time.Time
}

// New returns a Clock. end returns the maximum position of the content; the
// position never reaches it.
func New(cfg Config, gap GapFunc, end func() float64, log *slog.Logger) *Clock {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Clock{
		cfg:      cfg,
		gap:      gap,
		end:      end,
		ticks:    broadcast.New[stream.Tick](),
		log:      logger.OrDiscard(log),
		now:      time.Now,
		position: cfg.StartPosition,
		paused:   !cfg.AutoPlay,
		stalled:  true,
		speed:    cfg.Speed,
	}
}

// Ticks is the signal the buffers observe.
func (c *Clock) Ticks() *broadcast.Value[stream.Tick] { return c.ticks }

// Run publishes a tick every Interval until ctx is done.
func (c *Clock) Run(ctx context.Context) error {
	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
	c.publish()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.advance(c.now())
		}
	}
}

// Position returns the current position.
func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Ended reports whether the position reached the end of the content.
func (c *Clock) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Seek moves the position and publishes a tick at once.
func (c *Clock) Seek(position float64) {
	c.mu.Lock()
	c.ended = false
	c.position = c.clamp(position)
	c.last = c.now()
	c.mu.Unlock()
	c.log.Debug("seek", "position", position)
	c.publish()
}

// SetPaused pauses or resumes playback.
func (c *Clock) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.last = c.now()
	c.mu.Unlock()
	c.publish()
}

// SetSpeed changes the playback rate.
func (c *Clock) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	c.publish()
}

// Handle applies the events asking the player to move: discontinuities and
// reloads. It reports whether the event was a reload.
func (c *Clock) Handle(ev stream.Event) bool {
	switch ev.Type {
	case stream.EventDiscontinuity:
		if ev.Discontinuity != nil {
			c.Seek(ev.Discontinuity.End)
		}
	case stream.EventNeedsMediaSourceReload, stream.EventNeedsDecipherabilityFlush:
		if ev.Reload == nil {
			return true
		}
		position := ev.Reload.Position
		if ev.Reload.Relative {
			position += c.Position()
		}
		c.SetPaused(!ev.Reload.AutoPlay)
		c.Seek(position)
		return true
	}
	return false
}

func (c *Clock) advance(now time.Time) {
	c.mu.Lock()
	elapsed := now.Sub(c.last).Seconds()
	c.last = now
	if !c.paused && !c.stalled && !c.ended {
		c.position = c.clamp(c.position + elapsed*c.speed)
	}
	c.updateStalledLocked()
	c.mu.Unlock()
	c.publish()
}

// clamp keeps position inside the content; reaching its end ends playback.
func (c *Clock) clamp(position float64) float64 {
	end := c.end()
	if math.IsInf(end, 1) {
		return position
	}
	if limit := end - manifest.PeriodEdgeTolerance; position >= limit {
		c.ended = true
		return math.Max(limit, 0)
	}
	return position
}

func (c *Clock) updateStalledLocked() {
	if c.ended {
		c.stalled = false
		return
	}
	gap := c.gap(c.position)
	remaining := c.end() - c.position
	threshold := c.cfg.StallGap
	if c.stalled {
		threshold = c.cfg.ResumeGap
	}
	was := c.stalled
	c.stalled = gap < threshold && gap < remaining-manifest.PeriodEdgeTolerance
	if was != c.stalled {
		c.log.Debug("stall state changed", "stalled", c.stalled, "position", c.position, "gap", gap)
	}
}

func (c *Clock) publish() {
	c.mu.Lock()
	tick := stream.Tick{
		Position: c.position,
		Stalled:  c.stalled,
		Paused:   c.paused,
		Speed:    c.speed,
		LiveGap:  math.Inf(1),
	}
	c.mu.Unlock()
	c.ticks.Set(tick)
}
