// Package abr is the default bandwidth estimator: a fast and a slow EWMA of
// the measured throughput per stream type, and a manual bitrate override.
package abr

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/stream"
)

// Config tunes the Estimator.
type Config struct {
	// FastHalfLife and SlowHalfLife are in seconds of download time.
	FastHalfLife float64
	SlowHalfLife float64
	// MinimumBytes ignores smaller requests, whose throughput is dominated by
	// latency.
	MinimumBytes int64
	// StableSamples is the number of samples after which the slow average is
	// reported as a known stable bitrate.
	StableSamples int
	// SafetyFactor is applied to the bandwidth before choosing.
	SafetyFactor float64
	// InitialBitrate caps the first choice while nothing was measured.
	InitialBitrate float64
}

// DefaultConfig returns the defaults used by the player.
func DefaultConfig() Config {
	return Config{
		FastHalfLife:   2,
		SlowHalfLife:   10,
		MinimumBytes:   16_000,
		StableSamples:  3,
		SafetyFactor:   0.8,
		InitialBitrate: 0,
	}
}

type typeState struct {
	fast    *ewma
	slow    *ewma
	samples int
	// bandwidth holds the current estimate in bits per second.
	bandwidth *broadcast.Value[float64]
	// manual holds the forced bitrate, negative for automatic mode.
	manual *broadcast.Value[int]
}

// Estimator implements stream.Estimator and stream.Feedback.
type Estimator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	types map[manifest.StreamType]*typeState
}

var (
	_ stream.Estimator = (*Estimator)(nil)
	_ stream.Feedback  = (*Estimator)(nil)
)

// New returns an Estimator.
func New(cfg Config, log *slog.Logger) *Estimator {
	return &Estimator{cfg: cfg, log: logger.OrDiscard(log), types: make(map[manifest.StreamType]*typeState)}
}

func (e *Estimator) state(typ manifest.StreamType) *typeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.types[typ]
	if !ok {
		s = &typeState{
			fast:      newEWMA(e.cfg.FastHalfLife),
			slow:      newEWMA(e.cfg.SlowHalfLife),
			bandwidth: broadcast.New[float64](),
			manual:    broadcast.NewWith(-1),
		}
		e.types[typ] = s
	}
	return s
}

// AddSample implements stream.Feedback.
func (e *Estimator) AddSample(typ manifest.StreamType, m fetch.RequestMetrics) {
	if m.Size < e.cfg.MinimumBytes || m.Duration <= 0 {
		return
	}
	s := e.state(typ)
	seconds := m.Duration.Seconds()
	throughput := float64(m.Size) * 8 / seconds

	e.mu.Lock()
	s.fast.add(seconds, throughput)
	s.slow.add(seconds, throughput)
	s.samples++
	bandwidth := min(s.fast.get(), s.slow.get())
	e.mu.Unlock()

	e.log.Debug("bandwidth sample", "stream_type", string(typ), "throughput", throughput, "estimate", bandwidth)
	s.bandwidth.Set(bandwidth)
}

// Bandwidth returns the current estimate of typ in bits per second.
func (e *Estimator) Bandwidth(typ manifest.StreamType) (float64, bool) {
	return e.state(typ).bandwidth.Get()
}

// SetManualBitrate forces the Representation with the highest bitrate not
// above bitrate. A negative value goes back to automatic mode.
func (e *Estimator) SetManualBitrate(typ manifest.StreamType, bitrate int) {
	e.state(typ).manual.Set(bitrate)
}

func (e *Estimator) stableBitrate(s *typeState) *float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.samples < e.cfg.StableSamples {
		return nil
	}
	v := s.slow.get()
	return &v
}

// Estimates implements stream.Estimator.
func (e *Estimator) Estimates(ctx context.Context, in stream.EstimatorInput) <-chan stream.Estimate {
	out := make(chan stream.Estimate, 1)
	s := e.state(in.Type)
	reps := sortedByBitrate(in.Representations)

	go func() {
		defer close(out)
		if len(reps) == 0 {
			return
		}
		bandwidthCh, releaseBandwidth := s.bandwidth.Subscribe()
		defer releaseBandwidth()
		manualCh, releaseManual := s.manual.Subscribe()
		defer releaseManual()

		var (
			bandwidth    float64
			hasBandwidth bool
			manual       = -1
			last         *stream.Estimate
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-bandwidthCh:
				if !ok {
					bandwidthCh = nil
					continue
				}
				bandwidth, hasBandwidth = v, true
			case v, ok := <-manualCh:
				if !ok {
					manualCh = nil
					continue
				}
				manual = v
			}

			est := e.choose(reps, bandwidth, hasBandwidth, manual, last)
			est.KnownStableBitrate = e.stableBitrate(s)
			if last != nil && sameEstimate(*last, est) {
				continue
			}
			select {
			case out <- est:
				last = &est
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *Estimator) choose(reps []*manifest.Representation, bandwidth float64, hasBandwidth bool, manual int, last *stream.Estimate) stream.Estimate {
	if manual >= 0 {
		return stream.Estimate{
			Representation: highestBelow(reps, float64(manual)),
			Manual:         true,
			Urgent:         true,
			Bitrate:        bandwidth,
		}
	}
	if !hasBandwidth {
		rep := reps[0]
		if e.cfg.InitialBitrate > 0 {
			rep = highestBelow(reps, e.cfg.InitialBitrate)
		}
		return stream.Estimate{Representation: rep}
	}
	rep := highestBelow(reps, bandwidth*e.cfg.SafetyFactor)
	urgent := last != nil && last.Representation != nil && rep.Bitrate < last.Representation.Bitrate
	return stream.Estimate{Representation: rep, Urgent: urgent, Bitrate: bandwidth}
}

func sameEstimate(a, b stream.Estimate) bool {
	if a.Representation != b.Representation || a.Manual != b.Manual || a.Bitrate != b.Bitrate {
		return false
	}
	if a.KnownStableBitrate == nil || b.KnownStableBitrate == nil {
		return a.KnownStableBitrate == b.KnownStableBitrate
	}
	return *a.KnownStableBitrate == *b.KnownStableBitrate
}

func sortedByBitrate(reps []*manifest.Representation) []*manifest.Representation {
	out := append([]*manifest.Representation(nil), reps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bitrate < out[j].Bitrate })
	return out
}

// highestBelow returns the Representation with the highest bitrate not above
// limit, or the lowest one. reps must be sorted and not empty.
func highestBelow(reps []*manifest.Representation, limit float64) *manifest.Representation {
	chosen := reps[0]
	for _, r := range reps[1:] {
		if float64(r.Bitrate) > limit {
			break
		}
		chosen = r
	}
	return chosen
}
