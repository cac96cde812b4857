package sink

import (
	"context"
	"math"

	"buffer-orchestrator/internal/ranges"
)

// GCLimits bounds the data kept around the playback position. Infinite
// values disable the corresponding side.
type GCLimits struct {
	MaxBufferBehind float64
	MaxBufferAhead  float64
}

// CollectGarbage removes data further than the limits from position and
// returns what was removed.
func (b *Buffer) CollectGarbage(ctx context.Context, position float64, limits GCLimits) (ranges.Ranges, error) {
	toRemove := garbageRanges(b.BufferedRanges(), position, limits)
	for _, r := range toRemove {
		if err := b.Remove(ctx, r.Start, r.End); err != nil {
			return nil, err
		}
	}
	return toRemove, nil
}

func garbageRanges(buffered ranges.Ranges, position float64, limits GCLimits) ranges.Ranges {
	var out ranges.Ranges
	behind := position - limits.MaxBufferBehind
	ahead := position + limits.MaxBufferAhead
	if !math.IsInf(limits.MaxBufferBehind, 1) {
		for _, r := range buffered {
			if r.Start >= behind {
				break
			}
			out = append(out, ranges.Range{Start: r.Start, End: math.Min(r.End, behind)})
		}
	}
	if !math.IsInf(limits.MaxBufferAhead, 1) {
		for _, r := range buffered {
			if r.End <= ahead {
				continue
			}
			out = append(out, ranges.Range{Start: math.Max(r.Start, ahead), End: r.End})
		}
	}
	return ranges.Normalize(out)
}

// AcquireCollector starts run in its own goroutine unless a collector is
// already running for this buffer. The collector stops once every holder
// released it or the buffer is disposed.
func (b *Buffer) AcquireCollector(run func(ctx context.Context)) (release func()) {
	b.gcMu.Lock()
	defer b.gcMu.Unlock()
	b.gcRefs++
	if b.gcRefs == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		b.gcStop, b.gcDone = cancel, done
		go func() {
			defer close(done)
			run(ctx)
		}()
	}

	var released bool
	return func() {
		b.gcMu.Lock()
		if released || b.gcRefs == 0 {
			b.gcMu.Unlock()
			return
		}
		released = true
		b.gcRefs--
		if b.gcRefs > 0 {
			b.gcMu.Unlock()
			return
		}
		stop, done := b.gcStop, b.gcDone
		b.gcStop, b.gcDone = nil, nil
		b.gcMu.Unlock()
		stop()
		<-done
	}
}

func (b *Buffer) stopCollector() {
	b.gcMu.Lock()
	stop, done := b.gcStop, b.gcDone
	b.gcRefs = 0
	b.gcStop, b.gcDone = nil, nil
	b.gcMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}
