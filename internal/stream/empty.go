package stream

import (
	"context"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
)

// emptyBuffer stands for a Period with no chosen Adaptation. It only reports
// whether the wanted range reaches the end of the Period.
type emptyBuffer struct {
	typ    manifest.StreamType
	period *manifest.Period
	clock  *broadcast.Value[Tick]
	wanted *broadcast.Value[float64]
}

func (e *emptyBuffer) Run(ctx context.Context, emit func(Event)) error {
	clockCh, releaseClock := e.clock.Subscribe()
	defer releaseClock()
	wantedCh, releaseWanted := e.wanted.Subscribe()
	defer releaseWanted()

	var (
		tick     Tick
		hasTick  bool
		wba      float64
		hasWBA   bool
		lastFull *bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-clockCh:
			if !ok {
				clockCh = nil
				continue
			}
			tick, hasTick = t, true
		case w, ok := <-wantedCh:
			if !ok {
				wantedCh = nil
				continue
			}
			wba, hasWBA = w, true
		}
		if !hasTick || !hasWBA {
			continue
		}
		full := tick.WantedPosition()+wba >= e.period.End
		if lastFull != nil && *lastFull == full {
			continue
		}
		lastFull = &full
		typ := EventActiveBuffer
		if full {
			typ = EventFullBuffer
		}
		emit(Event{Type: typ, StreamType: e.typ, Period: e.period})
	}
}
