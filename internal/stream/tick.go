package stream

import "math"

// Tick is one observation of the playback clock.
type Tick struct {
	// Position is the current playback position, in seconds.
	Position float64
	// WantedTimeOffset is added to Position while a seek is pending.
	WantedTimeOffset float64
	// Stalled is true while playback waits for data.
	Stalled bool
	Paused  bool
	Speed   float64
	// LiveGap is the distance to the live edge, +Inf or 0 when unknown.
	LiveGap float64
}

// WantedPosition is the position the buffers should serve.
func (t Tick) WantedPosition() float64 {
	return t.Position + t.WantedTimeOffset
}

func (t Tick) hasLiveGap() bool {
	return t.LiveGap > 0 && !math.IsInf(t.LiveGap, 1)
}
