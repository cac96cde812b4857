package stream

import (
	"math"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/sink"
)

// SwitchingMode tells how a change of quality or track is applied.
type SwitchingMode string

const (
	// SwitchSeamless keeps playing buffered data while the new choice loads.
	SwitchSeamless SwitchingMode = "seamless"
	// SwitchDirect makes the change visible immediately, reloading if needed.
	SwitchDirect SwitchingMode = "direct"
)

// Paddings are the seconds kept before and after the playback position when
// cleaning the data of a previous track.
type Paddings struct {
	Before float64
	After  float64
}

// Options holds the policy constants of the buffers. Use DefaultOptions and
// override single fields.
type Options struct {
	// RoundingError is the tolerance when comparing segment bounds.
	RoundingError float64
	// MinimumSegmentSize is the duration under which a media segment is not
	// worth downloading.
	MinimumSegmentSize float64
	// MaxTimeMissingFromCompleteSegment is how far a buffered bound may drift
	// from the expected one before the segment is considered garbage collected.
	MaxTimeMissingFromCompleteSegment float64
	// ContiguityTolerance is the gap under which two buffered chunks are
	// considered contiguous.
	ContiguityTolerance float64
	// BitrateRebufferingRatio is the bitrate ratio a new Representation must
	// exceed to replace buffered data when no stable bitrate is known.
	BitrateRebufferingRatio float64
	// ContentReplacementPadding protects data right after the playback
	// position from replacement on sinks that report it.
	ContentReplacementPadding float64
	// BufferGoalRatioStep is removed from a Representation's goal ratio after
	// each buffer-full error.
	BufferGoalRatioStep float64
	// MinimumBufferGoal is the smallest buffer goal, in seconds, worth a retry.
	MinimumBufferGoal float64
	// SegmentPrioritySteps are the distances (seconds ahead of the wanted
	// position) separating successive priorities.
	SegmentPrioritySteps []float64

	LowPadding  map[manifest.StreamType]float64
	HighPadding map[manifest.StreamType]float64
	// DefaultLowPadding and DefaultHighPadding apply to types without entry.
	DefaultLowPadding  float64
	DefaultHighPadding float64

	AdaptationSwitchPaddings map[manifest.StreamType]Paddings
	DeltaPositionAfterReload map[manifest.StreamType]float64

	// MaxBufferBehind and MaxBufferAhead cap, per type, the data kept by the
	// garbage collector, on top of the global goals.
	MaxBufferBehind map[manifest.StreamType]float64
	MaxBufferAhead  map[manifest.StreamType]float64

	EnableFastSwitching        bool
	ManualBitrateSwitchingMode SwitchingMode
	AudioTrackSwitchingMode    SwitchingMode
}

// DefaultOptions returns the reference policy.
func DefaultOptions() Options {
	return Options{
		RoundingError:                     0.005,
		MinimumSegmentSize:                0.005,
		MaxTimeMissingFromCompleteSegment: 0.15,
		ContiguityTolerance:               0.1,
		BitrateRebufferingRatio:           1.5,
		ContentReplacementPadding:         1.2,
		BufferGoalRatioStep:               0.25,
		MinimumBufferGoal:                 2,
		SegmentPrioritySteps:              []float64{2, 4, 8, 12, 18, 25},
		LowPadding: map[manifest.StreamType]float64{
			manifest.Audio: 0.1,
			manifest.Video: 0.1,
		},
		HighPadding: map[manifest.StreamType]float64{
			manifest.Audio: 1,
			manifest.Video: 3,
		},
		DefaultLowPadding:  0.2,
		DefaultHighPadding: 1,
		AdaptationSwitchPaddings: map[manifest.StreamType]Paddings{
			manifest.Audio: {Before: 2, After: 2.5},
			manifest.Video: {Before: 5, After: 5},
			manifest.Text:  {},
			manifest.Image: {},
		},
		DeltaPositionAfterReload: map[manifest.StreamType]float64{
			manifest.Audio: -0.7,
			manifest.Video: 0,
		},
		MaxBufferBehind: map[manifest.StreamType]float64{
			manifest.Text:  5 * 60,
			manifest.Image: 5 * 60,
		},
		MaxBufferAhead: map[manifest.StreamType]float64{
			manifest.Text:  5 * 60,
			manifest.Image: 5 * 60,
		},
		EnableFastSwitching:        true,
		ManualBitrateSwitchingMode: SwitchSeamless,
		AudioTrackSwitchingMode:    SwitchSeamless,
	}
}

func (o *Options) lowPadding(t manifest.StreamType) float64 {
	if v, ok := o.LowPadding[t]; ok {
		return v
	}
	return o.DefaultLowPadding
}

func (o *Options) highPadding(t manifest.StreamType) float64 {
	if v, ok := o.HighPadding[t]; ok {
		return v
	}
	return o.DefaultHighPadding
}

func (o *Options) gcLimits(t manifest.StreamType, goals BufferGoals) sink.GCLimits {
	behind, ahead := math.Inf(1), math.Inf(1)
	if goals.MaxBufferBehind != nil {
		if v, ok := goals.MaxBufferBehind.Get(); ok {
			behind = v
		}
	}
	if goals.MaxBufferAhead != nil {
		if v, ok := goals.MaxBufferAhead.Get(); ok {
			ahead = v
		}
	}
	if v, ok := o.MaxBufferBehind[t]; ok {
		behind = math.Min(behind, v)
	}
	if v, ok := o.MaxBufferAhead[t]; ok {
		ahead = math.Min(ahead, v)
	}
	return sink.GCLimits{MaxBufferBehind: behind, MaxBufferAhead: ahead}
}

// BufferGoals are the user-tunable buffer sizes, in seconds.
type BufferGoals struct {
	WantedBufferAhead *broadcast.Value[float64]
	MaxBufferAhead    *broadcast.Value[float64]
	MaxBufferBehind   *broadcast.Value[float64]
}

// NewBufferGoals returns goals initialized with the given values.
func NewBufferGoals(wantedAhead, maxAhead, maxBehind float64) BufferGoals {
	return BufferGoals{
		WantedBufferAhead: broadcast.NewWith(wantedAhead),
		MaxBufferAhead:    broadcast.NewWith(maxAhead),
		MaxBufferBehind:   broadcast.NewWith(maxBehind),
	}
}

// SegmentPriority maps the distance between a segment and the wanted
// position to a priority, lower being more urgent.
func SegmentPriority(segmentStart, wantedPosition float64, steps []float64) int {
	distance := segmentStart - wantedPosition
	for i, step := range steps {
		if distance < step {
			return i
		}
	}
	return len(steps)
}
