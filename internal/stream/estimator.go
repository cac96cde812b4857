package stream

import (
	"context"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
)

// Estimate is one Representation choice of the bandwidth estimator.
type Estimate struct {
	Representation *manifest.Representation
	// Manual is true when the choice was forced by the user.
	Manual bool
	// Urgent asks for the switch to happen without finishing pending work.
	Urgent bool
	// KnownStableBitrate is nil until the estimator trusts its measures.
	KnownStableBitrate *float64
	Bitrate            float64
}

// EstimatorInput is what an Adaptation Buffer gives the estimator.
type EstimatorInput struct {
	Type            manifest.StreamType
	Period          *manifest.Period
	Adaptation      *manifest.Adaptation
	Representations []*manifest.Representation
	Clock           *broadcast.Value[Tick]
}

// Estimator chooses Representations. The returned channel is closed when
// ctx is done.
type Estimator interface {
	Estimates(ctx context.Context, in EstimatorInput) <-chan Estimate
}

// Feedback receives the metrics of every loaded media segment.
type Feedback interface {
	AddSample(typ manifest.StreamType, m fetch.RequestMetrics)
}
