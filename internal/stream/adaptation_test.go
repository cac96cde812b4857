package stream

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
)

type abHarness struct {
	fetcher   *fakeFetcher
	estimator *fakeEstimator
	clock     *broadcast.Value[Tick]
	events    *eventRecorder
	done      *runResult
}

func startAdaptationBuffer(t *testing.T, adaptation *manifest.Adaptation, period *manifest.Period, wba, quota float64, auto bool, opts Options) *abHarness {
	t.Helper()
	h := &abHarness{
		fetcher:   newFakeFetcher(auto),
		estimator: &fakeEstimator{},
		clock:     broadcast.NewWith(Tick{Speed: 1}),
		events:    &eventRecorder{},
	}
	ab := NewAdaptationBuffer(AdaptationBufferConfig{
		StreamType: manifest.Video,
		Period:     period,
		Adaptation: adaptation,
		Sink:       newSink(t, newMemoryStore(quota), manifest.Video),
		Fetcher:    h.fetcher,
		Estimator:  h.estimator,
		Clock:      h.clock,
		Goals:      NewBufferGoals(wba, math.Inf(1), math.Inf(1)),
		Options:    &opts,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.done = runAsync(func() error { return ab.Run(ctx, h.events.add) })
	t.Cleanup(func() {
		cancel()
		<-h.done.done
	})
	return h
}

func TestAdaptationBuffer_buffer_full_back_off(t *testing.T) {
	index := &recordingIndex{ListIndex: manifest.NewListIndex(nil, mediaSegments(20, 0, 5), true)}
	rep := videoRep("r1", 1000, index)
	adaptation := &manifest.Adaptation{ID: "v1", Type: manifest.Video, Representations: []*manifest.Representation{rep}}
	period := manifest.NewPeriod("p1", 0, 100, adaptation)

	h := startAdaptationBuffer(t, adaptation, period, 10, 1, true, DefaultOptions())

	err := waitDone(t, h.done)
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeBufferFull))
	assert.Equal(t, []float64{10, 7.5, 5, 2.5}, index.distinctDurations(),
		"goal ratio goes 1, 0.75, 0.5, 0.25 before giving up")
	assert.Len(t, h.fetcher.requests(), 4)
}

func twoQualities(t *testing.T, lowBitrate, highBitrate int) (*manifest.Adaptation, *manifest.Period) {
	t.Helper()
	index := manifest.NewListIndex(nil, mediaSegments(6, 0, 5), true)
	low := videoRep("low", lowBitrate, index)
	high := videoRep("high", highBitrate, index)
	adaptation := &manifest.Adaptation{ID: "v1", Type: manifest.Video, Representations: []*manifest.Representation{low, high}}
	return adaptation, manifest.NewPeriod("p1", 0, 30, adaptation)
}

func TestAdaptationBuffer_switches_representation(t *testing.T) {
	t.Run("non_urgent_switch_waits_for_the_pending_segment", func(t *testing.T) {
		adaptation, period := twoQualities(t, 1000, 1200)
		h := startAdaptationBuffer(t, adaptation, period, 30, 0, false, DefaultOptions())
		first := h.fetcher.next(t)
		require.Equal(t, "low", first.sc.Representation.ID)

		high := adaptation.Representations[1]
		h.estimator.push(Estimate{Representation: high, Bitrate: 1200})
		h.events.waitFor(t, string(EventStreamTerminating))
		assert.False(t, first.isCancelled())

		first.succeed()
		second := h.fetcher.next(t)
		assert.Equal(t, "high", second.sc.Representation.ID)
		assert.Equal(t, "1", second.sc.Segment.ID, "1200 is not enough to replace the loaded segment")
		assert.Equal(t, 2, h.events.count(string(EventRepresentationChange)))
	})

	t.Run("urgent_switch_cancels_at_once", func(t *testing.T) {
		adaptation, period := twoQualities(t, 1000, 3000)
		h := startAdaptationBuffer(t, adaptation, period, 30, 0, false, DefaultOptions())
		first := h.fetcher.next(t)

		h.estimator.push(Estimate{Representation: adaptation.Representations[1], Urgent: true, Bitrate: 3000})
		second := h.fetcher.next(t)
		assert.True(t, first.isCancelled())
		assert.Equal(t, "high", second.sc.Representation.ID)
		assert.Equal(t, "0", second.sc.Segment.ID)
	})

	t.Run("same_estimate_is_ignored", func(t *testing.T) {
		adaptation, period := twoQualities(t, 1000, 3000)
		h := startAdaptationBuffer(t, adaptation, period, 30, 0, false, DefaultOptions())
		first := h.fetcher.next(t)

		h.estimator.push(Estimate{Representation: adaptation.Representations[0], Bitrate: 1000})
		h.estimator.push(Estimate{Representation: adaptation.Representations[0], Bitrate: 1100})
		require.Eventually(t, func() bool { return h.events.count(string(EventBitrateEstimationChange)) == 2 }, waitTimeout, 5*time.Millisecond)
		assert.Equal(t, 1, h.events.count(string(EventRepresentationChange)))
		assert.False(t, first.isCancelled())
	})

	t.Run("direct_manual_switch_asks_for_a_reload", func(t *testing.T) {
		opts := DefaultOptions()
		opts.ManualBitrateSwitchingMode = SwitchDirect
		adaptation, period := twoQualities(t, 1000, 3000)
		h := startAdaptationBuffer(t, adaptation, period, 30, 0, false, opts)
		h.fetcher.next(t)

		h.clock.Set(Tick{Position: 4, Speed: 1})
		h.estimator.push(Estimate{Representation: adaptation.Representations[1], Manual: true, Bitrate: 3000})
		reload := h.events.waitFor(t, string(EventNeedsMediaSourceReload))
		require.NotNil(t, reload.ev.Reload)
		assert.Equal(t, 4.0, reload.ev.Reload.Position)
		assert.False(t, reload.ev.Reload.Relative)
	})
}
