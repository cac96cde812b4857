package stream

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/sink"
)

type pbHarness struct {
	store   *sink.Store
	fetcher *fakeFetcher
	events  *eventRecorder
	done    *runResult
}

func startPeriodBuffer(t *testing.T, typ manifest.StreamType, period *manifest.Period, store *sink.Store, choose TrackChooser) *pbHarness {
	t.Helper()
	opts := DefaultOptions()
	h := &pbHarness{store: store, fetcher: newFakeFetcher(true), events: &eventRecorder{}}
	pb := NewPeriodBuffer(PeriodBufferConfig{
		StreamType:  typ,
		Period:      period,
		Store:       store,
		Fetcher:     h.fetcher,
		Estimator:   &fakeEstimator{},
		Clock:       broadcast.NewWith(Tick{Speed: 1}),
		Goals:       NewBufferGoals(30, math.Inf(1), math.Inf(1)),
		Options:     &opts,
		ChooseTrack: choose,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.done = runAsync(func() error { return pb.Run(ctx, h.events.add) })
	t.Cleanup(func() {
		cancel()
		<-h.done.done
		store.DisposeAll()
	})
	return h
}

func chooseFirst(p *manifest.Period, typ manifest.StreamType) *manifest.Adaptation {
	if as := p.Adaptations[typ]; len(as) > 0 {
		return as[0]
	}
	return nil
}

func TestPeriodBuffer_loads_the_chosen_adaptation(t *testing.T) {
	content := testContent(6, 5)
	store := newMemoryStore(0)
	store.DisableSink(manifest.Audio)

	h := startPeriodBuffer(t, manifest.Video, content.Period, store, chooseFirst)

	ready := h.events.waitFor(t, string(EventPeriodBufferReady))
	require.NotNil(t, ready.ev.Slot)
	change := h.events.waitFor(t, string(EventAdaptationChange))
	assert.Equal(t, "v1", change.ev.Adaptation.ID)
	h.events.waitFor(t, string(EventRepresentationChange))
	full := h.events.waitFor(t, string(EventFullBuffer))
	assert.Equal(t, "p1", full.ev.Period.ID)

	assert.Equal(t, sink.StatusInitialized, store.Status(manifest.Video))
	assert.Len(t, h.fetcher.requests(), 6)
}

func TestPeriodBuffer_slot_written_later(t *testing.T) {
	content := testContent(6, 5)
	store := newMemoryStore(0)
	store.DisableSink(manifest.Audio)

	h := startPeriodBuffer(t, manifest.Video, content.Period, store, nil)
	ready := h.events.waitFor(t, string(EventPeriodBufferReady))
	assert.Zero(t, h.events.count(string(EventAdaptationChange)))

	ready.ev.Slot.Set(content.Adaptation)
	h.events.waitFor(t, string(EventFullBuffer))
}

func TestPeriodBuffer_no_adaptation(t *testing.T) {
	period := manifest.NewPeriod("p1", 0, 30)
	store := newMemoryStore(0)

	h := startPeriodBuffer(t, manifest.Text, period, store, chooseFirst)

	change := h.events.waitFor(t, string(EventAdaptationChange))
	assert.Nil(t, change.ev.Adaptation)
	h.events.waitFor(t, string(EventFullBuffer))
	assert.Equal(t, sink.StatusDisabled, store.Status(manifest.Text))
}

func TestPeriodBuffer_text_sink_failure_is_a_warning(t *testing.T) {
	rep := &manifest.Representation{ID: "t1", MimeType: "text/vtt", Index: manifest.NewListIndex(nil, mediaSegments(6, 0, 5), true)}
	adaptation := &manifest.Adaptation{ID: "t", Type: manifest.Text, Representations: []*manifest.Representation{rep}}
	period := manifest.NewPeriod("p1", 0, 30, adaptation)
	store := sink.NewStore(func(manifest.StreamType, string) (sink.Backend, error) {
		return nil, errors.New("unsupported")
	}, 0, nil)

	h := startPeriodBuffer(t, manifest.Text, period, store, chooseFirst)

	warning := h.events.waitFor(t, string(EventWarning))
	assert.True(t, HasCode(warning.ev.Err, CodeBufferType))
	h.events.waitFor(t, string(EventFullBuffer))
}

func TestPeriodBuffer_disabled_native_sink_reloads(t *testing.T) {
	content := testContent(6, 5)
	store := newMemoryStore(0)
	store.DisableSink(manifest.Video)

	h := startPeriodBuffer(t, manifest.Video, content.Period, store, chooseFirst)

	reload := h.events.waitFor(t, string(EventNeedsMediaSourceReload))
	require.NotNil(t, reload.ev.Reload)
	assert.Zero(t, h.events.count(string(EventAdaptationChange)))
}
