package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/stream"
)

func TestSession_Run(t *testing.T) {
	t.Run("plays_to_the_end", func(t *testing.T) {
		repo := NewInMemoryRepository()
		cfg := testConfig(videoManifest(2, 0.2, 1000), &instantFetcher{})
		cfg.StopAtEnd = true
		s := New(cfg, repo, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, s.Run(ctx))
		require.NoError(t, ctx.Err(), "session should stop on its own")

		st, ok := repo.Snapshot(s.ID)
		require.True(t, ok)
		assert.True(t, st.Finished())
		assert.True(t, st.EndOfStream)
		assert.Empty(t, st.Error)
		assert.Equal(t, "p1", st.ActivePeriod)
		video := st.Tracks[manifest.Video]
		require.NotNil(t, video)
		assert.Equal(t, 2, video.SegmentsLoaded)
		assert.Equal(t, "complete", video.Status)
		assert.Equal(t, "r1", video.RepresentationID)
		assert.Equal(t, [][2]float64{{0, 0.4}}, video.Buffered)
		assert.True(t, s.Clock().Ended())
		assert.Zero(t, repo.ActiveSessionCount())
	})

	t.Run("fatal_error", func(t *testing.T) {
		repo := NewInMemoryRepository()
		cfg := testConfig(videoManifest(2, 1, 1000), &instantFetcher{})
		cfg.Playback.StartPosition = 50
		// The first tick must reach the buffers before any clamping.
		cfg.Playback.Interval = time.Hour
		s := New(cfg, repo, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		err := s.Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, stream.ErrTimeNotFound))

		st, _ := repo.Snapshot(s.ID)
		assert.True(t, st.Finished())
		assert.NotEmpty(t, st.Error)
	})

	t.Run("no_estimator", func(t *testing.T) {
		cfg := testConfig(videoManifest(1, 1, 1000), &instantFetcher{})
		cfg.ABR = nil
		assert.Error(t, New(cfg, NewInMemoryRepository(), nil, nil).Run(context.Background()))
	})
}

func TestSession_reload_on_decipherability_flush(t *testing.T) {
	repo := NewInMemoryRepository()
	svc := NewService(repo)
	m := videoManifest(10, 1, 1000, 500)
	fetcher := &instantFetcher{}
	s := New(testConfig(m, fetcher), repo, nil, nil)
	stop := runService(t, svc, s)

	require.Eventually(t, func() bool { return fetcher.requests("r2") > 0 }, waitTimeout, 5*time.Millisecond,
		"the lowest bitrate is chosen first")

	m.UpdateDecipherability(func(r *manifest.Representation) (bool, bool) {
		if r.ID == "r2" {
			return false, true
		}
		return true, false
	})

	require.Eventually(t, func() bool {
		st, _ := svc.Get(s.ID)
		v := st.Tracks[manifest.Video]
		return st.Reloads == 1 && v != nil && v.RepresentationID == "r1" && v.SegmentsLoaded > 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Positive(t, fetcher.requests("r1"))

	require.NoError(t, stop())
	st, _ := svc.Get(s.ID)
	assert.True(t, st.Finished())
	assert.Empty(t, st.Error)
}

func TestPreferLanguage(t *testing.T) {
	en := &manifest.Adaptation{ID: "en", Type: manifest.Audio, Language: "en"}
	fr := &manifest.Adaptation{ID: "fr", Type: manifest.Audio, Language: "fr"}
	p := manifest.NewPeriod("p1", 0, 10, en, fr)

	assert.Equal(t, fr, PreferLanguage("fr")(p, manifest.Audio))
	assert.Equal(t, en, PreferLanguage("de")(p, manifest.Audio))
	assert.Equal(t, en, PreferLanguage("")(p, manifest.Audio))
	assert.Nil(t, PreferLanguage("fr")(p, manifest.Video))
}
