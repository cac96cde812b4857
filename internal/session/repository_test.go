package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/ranges"
	"buffer-orchestrator/internal/stream"
)

func TestInMemoryRepository_Create(t *testing.T) {
	repo := NewInMemoryRepository()

	if err := repo.Create("s1", "m1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create("s1", "m1"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	st, ok := repo.Snapshot("s1")
	if !ok {
		t.Fatal("Snapshot: ok false")
	}
	if st.ManifestID != "m1" || st.Finished() || len(st.Tracks) != 0 {
		t.Errorf("unexpected state %+v", st)
	}
	if _, ok := repo.Snapshot("missing"); ok {
		t.Error("unknown session should not be found")
	}
}

func TestInMemoryRepository_Apply(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.Create("s1", "m1")

	period := manifest.NewPeriod("p1", 0, 10)
	adaptation := &manifest.Adaptation{ID: "v1", Type: manifest.Video}
	rep := &manifest.Representation{ID: "r1", Bitrate: 1000}
	seg := manifest.Segment{ID: "0", Time: 0, End: 2}
	apply := func(ev stream.Event) {
		t.Helper()
		ev.StreamType = manifest.Video
		if err := repo.Apply("s1", ev); err != nil {
			t.Fatalf("Apply(%s): %v", ev.Type, err)
		}
	}

	t.Run("track_choice", func(t *testing.T) {
		apply(stream.Event{Type: stream.EventAdaptationChange, Period: period, Adaptation: adaptation})
		apply(stream.Event{Type: stream.EventRepresentationChange, Period: period, Adaptation: adaptation, Representation: rep})
		apply(stream.Event{Type: stream.EventBitrateEstimationChange, Bitrate: 2500})

		st, _ := repo.Snapshot("s1")
		v := st.Tracks[manifest.Video]
		if v.PeriodID != "p1" || v.AdaptationID != "v1" || v.RepresentationID != "r1" || v.Bitrate != 1000 {
			t.Errorf("unexpected track %+v", v)
		}
		if v.Bandwidth != 2500 {
			t.Errorf("bandwidth: got %v", v.Bandwidth)
		}
		if v.Status != "loading" {
			t.Errorf("status: got %q", v.Status)
		}
	})

	t.Run("segments_and_status", func(t *testing.T) {
		apply(stream.Event{Type: stream.EventActiveBuffer})
		apply(stream.Event{Type: stream.EventAddedSegment, Segment: &manifest.Segment{ID: "init", IsInit: true}})
		apply(stream.Event{Type: stream.EventAddedSegment, Segment: &seg, Buffered: ranges.Ranges{{Start: 0, End: 2}}})
		apply(stream.Event{Type: stream.EventFullBuffer})

		st, _ := repo.Snapshot("s1")
		v := st.Tracks[manifest.Video]
		if v.SegmentsLoaded != 1 {
			t.Errorf("init segments are not counted, got %d", v.SegmentsLoaded)
		}
		if len(v.Buffered) != 1 || v.Buffered[0] != [2]float64{0, 2} {
			t.Errorf("buffered: got %v", v.Buffered)
		}
		if v.Status != "full" {
			t.Errorf("status: got %q", v.Status)
		}
	})

	t.Run("end_of_stream_and_resume", func(t *testing.T) {
		apply(stream.Event{Type: stream.EventCompleteBuffer})
		apply(stream.Event{Type: stream.EventEndOfStream})
		st, _ := repo.Snapshot("s1")
		if !st.EndOfStream || st.Tracks[manifest.Video].Status != "complete" {
			t.Errorf("unexpected state %+v", st)
		}
		apply(stream.Event{Type: stream.EventResumeStream})
		st, _ = repo.Snapshot("s1")
		if st.EndOfStream {
			t.Error("resume-stream should clear end of stream")
		}
	})

	t.Run("active_period_and_reloads", func(t *testing.T) {
		apply(stream.Event{Type: stream.EventActivePeriodChanged, Period: period})
		apply(stream.Event{Type: stream.EventNeedsMediaSourceReload, Reload: &stream.Reload{}})
		apply(stream.Event{Type: stream.EventNeedsDecipherabilityFlush, Reload: &stream.Reload{}})
		st, _ := repo.Snapshot("s1")
		if st.ActivePeriod != "p1" || st.Reloads != 2 {
			t.Errorf("unexpected state %+v", st)
		}
	})

	t.Run("warnings_are_bounded", func(t *testing.T) {
		for i := 0; i < maxWarnings+5; i++ {
			apply(stream.Event{Type: stream.EventWarning, Err: fmt.Errorf("warning %d", i)})
		}
		st, _ := repo.Snapshot("s1")
		if len(st.Warnings) != maxWarnings {
			t.Fatalf("warnings: got %d", len(st.Warnings))
		}
		if st.Warnings[len(st.Warnings)-1] != fmt.Sprintf("warning %d", maxWarnings+4) {
			t.Errorf("latest warning should be kept, got %q", st.Warnings[len(st.Warnings)-1])
		}
	})

	t.Run("disabled_track", func(t *testing.T) {
		apply(stream.Event{Type: stream.EventAdaptationChange, Period: period})
		st, _ := repo.Snapshot("s1")
		v := st.Tracks[manifest.Video]
		if v.Status != "disabled" || v.AdaptationID != "" || v.RepresentationID != "" {
			t.Errorf("unexpected track %+v", v)
		}
	})

	t.Run("snapshot_is_a_copy", func(t *testing.T) {
		st, _ := repo.Snapshot("s1")
		st.Tracks[manifest.Video].SegmentsLoaded = 99
		st.Warnings[0] = "changed"
		again, _ := repo.Snapshot("s1")
		if again.Tracks[manifest.Video].SegmentsLoaded == 99 || again.Warnings[0] == "changed" {
			t.Error("snapshot shares state with the repository")
		}
	})
}

func TestInMemoryRepository_Finish(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.Create("s1", "m1")
	_ = repo.Create("s2", "m1")

	if got := repo.ActiveSessionCount(); got != 2 {
		t.Fatalf("ActiveSessionCount: got %d", got)
	}
	if err := repo.Finish("s1", errors.New("boom")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := repo.Finish("s1", nil); err != nil {
		t.Errorf("second Finish should be a no-op, got %v", err)
	}
	if err := repo.Finish("missing", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	st, _ := repo.Snapshot("s1")
	if !st.Finished() || st.Error != "boom" {
		t.Errorf("unexpected state %+v", st)
	}
	if err := repo.Apply("s1", stream.Event{Type: stream.EventActiveBuffer}); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("expected ErrSessionFinished, got %v", err)
	}
	if err := repo.Apply("missing", stream.Event{Type: stream.EventActiveBuffer}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if got := repo.ActiveSessionCount(); got != 1 {
		t.Errorf("ActiveSessionCount: got %d", got)
	}
}

func TestInMemoryRepository_List(t *testing.T) {
	repo := NewInMemoryRepository()
	now := time.Unix(100, 0)
	repo.now = func() time.Time { return now }
	_ = repo.Create("b", "m1")
	now = now.Add(time.Second)
	_ = repo.Create("a", "m1")

	list := repo.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("expected oldest first, got %v", list)
	}
}
