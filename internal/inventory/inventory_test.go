package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/ranges"
)

var (
	testPeriod = manifest.NewPeriod("p1", 0, 60)
	testAdapt  = &manifest.Adaptation{ID: "video-1", Type: manifest.Video}
	lowRep     = &manifest.Representation{ID: "low", Bitrate: 500_000}
	highRep    = &manifest.Representation{ID: "high", Bitrate: 3_000_000}
)

func content(rep *manifest.Representation, id string, start, end float64) Content {
	return Content{
		Period:         testPeriod,
		Adaptation:     testAdapt,
		Representation: rep,
		Segment:        manifest.Segment{ID: id, Time: start, End: end, Duration: end - start},
	}
}

func push(inv *Inventory, c Content) {
	inv.Insert(c, c.Segment.Time, c.Segment.End)
	inv.CompleteSegment(c)
}

func bounds(entries []Chunk) [][2]float64 {
	out := make([][2]float64, 0, len(entries))
	for _, e := range entries {
		out = append(out, [2]float64{e.Start, e.End})
	}
	return out
}

func TestInventory_Insert(t *testing.T) {
	t.Run("sorted_and_partially_pushed", func(t *testing.T) {
		inv := New(0)
		inv.Insert(content(lowRep, "2", 4, 8), 4, 8)
		inv.Insert(content(lowRep, "1", 0, 4), 0, 4)

		entries := inv.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, [][2]float64{{0, 4}, {4, 8}}, bounds(entries))
		assert.True(t, entries[0].PartiallyPushed)

		inv.CompleteSegment(content(lowRep, "1", 0, 4))
		entries = inv.Entries()
		assert.False(t, entries[0].PartiallyPushed)
		assert.True(t, entries[1].PartiallyPushed)
	})

	t.Run("chunks_of_same_segment_merge", func(t *testing.T) {
		inv := New(0)
		c := content(lowRep, "1", 0, 4)
		inv.Insert(c, 0, 2)
		inv.Insert(c, 2, 4)
		inv.CompleteSegment(c)

		entries := inv.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, 0.0, entries[0].Start)
		assert.Equal(t, 4.0, entries[0].End)
	})

	t.Run("newer_replaces_covered", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 4))
		push(inv, content(highRep, "1", 0, 4))

		entries := inv.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "high", entries[0].Representation.ID)
	})

	t.Run("newer_truncates_and_splits", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "long", 0, 10))
		push(inv, content(highRep, "mid", 4, 6))

		entries := inv.Entries()
		assert.Equal(t, [][2]float64{{0, 4}, {4, 6}, {6, 10}}, bounds(entries))
		assert.Equal(t, "low", entries[0].Representation.ID)
		assert.Equal(t, "high", entries[1].Representation.ID)
		assert.Equal(t, "low", entries[2].Representation.ID)
	})

	t.Run("touching_within_tolerance_untouched", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 4.003))
		push(inv, content(lowRep, "2", 4, 8))

		assert.Equal(t, [][2]float64{{0, 4.003}, {4, 8}}, bounds(inv.Entries()))
	})

	t.Run("empty_chunk_ignored", func(t *testing.T) {
		inv := New(0)
		inv.Insert(content(lowRep, "1", 4, 4), 4, 4)
		assert.Empty(t, inv.Entries())
	})
}

func TestInventory_Synchronize(t *testing.T) {
	t.Run("sets_buffered_bounds", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 4))
		push(inv, content(lowRep, "2", 4, 8))

		inv.Synchronize(ranges.Ranges{{Start: 0, End: 8}})
		entries := inv.Entries()
		require.Len(t, entries, 2)
		for _, e := range entries {
			require.NotNil(t, e.BufferedStart)
			require.NotNil(t, e.BufferedEnd)
			assert.Equal(t, e.Start, *e.BufferedStart)
			assert.Equal(t, e.End, *e.BufferedEnd)
		}
	})

	t.Run("garbage_collected_start", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 4))
		push(inv, content(lowRep, "2", 4, 8))

		inv.Synchronize(ranges.Ranges{{Start: 2, End: 8}})
		entries := inv.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 2.0, *entries[0].BufferedStart)
		assert.Equal(t, 4.0, *entries[0].BufferedEnd)
	})

	t.Run("hole_inside_an_entry", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 5))
		push(inv, content(lowRep, "2", 5, 10))

		inv.Synchronize(ranges.Ranges{{Start: 0, End: 6.5}, {Start: 9, End: 10}})
		entries := inv.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 5.0, *entries[1].BufferedStart)
		assert.Equal(t, 6.5, *entries[1].BufferedEnd)
	})

	t.Run("evicted_entries_dropped", func(t *testing.T) {
		inv := New(0)
		push(inv, content(lowRep, "1", 0, 4))
		push(inv, content(lowRep, "2", 4, 8))

		inv.Synchronize(ranges.Ranges{{Start: 4, End: 8}})
		entries := inv.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "2", entries[0].Segment.ID)
	})

	t.Run("partially_pushed_kept", func(t *testing.T) {
		inv := New(0)
		inv.Insert(content(lowRep, "1", 0, 4), 0, 4)

		inv.Synchronize(nil)
		require.Len(t, inv.Entries(), 1)
	})
}

func TestInventory_Remove(t *testing.T) {
	inv := New(0)
	push(inv, content(lowRep, "1", 0, 4))
	push(inv, content(lowRep, "2", 4, 8))
	push(inv, content(lowRep, "3", 8, 12))

	inv.Remove(2, 9)
	assert.Equal(t, [][2]float64{{0, 2}, {9, 12}}, bounds(inv.Entries()))

	inv.Reset()
	assert.Empty(t, inv.Entries())
}

func TestInventory_queries(t *testing.T) {
	inv := New(0)
	push(inv, content(lowRep, "1", 0, 4))
	push(inv, content(highRep, "2", 4, 8))
	push(inv, content(lowRep, "3", 8, 12))

	assert.Len(t, inv.Overlapping(3, 5), 2)
	assert.Empty(t, inv.Overlapping(12, 20))

	low := inv.RangesOf(func(c Chunk) bool { return c.Representation.ID == "low" })
	assert.Equal(t, ranges.Ranges{{Start: 0, End: 4}, {Start: 8, End: 12}}, low)
}

func TestContent_identity(t *testing.T) {
	a := content(lowRep, "1", 0, 4)
	b := content(lowRep, "1", 0, 4)
	c := content(highRep, "1", 0, 4)

	assert.True(t, a.SameSegment(b))
	assert.False(t, a.SameSegment(c))
	assert.False(t, a.SameRepresentation(c))
	assert.Equal(t, "p1/video-1/low/1", a.String())
}
