// Package inventory keeps the record of which segments were pushed to a sink
// and what the sink reports still holding of them.
package inventory

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/ranges"
)

// DefaultRoundingError is the overlap tolerance used when none is given.
const DefaultRoundingError = 0.005

// Content identifies the media a chunk was produced from.
type Content struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        manifest.Segment
}

// SameSegment reports whether c and o designate the same segment of the same
// Representation.
func (c Content) SameSegment(o Content) bool {
	return c.Segment.ID == o.Segment.ID && c.SameRepresentation(o)
}

// SameRepresentation reports whether c and o come from the same Representation
// of the same Period.
func (c Content) SameRepresentation(o Content) bool {
	return idOf(c.Period) == idOf(o.Period) &&
		adaptationID(c.Adaptation) == adaptationID(o.Adaptation) &&
		representationID(c.Representation) == representationID(o.Representation)
}

func (c Content) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", idOf(c.Period), adaptationID(c.Adaptation), representationID(c.Representation), c.Segment.ID)
}

// Chunk is one inventory entry. Start and End are the expected bounds;
// BufferedStart and BufferedEnd are what the sink last reported, nil while
// unknown.
type Chunk struct {
	Content
	Start           float64
	End             float64
	BufferedStart   *float64
	BufferedEnd     *float64
	PartiallyPushed bool
}

// Inventory is safe for concurrent use.
type Inventory struct {
	mu            sync.Mutex
	entries       []Chunk
	roundingError float64
}

// New returns an empty inventory. A non-positive roundingError selects
// DefaultRoundingError.
func New(roundingError float64) *Inventory {
	if roundingError <= 0 {
		roundingError = DefaultRoundingError
	}
	return &Inventory{roundingError: roundingError}
}

// Insert records a freshly pushed chunk. Chunks of a segment still being
// pushed are merged into its entry; any other overlapped entry is truncated,
// split or removed, the newest data winning.
func (inv *Inventory) Insert(content Content, start, end float64) {
	if end <= start {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for i := range inv.entries {
		e := &inv.entries[i]
		if e.PartiallyPushed && e.SameSegment(content) {
			e.Start = math.Min(e.Start, start)
			e.End = math.Max(e.End, end)
			e.BufferedStart, e.BufferedEnd = nil, nil
			inv.carve(i, e.Start, e.End)
			inv.sort()
			return
		}
	}

	inv.carve(-1, start, end)
	inv.entries = append(inv.entries, Chunk{Content: content, Start: start, End: end, PartiallyPushed: true})
	inv.sort()
}

// carve frees [start, end) of every entry but the one at index keep.
func (inv *Inventory) carve(keep int, start, end float64) {
	tol := inv.roundingError
	kept := inv.entries[:0:0]
	for i, e := range inv.entries {
		if i == keep || e.End <= start+tol || e.Start >= end-tol {
			kept = append(kept, e)
			continue
		}
		before, after := e, e
		hasBefore := e.Start < start-tol
		hasAfter := e.End > end+tol
		if hasBefore {
			before.End = start
			before.BufferedEnd = clampPtr(before.BufferedEnd, start)
			kept = append(kept, before)
		}
		if hasAfter {
			after.Start = end
			if after.BufferedStart != nil && *after.BufferedStart < end {
				v := end
				after.BufferedStart = &v
			}
			kept = append(kept, after)
		}
	}
	inv.entries = kept
}

// CompleteSegment marks the segment of content as fully pushed.
func (inv *Inventory) CompleteSegment(content Content) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := range inv.entries {
		if inv.entries[i].SameSegment(content) {
			inv.entries[i].PartiallyPushed = false
		}
	}
}

// Synchronize updates the buffered bounds of every entry from the ranges the
// sink reports. Entries no longer buffered at all are removed.
//
// The bounds of an entry come from the first range overlapping it, so a hole
// inside the entry shows up as a buffered end before its expected end.
func (inv *Inventory) Synchronize(buffered ranges.Ranges) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	kept := inv.entries[:0]
	for _, e := range inv.entries {
		var first *ranges.Range
		for i := range buffered {
			r := buffered[i]
			if r.End <= e.Start || r.Start >= e.End {
				continue
			}
			first = &buffered[i]
			break
		}
		if first == nil {
			if e.PartiallyPushed {
				kept = append(kept, e)
			}
			continue
		}
		bs := math.Max(first.Start, e.Start)
		be := math.Min(first.End, e.End)
		e.BufferedStart, e.BufferedEnd = &bs, &be
		kept = append(kept, e)
	}
	inv.entries = kept
}

// Remove drops every entry, or part of it, within [start, end).
func (inv *Inventory) Remove(start, end float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.carve(-1, start, end)
}

// Reset empties the inventory.
func (inv *Inventory) Reset() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.entries = nil
}

// Entries returns a snapshot of the entries sorted by start.
func (inv *Inventory) Entries() []Chunk {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Chunk, len(inv.entries))
	copy(out, inv.entries)
	return out
}

// Overlapping returns the entries intersecting [start, end].
func (inv *Inventory) Overlapping(start, end float64) []Chunk {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var out []Chunk
	for _, e := range inv.entries {
		if e.End > start && e.Start < end {
			out = append(out, e)
		}
	}
	return out
}

// RangesOf returns the time ranges whose entries match keep, merged.
func (inv *Inventory) RangesOf(keep func(Chunk) bool) ranges.Ranges {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var out ranges.Ranges
	for _, e := range inv.entries {
		if keep(e) {
			start, end := e.Start, e.End
			if e.BufferedStart != nil {
				start = *e.BufferedStart
			}
			if e.BufferedEnd != nil {
				end = *e.BufferedEnd
			}
			out = out.Insert(ranges.Range{Start: start, End: end})
		}
	}
	return out
}

func (inv *Inventory) sort() {
	sort.SliceStable(inv.entries, func(i, j int) bool { return inv.entries[i].Start < inv.entries[j].Start })
}

func clampPtr(p *float64, max float64) *float64 {
	if p == nil || *p <= max {
		return p
	}
	v := max
	return &v
}

func idOf(p *manifest.Period) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func adaptationID(a *manifest.Adaptation) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func representationID(r *manifest.Representation) string {
	if r == nil {
		return ""
	}
	return r.ID
}
