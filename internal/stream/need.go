package stream

import (
	"math"

	"buffer-orchestrator/internal/inventory"
	"buffer-orchestrator/internal/manifest"
)

// Content is the Representation a buffer works on.
type Content struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
}

func (c Content) withSegment(seg manifest.Segment) inventory.Content {
	return inventory.Content{
		Period:         c.Period,
		Adaptation:     c.Adaptation,
		Representation: c.Representation,
		Segment:        seg,
	}
}

// NeedInput gathers what GetNeededSegments looks at.
type NeedInput struct {
	Content      Content
	PlaybackTime float64
	// KnownStableBitrate is nil when no stable bitrate is known.
	KnownStableBitrate *float64
	// Pushing lists the segments whose push to the sink is in progress.
	Pushing []inventory.Content
	// Start and End bound the wanted range.
	Start     float64
	End       float64
	Inventory []inventory.Chunk
	// ProtectsPlayback is true when the sink must not receive data right
	// after the playback position.
	ProtectsPlayback bool
	Options          *Options
}

// GetNeededSegments returns, sorted by time, the media segments of the
// wanted range that must be loaded. It has no side effect.
func GetNeededSegments(in NeedInput) []manifest.Segment {
	opts := in.Options
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	rep := in.Content.Representation
	if rep == nil || rep.Index == nil || in.End <= in.Start {
		return nil
	}
	candidates := rep.Index.Segments(in.Start, in.End-in.Start)

	var kept []inventory.Chunk
	for _, chunk := range playableChunks(in.Inventory, in.Start, in.End, opts) {
		if !shouldContentBeReplaced(chunk.Content, in.Content, in.PlaybackTime, in.KnownStableBitrate, in.ProtectsPlayback, opts) {
			kept = append(kept, chunk)
		}
	}
	reusable := filterGarbageCollected(kept, in.Start, in.End, opts)

	var out []manifest.Segment
	for _, seg := range candidates {
		if isSegmentNeeded(seg, in, reusable, opts) {
			out = append(out, seg)
		}
	}
	return out
}

func isSegmentNeeded(seg manifest.Segment, in NeedInput, reusable []inventory.Chunk, opts *Options) bool {
	candidate := in.Content.withSegment(seg)
	for _, p := range in.Pushing {
		if p.SameSegment(candidate) {
			return false
		}
	}
	if seg.IsInit {
		return true
	}
	if seg.HasKnownDuration() && seg.Duration < opts.MinimumSegmentSize {
		return false
	}
	if waitForPushedSegment(seg, in, opts) {
		return false
	}

	// already downloaded, possibly from another Adaptation of the Period
	for _, c := range reusable {
		if c.Period.ID != in.Content.Period.ID {
			continue
		}
		if seg.Time-c.Start > -opts.RoundingError && c.End-seg.End > -opts.RoundingError {
			return false
		}
	}

	// hole in place of the segment
	for i, c := range reusable {
		if c.End > seg.Time {
			return c.Start > seg.Time+opts.RoundingError ||
				lastContiguous(reusable, i, opts).End < seg.End-opts.RoundingError
		}
	}
	return true
}

// waitForPushedSegment reports whether another Representation's segment
// covering seg is being pushed and must not be replaced.
func waitForPushedSegment(seg manifest.Segment, in NeedInput, opts *Options) bool {
	for _, p := range in.Pushing {
		if p.Period.ID != in.Content.Period.ID || p.Adaptation.ID != in.Content.Adaptation.ID {
			continue
		}
		if p.Segment.Time-opts.RoundingError > seg.Time || p.Segment.End+opts.RoundingError < seg.End {
			continue
		}
		if !shouldContentBeReplaced(p, in.Content, in.PlaybackTime, in.KnownStableBitrate, in.ProtectsPlayback, opts) {
			return true
		}
	}
	return false
}

// playableChunks returns the fully pushed, decipherable entries overlapping
// the wanted range.
func playableChunks(entries []inventory.Chunk, start, end float64, opts *Options) []inventory.Chunk {
	tolerance := math.Max(1.0/60, opts.MinimumSegmentSize)
	minEnd, maxStart := start+tolerance, end-tolerance
	var out []inventory.Chunk
	for _, e := range entries {
		if e.PartiallyPushed || e.Period == nil || e.Adaptation == nil || e.Representation == nil {
			continue
		}
		if d, known := e.Representation.Decipherable(); known && !d {
			continue
		}
		if e.End > minEnd && e.Start < maxStart {
			out = append(out, e)
		}
	}
	return out
}

// shouldContentBeReplaced reports whether buffered content old should be
// replaced by the content being loaded.
func shouldContentBeReplaced(old inventory.Content, current Content, playbackTime float64, knownStableBitrate *float64, protectsPlayback bool, opts *Options) bool {
	if old.Period.ID != current.Period.ID {
		return false
	}
	if protectsPlayback && old.Segment.Time < playbackTime+opts.ContentReplacementPadding {
		return false
	}
	if old.Adaptation.ID != current.Adaptation.ID {
		return true
	}
	return canFastSwitch(old.Representation, current.Representation, knownStableBitrate, opts)
}

// canFastSwitch reports whether data of old may be replaced by data of next.
func canFastSwitch(old, next *manifest.Representation, knownStableBitrate *float64, opts *Options) bool {
	oldBitrate := float64(old.Bitrate)
	if knownStableBitrate == nil {
		return float64(next.Bitrate) > oldBitrate*opts.BitrateRebufferingRatio
	}
	return oldBitrate < *knownStableBitrate && float64(next.Bitrate) > oldBitrate
}

func filterGarbageCollected(chunks []inventory.Chunk, start, end float64, opts *Options) []inventory.Chunk {
	out := make([]inventory.Chunk, 0, len(chunks))
	for i, c := range chunks {
		var prev, next *inventory.Chunk
		if i > 0 {
			prev = &chunks[i-1]
		}
		if i < len(chunks)-1 {
			next = &chunks[i+1]
		}
		if startSeemsGarbageCollected(c, prev, start, opts) || endSeemsGarbageCollected(c, next, end, opts) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func startSeemsGarbageCollected(c inventory.Chunk, prev *inventory.Chunk, maximumStart float64, opts *Options) bool {
	if c.BufferedStart == nil {
		return true
	}
	if prev != nil && prev.BufferedEnd != nil && *c.BufferedStart-*prev.BufferedEnd < opts.ContiguityTolerance {
		return false
	}
	return maximumStart < *c.BufferedStart && *c.BufferedStart-c.Start > opts.MaxTimeMissingFromCompleteSegment
}

func endSeemsGarbageCollected(c inventory.Chunk, next *inventory.Chunk, minimumEnd float64, opts *Options) bool {
	if c.BufferedEnd == nil {
		return true
	}
	if next != nil && next.BufferedStart != nil && *next.BufferedStart-*c.BufferedEnd < opts.ContiguityTolerance {
		return false
	}
	return minimumEnd > *c.BufferedEnd && c.End-*c.BufferedEnd > opts.MaxTimeMissingFromCompleteSegment
}

// lastContiguous returns the last chunk contiguous to chunks[i].
func lastContiguous(chunks []inventory.Chunk, i int, opts *Options) inventory.Chunk {
	j := i
	for j+1 < len(chunks) && chunks[j].End+opts.RoundingError > chunks[j+1].Start {
		j++
	}
	return chunks[j]
}
