package manifest

import (
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
)

// Segment is an addressable, immutable unit of media.
type Segment struct {
	ID string
	// Time and End are in seconds on the presentation timeline.
	Time float64
	End  float64
	// Duration is in seconds; negative when unknown.
	Duration  float64
	Timescale uint32
	IsInit    bool
	Number    uint64
	URL       string
	// ByteRange is an inclusive [first, last] byte range, nil for the whole resource.
	ByteRange *[2]int64
	// TimestampOffset is added by the sink to the media timestamps.
	TimestampOffset float64
}

// HasKnownDuration reports whether Duration is meaningful.
func (s Segment) HasKnownDuration() bool {
	return s.Duration >= 0 && !math.IsInf(s.Duration, 0) && !math.IsNaN(s.Duration)
}

// SegmentIndex answers the questions the buffers ask about a Representation's
// segments. Implementations must be safe for concurrent readers.
type SegmentIndex interface {
	// InitSegment returns the initialization segment, or nil.
	InitSegment() *Segment
	// Segments lists the media segments overlapping [from, from+duration).
	Segments(from, duration float64) []Segment
	// ShouldRefresh reports whether the manifest must be refreshed to serve [from, to).
	ShouldRefresh(from, to float64) bool
	// FirstPosition returns the first available position, if any.
	FirstPosition() (float64, bool)
	// LastPosition returns the end of the last available segment, if any.
	LastPosition() (float64, bool)
	// CheckDiscontinuity returns the next playable time when t falls in a hole
	// of the index.
	CheckDiscontinuity(t float64) (float64, bool)
	// IsSegmentStillAvailable reports whether seg can still be requested.
	IsSegmentStillAvailable(seg Segment) bool
	// CanBeOutOfSyncError reports whether err hints at a stale manifest.
	CanBeOutOfSyncError(err error) bool
	// IsFinished reports whether no further segment will be added.
	IsFinished() bool
}

// StatusCoder is implemented by transport errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// isOutOfSyncStatus reports whether err carries a 404 or 412 HTTP status,
// the symptoms of requesting a segment a stale manifest still announces.
func isOutOfSyncStatus(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.StatusCode()
	return code == http.StatusNotFound || code == http.StatusPreconditionFailed
}

// ListIndex is a SegmentIndex over an explicit, sorted list of segments, as
// produced by a SegmentTimeline or a media playlist.
type ListIndex struct {
	Init     *Segment
	segments []Segment
	finished bool
}

// NewListIndex returns an index over segs (sorted by time). finished tells
// whether the list can still grow.
func NewListIndex(init *Segment, segs []Segment, finished bool) *ListIndex {
	sorted := append([]Segment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return &ListIndex{Init: init, segments: sorted, finished: finished}
}

// InitSegment implements SegmentIndex.
func (x *ListIndex) InitSegment() *Segment { return x.Init }

// Segments implements SegmentIndex.
func (x *ListIndex) Segments(from, duration float64) []Segment {
	to := from + duration
	var out []Segment
	for _, s := range x.segments {
		if s.End > from && s.Time < to {
			out = append(out, s)
		}
	}
	return out
}

// ShouldRefresh implements SegmentIndex.
func (x *ListIndex) ShouldRefresh(_, to float64) bool {
	if x.finished {
		return false
	}
	last, ok := x.LastPosition()
	return !ok || to > last
}

// FirstPosition implements SegmentIndex.
func (x *ListIndex) FirstPosition() (float64, bool) {
	if len(x.segments) == 0 {
		return 0, false
	}
	return x.segments[0].Time, true
}

// LastPosition implements SegmentIndex.
func (x *ListIndex) LastPosition() (float64, bool) {
	if len(x.segments) == 0 {
		return 0, false
	}
	return x.segments[len(x.segments)-1].End, true
}

// CheckDiscontinuity implements SegmentIndex.
func (x *ListIndex) CheckDiscontinuity(t float64) (float64, bool) {
	for i, s := range x.segments {
		if t < s.Time {
			if i == 0 {
				return 0, false
			}
			return s.Time, true
		}
		if t < s.End {
			return 0, false
		}
	}
	return 0, false
}

// IsSegmentStillAvailable implements SegmentIndex.
func (x *ListIndex) IsSegmentStillAvailable(seg Segment) bool {
	if seg.IsInit {
		return true
	}
	for _, s := range x.segments {
		if s.ID == seg.ID {
			return true
		}
	}
	return false
}

// CanBeOutOfSyncError implements SegmentIndex.
func (x *ListIndex) CanBeOutOfSyncError(err error) bool {
	return !x.finished && isOutOfSyncStatus(err)
}

// IsFinished implements SegmentIndex.
func (x *ListIndex) IsFinished() bool { return x.finished }

// TemplateIndex generates fixed-duration numbered segments over a Period
// ($Number$ templates).
type TemplateIndex struct {
	Init        *Segment
	StartNumber uint64
	// SegmentDuration is in seconds.
	SegmentDuration float64
	Timescale       uint32
	// PeriodStart and PeriodEnd bound the generated segments; PeriodEnd may be +Inf.
	PeriodStart float64
	PeriodEnd   float64
	// URL builds the media URL of a segment number.
	URL func(number uint64, time float64) string
}

// InitSegment implements SegmentIndex.
func (x *TemplateIndex) InitSegment() *Segment { return x.Init }

// Segments implements SegmentIndex.
func (x *TemplateIndex) Segments(from, duration float64) []Segment {
	if x.SegmentDuration <= 0 {
		return nil
	}
	from = math.Max(from, x.PeriodStart)
	to := math.Min(from+duration, x.PeriodEnd)
	if to <= from {
		return nil
	}
	first := uint64(math.Floor((from - x.PeriodStart) / x.SegmentDuration))
	var out []Segment
	for i := first; ; i++ {
		start := x.PeriodStart + float64(i)*x.SegmentDuration
		if start >= to {
			break
		}
		end := math.Min(start+x.SegmentDuration, x.PeriodEnd)
		number := x.StartNumber + i
		seg := Segment{
			Time:      start,
			End:       end,
			Duration:  end - start,
			Timescale: x.Timescale,
			Number:    number,
		}
		seg.ID = strconv.FormatUint(number, 10)
		if x.URL != nil {
			seg.URL = x.URL(number, start-x.PeriodStart)
		}
		out = append(out, seg)
	}
	return out
}

// ShouldRefresh implements SegmentIndex.
func (x *TemplateIndex) ShouldRefresh(_, _ float64) bool { return false }

// FirstPosition implements SegmentIndex.
func (x *TemplateIndex) FirstPosition() (float64, bool) { return x.PeriodStart, true }

// LastPosition implements SegmentIndex.
func (x *TemplateIndex) LastPosition() (float64, bool) {
	if math.IsInf(x.PeriodEnd, 1) {
		return 0, false
	}
	return x.PeriodEnd, true
}

// CheckDiscontinuity implements SegmentIndex.
func (x *TemplateIndex) CheckDiscontinuity(float64) (float64, bool) { return 0, false }

// IsSegmentStillAvailable implements SegmentIndex.
func (x *TemplateIndex) IsSegmentStillAvailable(Segment) bool { return true }

// CanBeOutOfSyncError implements SegmentIndex.
func (x *TemplateIndex) CanBeOutOfSyncError(error) bool { return false }

// IsFinished implements SegmentIndex.
func (x *TemplateIndex) IsFinished() bool { return !math.IsInf(x.PeriodEnd, 1) }
