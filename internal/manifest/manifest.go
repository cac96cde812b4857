// Package manifest models the static content tree the buffers read from:
// Periods, Adaptations (tracks), Representations (qualities) and the
// Segment indexes behind them.
package manifest

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// StreamType is the elementary stream type of an Adaptation.
type StreamType string

const (
	Audio StreamType = "audio"
	Video StreamType = "video"
	Text  StreamType = "text"
	Image StreamType = "image"
)

// StreamTypes lists every supported stream type in a stable order.
var StreamTypes = []StreamType{Audio, Video, Text, Image}

// Manifest is a sorted list of Periods. It is read-only for the buffers,
// except for Representation decipherability which may change at any time.
type Manifest struct {
	ID        string
	IsDynamic bool
	Periods   []*Period

	mu          sync.Mutex
	minPosition *float64
	maxPosition *float64
	listeners   map[int]func([]DecipherabilityUpdate)
	nextID      int
}

// New builds a Manifest, sorting periods by start time.
func New(id string, periods ...*Period) *Manifest {
	sorted := append([]*Period(nil), periods...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Manifest{ID: id, Periods: sorted, listeners: make(map[int]func([]DecipherabilityUpdate))}
}

// SetBounds overrides the playable bounds, as a live manifest refresh would.
func (m *Manifest) SetBounds(min, max float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minPosition = &min
	m.maxPosition = &max
}

// MinimumPosition returns the earliest playable position.
func (m *Manifest) MinimumPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minPosition != nil {
		return *m.minPosition
	}
	if len(m.Periods) == 0 {
		return 0
	}
	return m.Periods[0].Start
}

// MaximumPosition returns the latest playable position. An open-ended last
// Period without explicit bounds yields +Inf.
func (m *Manifest) MaximumPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxPosition != nil {
		return *m.maxPosition
	}
	if len(m.Periods) == 0 {
		return 0
	}
	return m.Periods[len(m.Periods)-1].End
}

// PeriodForTime returns the Period containing t, or nil.
func (m *Manifest) PeriodForTime(t float64) *Period {
	for _, p := range m.Periods {
		if p.Contains(t) {
			return p
		}
	}
	return nil
}

// PeriodAfter returns the Period chronologically following p, or nil when p
// is the last one or is open-ended.
func (m *Manifest) PeriodAfter(p *Period) *Period {
	if p == nil || p.IsOpenEnded() {
		return nil
	}
	for _, candidate := range m.Periods {
		if candidate.Start >= p.End-PeriodEdgeTolerance && candidate.ID != p.ID {
			return candidate
		}
	}
	return nil
}

// PeriodByID returns the Period with the given id, or nil.
func (m *Manifest) PeriodByID(id string) *Period {
	for _, p := range m.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// StreamTypes returns the stream types offered by at least one Period.
func (m *Manifest) StreamTypes() []StreamType {
	var out []StreamType
	for _, t := range StreamTypes {
		for _, p := range m.Periods {
			if len(p.Adaptations[t]) > 0 {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// DecipherabilityUpdate describes a Representation whose decipherability
// changed.
type DecipherabilityUpdate struct {
	Period         *Period
	Adaptation     *Adaptation
	Representation *Representation
}

// OnDecipherabilityUpdate registers fn, called synchronously for every batch
// of updates. The returned function unregisters it.
func (m *Manifest) OnDecipherabilityUpdate(fn func([]DecipherabilityUpdate)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[int]func([]DecipherabilityUpdate))
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// UpdateDecipherability applies decide to every Representation. decide
// returns the new decipherability and whether it is known; Representations
// whose value actually changes are reported to the listeners.
func (m *Manifest) UpdateDecipherability(decide func(*Representation) (decipherable, known bool)) []DecipherabilityUpdate {
	var updates []DecipherabilityUpdate
	for _, p := range m.Periods {
		for _, t := range StreamTypes {
			for _, a := range p.Adaptations[t] {
				for _, r := range a.Representations {
					val, known := decide(r)
					if !known {
						continue
					}
					if r.setDecipherable(val) {
						updates = append(updates, DecipherabilityUpdate{Period: p, Adaptation: a, Representation: r})
					}
				}
			}
		}
	}
	if len(updates) == 0 {
		return nil
	}

	m.mu.Lock()
	fns := make([]func([]DecipherabilityUpdate), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(updates)
	}
	return updates
}

// PeriodEdgeTolerance absorbs rounding between one Period's end and the next
// one's start.
const PeriodEdgeTolerance = 1.0 / 60

// Period is a time interval of the content with its own set of tracks.
type Period struct {
	ID    string
	Start float64
	// End is +Inf for an open-ended (live) Period.
	End         float64
	Adaptations map[StreamType][]*Adaptation
}

// NewPeriod builds a Period; a non-positive or infinite duration makes it
// open-ended.
func NewPeriod(id string, start, duration float64, adaptations ...*Adaptation) *Period {
	end := math.Inf(1)
	if duration > 0 && !math.IsInf(duration, 1) {
		end = start + duration
	}
	p := &Period{ID: id, Start: start, End: end, Adaptations: make(map[StreamType][]*Adaptation)}
	for _, a := range adaptations {
		p.Adaptations[a.Type] = append(p.Adaptations[a.Type], a)
	}
	return p
}

// IsOpenEnded reports whether the Period has no known end.
func (p *Period) IsOpenEnded() bool {
	return math.IsInf(p.End, 1)
}

// Contains reports whether t is in [Start, End).
func (p *Period) Contains(t float64) bool {
	return t >= p.Start && t < p.End
}

// AdaptationByID returns the Adaptation of the given type and id, or nil.
func (p *Period) AdaptationByID(t StreamType, id string) *Adaptation {
	for _, a := range p.Adaptations[t] {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (p *Period) String() string {
	return fmt.Sprintf("Period(%s [%.3f, %.3f))", p.ID, p.Start, p.End)
}

// Adaptation is a selectable track.
type Adaptation struct {
	ID              string
	Type            StreamType
	Language        string
	Role            string
	Representations []*Representation
}

// PlayableRepresentations returns the Representations not known to be
// undecipherable.
func (a *Adaptation) PlayableRepresentations() []*Representation {
	out := make([]*Representation, 0, len(a.Representations))
	for _, r := range a.Representations {
		if d, known := r.Decipherable(); known && !d {
			continue
		}
		out = append(out, r)
	}
	return out
}

// IsEncrypted reports whether any Representation declares content protection.
func (a *Adaptation) IsEncrypted() bool {
	for _, r := range a.Representations {
		if r.IsEncrypted() {
			return true
		}
	}
	return false
}

// ContentProtection is a DRM system declaration of a Representation.
type ContentProtection struct {
	SchemeIDURI string
	SystemID    string
}

const (
	decipherabilityUnknown int32 = iota
	decipherabilityYes
	decipherabilityNo
)

// Representation is one quality of an Adaptation.
type Representation struct {
	ID                 string
	Bitrate            int
	MimeType           string
	Codec              string
	ContentProtections []ContentProtection
	Index              SegmentIndex

	decipherable atomic.Int32
}

// MimeTypeString returns the full mime type, e.g. `video/mp4;codecs="avc1.64001f"`.
func (r *Representation) MimeTypeString() string {
	if r.Codec == "" {
		return r.MimeType
	}
	return fmt.Sprintf("%s;codecs=%q", r.MimeType, r.Codec)
}

// IsEncrypted reports whether the Representation declares content protection.
func (r *Representation) IsEncrypted() bool {
	return len(r.ContentProtections) > 0
}

// Decipherable returns the current decipherability and whether it is known.
func (r *Representation) Decipherable() (decipherable, known bool) {
	switch r.decipherable.Load() {
	case decipherabilityYes:
		return true, true
	case decipherabilityNo:
		return false, true
	default:
		return false, false
	}
}

func (r *Representation) setDecipherable(v bool) (changed bool) {
	next := decipherabilityNo
	if v {
		next = decipherabilityYes
	}
	return r.decipherable.Swap(next) != next
}
