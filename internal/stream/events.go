package stream

import (
	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/ranges"
)

// RepresentationEventType tags a RepresentationEvent.
type RepresentationEventType string

const (
	RepAddedSegment         RepresentationEventType = "added-segment"
	RepDiscontinuity        RepresentationEventType = "discontinuity-encountered"
	RepNeedsManifestRefresh RepresentationEventType = "needs-manifest-refresh"
	RepManifestOutOfSync    RepresentationEventType = "manifest-might-be-out-of-sync"
	RepActiveBuffer         RepresentationEventType = "active-buffer"
	RepFullBuffer           RepresentationEventType = "full-buffer"
	RepProtectedSegment     RepresentationEventType = "protected-segment"
	RepWarning              RepresentationEventType = "warning"
	RepTerminating          RepresentationEventType = "stream-terminating"
)

// RepresentationEvent is emitted by a RepresentationBuffer.
type RepresentationEvent struct {
	Type           RepresentationEventType
	StreamType     manifest.StreamType
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	// Segment and Buffered are set on added-segment.
	Segment  *manifest.Segment
	Buffered ranges.Ranges
	// Discontinuity is the hole to skip on discontinuity-encountered. Playback
	// seeks to its End.
	Discontinuity *ranges.Range
	Protection    *fetch.Protection
	Err           error
}

// EventType tags an Event.
type EventType string

const (
	EventPeriodBufferReady         EventType = "periodBufferReady"
	EventPeriodBufferCleared       EventType = "periodBufferCleared"
	EventAdaptationChange          EventType = "adaptationChange"
	EventRepresentationChange      EventType = "representationChange"
	EventBitrateEstimationChange   EventType = "bitrateEstimationChange"
	EventAddedSegment              EventType = "added-segment"
	EventActiveBuffer              EventType = "active-buffer"
	EventFullBuffer                EventType = "full-buffer"
	EventCompleteBuffer            EventType = "complete-buffer"
	EventEndOfStream               EventType = "end-of-stream"
	EventResumeStream              EventType = "resume-stream"
	EventActivePeriodChanged       EventType = "activePeriodChanged"
	EventDiscontinuity             EventType = "discontinuity-encountered"
	EventNeedsManifestRefresh      EventType = "needs-manifest-refresh"
	EventManifestOutOfSync         EventType = "manifest-might-be-out-of-sync"
	EventNeedsMediaSourceReload    EventType = "needs-media-source-reload"
	EventNeedsDecipherabilityFlush EventType = "needs-decipherability-flush"
	EventProtectedSegment          EventType = "protected-segment"
	EventWarning                   EventType = "warning"
	EventStreamTerminating         EventType = "stream-terminating"
)

// Reload describes a requested reload of the media sinks. Relative reloads
// shift the current position by Position.
type Reload struct {
	Position float64
	Relative bool
	AutoPlay bool
}

// Event is emitted by the Period, Adaptation and Orchestrator levels.
// Consumers must ignore types they do not know.
type Event struct {
	Type           EventType
	StreamType     manifest.StreamType
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation

	// Slot is the writable track choice of periodBufferReady.
	Slot *broadcast.Value[*manifest.Adaptation]
	// Bitrate is set on bitrateEstimationChange.
	Bitrate float64

	Segment       *manifest.Segment
	Buffered      ranges.Ranges
	Discontinuity *ranges.Range
	Protection    *fetch.Protection
	Reload        *Reload
	Err           error
}

var representationEventTypes = map[RepresentationEventType]EventType{
	RepAddedSegment:         EventAddedSegment,
	RepDiscontinuity:        EventDiscontinuity,
	RepNeedsManifestRefresh: EventNeedsManifestRefresh,
	RepManifestOutOfSync:    EventManifestOutOfSync,
	RepActiveBuffer:         EventActiveBuffer,
	RepFullBuffer:           EventFullBuffer,
	RepProtectedSegment:     EventProtectedSegment,
	RepWarning:              EventWarning,
	RepTerminating:          EventStreamTerminating,
}

func fromRepresentationEvent(ev RepresentationEvent) Event {
	typ, ok := representationEventTypes[ev.Type]
	if !ok {
		typ = EventType(ev.Type)
	}
	return Event{
		Type:           typ,
		StreamType:     ev.StreamType,
		Period:         ev.Period,
		Adaptation:     ev.Adaptation,
		Representation: ev.Representation,
		Segment:        ev.Segment,
		Buffered:       ev.Buffered,
		Discontinuity:  ev.Discontinuity,
		Protection:     ev.Protection,
		Err:            ev.Err,
	}
}
