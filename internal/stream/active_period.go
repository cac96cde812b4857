package stream

import "buffer-orchestrator/internal/manifest"

// ActivePeriodTracker finds the earliest Period for which every stream type
// committed to an Adaptation. It is not safe for concurrent use.
type ActivePeriodTracker struct {
	types   int
	periods map[string]*readyPeriod
	active  *manifest.Period
}

type readyPeriod struct {
	period *manifest.Period
	types  map[manifest.StreamType]struct{}
}

// NewActivePeriodTracker returns a tracker for content with typeCount stream
// types.
func NewActivePeriodTracker(typeCount int) *ActivePeriodTracker {
	return &ActivePeriodTracker{types: typeCount, periods: make(map[string]*readyPeriod)}
}

// Active returns the current active Period, nil when none qualifies.
func (t *ActivePeriodTracker) Active() *manifest.Period { return t.active }

// Update feeds one event and returns the active Period with whether it
// changed.
func (t *ActivePeriodTracker) Update(ev Event) (*manifest.Period, bool) {
	if ev.Period == nil {
		return t.active, false
	}
	switch {
	case ev.Type == EventRepresentationChange,
		ev.Type == EventAdaptationChange && ev.Adaptation == nil:
		rp, ok := t.periods[ev.Period.ID]
		if !ok {
			rp = &readyPeriod{period: ev.Period, types: make(map[manifest.StreamType]struct{})}
			t.periods[ev.Period.ID] = rp
		}
		rp.types[ev.StreamType] = struct{}{}
	case ev.Type == EventPeriodBufferCleared:
		if rp, ok := t.periods[ev.Period.ID]; ok {
			delete(rp.types, ev.StreamType)
			if len(rp.types) == 0 {
				delete(t.periods, ev.Period.ID)
			}
		}
	default:
		return t.active, false
	}

	var earliest *manifest.Period
	for _, rp := range t.periods {
		if len(rp.types) < t.types {
			continue
		}
		if earliest == nil || rp.period.Start < earliest.Start {
			earliest = rp.period
		}
	}
	if earliest == nil && t.active == nil {
		return nil, false
	}
	if earliest != nil && t.active != nil && earliest.ID == t.active.ID {
		return t.active, false
	}
	t.active = earliest
	return earliest, true
}
