package session

import (
	"time"

	"buffer-orchestrator/internal/manifest"
)

// SessionID uniquely identifies a playback session.
type SessionID string

// TrackState is what a session knows about one stream type.
type TrackState struct {
	PeriodID         string  `json:"period_id,omitempty"`
	AdaptationID     string  `json:"adaptation_id,omitempty"`
	RepresentationID string  `json:"representation_id,omitempty"`
	Bitrate          int     `json:"bitrate,omitempty"`
	Bandwidth        float64 `json:"bandwidth_estimate,omitempty"`
	// Status is one of "loading", "active", "full", "complete" or "disabled".
	Status         string       `json:"status"`
	SegmentsLoaded int          `json:"segments_loaded"`
	Buffered       [][2]float64 `json:"buffered"`
}

// SessionState is the in-memory status of a session, built from the events
// of its buffers.
type SessionState struct {
	ID           SessionID  `json:"id"`
	ManifestID   string     `json:"manifest_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Position     float64    `json:"position"`
	Paused       bool       `json:"paused"`
	ActivePeriod string     `json:"active_period,omitempty"`
	// EndOfStream is true while every stream type is completely buffered.
	EndOfStream bool     `json:"end_of_stream"`
	Reloads     int      `json:"reloads"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`

	Tracks map[manifest.StreamType]*TrackState `json:"tracks"`
}

// Finished reports whether the session stopped.
func (s *SessionState) Finished() bool { return s.FinishedAt != nil }

func (s *SessionState) track(typ manifest.StreamType) *TrackState {
	t, ok := s.Tracks[typ]
	if !ok {
		t = &TrackState{Status: "loading"}
		s.Tracks[typ] = t
	}
	return t
}

func (s *SessionState) clone() SessionState {
	out := *s
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Tracks = make(map[manifest.StreamType]*TrackState, len(s.Tracks))
	for typ, t := range s.Tracks {
		c := *t
		c.Buffered = append([][2]float64(nil), t.Buffered...)
		out.Tracks[typ] = &c
	}
	return out
}
