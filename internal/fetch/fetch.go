// Package fetch downloads and parses segments for the Representation
// Buffers: one cancellable, re-prioritizable request per segment, emitting
// parsed chunks, retry warnings and request metrics.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"buffer-orchestrator/internal/manifest"
)

// SegmentContext identifies the segment to load and where it belongs.
type SegmentContext struct {
	Type           manifest.StreamType
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        manifest.Segment
}

// EventType tags an Event.
type EventType string

const (
	EventInitParsed    EventType = "init-parsed"
	EventChunkParsed   EventType = "chunk-parsed"
	EventChunkComplete EventType = "chunk-complete"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
)

// Protection is a pssh box found in a segment.
type Protection struct {
	SystemID string
	Data     []byte
}

// InitData is the parsed initialization segment.
type InitData struct {
	Data      []byte
	Timescale uint32
	Codec     string
}

// ChunkData is a parsed media chunk. Start and End are in seconds on the
// presentation timeline; Known is false when the container did not tell.
type ChunkData struct {
	Data  []byte
	Start float64
	End   float64
	Known bool
}

// RequestMetrics describes a completed request.
type RequestMetrics struct {
	Size     int64
	Duration time.Duration
	Segment  manifest.Segment
}

// Event is emitted on a Request's channel. The payload fields set depend on
// Type; Protections may accompany parsed init segments and chunks.
type Event struct {
	Type        EventType
	Init        *InitData
	Chunk       *ChunkData
	Metrics     *RequestMetrics
	Protections []Protection
	Err         error
}

// Request is an in-flight segment request.
type Request interface {
	// Events is closed once the request ended, failed or was cancelled.
	Events() <-chan Event
	SetPriority(priority int)
	Cancel()
}

// Fetcher creates segment requests.
type Fetcher interface {
	CreateRequest(ctx context.Context, sc SegmentContext, priority int) Request
}

// ErrNoURL is returned for segments without URL.
var ErrNoURL = errors.New("fetch: segment has no url")

// Error is a transport or parsing failure.
type Error struct {
	URL        string
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.HTTPStatus)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status, 0 when none was received.
func (e *Error) StatusCode() int { return e.HTTPStatus }

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}

func retryableStatus(code int) bool {
	return code == http.StatusNotFound ||
		code == http.StatusPreconditionFailed ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
