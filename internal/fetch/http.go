package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
)

// Config tunes an HTTPFetcher.
type Config struct {
	// MaxConcurrent bounds simultaneous downloads.
	MaxConcurrent int
	// HighPriority is the priority at or below which a request starts
	// immediately, ignoring MaxConcurrent.
	HighPriority int
	// MaxRetry is the number of retries after the first attempt.
	MaxRetry       int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// RequestsPerSecond paces outgoing requests; <= 0 disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		HighPriority:      0,
		MaxRetry:          4,
		BaseRetryDelay:    200 * time.Millisecond,
		MaxRetryDelay:     3 * time.Second,
		RequestsPerSecond: 0,
		Timeout:           30 * time.Second,
	}
}

// HTTPFetcher loads segments over HTTP and parses fMP4 payloads.
type HTTPFetcher struct {
	client      *http.Client
	cfg         Config
	limiter     *rate.Limiter
	prioritizer *prioritizer
	log         *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	initInfo map[string]InitInfo
}

// NewHTTPFetcher returns a fetcher using client (http.DefaultClient when nil).
func NewHTTPFetcher(client *http.Client, cfg Config, log *slog.Logger, m *metrics.Metrics) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(math.Max(1, cfg.RequestsPerSecond)))
	}
	return &HTTPFetcher{
		client:      client,
		cfg:         cfg,
		limiter:     limiter,
		prioritizer: newPrioritizer(cfg.MaxConcurrent, cfg.HighPriority),
		log:         logger.OrDiscard(log),
		metrics:     m,
		initInfo:    make(map[string]InitInfo),
	}
}

// CreateRequest implements Fetcher.
func (f *HTTPFetcher) CreateRequest(ctx context.Context, sc SegmentContext, priority int) Request {
	ctx, cancel := context.WithCancel(ctx)
	r := &httpRequest{
		id:     uuid.NewString(),
		sc:     sc,
		events: make(chan Event, 4),
		cancel: cancel,
		f:      f,
		task:   f.prioritizer.newTask(priority),
	}
	f.metrics.IncSegmentRequested(string(sc.Type))
	go r.run(ctx)
	return r
}

type httpRequest struct {
	id     string
	sc     SegmentContext
	events chan Event
	cancel context.CancelFunc
	f      *HTTPFetcher
	task   *task
}

func (r *httpRequest) Events() <-chan Event { return r.events }

func (r *httpRequest) SetPriority(priority int) { r.f.prioritizer.setPriority(r.task, priority) }

func (r *httpRequest) Cancel() { r.cancel() }

func (r *httpRequest) run(ctx context.Context) {
	defer close(r.events)
	defer r.cancel()

	f := r.f
	seg := r.sc.Segment
	log := f.log.With("request_id", r.id, "stream_type", string(r.sc.Type), "segment_id", seg.ID)

	if err := f.prioritizer.wait(ctx, r.task); err != nil {
		f.metrics.IncSegmentCancelled(string(r.sc.Type))
		return
	}
	defer f.prioritizer.release(r.task)

	began := time.Now()
	data, err := r.loadWithRetry(ctx, log)
	if err != nil {
		if ctx.Err() != nil {
			f.metrics.IncSegmentCancelled(string(r.sc.Type))
			return
		}
		r.send(ctx, Event{Type: EventError, Err: err})
		return
	}
	elapsed := time.Since(began)

	if seg.IsInit {
		r.handleInit(ctx, data, log)
		return
	}
	r.handleMedia(ctx, data, log)
	f.metrics.IncSegmentLoaded(string(r.sc.Type))
	f.metrics.AddSegmentBytes(string(r.sc.Type), len(data))
	r.send(ctx, Event{Type: EventChunkComplete, Metrics: &RequestMetrics{Size: int64(len(data)), Duration: elapsed, Segment: seg}})
}

func (r *httpRequest) handleInit(ctx context.Context, data []byte, log *slog.Logger) {
	init := &InitData{Data: data, Timescale: r.sc.Segment.Timescale}
	var protections []Protection
	if isMP4(r.sc) {
		info, err := ParseInit(data)
		if err != nil {
			log.Warn("init segment not parsed", "error", err)
		} else {
			init.Timescale = info.Timescale
			init.Codec = info.Codec
			protections = info.Protections
			r.f.storeInit(r.sc, info)
		}
	}
	r.f.metrics.IncSegmentLoaded(string(r.sc.Type))
	r.send(ctx, Event{Type: EventInitParsed, Init: init, Protections: protections})
}

func (r *httpRequest) handleMedia(ctx context.Context, data []byte, log *slog.Logger) {
	seg := r.sc.Segment
	chunk := &ChunkData{Data: data, Start: seg.Time, End: seg.End}
	var protections []Protection
	if isMP4(r.sc) {
		timescale := seg.Timescale
		if info, ok := r.f.loadInit(r.sc); ok {
			timescale = info.Timescale
		}
		info, err := ParseMedia(data, timescale)
		if err != nil {
			log.Debug("media segment timing not parsed", "error", err)
		} else {
			chunk.Start = info.Start + seg.TimestampOffset
			chunk.End = chunk.Start + info.Duration
			chunk.Known = true
			protections = info.Protections
		}
	}
	r.send(ctx, Event{Type: EventChunkParsed, Chunk: chunk, Protections: protections})
}

func (r *httpRequest) loadWithRetry(ctx context.Context, log *slog.Logger) ([]byte, error) {
	cfg := r.f.cfg
	for attempt := 0; ; attempt++ {
		data, err := r.load(ctx)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) || attempt >= cfg.MaxRetry {
			var fe *Error
			if errors.As(err, &fe) {
				fe.Retryable = false
			}
			return nil, err
		}
		delay := backoff(cfg.BaseRetryDelay, cfg.MaxRetryDelay, attempt)
		log.Warn("segment request failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if !r.send(ctx, Event{Type: EventWarning, Err: err}) {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *httpRequest) load(ctx context.Context) ([]byte, error) {
	seg := r.sc.Segment
	if seg.URL == "" {
		return nil, &Error{Err: ErrNoURL}
	}
	if err := r.f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return nil, &Error{URL: seg.URL, Err: err}
	}
	if br := seg.ByteRange; br != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br[0], br[1]))
	}
	resp, err := r.f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: seg.URL, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &Error{URL: seg.URL, HTTPStatus: resp.StatusCode, Retryable: retryableStatus(resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: seg.URL, Retryable: ctx.Err() == nil, Err: err}
	}
	return data, nil
}

// send delivers ev unless the request was cancelled.
func (r *httpRequest) send(ctx context.Context, ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *HTTPFetcher) storeInit(sc SegmentContext, info InitInfo) {
	if sc.Representation == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initInfo[initKey(sc)] = info
}

func (f *HTTPFetcher) loadInit(sc SegmentContext) (InitInfo, bool) {
	if sc.Representation == nil {
		return InitInfo{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.initInfo[initKey(sc)]
	return info, ok
}

func initKey(sc SegmentContext) string {
	var period string
	if sc.Period != nil {
		period = sc.Period.ID
	}
	return period + "/" + sc.Representation.ID
}

func isMP4(sc SegmentContext) bool {
	if sc.Representation == nil {
		return false
	}
	return strings.HasSuffix(sc.Representation.MimeType, "/mp4")
}

// backoff returns the delay before retry attempt (0-based), doubling from
// base up to max with +-30% jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.7 + rand.Float64()*0.6
	return time.Duration(d * jitter)
}
