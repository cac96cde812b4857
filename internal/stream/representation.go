package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/inventory"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/ranges"
	"buffer-orchestrator/internal/sink"
)

// RepresentationBufferConfig configures a RepresentationBuffer.
type RepresentationBufferConfig struct {
	StreamType manifest.StreamType
	Content    Content
	Sink       *sink.Buffer
	Fetcher    fetch.Fetcher
	Clock      *broadcast.Value[Tick]
	// BufferGoal is the wanted buffer size ahead of the position, in seconds.
	BufferGoal *broadcast.Value[float64]
	// FastSwitchThreshold holds the known stable bitrate, nil when unknown.
	// A nil Value behaves as unknown.
	FastSwitchThreshold *broadcast.Value[*float64]
	Feedback            Feedback
	Options             *Options
	Log                 *slog.Logger
	Metrics             *metrics.Metrics
}

// RepresentationBuffer downloads the segments of one Representation and
// pushes them to the sink, one request at a time.
type RepresentationBuffer struct {
	cfg       RepresentationBufferConfig
	opts      *Options
	log       *slog.Logger
	terminate chan struct{}
	once      sync.Once
}

// NewRepresentationBuffer returns a buffer ready to Run.
func NewRepresentationBuffer(cfg RepresentationBufferConfig) *RepresentationBuffer {
	opts := cfg.Options
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	log := logger.OrDiscard(cfg.Log).With(
		"stream_type", string(cfg.StreamType),
		"period_id", cfg.Content.Period.ID,
		"representation_id", cfg.Content.Representation.ID,
	)
	return &RepresentationBuffer{cfg: cfg, opts: opts, log: log, terminate: make(chan struct{})}
}

// Terminate asks the buffer to stop once the request in flight, if still
// useful, is done.
func (rb *RepresentationBuffer) Terminate() {
	rb.once.Do(func() { close(rb.terminate) })
}

type pendingRequest struct {
	segment  manifest.Segment
	priority int
	req      fetch.Request
	events   <-chan fetch.Event
}

type queuedSegment struct {
	segment  manifest.Segment
	priority int
}

type bufferStatus int

const (
	statusUnknown bufferStatus = iota
	statusActive
	statusFull
)

type representationRun struct {
	*RepresentationBuffer
	ctx  context.Context
	emit func(RepresentationEvent)

	tick        Tick
	hasTick     bool
	goal        float64
	hasGoal     bool
	terminating bool

	pending    *pendingRequest
	queue      []queuedSegment
	initData   []byte
	initLoaded bool
	pushing    []inventory.Content

	status        bufferStatus
	discontinuity *ranges.Range
	refreshAsked  bool
}

// Run drives the buffer until it terminated, ctx is done or a fatal error
// occurs. It returns nil when stopped through ctx or Terminate.
func (rb *RepresentationBuffer) Run(ctx context.Context, emit func(RepresentationEvent)) error {
	clockCh, releaseClock := rb.cfg.Clock.Subscribe()
	defer releaseClock()
	goalCh, releaseGoal := rb.cfg.BufferGoal.Subscribe()
	defer releaseGoal()

	r := &representationRun{RepresentationBuffer: rb, ctx: ctx, emit: emit}
	defer r.cancelPending()

	terminate := rb.terminate
	for {
		var events <-chan fetch.Event
		if r.pending != nil {
			events = r.pending.events
		}

		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-clockCh:
			if !ok {
				clockCh = nil
				continue
			}
			r.tick, r.hasTick = tick, true
		case goal, ok := <-goalCh:
			if !ok {
				goalCh = nil
				continue
			}
			r.goal, r.hasGoal = goal, true
		case <-terminate:
			terminate = nil
			r.terminating = true
			r.send(RepresentationEvent{Type: RepTerminating})
		case ev, ok := <-events:
			if !ok {
				r.requestEnded()
				break
			}
			if err := r.handleFetchEvent(ev); err != nil {
				return err
			}
		}

		done, err := r.evaluate()
		if err != nil {
			return err
		}
		if done {
			rb.log.Debug("representation buffer terminated")
			return nil
		}
	}
}

func (r *representationRun) send(ev RepresentationEvent) {
	c := r.cfg.Content
	ev.StreamType = r.cfg.StreamType
	ev.Period, ev.Adaptation, ev.Representation = c.Period, c.Adaptation, c.Representation
	r.emit(ev)
}

// evaluate recomputes the buffer status and reconciles the pending request
// with it. It reports whether the buffer is done.
func (r *representationRun) evaluate() (bool, error) {
	if !r.hasTick || !r.hasGoal {
		return r.terminating && r.pending == nil, nil
	}
	cfg, opts := r.cfg, r.opts
	period, rep := cfg.Content.Period, cfg.Content.Representation

	cfg.Sink.SynchronizeInventory()
	position := r.tick.WantedPosition()
	gap := cfg.Sink.BufferedRanges().GapAhead(position)
	cfg.Metrics.SetBufferGap(string(cfg.StreamType), gap)
	start, end := r.wantedRange(position, gap)

	r.checkDiscontinuity(position)

	refresh := rep.Index.ShouldRefresh(start, end)
	if refresh && !r.refreshAsked {
		r.send(RepresentationEvent{Type: RepNeedsManifestRefresh})
	}
	r.refreshAsked = refresh

	var threshold *float64
	if cfg.FastSwitchThreshold != nil {
		threshold, _ = cfg.FastSwitchThreshold.Get()
	}
	needed := GetNeededSegments(NeedInput{
		Content:            cfg.Content,
		PlaybackTime:       r.tick.Position,
		KnownStableBitrate: threshold,
		Pushing:            r.pushing,
		Start:              start,
		End:                end,
		Inventory:          cfg.Sink.Inventory(),
		ProtectsPlayback:   cfg.Sink.ProtectsPlaybackPosition(),
		Options:            opts,
	})

	queue := make([]queuedSegment, 0, len(needed)+1)
	for _, seg := range needed {
		queue = append(queue, queuedSegment{segment: seg, priority: SegmentPriority(seg.Time, position, opts.SegmentPrioritySteps)})
	}
	if init := rep.Index.InitSegment(); init != nil && !r.initLoaded && len(queue) > 0 {
		queue = append([]queuedSegment{{segment: *init, priority: queue[0].priority}}, queue...)
	}

	status := statusActive
	if len(needed) == 0 && r.indexCompleted(period, rep, end) {
		status = statusFull
	}
	if status != r.status {
		r.status = status
		if status == statusFull {
			r.send(RepresentationEvent{Type: RepFullBuffer})
		} else {
			r.send(RepresentationEvent{Type: RepActiveBuffer})
		}
	}

	if r.terminating {
		return r.reconcileTerminating(queue), nil
	}
	r.reconcile(queue)
	return false, nil
}

func (r *representationRun) wantedRange(position, gap float64) (start, end float64) {
	period := r.cfg.Content.Period
	var padding float64
	if gap > r.opts.lowPadding(r.cfg.StreamType) && !math.IsInf(gap, 1) {
		padding = math.Min(gap, r.opts.highPadding(r.cfg.StreamType))
	}
	start = math.Max(position+padding, period.Start)
	end = math.Min(position+r.goal, period.End)
	if r.tick.hasLiveGap() {
		end = math.Min(end, position+r.tick.LiveGap)
	}
	return start, end
}

// indexCompleted reports whether every segment up to the end of the Period
// (or of the index) lies within the wanted range.
func (r *representationRun) indexCompleted(period *manifest.Period, rep *manifest.Representation, end float64) bool {
	if !rep.Index.IsFinished() {
		return false
	}
	last, ok := rep.Index.LastPosition()
	if !ok {
		return true
	}
	target := math.Min(period.End, last)
	return end+r.opts.RoundingError >= target
}

func (r *representationRun) checkDiscontinuity(position float64) {
	if !r.tick.Stalled {
		r.discontinuity = nil
		return
	}
	next, ok := r.cfg.Content.Representation.Index.CheckDiscontinuity(position)
	if !ok {
		r.discontinuity = nil
		return
	}
	if r.discontinuity != nil && r.discontinuity.End == next {
		return
	}
	gap := ranges.Range{Start: position, End: next}
	r.discontinuity = &gap
	r.log.Info("discontinuity encountered", "start", gap.Start, "end", gap.End)
	r.send(RepresentationEvent{Type: RepDiscontinuity, Discontinuity: &gap})
}

func (r *representationRun) reconcile(queue []queuedSegment) {
	r.queue = queue
	if p := r.pending; p != nil && !r.isPushing(p.segment) {
		switch {
		case len(queue) == 0 || !sameSegment(queue[0].segment, p.segment):
			r.log.Debug("cancelling segment request", "segment_id", p.segment.ID)
			r.cancelPending()
		case queue[0].priority != p.priority:
			p.req.SetPriority(queue[0].priority)
			p.priority = queue[0].priority
		}
	}
	if r.pending == nil && len(queue) > 0 {
		r.startRequest(queue[0])
	}
}

// reconcileTerminating lets the pending request finish only while it stays
// the most urgent one. It reports whether the buffer is done.
func (r *representationRun) reconcileTerminating(queue []queuedSegment) bool {
	r.queue = nil
	p := r.pending
	if p == nil {
		return true
	}
	if r.isPushing(p.segment) {
		return false
	}
	if len(queue) > 0 && sameSegment(queue[0].segment, p.segment) {
		if queue[0].priority != p.priority {
			p.req.SetPriority(queue[0].priority)
			p.priority = queue[0].priority
		}
		return false
	}
	r.cancelPending()
	return true
}

func (r *representationRun) startRequest(q queuedSegment) {
	c := r.cfg.Content
	req := r.cfg.Fetcher.CreateRequest(r.ctx, fetch.SegmentContext{
		Type:           r.cfg.StreamType,
		Period:         c.Period,
		Adaptation:     c.Adaptation,
		Representation: c.Representation,
		Segment:        q.segment,
	}, q.priority)
	r.pending = &pendingRequest{segment: q.segment, priority: q.priority, req: req, events: req.Events()}
	r.log.Debug("segment requested", "segment_id", q.segment.ID, "init", q.segment.IsInit, "priority", q.priority)
}

func (r *representationRun) cancelPending() {
	if r.pending == nil {
		return
	}
	r.pending.req.Cancel()
	r.dropPushing(r.pending.segment)
	r.pending = nil
}

// requestEnded handles the end of the pending request's event stream.
func (r *representationRun) requestEnded() {
	if r.pending == nil {
		return
	}
	r.dropPushing(r.pending.segment)
	r.pending = nil
}

func (r *representationRun) handleFetchEvent(ev fetch.Event) error {
	p := r.pending
	content := r.cfg.Content.withSegment(p.segment)

	switch ev.Type {
	case fetch.EventInitParsed:
		r.initLoaded = true
		if ev.Init != nil && len(ev.Init.Data) > 0 {
			r.initData = ev.Init.Data
			err := r.cfg.Sink.Push(r.ctx, sink.PushRequest{
				Content: content,
				Init:    r.initData,
				Codec:   r.cfg.Content.Representation.MimeTypeString(),
			})
			if err != nil {
				return appendError(err)
			}
		}
		r.sendProtections(ev.Protections)
		// nothing follows the parsed init segment
		r.requestEnded()

	case fetch.EventChunkParsed:
		if ev.Chunk == nil {
			return nil
		}
		if !r.isPushing(p.segment) {
			r.pushing = append(r.pushing, content)
		}
		period := r.cfg.Content.Period
		err := r.cfg.Sink.Push(r.ctx, sink.PushRequest{
			Content:         content,
			Init:            r.initData,
			Chunk:           ev.Chunk.Data,
			Start:           ev.Chunk.Start,
			End:             ev.Chunk.End,
			TimestampOffset: p.segment.TimestampOffset,
			AppendWindow:    ranges.Range{Start: period.Start, End: period.End},
			Codec:           r.cfg.Content.Representation.MimeTypeString(),
		})
		if err != nil {
			return appendError(err)
		}
		seg := p.segment
		r.send(RepresentationEvent{Type: RepAddedSegment, Segment: &seg, Buffered: r.cfg.Sink.BufferedRanges()})
		r.sendProtections(ev.Protections)

	case fetch.EventChunkComplete:
		r.cfg.Sink.EndOfSegment(content)
		if ev.Metrics != nil && r.cfg.Feedback != nil {
			r.cfg.Feedback.AddSample(r.cfg.StreamType, *ev.Metrics)
		}
		r.dropPushing(p.segment)
		r.pending = nil

	case fetch.EventWarning:
		r.send(RepresentationEvent{Type: RepWarning, Err: newMediaError(CodeSegmentLoad, "segment request failed, retrying", false, ev.Err)})
		index := r.cfg.Content.Representation.Index
		if !index.IsSegmentStillAvailable(p.segment) {
			r.log.Info("segment no longer available", "segment_id", p.segment.ID)
			r.cancelPending()
		} else if index.CanBeOutOfSyncError(ev.Err) {
			r.send(RepresentationEvent{Type: RepManifestOutOfSync})
		}

	case fetch.EventError:
		return newMediaError(CodeSegmentLoad, "segment request failed", true, ev.Err)
	}
	return nil
}

func (r *representationRun) sendProtections(protections []fetch.Protection) {
	for i := range protections {
		p := protections[i]
		r.send(RepresentationEvent{Type: RepProtectedSegment, Protection: &p})
	}
}

func (r *representationRun) isPushing(seg manifest.Segment) bool {
	for _, c := range r.pushing {
		if sameSegment(c.Segment, seg) {
			return true
		}
	}
	return false
}

func (r *representationRun) dropPushing(seg manifest.Segment) {
	kept := r.pushing[:0]
	for _, c := range r.pushing {
		if !sameSegment(c.Segment, seg) {
			kept = append(kept, c)
		}
	}
	r.pushing = kept
}

func sameSegment(a, b manifest.Segment) bool {
	return a.ID == b.ID && a.IsInit == b.IsInit
}

func appendError(err error) error {
	if errors.Is(err, sink.ErrBufferFull) {
		return newMediaError(CodeBufferFull, "the sink is full", true, err)
	}
	return newMediaError(CodeBufferAppend, "could not push segment", true, err)
}
