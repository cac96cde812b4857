package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/inventory"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/ranges"
	"buffer-orchestrator/internal/sink"
)

// ErrTimeNotFound is wrapped by MEDIA_TIME_NOT_FOUND errors.
var ErrTimeNotFound = errors.New("no period at the wanted position")

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Manifest    *manifest.Manifest
	Store       *sink.Store
	Fetcher     fetch.Fetcher
	Estimator   Estimator
	Feedback    Feedback
	Clock       *broadcast.Value[Tick]
	Goals       BufferGoals
	Options     *Options
	ChooseTrack TrackChooser
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

// Orchestrator runs the chain of PeriodBuffers of every stream type of the
// content and merges their events.
type Orchestrator struct {
	cfg  OrchestratorConfig
	opts *Options
	log  *slog.Logger
}

// NewOrchestrator returns an Orchestrator ready to Run.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	opts := cfg.Options
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	return &Orchestrator{cfg: cfg, opts: opts, log: logger.OrDiscard(cfg.Log)}
}

// Run buffers the content until ctx is done or a fatal error occurs. emit is
// only ever called from one goroutine.
func (o *Orchestrator) Run(ctx context.Context, emit func(Event)) error {
	types := o.cfg.Manifest.StreamTypes()
	for _, typ := range manifest.StreamTypes {
		if sink.IsNative(typ) && !containsType(types, typ) {
			o.cfg.Store.DisableSink(typ)
		}
	}
	o.log.Info("orchestrator started", "manifest_id", o.cfg.Manifest.ID, "stream_types", len(types))

	out := newMailbox[Event]()
	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range types {
		g.Go(func() error {
			return o.runType(gctx, typ, out.push)
		})
	}
	g.Go(func() error {
		return o.aggregate(gctx, len(types), out, emit)
	})

	err := g.Wait()
	if err != nil {
		o.log.Error("orchestrator stopped", "error", err)
	}
	return err
}

func containsType(types []manifest.StreamType, typ manifest.StreamType) bool {
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}

// aggregate is the only caller of emit.
func (o *Orchestrator) aggregate(ctx context.Context, typeCount int, in *mailbox[Event], emit func(Event)) error {
	tracker := NewActivePeriodTracker(typeCount)
	complete := make(map[manifest.StreamType]bool)
	ended := false
	bounds := 0

	clockCh, release := o.cfg.Clock.Subscribe()
	defer release()

	handle := func(ev Event) {
		emit(ev)
		switch ev.Type {
		case EventCompleteBuffer:
			complete[ev.StreamType] = true
			if !ended && len(complete) == typeCount && allTrue(complete) {
				ended = true
				o.log.Info("every stream type is complete")
				emit(Event{Type: EventEndOfStream})
			}
		case EventActiveBuffer:
			complete[ev.StreamType] = false
			if ended {
				ended = false
				emit(Event{Type: EventResumeStream})
			}
		case EventWarning:
			o.cfg.Metrics.IncWarning(string(codeOf(ev.Err)))
		}
		if p, changed := tracker.Update(ev); changed && p != nil {
			o.log.Info("active period changed", "period_id", p.ID)
			o.cfg.Metrics.SetActivePeriodStart(p.Start)
			emit(Event{Type: EventActivePeriodChanged, Period: p})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-in.signal():
			for _, ev := range in.drain() {
				handle(ev)
			}
		case tick, ok := <-clockCh:
			if !ok {
				clockCh = nil
				continue
			}
			next := o.boundsOf(tick.Position)
			if next == bounds {
				continue
			}
			bounds = next
			var err *MediaError
			switch next {
			case -1:
				err = newMediaError(CodeMediaTimeBeforeManifest, "the current position is before the manifest's minimum position", false, nil)
			case 1:
				err = newMediaError(CodeMediaTimeAfterManifest, "the current position is after the manifest's maximum position", false, nil)
			default:
				continue
			}
			o.cfg.Metrics.IncWarning(string(err.Code))
			emit(Event{Type: EventWarning, Err: err})
		}
	}
}

func (o *Orchestrator) boundsOf(position float64) int {
	switch {
	case position < o.cfg.Manifest.MinimumPosition():
		return -1
	case position > o.cfg.Manifest.MaximumPosition():
		return 1
	default:
		return 0
	}
}

func allTrue(m map[manifest.StreamType]bool) bool {
	for _, v := range m {
		if !v {
			return false
		}
	}
	return true
}

type periodLink struct {
	period *manifest.Period
	cancel context.CancelFunc
	done   chan struct{}
	ready  bool
}

type linkMessage struct {
	link   *periodLink
	ev     Event
	exited bool
	err    error
}

type typeRun struct {
	*Orchestrator
	ctx      context.Context
	typ      manifest.StreamType
	emit     func(Event)
	log      *slog.Logger
	inbox    *mailbox[linkMessage]
	chain    []*periodLink
	complete bool
	tick     Tick
}

// runType maintains the chain of consecutive PeriodBuffers of one stream
// type, sorted by Period start.
func (o *Orchestrator) runType(ctx context.Context, typ manifest.StreamType, emit func(Event)) error {
	r := &typeRun{
		Orchestrator: o,
		ctx:          ctx,
		typ:          typ,
		emit:         emit,
		log:          o.log.With("stream_type", string(typ)),
		inbox:        newMailbox[linkMessage](),
	}
	defer r.killFrom(0)

	decipherability := newMailbox[[]manifest.DecipherabilityUpdate]()
	unregister := o.cfg.Manifest.OnDecipherabilityUpdate(decipherability.push)
	defer unregister()

	clockCh, release := o.cfg.Clock.Subscribe()
	defer release()

	select {
	case <-ctx.Done():
		return nil
	case tick, ok := <-clockCh:
		if !ok {
			return nil
		}
		r.tick = tick
	}
	if err := r.startAt(r.tick.WantedPosition()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-clockCh:
			if !ok {
				clockCh = nil
				continue
			}
			r.tick = tick
			if err := r.onTick(); err != nil {
				return err
			}
		case <-r.inbox.signal():
			for _, msg := range r.inbox.drain() {
				if err := r.onMessage(msg); err != nil {
					return err
				}
			}
		case <-decipherability.signal():
			var updates []manifest.DecipherabilityUpdate
			for _, batch := range decipherability.drain() {
				updates = append(updates, batch...)
			}
			if err := r.onDecipherability(updates); err != nil {
				return err
			}
		}
	}
}

func (r *typeRun) startAt(position float64) error {
	p := r.cfg.Manifest.PeriodForTime(position)
	if p == nil {
		return newMediaError(CodeMediaTimeNotFound, fmt.Sprintf("no period found at %.3f", position), true, ErrTimeNotFound)
	}
	r.complete = false
	r.createLink(p)
	return nil
}

func (r *typeRun) createLink(p *manifest.Period) {
	ctx, cancel := context.WithCancel(r.ctx)
	link := &periodLink{period: p, cancel: cancel, done: make(chan struct{})}
	pb := NewPeriodBuffer(PeriodBufferConfig{
		StreamType:  r.typ,
		Period:      p,
		Store:       r.cfg.Store,
		Fetcher:     r.cfg.Fetcher,
		Estimator:   r.cfg.Estimator,
		Feedback:    r.cfg.Feedback,
		Clock:       r.cfg.Clock,
		Goals:       r.cfg.Goals,
		Options:     r.opts,
		ChooseTrack: r.cfg.ChooseTrack,
		Log:         r.cfg.Log,
		Metrics:     r.cfg.Metrics,
	})
	go func() {
		defer close(link.done)
		err := pb.Run(ctx, func(ev Event) {
			r.inbox.push(linkMessage{link: link, ev: ev})
		})
		r.inbox.push(linkMessage{link: link, exited: true, err: err})
	}()
	r.chain = append(r.chain, link)
	r.log.Debug("period buffer created", "period_id", p.ID)
}

// killFrom destroys the links from index i on, newest first.
func (r *typeRun) killFrom(i int) {
	for j := len(r.chain) - 1; j >= i; j-- {
		link := r.chain[j]
		link.cancel()
		<-link.done
		r.log.Debug("period buffer cleared", "period_id", link.period.ID)
		r.emit(Event{Type: EventPeriodBufferCleared, StreamType: r.typ, Period: link.period})
	}
	r.chain = r.chain[:i]
}

func (r *typeRun) indexOf(link *periodLink) int {
	for i, l := range r.chain {
		if l == link {
			return i
		}
	}
	return -1
}

func (r *typeRun) onMessage(msg linkMessage) error {
	i := r.indexOf(msg.link)
	if i < 0 {
		return nil
	}
	if msg.exited {
		r.chain = append(r.chain[:i], r.chain[i+1:]...)
		return msg.err
	}

	ev := msg.ev
	switch ev.Type {
	case EventPeriodBufferReady:
		msg.link.ready = true
		r.emit(ev)
	case EventNeedsMediaSourceReload:
		if i == 0 {
			r.emit(ev)
		}
	case EventFullBuffer:
		r.emit(ev)
		if i != len(r.chain)-1 {
			return nil
		}
		if next := r.cfg.Manifest.PeriodAfter(msg.link.period); next != nil {
			r.createLink(next)
		} else if !r.complete {
			r.complete = true
			r.emit(Event{Type: EventCompleteBuffer, StreamType: r.typ, Period: msg.link.period})
		}
	case EventActiveBuffer:
		r.emit(ev)
		r.complete = false
		r.killFrom(i + 1)
	default:
		r.emit(ev)
	}
	return nil
}

func (r *typeRun) onTick() error {
	if len(r.chain) == 0 {
		return nil
	}
	position := r.tick.WantedPosition()
	for len(r.chain) > 1 && r.chain[0].period.End <= position {
		head := r.chain[0]
		head.cancel()
		<-head.done
		r.chain = r.chain[1:]
		r.emit(Event{Type: EventPeriodBufferCleared, StreamType: r.typ, Period: head.period})
	}

	head, last := r.chain[0], r.chain[len(r.chain)-1]
	if !head.ready {
		return nil
	}
	if position < head.period.Start || position >= last.period.End {
		r.log.Info("position out of the buffered periods, rebuilding", "position", position)
		r.killFrom(0)
		return r.startAt(position)
	}
	return nil
}

func (r *typeRun) onDecipherability(updates []manifest.DecipherabilityUpdate) error {
	relevant := false
	for _, u := range updates {
		if u.Adaptation == nil || u.Representation == nil || u.Adaptation.Type != r.typ {
			continue
		}
		if d, known := u.Representation.Decipherable(); known && !d {
			relevant = true
			break
		}
	}
	if !relevant {
		return nil
	}

	var undecipherable ranges.Ranges
	buf := r.cfg.Store.Get(r.typ)
	if buf != nil {
		undecipherable = buf.InventoryRanges(func(c inventory.Chunk) bool {
			if c.Representation == nil {
				return false
			}
			d, known := c.Representation.Decipherable()
			return known && !d
		})
	}

	r.log.Info("removing undecipherable data", "ranges", len(undecipherable))
	r.killFrom(0)
	for _, rg := range undecipherable {
		if err := buf.Remove(r.ctx, rg.Start, rg.End); err != nil {
			r.log.Warn("could not remove undecipherable data", "error", err)
		}
	}
	r.emit(Event{
		Type:       EventNeedsDecipherabilityFlush,
		StreamType: r.typ,
		Reload:     &Reload{Position: r.tick.Position, AutoPlay: !r.tick.Paused},
	})
	return r.startAt(r.tick.WantedPosition())
}
