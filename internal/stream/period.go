package stream

import (
	"context"
	"errors"
	"log/slog"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/sink"
)

// TrackChooser picks the initial Adaptation of a Period, nil for none.
type TrackChooser func(period *manifest.Period, typ manifest.StreamType) *manifest.Adaptation

// PeriodBufferConfig configures a PeriodBuffer.
type PeriodBufferConfig struct {
	StreamType  manifest.StreamType
	Period      *manifest.Period
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

// PeriodBuffer handles one stream type of one Period: it waits for an
// Adaptation to be chosen through its slot and runs the matching
// AdaptationBuffer, or a placeholder when none is.
type PeriodBuffer struct {
	cfg  PeriodBufferConfig
	opts *Options
	log  *slog.Logger
}

// NewPeriodBuffer returns a buffer ready to Run.
func NewPeriodBuffer(cfg PeriodBufferConfig) *PeriodBuffer {
	opts := cfg.Options
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	log := logger.OrDiscard(cfg.Log).With("stream_type", string(cfg.StreamType), "period_id", cfg.Period.ID)
	return &PeriodBuffer{cfg: cfg, opts: opts, log: log}
}

type eventRunner interface {
	Run(ctx context.Context, emit func(Event)) error
}

type periodChild struct {
	events  *mailbox[Event]
	cancel  context.CancelFunc
	done    chan error
	release func()
	// soft is true for children writing to a non-native sink.
	soft bool
}

type periodRun struct {
	*PeriodBuffer
	ctx     context.Context
	emit    func(Event)
	current *periodChild
	chosen  bool
}

// Run drives the buffer until ctx is done or a fatal error occurs.
func (pb *PeriodBuffer) Run(ctx context.Context, emit func(Event)) error {
	slot := broadcast.New[*manifest.Adaptation]()
	defer slot.Close()
	slotCh, releaseSlot := slot.Subscribe()
	defer releaseSlot()

	r := &periodRun{PeriodBuffer: pb, ctx: ctx, emit: emit}
	defer r.kill()

	r.send(Event{Type: EventPeriodBufferReady, Slot: slot})
	if pb.cfg.ChooseTrack != nil {
		slot.Set(pb.cfg.ChooseTrack(pb.cfg.Period, pb.cfg.StreamType))
	}

	for {
		var (
			signal <-chan struct{}
			done   <-chan error
		)
		if r.current != nil {
			signal, done = r.current.events.signal(), r.current.done
		}

		select {
		case <-ctx.Done():
			return nil
		case adaptation, ok := <-slotCh:
			if !ok {
				slotCh = nil
				continue
			}
			r.kill()
			if err := r.choose(adaptation); err != nil {
				return err
			}
			r.chosen = true
		case <-signal:
			r.forward(r.current)
		case err := <-done:
			child := r.current
			r.forward(child)
			child.release()
			r.current = nil
			if err != nil && ctx.Err() == nil {
				if err := r.childFailed(child, err); err != nil {
					return err
				}
			}
		}
	}
}

func (r *periodRun) send(ev Event) {
	ev.StreamType = r.cfg.StreamType
	ev.Period = r.cfg.Period
	r.emit(ev)
}

func (r *periodRun) forward(c *periodChild) {
	for _, ev := range c.events.drain() {
		r.emit(ev)
	}
}

func (r *periodRun) choose(adaptation *manifest.Adaptation) error {
	cfg := r.cfg
	typ := cfg.StreamType
	native := sink.IsNative(typ)

	if adaptation == nil {
		r.log.Info("no adaptation chosen")
		switch cfg.Store.Status(typ) {
		case sink.StatusInitialized:
			if native {
				r.reloadAtPosition()
				return nil
			}
			if buf := cfg.Store.Get(typ); buf != nil {
				if err := buf.Remove(r.ctx, cfg.Period.Start, cfg.Period.End); err != nil {
					r.log.Warn("could not clean the period", "error", err)
				}
			}
		case sink.StatusUninitialized:
			cfg.Store.DisableSink(typ)
		}
		r.send(Event{Type: EventAdaptationChange})
		r.startEmpty()
		return nil
	}

	if native && cfg.Store.Status(typ) == sink.StatusDisabled {
		r.log.Info("adaptation chosen for a disabled sink")
		r.reloadAtPosition()
		return nil
	}

	r.log.Info("adaptation chosen", "adaptation_id", adaptation.ID)
	r.send(Event{Type: EventAdaptationChange, Adaptation: adaptation})

	tick, ok := r.firstTick()
	if !ok {
		return nil
	}

	reps := adaptation.PlayableRepresentations()
	if len(reps) == 0 {
		reps = adaptation.Representations
	}
	var codec string
	if len(reps) > 0 {
		codec = reps[0].MimeTypeString()
	}
	buf, err := cfg.Store.CreateSink(typ, codec)
	if err != nil {
		if native {
			return newMediaError(CodeBufferType, "could not create the sink", true, err)
		}
		r.warn(newMediaError(CodeBufferType, "could not create the sink", false, err))
		r.startEmpty()
		return nil
	}

	strategy := adaptationSwitchStrategy(buf, cfg.Period, adaptation, tick.Position, r.opts)
	r.log.Debug("adaptation switch strategy", "strategy", strategy.kind.String())
	switch strategy.kind {
	case switchNeedsReload:
		if r.chosen {
			r.send(Event{Type: EventNeedsMediaSourceReload, Reload: &Reload{
				Position: r.opts.DeltaPositionAfterReload[typ],
				Relative: true,
				AutoPlay: !tick.Paused,
			}})
		} else {
			r.send(Event{Type: EventNeedsMediaSourceReload, Reload: &Reload{Position: tick.Position, AutoPlay: !tick.Paused}})
		}
		return nil
	case switchCleanBuffer:
		for _, rg := range strategy.ranges {
			if err := buf.Remove(r.ctx, rg.Start, rg.End); err != nil {
				r.log.Warn("could not clean the previous adaptation", "error", err)
			}
		}
	}

	if native {
		if err := cfg.Store.WaitForUsable(r.ctx); err != nil {
			return nil
		}
	}

	ab := NewAdaptationBuffer(AdaptationBufferConfig{
		StreamType: typ,
		Period:     cfg.Period,
		Adaptation: adaptation,
		Sink:       buf,
		Fetcher:    cfg.Fetcher,
		Estimator:  cfg.Estimator,
		Feedback:   cfg.Feedback,
		Clock:      cfg.Clock,
		Goals:      cfg.Goals,
		Options:    r.opts,
		Log:        cfg.Log,
		Metrics:    cfg.Metrics,
	})
	release := buf.AcquireCollector(r.collectGarbage(buf))
	r.start(ab, release, !native)
	return nil
}

func (r *periodRun) firstTick() (Tick, bool) {
	ch, release := r.cfg.Clock.Subscribe()
	defer release()
	select {
	case <-r.ctx.Done():
		return Tick{}, false
	case tick, ok := <-ch:
		return tick, ok
	}
}

func (r *periodRun) reloadAtPosition() {
	tick, _ := r.cfg.Clock.Get()
	r.send(Event{Type: EventNeedsMediaSourceReload, Reload: &Reload{Position: tick.Position, AutoPlay: !tick.Paused}})
}

func (r *periodRun) warn(err error) {
	r.log.Warn("period buffer warning", "error", err)
	r.send(Event{Type: EventWarning, Err: err})
}

// childFailed handles an error returned by the child. Errors of non-native
// sinks only disable the stream type.
func (r *periodRun) childFailed(c *periodChild, err error) error {
	if !c.soft {
		return err
	}
	r.log.Error("disabling stream type after an error", "error", err)
	r.cfg.Store.DisposeSink(r.cfg.StreamType)
	r.warn(&MediaError{Code: codeOf(err), Reason: "stream type disabled after an error", Err: err})
	r.startEmpty()
	return nil
}

func (r *periodRun) startEmpty() {
	r.start(&emptyBuffer{
		typ:    r.cfg.StreamType,
		period: r.cfg.Period,
		clock:  r.cfg.Clock,
		wanted: r.cfg.Goals.WantedBufferAhead,
	}, func() {}, false)
}

func (r *periodRun) start(child eventRunner, release func(), soft bool) {
	ctx, cancel := context.WithCancel(r.ctx)
	c := &periodChild{
		events:  newMailbox[Event](),
		cancel:  cancel,
		done:    make(chan error, 1),
		release: release,
		soft:    soft,
	}
	go func() {
		c.done <- child.Run(ctx, c.events.push)
	}()
	r.current = c
}

func (r *periodRun) kill() {
	c := r.current
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
	r.forward(c)
	c.release()
	r.current = nil
}

// collectGarbage returns the loop removing data too far from the position.
func (r *periodRun) collectGarbage(buf *sink.Buffer) func(ctx context.Context) {
	typ, goals, opts := r.cfg.StreamType, r.cfg.Goals, r.opts
	clock, m, log := r.cfg.Clock, r.cfg.Metrics, r.log
	return func(ctx context.Context) {
		ch, release := clock.Subscribe()
		defer release()
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ch:
				if !ok {
					return
				}
				removed, err := buf.CollectGarbage(ctx, tick.Position, opts.gcLimits(typ, goals))
				if err != nil {
					log.Warn("garbage collection failed", "error", err)
					continue
				}
				var total float64
				for _, rg := range removed {
					total += rg.Duration()
				}
				if total > 0 {
					log.Debug("garbage collected", "seconds", total)
					m.AddGarbageCollected(string(typ), total)
				}
			}
		}
	}
}

func codeOf(err error) ErrorCode {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeBufferAppend
}
