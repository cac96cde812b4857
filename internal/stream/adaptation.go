package stream

import (
	"context"
	"log/slog"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/broadcast"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/sink"
)

// AdaptationBufferConfig configures an AdaptationBuffer.
type AdaptationBufferConfig struct {
	StreamType manifest.StreamType
	Period     *manifest.Period
	Adaptation *manifest.Adaptation
	Sink       *sink.Buffer
	Fetcher    fetch.Fetcher
	Estimator  Estimator
	Feedback   Feedback
	Clock      *broadcast.Value[Tick]
	Goals      BufferGoals
	Options    *Options
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// AdaptationBuffer runs one RepresentationBuffer at a time, switching
// between Representations as the estimator decides.
type AdaptationBuffer struct {
	cfg  AdaptationBufferConfig
	opts *Options
	log  *slog.Logger
}

// NewAdaptationBuffer returns a buffer ready to Run.
func NewAdaptationBuffer(cfg AdaptationBufferConfig) *AdaptationBuffer {
	opts := cfg.Options
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	log := logger.OrDiscard(cfg.Log).With(
		"stream_type", string(cfg.StreamType),
		"period_id", cfg.Period.ID,
		"adaptation_id", cfg.Adaptation.ID,
	)
	return &AdaptationBuffer{cfg: cfg, opts: opts, log: log}
}

type representationChild struct {
	rep    *manifest.Representation
	goal   *broadcast.Value[float64]
	events *mailbox[RepresentationEvent]
	cancel context.CancelFunc
	done   chan error

	terminateFn func()
}

func (c *representationChild) terminate() { c.terminateFn() }

type adaptationRun struct {
	*AdaptationBuffer
	ctx  context.Context
	emit func(Event)

	threshold *broadcast.Value[*float64]
	ratios    map[string]float64
	wba       float64
	hasWBA    bool

	chosen      *Estimate
	lastBitrate *float64
	current     *representationChild
}

// Run drives the buffer until ctx is done or a fatal error occurs.
func (ab *AdaptationBuffer) Run(ctx context.Context, emit func(Event)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &adaptationRun{
		AdaptationBuffer: ab,
		ctx:              ctx,
		emit:             emit,
		threshold:        broadcast.New[*float64](),
		ratios:           make(map[string]float64),
	}
	defer r.threshold.Close()
	defer r.kill()

	estimates := ab.cfg.Estimator.Estimates(ctx, EstimatorInput{
		Type:            ab.cfg.StreamType,
		Period:          ab.cfg.Period,
		Adaptation:      ab.cfg.Adaptation,
		Representations: ab.cfg.Adaptation.PlayableRepresentations(),
		Clock:           ab.cfg.Clock,
	})
	wbaCh, releaseWBA := ab.cfg.Goals.WantedBufferAhead.Subscribe()
	defer releaseWBA()

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
		case est, ok := <-estimates:
			if !ok {
				estimates = nil
				continue
			}
			r.onEstimate(est)
		case w, ok := <-wbaCh:
			if !ok {
				wbaCh = nil
				continue
			}
			r.wba, r.hasWBA = w, true
			if r.current != nil {
				r.current.goal.Set(w * r.ratio(r.current.rep.ID))
			}
		case <-signal:
			r.forward(r.current)
		case err := <-done:
			child := r.current
			r.forward(child)
			r.current = nil
			if err := r.childExited(child, err); err != nil {
				return err
			}
		}
	}
}

func (r *adaptationRun) send(ev Event) {
	ev.StreamType = r.cfg.StreamType
	ev.Period, ev.Adaptation = r.cfg.Period, r.cfg.Adaptation
	r.emit(ev)
}

func (r *adaptationRun) forward(c *representationChild) {
	for _, ev := range c.events.drain() {
		r.emit(fromRepresentationEvent(ev))
	}
}

func (r *adaptationRun) ratio(repID string) float64 {
	if v, ok := r.ratios[repID]; ok {
		return v
	}
	return 1
}

func (r *adaptationRun) onEstimate(est Estimate) {
	if est.Representation == nil {
		return
	}
	if r.lastBitrate == nil || *r.lastBitrate != est.Bitrate {
		bitrate := est.Bitrate
		r.lastBitrate = &bitrate
		r.send(Event{Type: EventBitrateEstimationChange, Bitrate: bitrate})
	}
	if r.opts.EnableFastSwitching {
		r.threshold.Set(est.KnownStableBitrate)
	} else {
		zero := 0.0
		r.threshold.Set(&zero)
	}

	previous := r.chosen
	if previous != nil && previous.Representation.ID == est.Representation.ID && previous.Manual == est.Manual {
		return
	}
	r.chosen = &est

	if est.Manual && previous != nil && r.opts.ManualBitrateSwitchingMode == SwitchDirect {
		tick, _ := r.cfg.Clock.Get()
		r.log.Info("manual representation switch needs a reload", "representation_id", est.Representation.ID)
		r.send(Event{
			Type:   EventNeedsMediaSourceReload,
			Reload: &Reload{Position: tick.Position, AutoPlay: !tick.Paused},
		})
		return
	}

	r.log.Info("representation chosen", "representation_id", est.Representation.ID, "bitrate", est.Representation.Bitrate, "urgent", est.Urgent)
	r.cfg.Metrics.IncRepresentationSwitch(string(r.cfg.StreamType))
	r.send(Event{Type: EventRepresentationChange, Representation: est.Representation})

	switch {
	case r.current == nil:
		r.start(est.Representation)
	case est.Urgent:
		r.kill()
		r.start(est.Representation)
	default:
		// the next Representation starts once this one terminated
		r.current.terminate()
	}
}

func (r *adaptationRun) childExited(c *representationChild, err error) error {
	if err == nil {
		if r.chosen != nil && r.ctx.Err() == nil {
			r.start(r.chosen.Representation)
		}
		return nil
	}
	if !HasCode(err, CodeBufferFull) {
		return err
	}

	ratio := r.ratio(c.rep.ID)
	next := ratio - r.opts.BufferGoalRatioStep
	if next <= 0 || r.wba*ratio <= r.opts.MinimumBufferGoal {
		r.log.Error("buffer full with the smallest buffer goal", "representation_id", c.rep.ID)
		return err
	}
	r.ratios[c.rep.ID] = next
	r.cfg.Metrics.IncBufferFullBackoff(string(r.cfg.StreamType))
	r.log.Warn("buffer full, lowering the buffer goal", "representation_id", c.rep.ID, "ratio", next)

	rep := c.rep
	if r.chosen != nil {
		rep = r.chosen.Representation
	}
	r.start(rep)
	return nil
}

func (r *adaptationRun) start(rep *manifest.Representation) {
	goal := broadcast.New[float64]()
	if r.hasWBA {
		goal.Set(r.wba * r.ratio(rep.ID))
	}
	ctx, cancel := context.WithCancel(r.ctx)
	c := &representationChild{
		rep:    rep,
		goal:   goal,
		events: newMailbox[RepresentationEvent](),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	rb := NewRepresentationBuffer(RepresentationBufferConfig{
		StreamType:          r.cfg.StreamType,
		Content:             Content{Period: r.cfg.Period, Adaptation: r.cfg.Adaptation, Representation: rep},
		Sink:                r.cfg.Sink,
		Fetcher:             r.cfg.Fetcher,
		Clock:               r.cfg.Clock,
		BufferGoal:          goal,
		FastSwitchThreshold: r.threshold,
		Feedback:            r.cfg.Feedback,
		Options:             r.opts,
		Log:                 r.cfg.Log,
		Metrics:             r.cfg.Metrics,
	})
	c.terminateFn = rb.Terminate
	go func() {
		c.done <- rb.Run(ctx, c.events.push)
	}()
	r.current = c
}

// kill stops the current RepresentationBuffer at once, forwarding what it
// emitted before.
func (r *adaptationRun) kill() {
	c := r.current
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
	r.forward(c)
	c.goal.Close()
	r.current = nil
}
