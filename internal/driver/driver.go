// Package driver runs the load: a fixed set of workers repeatedly picks a
// sandbox from the pool, moves it through its next lifecycle transition and
// compensates for failures by creating replacements.
package driver

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/pace"
	"github.com/p-arndt/sandpress/internal/pool"
)

const (
	defaultIdle   = 100 * time.Millisecond
	defaultCycles = 20
)

type Config struct {
	Workers   int
	Sandboxes int // initial population
	// Cycles is the number of selection cycles per round, 20 when unset.
	Cycles     int
	RoundPause time.Duration
	// ReplenishPerMinute caps replacement creates; zero means unthrottled.
	ReplenishPerMinute float64
	// Idle is how long a worker waits when it finds the pool empty.
	Idle time.Duration
}

type Driver struct {
	cfg       Config
	client    lifecycle.Client
	pool      *pool.Pool
	emitter   Emitter
	observers []Observer
	tracker   Tracker
	logger    *slog.Logger
	pick      func(n int) int
	replenish *pace.Pacer

	replenishing sync.WaitGroup
	cycles       atomic.Int64

	// emitMu orders per-cycle reports against the final flush; once
	// stopped is set only the flush may emit.
	emitMu  sync.Mutex
	stopped bool
}

type Option func(*Driver)

// WithObservers adds outcome observers (recorder, journal, metrics).
func WithObservers(obs ...Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, obs...) }
}

func WithTracker(t Tracker) Option {
	return func(d *Driver) { d.tracker = t }
}

// WithPicker replaces the uniform random selection.
func WithPicker(pick func(n int) int) Option {
	return func(d *Driver) { d.pick = pick }
}

func New(cfg Config, client lifecycle.Client, p *pool.Pool, em Emitter, logger *slog.Logger, opts ...Option) *Driver {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Cycles <= 0 {
		cfg.Cycles = defaultCycles
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	d := &Driver{
		cfg:       cfg,
		client:    client,
		pool:      p,
		emitter:   em,
		logger:    logger,
		pick:      rand.IntN,
		replenish: pace.New(cfg.ReplenishPerMinute),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cycles reports how many selection cycles have started.
func (d *Driver) Cycles() int64 {
	return d.cycles.Load()
}

// Run populates the pool, then runs rounds of selection cycles until ctx is
// cancelled. Cancellation stops new cycles; calls already in flight run to
// completion, pending replacements finish, and one final report is emitted.
func (d *Driver) Run(ctx context.Context) error {
	stopOnCancel := context.AfterFunc(ctx, d.stop)
	defer stopOnCancel()

	d.Populate(ctx)

	for ctx.Err() == nil {
		d.round(ctx)
		sleep(ctx, d.cfg.RoundPause)
	}

	d.stop()
	d.logger.Info("stopping: waiting for in-flight operations")
	d.replenishing.Wait()

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	return d.emitter.Emit()
}

// stop suppresses per-cycle reports. It waits for a report in progress.
func (d *Driver) stop() {
	d.emitMu.Lock()
	d.stopped = true
	d.emitMu.Unlock()
}

// Populate creates the initial sandboxes with Workers-way concurrency.
func (d *Driver) Populate(ctx context.Context) {
	start := time.Now()
	var created atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i := 0; i < d.cfg.Sandboxes && ctx.Err() == nil; i++ {
		g.Go(func() error {
			if d.create(context.WithoutCancel(ctx)) {
				created.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	d.logger.Info("initial population done",
		"created", created.Load(), "requested", d.cfg.Sandboxes, "elapsed", time.Since(start))
}

func (d *Driver) round(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i := 0; i < d.cfg.Cycles && ctx.Err() == nil; i++ {
		g.Go(func() error {
			d.cycle(ctx)
			return nil
		})
	}
	g.Wait()
}

// cycle checks out one handle and moves it through its next transition.
// Network calls run on a context detached from ctx so cancellation never
// aborts them midway.
func (d *Driver) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	h, ok := d.pool.Checkout(d.pick)
	if !ok {
		d.logger.Debug("pool empty, waiting for replacements")
		sleep(ctx, d.cfg.Idle)
		return
	}
	d.cycles.Add(1)

	if h.Running {
		d.pause(ctx, h)
	} else {
		d.resume(ctx, h)
	}

	d.report(ctx)
}

// report emits the per-cycle statistics unless the run is stopping.
func (d *Driver) report(ctx context.Context) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	if d.stopped || ctx.Err() != nil {
		return
	}
	if err := d.emitter.Emit(); err != nil {
		d.logger.Error("emit report", "error", err)
	}
}

func (d *Driver) pause(ctx context.Context, h lifecycle.Handle) {
	dur, err := d.client.Pause(context.WithoutCancel(ctx), h.ID)
	d.observe(lifecycle.NewOutcome(lifecycle.KindPause, h.ID, dur, err))
	if err != nil {
		d.logger.Warn("pause failed, keeping sandbox and adding a replacement",
			"kind", lifecycle.KindPause, "id", h.ID, "elapsed", dur, "error", err)
		d.pool.Put(h)
		d.submitReplacement(ctx)
		return
	}
	d.logger.Info("paused", "id", h.ID, "elapsed", dur)
	h.Running = false
	d.putBack(h)
}

func (d *Driver) resume(ctx context.Context, h lifecycle.Handle) {
	callCtx := context.WithoutCancel(ctx)

	dur, err := d.client.Resume(callCtx, h.ID)
	d.observe(lifecycle.NewOutcome(lifecycle.KindResume, h.ID, dur, err))
	if err != nil {
		d.logger.Warn("resume failed, discarding sandbox",
			"kind", lifecycle.KindResume, "id", h.ID, "elapsed", dur, "error", err)
		d.discard(ctx, h)
		return
	}
	d.logger.Info("resumed", "id", h.ID, "elapsed", dur)

	dur, err = d.client.Connect(callCtx, h.ID)
	d.observe(lifecycle.NewOutcome(lifecycle.KindConnect, h.ID, dur, err))
	if err != nil {
		d.logger.Warn("connect failed, discarding sandbox",
			"kind", lifecycle.KindConnect, "id", h.ID, "elapsed", dur, "error", err)
		d.discard(ctx, h)
		return
	}
	d.logger.Info("connected", "id", h.ID, "elapsed", dur)
	h.Running = true
	d.putBack(h)
}

// create adds one new sandbox to the pool and reports whether it succeeded.
func (d *Driver) create(ctx context.Context) bool {
	h, dur, err := d.client.Create(ctx)
	d.observe(lifecycle.NewOutcome(lifecycle.KindCreate, h.ID, dur, err))
	if err != nil {
		d.logger.Warn("create failed", "kind", lifecycle.KindCreate, "elapsed", dur, "error", err)
		return false
	}
	d.logger.Info("created", "id", h.ID, "elapsed", dur)

	if s, ok := d.client.(lifecycle.Seeder); ok {
		if err := s.Seed(ctx, h.ID); err != nil {
			d.logger.Warn("seeding failed, not adding sandbox", "id", h.ID, "error", err)
			return false
		}
	}
	d.putBack(h)
	return true
}

// submitReplacement creates a sandbox in the background. Nothing is
// submitted once ctx is cancelled.
func (d *Driver) submitReplacement(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.replenishing.Add(1)
	go func() {
		defer d.replenishing.Done()
		if err := d.replenish.Wait(ctx); err != nil {
			return
		}
		d.create(context.WithoutCancel(ctx))
	}()
}

func (d *Driver) discard(ctx context.Context, h lifecycle.Handle) {
	if d.tracker != nil {
		d.tracker.Drop(h.ID)
	}
	d.submitReplacement(ctx)
}

func (d *Driver) putBack(h lifecycle.Handle) {
	d.pool.Put(h)
	if d.tracker != nil {
		d.tracker.Track(h)
	}
}

func (d *Driver) observe(o lifecycle.Outcome) {
	for _, obs := range d.observers {
		obs.Observe(o)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
