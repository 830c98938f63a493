package stator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
)

// pollInterval is how often the task loop looks for ready rows between
// schedule sweeps.
const pollInterval = time.Second

// Store is the persistence surface the runner drives. *db.Store satisfies
// it.
type Store interface {
	MarkReady(ctx context.Context, table, state string, tryInterval time.Duration) (int64, error)
	DeleteExpired(ctx context.Context, table, state string, age time.Duration) (int64, error)
	ClearExpiredLocks(ctx context.Context, table string) (int64, error)
	TransitionStale(ctx context.Context, table, from, to string, age time.Duration, ready bool) (int64, error)
	LockBatch(ctx context.Context, table string, states []string, limit int, lockFor time.Duration) ([]db.LockedRow, error)
	Transition(ctx context.Context, table string, id int64, to string, attemptImmediately bool) error
	DeferAttempt(ctx context.Context, table string, id int64) error
	CountQueued(ctx context.Context, table string, states []string) (int64, error)
	LoadStats(ctx context.Context, model string) (*domain.ModelStats, error)
	SaveStats(ctx context.Context, st *domain.ModelStats) error
}

// Options tunes the runner. Zero values fall back to sensible defaults.
type Options struct {
	// Concurrency bounds handlers in flight across all models;
	// ConcurrencyPer bounds handlers in flight for any one model.
	Concurrency    int
	ConcurrencyPer int

	// ScheduleInterval paces the sweep that marks rows ready, applies
	// timeouts and garbage-collects terminal rows.
	ScheduleInterval time.Duration

	// LockExpiry is the lease length stamped on dispatched rows. It also
	// bounds handler execution time.
	LockExpiry time.Duration

	// LivenessFile, when set, is touched on every healthy sweep so an
	// external supervisor can watch the mtime.
	LivenessFile string

	// SdNotify enables systemd watchdog pings.
	SdNotify bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Concurrency <= 0 {
		out.Concurrency = 30
	}
	if out.ConcurrencyPer <= 0 {
		out.ConcurrencyPer = 15
	}
	if out.ScheduleInterval <= 0 {
		out.ScheduleInterval = 60 * time.Second
	}
	if out.LockExpiry <= 0 {
		out.LockExpiry = 300 * time.Second
	}
	return out
}

// Runner owns the three loops that progress workflow rows: the schedule
// sweep, the lock sweep and the task loop.
type Runner struct {
	store  Store
	opts   Options
	graphs []*Graph
	logger *slog.Logger

	sem      chan struct{}
	perModel map[string]chan struct{}

	lastSweep atomic.Int64 // unix millis of the last completed sweep

	statsMu sync.Mutex
	handled map[string]int64 // model → handled since last sweep
}

// NewRunner assembles a runner over the given graphs.
func NewRunner(store Store, logger *slog.Logger, opts Options, graphs ...*Graph) (*Runner, error) {
	o := opts.withDefaults()
	seen := map[string]bool{}
	for _, g := range graphs {
		if seen[g.Model] {
			return nil, fmt.Errorf("duplicate graph for model %s", g.Model)
		}
		seen[g.Model] = true
	}
	r := &Runner{
		store:    store,
		opts:     o,
		graphs:   graphs,
		logger:   logger,
		sem:      make(chan struct{}, o.Concurrency),
		perModel: map[string]chan struct{}{},
		handled:  map[string]int64{},
	}
	for _, g := range graphs {
		r.perModel[g.Model] = make(chan struct{}, o.ConcurrencyPer)
	}
	return r, nil
}

// Run blocks until ctx is cancelled, driving all loops.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("stator starting",
		"models", len(r.graphs),
		"concurrency", r.opts.Concurrency,
		"schedule_interval", r.opts.ScheduleInterval)

	// An immediate first sweep recovers rows left over from a previous
	// run before the task loop starts polling.
	r.sweep(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.scheduleLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.taskLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.watchdogLoop(ctx)
	}()
	wg.Wait()

	// Drain in-flight handlers.
	for i := 0; i < r.opts.Concurrency; i++ {
		r.sem <- struct{}{}
	}
	r.logger.Info("stator stopped")
	return ctx.Err()
}

func (r *Runner) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep is one pass of the schedule and lock sweeps plus stats upkeep.
func (r *Runner) sweep(ctx context.Context) {
	for _, g := range r.graphs {
		if _, err := r.store.ClearExpiredLocks(ctx, g.Model); err != nil {
			r.logger.Error("clear expired locks", "model", g.Model, "error", err)
		}
		for _, st := range g.HandledStates() {
			if _, err := r.store.MarkReady(ctx, g.Model, st.Name, st.TryInterval); err != nil {
				r.logger.Error("mark ready", "model", g.Model, "state", st.Name, "error", err)
			}
		}
		for _, name := range g.order {
			st := g.states[name]
			if st.Timeout > 0 {
				target := g.State(st.TimeoutState)
				n, err := r.store.TransitionStale(ctx, g.Model, st.Name, st.TimeoutState, st.Timeout, target.AttemptImmediately)
				if err != nil {
					r.logger.Error("state timeout", "model", g.Model, "state", st.Name, "error", err)
				} else if n > 0 {
					r.logger.Info("state timeout", "model", g.Model, "state", st.Name, "moved", n, "to", st.TimeoutState)
				}
			}
			if st.Terminal && st.DeleteAfter > 0 {
				if _, err := r.store.DeleteExpired(ctx, g.Model, st.Name, st.DeleteAfter); err != nil {
					r.logger.Error("expire terminal rows", "model", g.Model, "state", st.Name, "error", err)
				}
			}
		}
		r.recordStats(ctx, g)
	}
	r.lastSweep.Store(time.Now().UnixMilli())
	r.touchLiveness()
}

func (r *Runner) recordStats(ctx context.Context, g *Graph) {
	st, err := r.store.LoadStats(ctx, g.Model)
	if err != nil {
		r.logger.Error("load stats", "model", g.Model, "error", err)
		return
	}
	now := time.Now()

	queued, err := r.store.CountQueued(ctx, g.Model, g.HandledStateNames())
	if err != nil {
		r.logger.Error("count queued", "model", g.Model, "error", err)
		return
	}
	st.Payload.RecordQueued(now, queued)

	r.statsMu.Lock()
	n := r.handled[g.Model]
	r.handled[g.Model] = 0
	r.statsMu.Unlock()
	if n > 0 {
		st.Payload.RecordHandled(now, n)
	}

	st.Payload.Trim(now)
	if err := r.store.SaveStats(ctx, st); err != nil {
		r.logger.Error("save stats", "model", g.Model, "error", err)
	}
}

func (r *Runner) taskLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range r.graphs {
				r.dispatchBatch(ctx, g)
			}
		}
	}
}

func (r *Runner) dispatchBatch(ctx context.Context, g *Graph) {
	states := g.HandledStateNames()
	if len(states) == 0 {
		return
	}
	batch, err := r.store.LockBatch(ctx, g.Model, states, r.opts.ConcurrencyPer, r.opts.LockExpiry)
	if err != nil {
		r.logger.Error("lock batch", "model", g.Model, "error", err)
		return
	}
	for _, row := range batch {
		row := row
		select {
		case <-ctx.Done():
			// Leases on undispatched rows expire on their own.
			return
		case r.sem <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			<-r.sem
			return
		case r.perModel[g.Model] <- struct{}{}:
		}
		go func() {
			defer func() {
				<-r.perModel[g.Model]
				<-r.sem
			}()
			r.runHandler(ctx, g, row)
		}()
	}
}

func (r *Runner) runHandler(ctx context.Context, g *Graph, row db.LockedRow) {
	st := g.State(row.State)
	if st == nil || st.Handler == nil {
		// The row changed state between select and dispatch.
		if err := r.store.DeferAttempt(ctx, g.Model, row.Id); err != nil {
			r.logger.Error("defer stray row", "model", g.Model, "id", row.Id, "error", err)
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.opts.LockExpiry)
	defer cancel()

	next, err := st.Handler(hctx, row.Id)
	if err != nil {
		r.logger.Error("handler failed",
			"model", g.Model, "state", row.State, "id", row.Id, "error", err)
		if derr := r.store.DeferAttempt(ctx, g.Model, row.Id); derr != nil {
			r.logger.Error("defer after failure", "model", g.Model, "id", row.Id, "error", derr)
		}
		return
	}
	if next == "" {
		if derr := r.store.DeferAttempt(ctx, g.Model, row.Id); derr != nil {
			r.logger.Error("defer", "model", g.Model, "id", row.Id, "error", derr)
		}
		return
	}

	if !g.CanTransition(row.State, next) {
		r.logger.Error("undeclared transition",
			"model", g.Model, "from", row.State, "to", next, "id", row.Id)
		if derr := r.store.DeferAttempt(ctx, g.Model, row.Id); derr != nil {
			r.logger.Error("defer undeclared", "model", g.Model, "id", row.Id, "error", derr)
		}
		return
	}

	target := g.State(next)
	if err := r.store.Transition(ctx, g.Model, row.Id, next, target.AttemptImmediately); err != nil {
		r.logger.Error("transition",
			"model", g.Model, "from", row.State, "to", next, "id", row.Id, "error", err)
		return
	}
	r.logger.Debug("transitioned",
		"model", g.Model, "from", row.State, "to", next, "id", row.Id)

	r.statsMu.Lock()
	r.handled[g.Model]++
	r.statsMu.Unlock()
}

// watchdogLoop reports liveness to systemd while sweeps keep completing.
// A stalled schedule loop silences the pings and lets the supervisor
// restart the process.
func (r *Runner) watchdogLoop(ctx context.Context) {
	interval := r.opts.ScheduleInterval / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.UnixMilli(r.lastSweep.Load())
			if time.Since(last) > 2*r.opts.ScheduleInterval {
				r.logger.Error("schedule sweep stalled", "last_sweep", last)
				continue
			}
			if r.opts.SdNotify {
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					r.logger.Error("sd_notify", "error", err)
				}
			}
		}
	}
}

// LastSweep reports when the most recent schedule sweep completed, for
// health reporting.
func (r *Runner) LastSweep() time.Time {
	return time.UnixMilli(r.lastSweep.Load())
}

func (r *Runner) touchLiveness() {
	if r.opts.LivenessFile == "" {
		return
	}
	if err := os.WriteFile(r.opts.LivenessFile, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		r.logger.Error("touch liveness file", "path", r.opts.LivenessFile, "error", err)
	}
}
