// Package orchestrator drives the exploration of one form: it snapshots the
// page, asks the oracle what the form contains, executes the proposed steps,
// recovers from failures and walks every branch the form offers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/artifact"
	"github.com/xkilldash9x/formmapper/internal/condition"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/diff"
	"github.com/xkilldash9x/formmapper/internal/executor"
	"github.com/xkilldash9x/formmapper/internal/frames"
	"github.com/xkilldash9x/formmapper/internal/recovery"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// Orchestrator maps forms through one exclusively owned driver session.
// Runs on the same orchestrator are serialized.
type Orchestrator struct {
	logger    *zap.Logger
	driver    schemas.Driver
	oracle    schemas.Oracle
	extractor *snapshot.Extractor
	eval      *condition.Evaluator
	policy    *recovery.Policy

	exploration config.ExplorationConfig
	stability   config.StabilityConfig
	oracleCfg   config.OracleConfig

	observer Observer
	newID    func() string

	mu sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver reports state transitions to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithEvaluator shares a condition evaluator with other components.
func WithEvaluator(e *condition.Evaluator) Option {
	return func(o *Orchestrator) { o.eval = e }
}

// New creates an orchestrator. The driver must not be used by anyone else while a run is in progress.
func New(logger *zap.Logger, driver schemas.Driver, oracle schemas.Oracle, cfg config.Interface, opts ...Option) (*Orchestrator, error) {
	if logger == nil || driver == nil || oracle == nil || cfg == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	extractor, err := snapshot.NewExtractor(logger, cfg.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot extractor: %w", err)
	}
	o := &Orchestrator{
		logger:      logger.Named("orchestrator"),
		driver:      driver,
		oracle:      oracle,
		extractor:   extractor,
		policy:      recovery.NewPolicy(cfg.Recovery()),
		exploration: cfg.Exploration(),
		stability:   cfg.Stability(),
		oracleCfg:   cfg.Oracle(),
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.eval == nil {
		if o.eval, err = condition.NewEvaluator(); err != nil {
			return nil, fmt.Errorf("failed to create condition evaluator: %w", err)
		}
	}
	return o, nil
}

// Run explores the form at startURL until a terminal condition is reached.
// It always returns a Result holding every step accepted so far.
func (o *Orchestrator) Run(ctx context.Context, startURL string) *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.newRun(startURL)
	start := time.Now()
	r.logger.Info("Starting form exploration.", zap.String("url", startURL))

	err := r.safeLoop(ctx)
	res := r.finish(err)
	res.Stats.Duration = time.Since(start)

	r.logger.Info("Form exploration finished.",
		zap.String("reason", string(res.Reason)),
		zap.Bool("complete", res.Complete),
		zap.Int("fields", r.builder.Len()),
		zap.Int("states", len(res.Visited)),
		zap.Strings("branch_points", sortedKeys(r.branches)),
		zap.Duration("took", res.Stats.Duration))
	return res
}

// run holds the per-run state. A fresh run is built for every Run call.
type run struct {
	o        *Orchestrator
	logger   *zap.Logger
	id       string
	startURL string

	fm      *frames.Manager
	exec    *executor.Executor
	builder *artifact.Builder
	waiter  *diff.Waiter
	rng     *rand.Rand

	state    State
	frontier []*task
	visited  map[string]bool
	states   []ExplorationState
	branches map[string]*branchPoint
	siblings map[string]map[string]string
	dropped  map[string]bool
	known    map[string]schemas.FieldSpec

	cur        *branch
	stepSeq    int
	signalled  bool
	errs       []schemas.ErrorContext
	recoveries []schemas.ErrorContext
	aborted    []Abort
	stats      Stats
}

func (o *Orchestrator) newRun(startURL string) *run {
	id := o.newID()
	fm := frames.NewManager(o.logger, o.driver)
	r := &run{
		o:        o,
		logger:   o.logger.With(zap.String("run_id", id)),
		id:       id,
		startURL: startURL,
		fm:       fm,
		exec:     executor.New(o.logger, o.driver, fm, o.extractor, o.stability),
		builder:  artifact.NewBuilder(o.logger, o.eval),
		waiter:   diff.NewWaiter(o.logger, o.stability.PollInterval, o.stability.Timeout),
		visited:  make(map[string]bool),
		branches: make(map[string]*branchPoint),
		siblings: make(map[string]map[string]string),
		dropped:  make(map[string]bool),
		known:    make(map[string]schemas.FieldSpec),
	}
	if o.exploration.SelectionPolicy == config.SelectionSeeded {
		seed := uint64(o.exploration.Seed)
		r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return r
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	r.logger.Debug("State transition.", zap.Stringer("from", from), zap.Stringer("to", to))
	if r.o.observer != nil {
		r.o.observer(from, to)
	}
}

// safeLoop runs the exploration and turns a panic in a collaborator into an
// unrecoverable terminal error.
func (r *run) safeLoop(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Exploration panicked.", zap.Any("panic", p), zap.String("stack", string(debug.Stack())))
			err = terminal(schemas.ReasonUnrecoverable, fmt.Errorf("panic: %v", p))
		}
	}()
	return r.loop(ctx)
}

// loop pops tasks off the frontier until it is empty or a terminal error occurs.
func (r *run) loop(ctx context.Context) error {
	r.frontier = []*task{{}}
	for len(r.frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return terminal(schemas.ReasonCanceled, err)
		}
		t := r.pop()
		if t.bp != "" && r.dropped[t.bp] {
			r.stats.SkippedBranches++
			r.logger.Debug("Skipping option of dropped branch point.", zap.String("branch_point", t.bp), zap.String("path", pathSignature(t.path)))
			continue
		}
		if len(t.path) > 0 {
			r.stats.Branches++
		}

		err := r.explore(ctx, t)
		if err == nil {
			continue
		}
		if _, ok := asTerminal(err); ok {
			return err
		}
		if ctx.Err() != nil {
			return terminal(schemas.ReasonCanceled, ctx.Err())
		}
		var ab *abortError
		if !errors.As(err, &ab) {
			ab = &abortError{cause: "branch failed", err: err}
		}
		r.aborted = append(r.aborted, Abort{Branch: clonePath(t.path), Cause: ab.cause, Err: ab.err})
		r.logger.Warn("Branch aborted.", zap.String("path", pathSignature(t.path)), zap.String("cause", ab.cause), zap.Error(ab.err))
		// An aborted branch goes back to the frontier unwound, like any other.
		if err := r.closeBranch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// finish assembles the result from whatever the run accumulated.
func (r *run) finish(err error) *Result {
	r.transition(StateTerminal)
	res := &Result{
		RunID:      r.id,
		StartURL:   r.startURL,
		Document:   r.builder.Document(),
		Errors:     r.errs,
		Recoveries: r.recoveries,
		Aborted:    r.aborted,
		Visited:    r.states,
		Stats:      r.stats,
	}
	fs := r.fm.Stats()
	res.Stats.Enters, res.Stats.Exits, res.Stats.AbandonedContexts = fs.Enters, fs.Exits, fs.Abandoned

	switch t, ok := asTerminal(err); {
	case ok:
		res.Reason, res.Err = t.reason, t
	case err != nil:
		res.Reason, res.Err = schemas.ReasonUnrecoverable, err
	case r.stats.PrunedBranches > 0:
		res.Reason = schemas.ReasonBudgetExhausted
	case len(r.aborted) > 0:
		res.Reason = schemas.ReasonUnrecoverable
		res.Err = r.aborted[0].Err
	case r.signalled:
		res.Reason = schemas.ReasonComplete
	default:
		res.Reason = schemas.ReasonExplorationExhausted
	}
	res.Complete = res.Reason.IsComplete()
	return res
}
