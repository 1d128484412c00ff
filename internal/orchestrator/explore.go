package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/diff"
	"github.com/xkilldash9x/formmapper/internal/frames"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// task is one branch waiting on the frontier: the choices that lead to it.
type task struct {
	path  []schemas.BranchChoice
	bp    string
	depth int
}

// branch is the task currently being explored.
type branch struct {
	task     *task
	accepted []schemas.InteractionStep
}

// explore walks one branch: reach it from the checkpoint, then alternate
// between snapshots, oracle queries and steps until nothing is pending.
func (r *run) explore(ctx context.Context, t *task) error {
	r.cur = &branch{task: t}
	log := r.logger.With(zap.String("branch", pathSignature(t.path)), zap.Int("depth", t.depth))
	log.Debug("Exploring branch.")

	if len(t.path) > 0 {
		r.transition(StateBacktracking)
	}
	if err := r.reset(ctx); err != nil {
		return err
	}
	if err := r.replayChoices(ctx, t.path, true); err != nil {
		return err
	}

	var (
		last    *schemas.Snapshot
		interp  *schemas.Interpretation
		pending []schemas.InteractionStep
		done    bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return terminal(schemas.ReasonCanceled, err)
		}
		if err := r.tick(); err != nil {
			return err
		}

		r.transition(StateSnapshotting)
		snap, err := r.capture(ctx)
		if err != nil {
			return err
		}

		if !done && diff.Changed(last, snap) {
			r.transition(StateAwaitingStability)
			if snap, err = r.settle(ctx, snap); err != nil {
				return err
			}

			fields := diff.FieldSet(snap)
			if last == nil && t.bp != "" && r.equivalent(t, fields) {
				r.stats.SkippedBranches++
				return r.closeBranch(ctx)
			}
			hash := diff.StateHash(snap.URL, fields, r.fm.CurrentPath())
			if r.visited[hash] {
				log.Debug("State already explored.", zap.String("state", hash))
				if last == nil {
					r.stats.SkippedBranches++
				}
				return r.closeBranch(ctx)
			}
			if err := r.visit(hash, t); err != nil {
				return err
			}

			r.transition(StateInterpreting)
			next, err := r.interpret(ctx, snap, interp, t)
			if err != nil {
				return err
			}
			interp, last = next, snap
			pending = r.absorb(next, snap, t)
			done = next.Complete
			if done {
				r.signalled = true
				log.Debug("Oracle signalled completion.", zap.Int("pending", len(pending)))
			}
		}

		if len(pending) == 0 {
			break
		}
		step := pending[0]
		pending = pending[1:]
		if err := r.step(ctx, step); err != nil {
			return err
		}
	}
	return r.closeBranch(ctx)
}

// tick counts one pass of the branch loop against the iteration budget.
func (r *run) tick() error {
	if limit := r.o.exploration.MaxIterations; limit > 0 && r.stats.Iterations >= limit {
		return terminal(schemas.ReasonBudgetExhausted, fmt.Errorf("iteration budget of %d reached", limit))
	}
	r.stats.Iterations++
	return nil
}

func (r *run) visit(hash string, t *task) error {
	if limit := r.o.exploration.MaxStates; limit > 0 && len(r.states) >= limit {
		return terminal(schemas.ReasonBudgetExhausted, fmt.Errorf("state budget of %d reached", limit))
	}
	r.visited[hash] = true
	r.states = append(r.states, ExplorationState{
		FrameStack:    r.fm.CurrentPath(),
		Depth:         t.depth,
		StateHash:     hash,
		CheckpointRef: r.startURL,
	})
	return nil
}

func (r *run) capture(ctx context.Context) (*schemas.Snapshot, error) {
	snap, err := r.o.extractor.Capture(ctx, r.o.driver, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, terminal(schemas.ReasonCanceled, ctx.Err())
		}
		return nil, abort("snapshot failed", err)
	}
	return snap, nil
}

// settle waits for the page to stop changing, starting from snap.
func (r *run) settle(ctx context.Context, snap *schemas.Snapshot) (*schemas.Snapshot, error) {
	stable, res, err := r.waiter.Stable(ctx, snap, func(ctx context.Context) (*schemas.Snapshot, error) {
		return r.o.extractor.Capture(ctx, r.o.driver, nil)
	})
	r.stats.StabilityWaits++
	if res.TimedOut {
		r.stats.StabilityTimeouts++
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, terminal(schemas.ReasonCanceled, ctx.Err())
		}
		return nil, abort("snapshot failed", err)
	}
	return stable, nil
}

// reset returns the session to the checkpoint.
func (r *run) reset(ctx context.Context) error {
	if err := r.o.driver.ResetToCheckpoint(ctx, r.startURL); err != nil {
		if ctx.Err() != nil {
			return terminal(schemas.ReasonCanceled, ctx.Err())
		}
		return abort("checkpoint reset failed", err)
	}
	r.fm.Reset()
	return nil
}

// replayChoices re-applies the branch choices of a path. When record is set
// the choices are added to the artifact.
func (r *run) replayChoices(ctx context.Context, path []schemas.BranchChoice, record bool) error {
	for i, c := range path {
		step := r.choiceStep(c)
		accepted, err := r.perform(ctx, step, record)
		if err != nil {
			return err
		}
		if record {
			r.builder.Append(accepted.Field, accepted.Value, path[:i])
		}
	}
	return nil
}

func (r *run) choiceStep(c schemas.BranchChoice) schemas.InteractionStep {
	rec := schemas.FieldRecord{
		Name:         c.Control,
		Locator:      c.Locator,
		FrameContext: schemas.ClonePath(c.FrameContext),
		ActionType:   c.ActionType,
	}
	if spec, ok := r.known[c.Control]; ok {
		rec.Description = spec.Description
	}
	value := c.Option
	switch c.ActionType {
	case schemas.ActionToggle:
		value = "true"
	case schemas.ActionClick, schemas.ActionHover:
		value = ""
	}
	r.stepSeq++
	return schemas.InteractionStep{Number: r.stepSeq, Field: rec, Value: value}
}

// step executes one pending step and records it on success.
func (r *run) step(ctx context.Context, step schemas.InteractionStep) error {
	r.transition(StateExecuting)
	accepted, err := r.perform(ctx, step, true)
	if err != nil {
		return err
	}
	r.transition(StateAdvancing)
	r.stats.Steps++
	r.builder.Append(accepted.Field, accepted.Value, r.cur.task.path)
	r.cur.accepted = append(r.cur.accepted, accepted)
	return nil
}

// closeBranch leaves every open context and checks the driver agrees. Exits
// go through the executor first and straight through the frame manager when
// that fails.
func (r *run) closeBranch(ctx context.Context) error {
	if r.fm.Depth() > 0 {
		if err := r.align(ctx, nil, false); err != nil {
			if _, ok := asTerminal(err); ok {
				return err
			}
			r.logger.Warn("Could not unwind contexts through the executor.", zap.Error(err))
			if err := r.fm.Unwind(ctx); err != nil {
				r.logger.Warn("Could not unwind contexts at end of branch.",
					zap.Int("depth", r.fm.Depth()), zap.Error(err))
				return nil
			}
		}
	}
	if err := r.fm.Verify(ctx); err != nil {
		if errors.Is(err, frames.ErrDivergence) {
			return terminal(schemas.ReasonFrameDivergence, err)
		}
		r.logger.Warn("Could not verify frame path.", zap.Error(err))
	}
	return nil
}

func (r *run) oracleTimeout() time.Duration {
	if d := r.o.oracleCfg.Timeout; d > 0 {
		return d
	}
	return 60 * time.Second
}

func (r *run) budget(t *task) schemas.BudgetRemaining {
	e := r.o.exploration
	return schemas.BudgetRemaining{
		Depth:      max(e.MaxDepth-t.depth, 0),
		States:     max(e.MaxStates-len(r.states), 0),
		Iterations: max(e.MaxIterations-r.stats.Iterations, 0),
	}
}

// interpret issues the single oracle query for a changed snapshot.
func (r *run) interpret(ctx context.Context, snap *schemas.Snapshot, prior *schemas.Interpretation, t *task) (*schemas.Interpretation, error) {
	req := schemas.OracleRequest{
		Snapshot:                   snap,
		FramePath:                  r.fm.CurrentPath(),
		PriorArtifactTail:          r.builder.Tail(r.o.oracleCfg.ArtifactTail),
		PriorInterpretation:        prior,
		ExplorationBudgetRemaining: r.budget(t),
	}
	if len(t.path) > 0 {
		req.BranchContext = &schemas.BranchContext{Depth: t.depth, Path: clonePath(t.path)}
	}

	octx, cancel := context.WithTimeout(ctx, r.oracleTimeout())
	defer cancel()
	r.stats.OracleQueries++
	start := time.Now()
	resp, err := r.o.oracle.Interpret(octx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, terminal(schemas.ReasonCanceled, ctx.Err())
		}
		if isTimeout(err) {
			return nil, terminal(schemas.ReasonOracleTimeout, err)
		}
		return nil, abort("oracle interpretation failed", err)
	}
	if err := validateInterpretation(resp); err != nil {
		return nil, abort("invalid oracle response", err)
	}
	r.logger.Debug("Oracle interpreted snapshot.",
		zap.Int("fields", len(resp.Fields)),
		zap.Int("actions", len(resp.NextActions)),
		zap.Int("branch_points", len(resp.BranchOptions)),
		zap.Bool("complete", resp.Complete),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, schemas.ErrOracleTimeout)
}

func validateInterpretation(resp *schemas.Interpretation) error {
	if resp == nil {
		return fmt.Errorf("%w: empty interpretation", schemas.ErrInvalidResponse)
	}
	for i, f := range resp.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", schemas.ErrInvalidResponse, i)
		}
		if f.ActionType != "" && !f.ActionType.Valid() {
			return fmt.Errorf("%w: field %q has unknown action %q", schemas.ErrInvalidResponse, f.Name, f.ActionType)
		}
	}
	for i, a := range resp.NextActions {
		if a.Field == "" && a.Locator == "" {
			return fmt.Errorf("%w: action %d names neither field nor locator", schemas.ErrInvalidResponse, i)
		}
		if a.ActionType != "" && !a.ActionType.Valid() {
			return fmt.Errorf("%w: action %d has unknown action %q", schemas.ErrInvalidResponse, i, a.ActionType)
		}
	}
	for i, b := range resp.BranchOptions {
		if b.Name == "" && b.Locator == "" {
			return fmt.Errorf("%w: branch point %d names neither control nor locator", schemas.ErrInvalidResponse, i)
		}
	}
	return nil
}

// absorb records what an interpretation says about the current state and
// returns the steps to execute next.
func (r *run) absorb(resp *schemas.Interpretation, snap *schemas.Snapshot, t *task) []schemas.InteractionStep {
	for _, f := range resp.Fields {
		r.known[f.Name] = f
		if n := snapshot.Find(snap, f.FrameContext, f.Locator); n != nil && !n.Visible {
			continue
		}
		r.builder.Observe(f.Name, f.FrameContext, t.path)
	}

	for _, p := range resp.BranchOptions {
		r.register(r.fromOracle(p, snap), t)
	}
	if r.o.exploration.LocalBranchDiscovery {
		r.discover(snap, t)
	}

	var steps []schemas.InteractionStep
	for _, a := range resp.NextActions {
		step, ok := r.resolve(a, snap)
		if !ok {
			continue
		}
		if step.Field.ActionType.IsContextSwitch() {
			continue
		}
		if r.isBranchControl(step.Field) {
			r.logger.Debug("Leaving branch control to branch exploration.", zap.String("field", step.Field.Name))
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// resolve turns a proposed action into a step, filling the gaps from the
// field it names and from the snapshot.
func (r *run) resolve(a schemas.ActionSpec, snap *schemas.Snapshot) (schemas.InteractionStep, bool) {
	spec, known := r.known[a.Field]
	rec := schemas.FieldRecord{Name: a.Field}
	if known {
		rec = spec.Record()
	}
	if a.Locator != "" {
		rec.Locator = a.Locator
	}
	if len(a.FrameContext) > 0 {
		rec.FrameContext = schemas.ClonePath(a.FrameContext)
	}
	if a.ActionType != "" {
		rec.ActionType = a.ActionType
	}
	if rec.Locator == "" {
		r.logger.Warn("Dropping action without a locator.", zap.String("field", a.Field))
		return schemas.InteractionStep{}, false
	}

	node := snapshot.Find(snap, rec.FrameContext, rec.Locator)
	if rec.ActionType == "" {
		rec.ActionType = snapshot.DefaultAction(node)
		if rec.ActionType == "" {
			rec.ActionType = schemas.ActionClick
		}
	}
	if !rec.ActionType.Valid() {
		r.logger.Warn("Dropping action with unknown type.", zap.String("field", a.Field), zap.String("action", string(rec.ActionType)))
		return schemas.InteractionStep{}, false
	}
	if rec.Description == "" {
		rec.Description = snapshot.Describe(node)
	}
	if rec.Name == "" && node != nil {
		rec.Name = snapshot.FieldName(node)
	}
	if rec.Name == "" {
		rec.Name = rec.Locator
	}

	value := a.Value
	if value == "" && known {
		value = spec.Value
	}
	r.stepSeq++
	return schemas.InteractionStep{Number: r.stepSeq, Field: rec, Value: value}, true
}

func clonePath(p []schemas.BranchChoice) []schemas.BranchChoice {
	if len(p) == 0 {
		return nil
	}
	out := make([]schemas.BranchChoice, len(p))
	for i, c := range p {
		c.FrameContext = schemas.ClonePath(c.FrameContext)
		out[i] = c
	}
	return out
}
