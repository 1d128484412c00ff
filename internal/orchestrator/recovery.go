package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/frames"
	"github.com/xkilldash9x/formmapper/internal/recovery"
)

// maxAlignMoves bounds a single frame alignment.
const maxAlignMoves = 64

// perform executes step, aligning frames first. With retry set, failures go
// through classification and the per-class retry ceilings; otherwise the
// first failure aborts the branch. It returns the step as finally accepted,
// which may carry a corrected locator or value. Prerequisite steps run during
// recovery are committed only once step itself succeeds.
func (r *run) perform(ctx context.Context, step schemas.InteractionStep, retry bool) (schemas.InteractionStep, error) {
	tracker := r.o.policy.NewTracker()
	var (
		retried []schemas.ErrorContext
		staged  []schemas.InteractionStep
	)

	for {
		if err := ctx.Err(); err != nil {
			return step, terminal(schemas.ReasonCanceled, err)
		}
		if err := r.align(ctx, step.Field.FrameContext, retry); err != nil {
			return step, err
		}

		_, failure := r.exec.Execute(ctx, step)
		if failure == nil {
			r.recoveries = append(r.recoveries, retried...)
			r.commit(staged)
			return step, nil
		}
		if ctx.Err() != nil {
			return step, terminal(schemas.ReasonCanceled, ctx.Err())
		}
		if errors.Is(failure.Err, frames.ErrDivergence) {
			return step, terminal(schemas.ReasonFrameDivergence, failure)
		}

		verdict := recovery.Classify(failure)
		ec := schemas.ErrorContext{
			FailedStep:        step,
			SnapshotAtFailure: failure.Snapshot,
			Classification:    verdict.Class,
			Signal:            failure.Signal,
		}
		if failure.Err != nil {
			ec.Message = failure.Err.Error()
		}
		if !retry {
			r.errs = append(r.errs, ec)
			return step, abort("replay failed", failure)
		}

		r.transition(StateRecovering)
		var analysis *schemas.ErrorAnalysis
		if verdict.Ambiguous {
			var err error
			if analysis, err = r.analyze(ctx, step, failure, verdict.Class, tracker.Total()+1); err != nil {
				return step, err
			}
			ec.Classification = hintOr(analysis, schemas.StructuralChange)
		}

		class := ec.Classification
		if !tracker.Allow(class) {
			ec.RetryCount = tracker.Attempts(class)
			r.errs = append(r.errs, ec)
			return step, abort(fmt.Sprintf("%s after %d retries", class, ec.RetryCount), failure)
		}
		ec.RetryCount = tracker.Attempts(class)
		retried = noteRetry(retried, ec)
		r.logger.Info("Recovering failed step.",
			zap.Stringer("step", step),
			zap.String("class", string(class)),
			zap.String("reason", verdict.Reason),
			zap.Int("attempt", ec.RetryCount))

		plan, err := r.recoverStep(ctx, step, failure, verdict, class, analysis, ec.RetryCount)
		if err != nil {
			r.errs = append(r.errs, ec)
			return step, err
		}
		if plan.restored {
			staged = nil
		}
		staged = append(staged, plan.prereqs...)
		step = plan.step
	}
}

// retryPlan is what a recovery action leaves for the next attempt.
type retryPlan struct {
	step schemas.InteractionStep
	// prereqs ran on the page and wait for step to succeed.
	prereqs []schemas.InteractionStep
	// restored means the page was reloaded; earlier prerequisites are gone.
	restored bool
}

// commit records prerequisite steps once the step they prepared was accepted.
func (r *run) commit(steps []schemas.InteractionStep) {
	for _, s := range steps {
		r.stats.Steps++
		r.builder.Append(s.Field, s.Value, r.cur.task.path)
		r.cur.accepted = append(r.cur.accepted, s)
	}
}

// noteRetry keeps one record per class holding the latest retry count.
func noteRetry(list []schemas.ErrorContext, ec schemas.ErrorContext) []schemas.ErrorContext {
	for i := range list {
		if list[i].Classification == ec.Classification {
			list[i].RetryCount = ec.RetryCount
			return list
		}
	}
	return append(list, ec)
}

func hintOr(a *schemas.ErrorAnalysis, fallback schemas.Classification) schemas.Classification {
	if a == nil {
		return fallback
	}
	switch a.ClassificationHint {
	case schemas.LocatorStale, schemas.TransientPageError, schemas.StepLogicError, schemas.StructuralChange:
		return a.ClassificationHint
	}
	return fallback
}

// recoverStep applies the recovery action of class and returns the plan for the next attempt.
func (r *run) recoverStep(ctx context.Context, step schemas.InteractionStep, failure *schemas.Failure,
	verdict recovery.Verdict, class schemas.Classification, analysis *schemas.ErrorAnalysis, attempt int) (retryPlan, error) {

	plan := retryPlan{step: step}
	switch class {
	case schemas.LocatorStale:
		match := verdict.Match
		if match == nil {
			snap := failure.Snapshot
			if snap == nil {
				var err error
				if snap, err = r.capture(ctx); err != nil {
					return plan, err
				}
			}
			match = recovery.SemanticMatch(snap, step.Field)
		}
		if match == nil {
			return plan, abort("stale locator could not be re-resolved", failure)
		}
		old := step.Field.Locator
		plan.step.Field.Locator = match.Locator
		r.builder.CorrectLocator(step.Field.Name, step.Field.FrameContext, match.Locator)
		if spec, ok := r.known[step.Field.Name]; ok && spec.Locator == old {
			spec.Locator = match.Locator
			r.known[step.Field.Name] = spec
		}
		r.logger.Info("Re-resolved stale locator.", zap.String("field", step.Field.Name), zap.String("old", old), zap.String("new", match.Locator))
		return plan, nil

	case schemas.TransientPageError:
		plan.restored = true
		return plan, r.restore(ctx)

	case schemas.StepLogicError:
		if analysis == nil {
			var err error
			if analysis, err = r.analyze(ctx, step, failure, class, attempt); err != nil {
				return plan, err
			}
		}
		if analysis == nil {
			return plan, nil
		}
		ran, err := r.prerequisites(ctx, analysis.PrerequisiteSteps, failure.Snapshot)
		if err != nil {
			if _, ok := asTerminal(err); ok {
				return plan, err
			}
			r.logger.Info("Prerequisite steps failed; restoring the checkpoint.", zap.Int("ran", len(ran)), zap.Error(err))
			plan.restored = true
			return plan, r.restore(ctx)
		}
		plan.prereqs = ran
		if analysis.CorrectedStep != nil {
			plan.step = corrected(step, *analysis.CorrectedStep)
		}
		return plan, nil
	}
	return plan, abort(fmt.Sprintf("%s is not retried", class), failure)
}

// prerequisites runs the steps error analysis asked for, stopping at the
// first failure. It returns the steps that ran; none of them is recorded.
func (r *run) prerequisites(ctx context.Context, specs []schemas.ActionSpec, snap *schemas.Snapshot) ([]schemas.InteractionStep, error) {
	var ran []schemas.InteractionStep
	for _, a := range specs {
		step, ok := r.resolve(a, snap)
		if !ok || step.Field.ActionType.IsContextSwitch() {
			continue
		}
		if err := r.align(ctx, step.Field.FrameContext, false); err != nil {
			return ran, err
		}
		if _, f := r.exec.Execute(ctx, step); f != nil {
			return ran, f
		}
		ran = append(ran, step)
	}
	return ran, nil
}

func corrected(step schemas.InteractionStep, a schemas.ActionSpec) schemas.InteractionStep {
	if a.Field != "" {
		step.Field.Name = a.Field
	}
	if a.Locator != "" {
		step.Field.Locator = a.Locator
	}
	if len(a.FrameContext) > 0 {
		step.Field.FrameContext = schemas.ClonePath(a.FrameContext)
	}
	if a.ActionType.Valid() {
		step.Field.ActionType = a.ActionType
	}
	if a.Value != "" {
		step.Value = a.Value
	}
	step.Expect = schemas.PostCondition{}
	return step
}

// restore reloads the checkpoint and replays the branch so far without recovery.
func (r *run) restore(ctx context.Context) error {
	r.logger.Info("Restoring checkpoint after transient failure.", zap.String("branch", pathSignature(r.cur.task.path)))
	if err := r.reset(ctx); err != nil {
		return err
	}
	if err := r.replayChoices(ctx, r.cur.task.path, false); err != nil {
		return err
	}
	for _, s := range r.cur.accepted {
		if _, err := r.perform(ctx, s, false); err != nil {
			return err
		}
	}
	return nil
}

// analyze asks the oracle about a failure. Only a timeout is an error; any
// other oracle failure yields no analysis.
func (r *run) analyze(ctx context.Context, step schemas.InteractionStep, failure *schemas.Failure, class schemas.Classification, attempt int) (*schemas.ErrorAnalysis, error) {
	req := schemas.ErrorAnalysisRequest{
		FailedStep:     step,
		Signal:         failure.Signal,
		Classification: class,
		Snapshot:       failure.Snapshot,
		ExecutedSteps:  append([]schemas.InteractionStep(nil), r.cur.accepted...),
		Attempt:        attempt,
	}
	if failure.Err != nil {
		req.Message = failure.Err.Error()
	}

	actx, cancel := context.WithTimeout(ctx, r.oracleTimeout())
	defer cancel()
	r.stats.AnalysisQueries++
	res, err := r.o.oracle.AnalyzeError(actx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, terminal(schemas.ReasonCanceled, ctx.Err())
		}
		if isTimeout(err) {
			return nil, terminal(schemas.ReasonOracleTimeout, err)
		}
		r.logger.Warn("Error analysis failed.", zap.Stringer("step", step), zap.Error(err))
		return nil, nil
	}
	return res, nil
}

// align moves the mapper to target through enter and exit steps run by the
// executor, so every context switch is confirmed like any other step.
func (r *run) align(ctx context.Context, target []string, retry bool) error {
	for moves := 0; ; moves++ {
		if moves > maxAlignMoves {
			return abort("frame alignment did not converge", fmt.Errorf("target %s", schemas.PathString(target)))
		}
		cur := r.fm.CurrentPath()
		common := frames.Common(cur, target)

		var step schemas.InteractionStep
		switch {
		case len(cur) > common:
			id := cur[len(cur)-1]
			step = schemas.InteractionStep{Field: schemas.FieldRecord{
				Name: id, Locator: id, FrameContext: cur, ActionType: schemas.ActionExitContext,
			}}
		case len(target) > common:
			id := target[common]
			step = schemas.InteractionStep{Field: schemas.FieldRecord{
				Name: id, Locator: id, FrameContext: cur, ActionType: schemas.ActionEnterContext,
			}}
		default:
			return nil
		}
		r.stepSeq++
		step.Number = r.stepSeq
		if _, err := r.perform(ctx, step, retry); err != nil {
			return err
		}
	}
}
