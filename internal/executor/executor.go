// Package executor performs one interaction step against the driver and
// confirms its observable effect.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/frames"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// Executor runs interaction steps. It never retries; failures are returned
// as values for the recovery classifier.
type Executor struct {
	logger    *zap.Logger
	driver    schemas.Driver
	frames    *frames.Manager
	extractor *snapshot.Extractor

	actionTimeout time.Duration
	settle        func(schemas.ActionType) time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// New creates an executor bound to one driver session.
func New(logger *zap.Logger, driver schemas.Driver, fm *frames.Manager, extractor *snapshot.Extractor, cfg config.StabilityConfig) *Executor {
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		logger:        logger.Named("executor"),
		driver:        driver,
		frames:        fm,
		extractor:     extractor,
		actionTimeout: timeout,
		settle:        cfg.SettleFor,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute performs step. Exactly one of the results is non-nil.
func (e *Executor) Execute(ctx context.Context, step schemas.InteractionStep) (ack *schemas.Ack, failure *schemas.Failure) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Driver panicked during step.", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			ack = nil
			failure = e.fail(ctx, step, schemas.SignalDriverError, fmt.Errorf("driver panic: %v", r))
		}
	}()

	expect := expectationFor(step)
	var observed string
	var err error
	var signal schemas.SignalCode

	switch step.Field.ActionType {
	case schemas.ActionEnterContext, schemas.ActionExitContext:
		observed, signal, err = e.switchContext(ctx, step, expect)
	default:
		observed, signal, err = e.act(ctx, step, expect)
	}
	if err != nil {
		return nil, e.fail(ctx, step, signal, err)
	}

	e.logger.Debug("Step acknowledged.", zap.Stringer("step", step), zap.Duration("took", time.Since(start)))
	return &schemas.Ack{Step: step.Number, Observed: observed, Duration: time.Since(start)}, nil
}

func (e *Executor) switchContext(ctx context.Context, step schemas.InteractionStep, expect schemas.PostCondition) (string, schemas.SignalCode, error) {
	var err error
	if step.Field.ActionType == schemas.ActionEnterContext {
		contextID := step.Field.Locator
		if contextID == "" {
			contextID = step.Field.Name
		}
		if !schemas.PathEqual(e.frames.CurrentPath(), step.Field.FrameContext) {
			return "", schemas.SignalContextMismatch, fmt.Errorf("enter %q expected parent %s, at %s",
				contextID, schemas.PathString(step.Field.FrameContext), schemas.PathString(e.frames.CurrentPath()))
		}
		err = e.frames.Enter(ctx, contextID)
	} else {
		err = e.frames.Exit(ctx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", schemas.SignalTimeout, err
		}
		return "", schemas.SignalContextSwitchFailed, err
	}

	if err := e.frames.Verify(ctx); err != nil {
		return "", schemas.SignalContextMismatch, err
	}
	path := e.frames.CurrentPath()
	if expect.Kind == schemas.PostScopeEquals && expect.Expected != schemas.PathString(path) {
		return "", schemas.SignalPostConditionMismatch, fmt.Errorf("scope is %s, expected %s", schemas.PathString(path), expect.Expected)
	}
	return schemas.PathString(path), "", nil
}

func (e *Executor) act(ctx context.Context, step schemas.InteractionStep, expect schemas.PostCondition) (string, schemas.SignalCode, error) {
	scope := e.frames.CurrentPath()
	if !schemas.PathEqual(scope, step.Field.FrameContext) {
		return "", schemas.SignalContextMismatch, fmt.Errorf("step targets %s but mapper is in %s",
			schemas.PathString(step.Field.FrameContext), schemas.PathString(scope))
	}

	before, err := e.driver.CurrentURL(ctx)
	if err != nil {
		return "", schemas.SignalPageUnavailable, err
	}

	opCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	err = e.dispatch(opCtx, scope, step)
	cancel()
	if err != nil {
		return "", SignalFor(err), err
	}

	if err := e.sleep(ctx, e.settle(step.Field.ActionType)); err != nil {
		return "", schemas.SignalTimeout, err
	}

	after, err := e.driver.CurrentURL(ctx)
	if err != nil {
		return "", schemas.SignalPageUnavailable, err
	}
	if !samePage(before, after) {
		return "", schemas.SignalUnexpectedNavigation, fmt.Errorf("page changed from %s to %s", before, after)
	}

	return e.checkPostCondition(ctx, scope, step, expect)
}

func (e *Executor) dispatch(ctx context.Context, scope []string, step schemas.InteractionStep) error {
	loc := step.Field.Locator
	switch step.Field.ActionType {
	case schemas.ActionEnterText:
		return e.driver.Type(ctx, scope, loc, step.Value)
	case schemas.ActionChooseOption:
		if step.Value == "" {
			return fmt.Errorf("choose-option without a value: %w", schemas.ErrOptionNotFound)
		}
		return e.driver.Choose(ctx, scope, loc, step.Value)
	case schemas.ActionToggle:
		return e.driver.Toggle(ctx, scope, loc, step.Value)
	case schemas.ActionClick:
		return e.driver.Click(ctx, scope, loc)
	case schemas.ActionHover:
		return e.driver.Hover(ctx, scope, loc)
	default:
		return fmt.Errorf("unsupported action type %q: %w", step.Field.ActionType, errUnsupportedAction)
	}
}

var errUnsupportedAction = errors.New("unsupported action")

func (e *Executor) checkPostCondition(ctx context.Context, scope []string, step schemas.InteractionStep, expect schemas.PostCondition) (string, schemas.SignalCode, error) {
	switch expect.Kind {
	case schemas.PostValueEquals, schemas.PostChecked:
		got, err := e.driver.ReadValue(ctx, scope, step.Field.Locator)
		if err != nil {
			return "", SignalFor(err), err
		}
		if strings.TrimSpace(got) != strings.TrimSpace(expect.Expected) {
			return got, schemas.SignalPostConditionMismatch, fmt.Errorf("%s reads %q, expected %q", step.Field.Name, got, expect.Expected)
		}
		return got, "", nil
	}
	return "", "", nil
}

// expectationFor fills in the default post-condition for a step.
func expectationFor(step schemas.InteractionStep) schemas.PostCondition {
	if step.Expect.Kind != "" {
		return step.Expect
	}
	switch step.Field.ActionType {
	case schemas.ActionEnterText, schemas.ActionChooseOption:
		return schemas.PostCondition{Kind: schemas.PostValueEquals, Expected: step.Value}
	case schemas.ActionToggle:
		v := strings.ToLower(strings.TrimSpace(step.Value))
		if v == "true" || v == "false" {
			return schemas.PostCondition{Kind: schemas.PostChecked, Expected: v}
		}
	case schemas.ActionEnterContext:
		path := append(schemas.ClonePath(step.Field.FrameContext), contextIDOf(step))
		return schemas.PostCondition{Kind: schemas.PostScopeEquals, Expected: schemas.PathString(path)}
	case schemas.ActionExitContext:
		fc := step.Field.FrameContext
		if len(fc) > 0 {
			return schemas.PostCondition{Kind: schemas.PostScopeEquals, Expected: schemas.PathString(fc[:len(fc)-1])}
		}
	}
	return schemas.PostCondition{Kind: schemas.PostNone}
}

func contextIDOf(step schemas.InteractionStep) string {
	if step.Field.Locator != "" {
		return step.Field.Locator
	}
	return step.Field.Name
}

// SignalFor translates a driver error into a failure signal.
func SignalFor(err error) schemas.SignalCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schemas.ErrElementNotFound):
		return schemas.SignalElementNotFound
	case errors.Is(err, schemas.ErrNotInteractable):
		return schemas.SignalNotInteractable
	case errors.Is(err, schemas.ErrOptionNotFound):
		return schemas.SignalInvalidValue
	case errors.Is(err, schemas.ErrContextNotFound), errors.Is(err, schemas.ErrContextNotOpened):
		return schemas.SignalContextSwitchFailed
	case errors.Is(err, schemas.ErrPageUnavailable):
		return schemas.SignalPageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.SignalTimeout
	case errors.Is(err, errUnsupportedAction):
		return schemas.SignalInvalidValue
	}
	return schemas.SignalDriverError
}

func samePage(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host && strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}

// fail builds a Failure and attaches the best-effort snapshot.
func (e *Executor) fail(ctx context.Context, step schemas.InteractionStep, signal schemas.SignalCode, err error) *schemas.Failure {
	if signal == "" {
		signal = schemas.SignalDriverError
	}
	f := &schemas.Failure{Step: step, Signal: signal, Err: err}
	if ctx.Err() == nil {
		snap, capErr := e.extractor.Capture(ctx, e.driver, nil)
		if capErr != nil {
			e.logger.Debug("Could not capture snapshot for failed step.", zap.Error(capErr))
		} else {
			f.Snapshot = snap
		}
	}
	e.logger.Info("Step failed.", zap.Stringer("step", step), zap.String("signal", string(signal)), zap.Error(err))
	return f
}
