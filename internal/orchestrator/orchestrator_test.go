package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/browser/static"
	"github.com/xkilldash9x/formmapper/internal/condition"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const formURL = "https://forms.test/apply"

// -- Test oracle --

// autoOracle reads the form straight off the snapshot: every visible control
// is a field, text controls get a value and selects become branch points.
type autoOracle struct {
	complete bool
	edit     func(req schemas.OracleRequest, out *schemas.Interpretation)
	analyze  func(req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error)

	mu       sync.Mutex
	requests []schemas.OracleRequest
	analyses []schemas.ErrorAnalysisRequest
}

func (o *autoOracle) Interpret(_ context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()

	out := &schemas.Interpretation{Complete: o.complete}
	for _, n := range req.Snapshot.VisibleInteractive() {
		if n.ContextID != "" {
			continue
		}
		name := snapshot.FieldName(n)
		action := snapshot.DefaultAction(n)
		out.Fields = append(out.Fields, schemas.FieldSpec{Name: name, Locator: n.Locator, FrameContext: n.FramePath, ActionType: action})
		switch action {
		case schemas.ActionChooseOption:
			var opts []string
			for _, opt := range n.Options {
				opts = append(opts, opt.Value)
			}
			out.BranchOptions = append(out.BranchOptions, schemas.BranchPoint{
				Name: name, Locator: n.Locator, FrameContext: n.FramePath, ActionType: action, Options: opts,
			})
		case schemas.ActionEnterText:
			out.NextActions = append(out.NextActions, schemas.ActionSpec{Field: name, Value: "v-" + name})
		}
	}
	if o.edit != nil {
		o.edit(req, out)
	}
	return out, nil
}

func (o *autoOracle) AnalyzeError(_ context.Context, req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
	o.mu.Lock()
	o.analyses = append(o.analyses, req)
	o.mu.Unlock()
	if o.analyze == nil {
		return nil, errors.New("no analysis scripted")
	}
	return o.analyze(req)
}

func (o *autoOracle) queries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

// funcOracle delegates Interpret to a function.
type funcOracle func(ctx context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error)

func (f funcOracle) Interpret(ctx context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
	return f(ctx, req)
}

func (f funcOracle) AnalyzeError(context.Context, schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
	return nil, errors.New("not supported")
}

// countingDriver counts context switches reaching the driver.
type countingDriver struct {
	*static.Driver
	mu            sync.Mutex
	enters, exits int
}

func (c *countingDriver) EnterContext(ctx context.Context, id string) error {
	c.mu.Lock()
	c.enters++
	c.mu.Unlock()
	return c.Driver.EnterContext(ctx, id)
}

func (c *countingDriver) ExitContext(ctx context.Context) error {
	c.mu.Lock()
	c.exits++
	c.mu.Unlock()
	return c.Driver.ExitContext(ctx)
}

// -- Helpers --

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.StabilityCfg.PollInterval = 2 * time.Millisecond
	cfg.StabilityCfg.Timeout = 100 * time.Millisecond
	cfg.StabilityCfg.ActionTimeout = time.Second
	cfg.StabilityCfg.ActionSettle = map[string]time.Duration{}
	cfg.ExplorationCfg.LocalBranchDiscovery = false
	cfg.OracleCfg.Timeout = 2 * time.Second
	return cfg
}

func newDriver(t *testing.T, page string, opts ...static.Option) *static.Driver {
	t.Helper()
	d, err := static.New(zaptest.NewLogger(t), static.MapLoader(map[string]string{formURL: page}), opts...)
	require.NoError(t, err)
	return d
}

func newOrchestrator(t *testing.T, d schemas.Driver, oracle schemas.Oracle, cfg *config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(zaptest.NewLogger(t), d, oracle, cfg, opts...)
	require.NoError(t, err)
	return o
}

func fieldNames(doc schemas.MappingDocument) []string {
	var out []string
	for _, e := range doc.Fields() {
		out = append(out, e.Name)
	}
	return out
}

func entry(t *testing.T, doc schemas.MappingDocument, name string) schemas.MappingEntry {
	t.Helper()
	for _, e := range doc.Fields() {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("no entry %q in %v", name, fieldNames(doc))
	return schemas.MappingEntry{}
}

func assertUniqueStates(t *testing.T, res *Result) {
	t.Helper()
	seen := make(map[string]bool)
	for _, s := range res.Visited {
		assert.False(t, seen[s.StateHash], "state %s expanded twice", s.StateHash)
		seen[s.StateHash] = true
	}
}

func depthCount(res *Result, depth int) int {
	n := 0
	for _, s := range res.Visited {
		if s.Depth == depth {
			n++
		}
	}
	return n
}

// -- Pages --

const linearPage = `<html><body><form>
<label for="first">First name</label><input id="first" name="first">
<label for="last">Last name</label><input id="last" name="last">
<label for="email">Email</label><input id="email" name="email" type="email">
</form></body></html>`

const branchPage = `<html><body><form>
<input id="email" name="email">
<select id="plan" name="plan"><option value="">Please select</option><option value="basic">Basic</option><option value="pro">Pro</option></select>
<div data-visible-when='"plan" in fields &amp;&amp; fields["plan"] == "basic"'><input id="coupon" name="coupon"></div>
<div data-visible-when='"plan" in fields &amp;&amp; fields["plan"] == "pro"'><input id="vat" name="vat"></div>
</form></body></html>`

const nestedPage = `<html><body><form>
<input id="name" name="name">
<iframe id="pay" srcdoc="<form><iframe id=inner srcdoc='<input id=cvc name=cvc>'></iframe></form>"></iframe>
</form></body></html>`

const businessPage = `<html><body><form>
<input type="checkbox" id="business" name="business">
<div data-visible-when='"business" in fields &amp;&amp; fields["business"] == "true"'><input id="vat" name="vat"></div>
</form></body></html>`

// vatOnly keeps the oracle from proposing anything but the hidden VAT field.
func vatOnly(_ schemas.OracleRequest, out *schemas.Interpretation) {
	out.Fields = append(out.Fields, schemas.FieldSpec{Name: "vat", Locator: snapshot.IDLocator("vat"), ActionType: schemas.ActionEnterText})
	out.NextActions = []schemas.ActionSpec{{Field: "vat", Value: "DE123"}}
}

// -- Scenarios --

func TestRun_LinearForm(t *testing.T) {
	oracle := &autoOracle{complete: true}
	var transitions [][2]State
	o := newOrchestrator(t, newDriver(t, linearPage), oracle, testConfig(),
		WithObserver(func(from, to State) { transitions = append(transitions, [2]State{from, to}) }))

	res := o.Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, schemas.ReasonComplete, res.Reason)
	assert.Equal(t, []string{"first", "last", "email"}, fieldNames(res.Document))
	for _, e := range res.Document.Entries {
		assert.Nil(t, e.VisibilityCondition, e.Name)
		assert.Nil(t, e.FrameContext, e.Name)
		assert.Equal(t, "v-"+e.Name, e.Value)
	}
	assert.Equal(t, 1, oracle.queries())
	assert.Equal(t, 1, res.Stats.StabilityWaits)
	assert.Len(t, res.Visited, 1)
	assert.NotEmpty(t, res.RunID)

	require.NotEmpty(t, transitions)
	assert.Equal(t, [2]State{StateIdle, StateSnapshotting}, transitions[0])
	assert.Equal(t, StateTerminal, transitions[len(transitions)-1][1])
}

func TestRun_BranchPointWithTwoOptions(t *testing.T) {
	oracle := &autoOracle{}
	o := newOrchestrator(t, newDriver(t, branchPage), oracle, testConfig())

	res := o.Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, schemas.ReasonExplorationExhausted, res.Reason)
	assert.Equal(t, 2, depthCount(res, 1))
	assert.Equal(t, 1, depthCount(res, 0))
	assertUniqueStates(t, res)
	assert.Equal(t, 3, oracle.queries())

	assert.ElementsMatch(t, []string{"email", "plan", "coupon", "vat"}, fieldNames(res.Document))
	assert.Nil(t, entry(t, res.Document, "email").VisibilityCondition)
	assert.Nil(t, entry(t, res.Document, "plan").VisibilityCondition)

	coupon := entry(t, res.Document, "coupon")
	require.NotNil(t, coupon.VisibilityCondition)
	assert.Equal(t, condition.Equals("plan", "basic"), *coupon.VisibilityCondition)
	vat := entry(t, res.Document, "vat")
	require.NotNil(t, vat.VisibilityCondition)
	assert.Equal(t, condition.Equals("plan", "pro"), *vat.VisibilityCondition)

	// The branch requests carry the choice that led to them.
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	assert.Nil(t, oracle.requests[0].BranchContext)
	require.NotNil(t, oracle.requests[1].BranchContext)
	assert.Equal(t, "basic", oracle.requests[1].BranchContext.Path[0].Option)
	assert.Equal(t, 1, oracle.requests[1].BranchContext.Depth)
}

func TestRun_NestedFrames(t *testing.T) {
	d := &countingDriver{Driver: newDriver(t, nestedPage)}
	o := newOrchestrator(t, d, &autoOracle{complete: true}, testConfig())

	res := o.Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, d.enters)
	assert.Equal(t, 2, d.exits)
	assert.Equal(t, res.Stats.Enters, res.Stats.Exits)

	var kinds []schemas.ActionType
	for _, e := range res.Document.Entries {
		kinds = append(kinds, e.ActionType)
	}
	assert.Equal(t, []schemas.ActionType{
		schemas.ActionEnterText,
		schemas.ActionEnterContext, schemas.ActionEnterContext,
		schemas.ActionEnterText,
		schemas.ActionExitContext, schemas.ActionExitContext,
	}, kinds)
	assert.Equal(t, []string{"pay", "inner"}, entry(t, res.Document, "cvc").FrameContext)
}

func TestRun_StaleLocatorRecoveredOnFirstRetry(t *testing.T) {
	page := `<html><body><form><label for="email-2">Email</label><input id="email-2" name="email"></form></body></html>`
	oracle := funcOracle(func(_ context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
		return &schemas.Interpretation{
			Fields:      []schemas.FieldSpec{{Name: "email", Locator: snapshot.IDLocator("email"), ActionType: schemas.ActionEnterText}},
			NextActions: []schemas.ActionSpec{{Field: "email", Value: "a@b.test"}},
			Complete:    true,
		}, nil
	})
	o := newOrchestrator(t, newDriver(t, page), oracle, testConfig())

	res := o.Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	fields := res.Document.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, snapshot.IDLocator("email-2"), fields[0].Locator)
	require.Len(t, res.Recoveries, 1)
	assert.Equal(t, schemas.LocatorStale, res.Recoveries[0].Classification)
	assert.Equal(t, 1, res.Recoveries[0].RetryCount)
	assert.Empty(t, res.Errors)
}

func TestRun_StructuralChangeAbortsOnlyItsBranch(t *testing.T) {
	ghost := snapshot.IDLocator("ghost")
	var ghostAttempts int
	d := newDriver(t, branchPage, static.WithFault(func(op static.Op, _ []string, target string) error {
		if op == static.OpType && target == ghost {
			ghostAttempts++
		}
		return nil
	}))
	oracle := &autoOracle{edit: func(req schemas.OracleRequest, out *schemas.Interpretation) {
		if bc := req.BranchContext; bc != nil && bc.Path[len(bc.Path)-1].Option == "pro" {
			out.NextActions = append(out.NextActions, schemas.ActionSpec{
				Field: "ghost", Locator: ghost, ActionType: schemas.ActionEnterText, Value: "x",
			})
		}
	}}
	o := newOrchestrator(t, d, oracle, testConfig())

	res := o.Run(context.Background(), formURL)

	assert.False(t, res.Complete)
	assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
	assert.Equal(t, 1, ghostAttempts, "structural changes are never retried")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schemas.StructuralChange, res.Errors[0].Classification)
	assert.Equal(t, 0, res.Errors[0].RetryCount)
	require.Len(t, res.Aborted, 1)
	assert.Equal(t, "pro", res.Aborted[0].Branch[0].Option)
	assert.ElementsMatch(t, []string{"email", "plan", "coupon", "vat"}, fieldNames(res.Document))
}

// -- Properties --

func TestRun_EquivalentSiblingsDropRemainingOptions(t *testing.T) {
	page := `<html><body><form>
<select id="size" name="size"><option value="s">S</option><option value="m">M</option><option value="l">L</option></select>
</form></body></html>`
	o := newOrchestrator(t, newDriver(t, page), &autoOracle{}, testConfig())

	res := o.Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Len(t, res.Visited, 1)
	assertUniqueStates(t, res)
	assert.Equal(t, 3, res.Stats.SkippedBranches)
}

func TestRun_DepthBound(t *testing.T) {
	page := `<html><body><form>
<select id="a" name="a"><option value="">--</option><option value="a1">A1</option><option value="a2">A2</option></select>
<div data-visible-when='"a" in fields &amp;&amp; fields["a"] == "a1"'>
  <select id="b" name="b"><option value="">--</option><option value="b1">B1</option><option value="b2">B2</option></select>
</div>
<div data-visible-when='"b" in fields &amp;&amp; fields["b"] == "b2"'><input id="deep" name="deep"></div>
</form></body></html>`

	t.Run("pruned", func(t *testing.T) {
		cfg := testConfig()
		cfg.ExplorationCfg.MaxDepth = 1
		res := newOrchestrator(t, newDriver(t, page), &autoOracle{}, cfg).Run(context.Background(), formURL)

		assert.Equal(t, schemas.ReasonBudgetExhausted, res.Reason)
		assert.False(t, res.Complete)
		assert.Equal(t, 2, res.Stats.PrunedBranches)
		for _, s := range res.Visited {
			assert.LessOrEqual(t, s.Depth, 1)
		}
		assert.NotContains(t, fieldNames(res.Document), "deep")
	})

	t.Run("within bound", func(t *testing.T) {
		cfg := testConfig()
		cfg.ExplorationCfg.MaxDepth = 2
		res := newOrchestrator(t, newDriver(t, page), &autoOracle{}, cfg).Run(context.Background(), formURL)

		require.NoError(t, res.Err)
		assert.True(t, res.Complete)
		assertUniqueStates(t, res)
		deep := entry(t, res.Document, "deep")
		require.NotNil(t, deep.VisibilityCondition)
		assert.Equal(t, condition.All(condition.Equals("a", "a1"), condition.Equals("b", "b2")), *deep.VisibilityCondition)
	})
}

func TestRun_TransientRetryCeiling(t *testing.T) {
	email := snapshot.IDLocator("email")
	for _, ceiling := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			var attempts int
			d := newDriver(t, linearPage, static.WithFault(func(op static.Op, _ []string, target string) error {
				if op == static.OpType && target == email {
					attempts++
					return fmt.Errorf("renderer crashed: %w", schemas.ErrPageUnavailable)
				}
				return nil
			}))
			cfg := testConfig()
			cfg.RecoveryCfg.Transient = ceiling

			res := newOrchestrator(t, d, &autoOracle{complete: true}, cfg).Run(context.Background(), formURL)

			assert.Equal(t, ceiling+1, attempts)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, schemas.TransientPageError, res.Errors[0].Classification)
			assert.Equal(t, ceiling, res.Errors[0].RetryCount)
			assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
			assert.Equal(t, res.Stats.Enters, res.Stats.Exits)
			// Steps accepted before the failure survive.
			assert.Equal(t, []string{"first", "last"}, fieldNames(res.Document))
		})
	}
}

func TestRun_PartialResultOnIterationBudget(t *testing.T) {
	cfg := testConfig()
	cfg.ExplorationCfg.MaxIterations = 2
	res := newOrchestrator(t, newDriver(t, linearPage), &autoOracle{complete: true}, cfg).Run(context.Background(), formURL)

	assert.Equal(t, schemas.ReasonBudgetExhausted, res.Reason)
	assert.False(t, res.Complete)
	assert.Error(t, res.Err)
	assert.Equal(t, []string{"first", "last"}, fieldNames(res.Document))
}

func TestRun_StateBudget(t *testing.T) {
	cfg := testConfig()
	cfg.ExplorationCfg.MaxStates = 1
	res := newOrchestrator(t, newDriver(t, branchPage), &autoOracle{}, cfg).Run(context.Background(), formURL)

	assert.Equal(t, schemas.ReasonBudgetExhausted, res.Reason)
	assert.Len(t, res.Visited, 1)
	assert.Contains(t, fieldNames(res.Document), "email")
}

func TestRun_StepLogicRunsPrerequisites(t *testing.T) {
	oracle := &autoOracle{
		complete: true,
		edit:     vatOnly,
		analyze: func(req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
			return &schemas.ErrorAnalysis{
				ClassificationHint: schemas.StepLogicError,
				PrerequisiteSteps:  []schemas.ActionSpec{{Field: "business", ActionType: schemas.ActionToggle, Value: "true"}},
			}, nil
		},
	}
	res := newOrchestrator(t, newDriver(t, businessPage), oracle, testConfig()).Run(context.Background(), formURL)

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, []string{"business", "vat"}, fieldNames(res.Document))
	assert.Equal(t, 2, res.Stats.Steps)
	require.Len(t, res.Recoveries, 1)
	assert.Equal(t, schemas.StepLogicError, res.Recoveries[0].Classification)
	assert.Equal(t, 1, res.Recoveries[0].RetryCount)
	require.Len(t, oracle.analyses, 1)
	assert.Equal(t, schemas.SignalNotInteractable, oracle.analyses[0].Signal)
}

func TestRun_PartialPrerequisitesAreDiscarded(t *testing.T) {
	var ghostClicks int
	d := newDriver(t, businessPage, static.WithFault(func(op static.Op, _ []string, target string) error {
		if op == static.OpClick && target == snapshot.IDLocator("ghost") {
			ghostClicks++
		}
		return nil
	}))
	oracle := &autoOracle{
		complete: true,
		edit:     vatOnly,
		analyze: func(schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
			return &schemas.ErrorAnalysis{
				ClassificationHint: schemas.StepLogicError,
				PrerequisiteSteps: []schemas.ActionSpec{
					{Field: "business", ActionType: schemas.ActionToggle, Value: "true"},
					{Field: "ghost", Locator: snapshot.IDLocator("ghost"), ActionType: schemas.ActionClick},
				},
			}, nil
		},
	}
	res := newOrchestrator(t, d, oracle, testConfig()).Run(context.Background(), formURL)

	assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
	assert.Equal(t, 2, ghostClicks)
	assert.Empty(t, res.Document.Entries, "a failed batch leaves nothing behind")
	assert.Zero(t, res.Stats.Steps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schemas.StepLogicError, res.Errors[0].Classification)
	assert.Equal(t, 2, res.Errors[0].RetryCount)
	// Each retry starts from a fresh checkpoint, so nothing toggled leaks into it.
	for _, a := range oracle.analyses {
		assert.Empty(t, a.ExecutedSteps)
	}
}

func TestRun_AbortInsideNestedContextUnwinds(t *testing.T) {
	d := &countingDriver{Driver: newDriver(t, nestedPage)}
	oracle := &autoOracle{complete: true, edit: func(_ schemas.OracleRequest, out *schemas.Interpretation) {
		out.NextActions = append(out.NextActions, schemas.ActionSpec{
			Field: "ghost", Locator: snapshot.IDLocator("ghost"), FrameContext: []string{"pay", "inner"},
			ActionType: schemas.ActionEnterText, Value: "x",
		})
	}}

	res := newOrchestrator(t, d, oracle, testConfig()).Run(context.Background(), formURL)

	assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
	require.Len(t, res.Aborted, 1)
	assert.Equal(t, 2, d.enters)
	assert.Equal(t, 2, d.exits, "the aborted branch is unwound at the driver")
	assert.Equal(t, res.Stats.Enters, res.Stats.Exits)
	assert.Zero(t, res.Stats.AbandonedContexts)
	assert.Equal(t, []string{"name", "cvc"}, fieldNames(res.Document))
	scope, err := d.CurrentScope(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scope)
}

func TestRun_LocatorStaleRetryCeiling(t *testing.T) {
	page := `<html><body><form><input id="email-1" name="email" type="email"></form></body></html>`
	oracle := funcOracle(func(context.Context, schemas.OracleRequest) (*schemas.Interpretation, error) {
		return &schemas.Interpretation{
			Fields:      []schemas.FieldSpec{{Name: "email", Locator: snapshot.IDLocator("email-1"), ActionType: schemas.ActionEnterText}},
			NextActions: []schemas.ActionSpec{{Field: "email", Value: "a@b.test"}},
			Complete:    true,
		}, nil
	})

	for _, ceiling := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			var (
				attempts int
				d        *static.Driver
			)
			// The field re-renders under a new id every time it is typed into.
			d = newDriver(t, page, static.WithFault(func(op static.Op, scope []string, _ string) error {
				if op != static.OpType {
					return nil
				}
				attempts++
				id := fmt.Sprintf("email-%d", attempts+1)
				err := d.MutateInHook(scope, func(root *html.Node) {
					n := htmlquery.FindOne(root, "//input[@name='email']")
					for i := range n.Attr {
						if n.Attr[i].Key == "id" {
							n.Attr[i].Val = id
						}
					}
				})
				if err != nil {
					return err
				}
				return fmt.Errorf("field re-rendered: %w", schemas.ErrElementNotFound)
			}))
			cfg := testConfig()
			cfg.RecoveryCfg.LocatorStale = ceiling

			res := newOrchestrator(t, d, oracle, cfg).Run(context.Background(), formURL)

			assert.Equal(t, ceiling+1, attempts)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, schemas.LocatorStale, res.Errors[0].Classification)
			assert.Equal(t, ceiling, res.Errors[0].RetryCount)
			assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
			assert.Empty(t, res.Recoveries)
		})
	}
}

func TestRun_StepLogicRetryCeiling(t *testing.T) {
	vat := snapshot.IDLocator("vat")
	for _, ceiling := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			var attempts int
			d := newDriver(t, businessPage, static.WithFault(func(op static.Op, _ []string, target string) error {
				if op == static.OpType && target == vat {
					attempts++
				}
				return nil
			}))
			cfg := testConfig()
			cfg.RecoveryCfg.StepLogic = ceiling
			// No analysis is scripted, so every retry repeats the step as proposed.
			oracle := &autoOracle{complete: true, edit: vatOnly}

			res := newOrchestrator(t, d, oracle, cfg).Run(context.Background(), formURL)

			assert.Equal(t, ceiling+1, attempts)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, schemas.StepLogicError, res.Errors[0].Classification)
			assert.Equal(t, ceiling, res.Errors[0].RetryCount)
			assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
			assert.Len(t, oracle.analyses, ceiling)
		})
	}
}

func TestRun_OracleFailures(t *testing.T) {
	t.Run("timeout is terminal", func(t *testing.T) {
		cfg := testConfig()
		cfg.OracleCfg.Timeout = 20 * time.Millisecond
		oracle := funcOracle(func(ctx context.Context, _ schemas.OracleRequest) (*schemas.Interpretation, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		res := newOrchestrator(t, newDriver(t, linearPage), oracle, cfg).Run(context.Background(), formURL)

		assert.Equal(t, schemas.ReasonOracleTimeout, res.Reason)
		assert.False(t, res.Complete)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	})

	t.Run("invalid response aborts the branch", func(t *testing.T) {
		oracle := funcOracle(func(context.Context, schemas.OracleRequest) (*schemas.Interpretation, error) {
			return nil, fmt.Errorf("%w: truncated JSON", schemas.ErrInvalidResponse)
		})
		res := newOrchestrator(t, newDriver(t, linearPage), oracle, testConfig()).Run(context.Background(), formURL)

		assert.Equal(t, schemas.ReasonUnrecoverable, res.Reason)
		require.Len(t, res.Aborted, 1)
		assert.ErrorIs(t, res.Aborted[0].Err, schemas.ErrInvalidResponse)
		assert.Empty(t, res.Document.Entries)
	})

	t.Run("unknown action type is invalid", func(t *testing.T) {
		oracle := funcOracle(func(context.Context, schemas.OracleRequest) (*schemas.Interpretation, error) {
			return &schemas.Interpretation{Fields: []schemas.FieldSpec{{Name: "x", ActionType: "teleport"}}}, nil
		})
		res := newOrchestrator(t, newDriver(t, linearPage), oracle, testConfig()).Run(context.Background(), formURL)

		require.Len(t, res.Aborted, 1)
		assert.ErrorIs(t, res.Aborted[0].Err, schemas.ErrInvalidResponse)
	})
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newOrchestrator(t, newDriver(t, linearPage), &autoOracle{}, testConfig()).Run(ctx, formURL)

	assert.Equal(t, schemas.ReasonCanceled, res.Reason)
	assert.False(t, res.Complete)
	assert.NotNil(t, res.Document)
}

func TestRun_SeededSelectionIsDeterministic(t *testing.T) {
	page := `<html><body><form>
<select id="kind" name="kind"><option value="a">A</option><option value="b">B</option><option value="c">C</option><option value="d">D</option></select>
<div data-visible-when='fields["kind"] == "a"'><input id="fa" name="fa"></div>
<div data-visible-when='fields["kind"] == "b"'><input id="fb" name="fb"></div>
<div data-visible-when='fields["kind"] == "c"'><input id="fc" name="fc"></div>
<div data-visible-when='fields["kind"] == "d"'><input id="fd" name="fd"></div>
</form></body></html>`

	order := func(policy string) []string {
		cfg := testConfig()
		cfg.ExplorationCfg.SelectionPolicy = policy
		cfg.ExplorationCfg.Seed = 42
		res := newOrchestrator(t, newDriver(t, page), &autoOracle{}, cfg).Run(context.Background(), formURL)
		require.NoError(t, res.Err)
		var hashes []string
		for _, s := range res.Visited {
			hashes = append(hashes, s.StateHash)
		}
		return hashes
	}

	first, second := order(config.SelectionSeeded), order(config.SelectionSeeded)
	assert.Equal(t, first, second)
	assert.Len(t, first, 5)
	assert.ElementsMatch(t, order(config.SelectionOrdered), first)
}

func TestRun_DepthFirstVisitsSameStates(t *testing.T) {
	bfs := newOrchestrator(t, newDriver(t, branchPage), &autoOracle{}, testConfig()).Run(context.Background(), formURL)
	cfg := testConfig()
	cfg.ExplorationCfg.Strategy = config.StrategyDFS
	dfs := newOrchestrator(t, newDriver(t, branchPage), &autoOracle{}, cfg).Run(context.Background(), formURL)

	require.NoError(t, bfs.Err)
	require.NoError(t, dfs.Err)
	var a, b []string
	for _, s := range bfs.Visited {
		a = append(a, s.StateHash)
	}
	for _, s := range dfs.Visited {
		b = append(b, s.StateHash)
	}
	assert.ElementsMatch(t, a, b)
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	_, err := New(zaptest.NewLogger(t), nil, &autoOracle{}, testConfig())
	assert.Error(t, err)
}
