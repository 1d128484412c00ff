// Package cdp implements the mapper's driver on a real Chromium over the
// DevTools protocol.
//
// Every operation runs a self-contained page script that resolves the scope
// path (frames by contentDocument, shadow hosts by their open shadow root) and
// then the element's XPath inside it. Hover is a real mouse move dispatched
// through the protocol so that :hover styles and mouseover handlers fire.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
)

const (
	maxNesting      = 16
	shutdownTimeout = 10 * time.Second
	defaultNavTime  = 60 * time.Second
)

// Driver is a schemas.Driver over one browser tab.
type Driver struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	mu     sync.Mutex
	scope  []string
	closed bool
}

var _ schemas.Driver = (*Driver)(nil)

// New launches a browser and opens a tab. The browser lives until Close, not
// until ctx ends; ctx only bounds the tab setup.
func New(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	d := &Driver{
		logger:      logger.Named("cdp_driver"),
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}
	if err := d.start(ctx); err != nil {
		tabCancel()
		allocCancel()
		return nil, err
	}
	return d, nil
}

func (d *Driver) start(ctx context.Context) error {
	// The first Run allocates the browser and ties it to the context it gets.
	if err := chromedp.Run(d.tabCtx); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	w, h := viewport(d.cfg)
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false),
	}
	if d.cfg.Stealth {
		tasks = append(tasks, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(c)
			return err
		}))
	}
	if err := d.run(ctx, tasks); err != nil {
		return fmt.Errorf("failed to start browser tab: %w", err)
	}
	d.logger.Debug("Browser tab ready.", zap.Bool("headless", d.cfg.Headless), zap.Bool("stealth", d.cfg.Stealth))
	return nil
}

// run executes actions on the tab, bounded by both the tab's lifetime and ctx.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combine(d.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// combine derives from tab so chromedp finds its target, and ends with op.
func combine(tab, op context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := op.Deadline(); ok {
		ctx, cancel = context.WithDeadline(tab, deadline)
	} else {
		ctx, cancel = context.WithCancel(tab)
	}
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// eval runs body with args and decodes the returned value into out.
func (d *Driver) eval(ctx context.Context, body string, args scriptArgs, out interface{}) error {
	src, err := buildScript(body, args)
	if err != nil {
		return err
	}
	var raw []byte
	if err := d.run(ctx, chromedp.Evaluate(src, &raw)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("page script failed: %w: %w", schemas.ErrPageUnavailable, err)
	}
	var res scriptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("malformed page script result: %w", err)
	}
	if res.Code != "" {
		return scriptError(res.Code, res.Message)
	}
	if out == nil || len(res.Value) == 0 {
		return nil
	}
	return json.Unmarshal(res.Value, out)
}

// scriptError maps a page script code onto the driver sentinels.
func scriptError(code, msg string) error {
	switch code {
	case codeNotFound, codeInvalidLocator:
		return fmt.Errorf("%s: %w", msg, schemas.ErrElementNotFound)
	case codeNotInteractable:
		return fmt.Errorf("%s: %w", msg, schemas.ErrNotInteractable)
	case codeOptionNotFound:
		return fmt.Errorf("%s: %w", msg, schemas.ErrOptionNotFound)
	case codeContextNotFound:
		return fmt.Errorf("%s: %w", msg, schemas.ErrContextNotFound)
	}
	return fmt.Errorf("page script error %s: %s", code, msg)
}

// checkScope locks the driver and verifies the caller's scope matches the
// scope entered. The returned func unlocks.
func (d *Driver) checkScope(scope []string) (func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	if !schemas.PathEqual(scope, d.scope) {
		cur := d.scope
		d.mu.Unlock()
		return nil, fmt.Errorf("driver is in %s, not %s: %w", schemas.PathString(cur), schemas.PathString(scope), schemas.ErrContextNotOpened)
	}
	return d.mu.Unlock, nil
}

// Capture renders the context at scope as a RawDocument.
func (d *Driver) Capture(ctx context.Context, scope []string) (*schemas.RawDocument, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	doc := &schemas.RawDocument{}
	if err := d.eval(ctx, captureBody, scriptArgs{Scope: scope, MaxNesting: maxNesting}, doc); err != nil {
		return nil, err
	}
	doc.CapturedAt = time.Now().UTC()
	return doc, nil
}

// Click activates the element.
func (d *Driver) Click(ctx context.Context, scope []string, locator string) error {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return err
	}
	defer unlock()
	return d.eval(ctx, clickBody, scriptArgs{Scope: scope, Locator: locator}, nil)
}

// Type replaces the value of a text control and fires input and change events.
func (d *Driver) Type(ctx context.Context, scope []string, locator, value string) error {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return err
	}
	defer unlock()
	return d.eval(ctx, typeBody, scriptArgs{Scope: scope, Locator: locator, Value: value}, nil)
}

// Choose selects a select option by value or text, or a group member by value.
func (d *Driver) Choose(ctx context.Context, scope []string, locator, option string) error {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return err
	}
	defer unlock()
	return d.eval(ctx, chooseBody, scriptArgs{Scope: scope, Locator: locator, Value: option}, nil)
}

// Toggle sets a checkable control. An empty value flips it.
func (d *Driver) Toggle(ctx context.Context, scope []string, locator, value string) error {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return err
	}
	defer unlock()
	return d.eval(ctx, toggleBody, scriptArgs{Scope: scope, Locator: locator, Value: value}, nil)
}

// Hover moves the mouse to the element's center.
func (d *Driver) Hover(ctx context.Context, scope []string, locator string) error {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return err
	}
	defer unlock()
	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := d.eval(ctx, pointBody, scriptArgs{Scope: scope, Locator: locator}, &pt); err != nil {
		return err
	}
	if err := d.run(ctx, input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y)); err != nil {
		return fmt.Errorf("mouse move to %q failed: %w", locator, err)
	}
	return nil
}

// ReadValue returns the element's live value.
func (d *Driver) ReadValue(ctx context.Context, scope []string, locator string) (string, error) {
	unlock, err := d.checkScope(scope)
	if err != nil {
		return "", err
	}
	defer unlock()
	var v string
	if err := d.eval(ctx, readBody, scriptArgs{Scope: scope, Locator: locator}, &v); err != nil {
		return "", err
	}
	return v, nil
}

// EnterContext descends into the frame or shadow root hosted by contextID.
func (d *Driver) EnterContext(ctx context.Context, contextID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	next := append(schemas.ClonePath(d.scope), contextID)
	if err := d.eval(ctx, hasContextBody, scriptArgs{Scope: next}, nil); err != nil {
		return err
	}
	d.scope = next
	return nil
}

// ExitContext returns to the parent scope.
func (d *Driver) ExitContext(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	if len(d.scope) == 0 {
		return schemas.ErrContextNotOpened
	}
	d.scope = schemas.ClonePath(d.scope[:len(d.scope)-1])
	return nil
}

// CurrentScope returns the ids of the contexts entered, outermost first.
func (d *Driver) CurrentScope(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return schemas.ClonePath(d.scope), nil
}

// CurrentURL returns the URL of the top document.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", schemas.ErrPageUnavailable
	}
	var loc string
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("%w: %w", schemas.ErrPageUnavailable, err)
	}
	return loc, nil
}

// ResetToCheckpoint navigates to url and waits for the body.
func (d *Driver) ResetToCheckpoint(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	timeout := d.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavTime
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := d.run(navCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, timeout, schemas.ErrPageUnavailable)
		}
		return fmt.Errorf("navigation to %s failed: %w: %w", url, schemas.ErrPageUnavailable, err)
	}
	d.scope = nil
	d.logger.Debug("Checkpoint loaded.", zap.String("url", url))
	return nil
}

// Close shuts the tab and the browser process.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(d.tabCtx) }()

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("browser did not close within %s", shutdownTimeout)
	}
	d.tabCancel()
	d.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("Browser shutdown was not clean.", zap.Error(err))
		return err
	}
	return nil
}
