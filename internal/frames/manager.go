// Package frames tracks which nested rendering context the mapper is operating in.
package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// ErrDivergence means the driver's scope no longer matches the tracked path.
var ErrDivergence = errors.New("frame path diverged from driver scope")

// ErrAtRoot is returned by Exit when already at the top document.
var ErrAtRoot = errors.New("already at the top document")

// Switcher is the part of the driver the manager needs.
type Switcher interface {
	EnterContext(ctx context.Context, contextID string) error
	ExitContext(ctx context.Context) error
	CurrentScope(ctx context.Context) ([]string, error)
}

// Stats counts context switches. Abandoned contexts were dropped by a
// checkpoint reset instead of being exited.
type Stats struct {
	Enters    int
	Exits     int
	Abandoned int
}

// Manager is the single source of truth for the current frame path. Enter
// and Exit only update the path when the driver confirms the switch.
type Manager struct {
	logger *zap.Logger
	sw     Switcher

	mu    sync.Mutex
	path  []string
	stats Stats
}

// NewManager creates a manager positioned at the top document.
func NewManager(logger *zap.Logger, sw Switcher) *Manager {
	return &Manager{logger: logger.Named("frames"), sw: sw}
}

// Enter switches into the context hosted by contextID within the current path.
func (m *Manager) Enter(ctx context.Context, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contextID == "" {
		return fmt.Errorf("enter: empty context id: %w", schemas.ErrContextNotFound)
	}
	if err := m.sw.EnterContext(ctx, contextID); err != nil {
		return fmt.Errorf("enter %q from %s: %w", contextID, schemas.PathString(m.path), err)
	}
	m.path = append(m.path, contextID)
	m.stats.Enters++
	m.logger.Debug("Entered context.", zap.String("path", schemas.PathString(m.path)))
	return nil
}

// Exit returns to the parent context.
func (m *Manager) Exit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitLocked(ctx)
}

func (m *Manager) exitLocked(ctx context.Context) error {
	if len(m.path) == 0 {
		return ErrAtRoot
	}
	if err := m.sw.ExitContext(ctx); err != nil {
		return fmt.Errorf("exit from %s: %w", schemas.PathString(m.path), err)
	}
	m.path = m.path[:len(m.path)-1]
	m.stats.Exits++
	return nil
}

// CurrentPath returns a copy of the current frame path; nil at the top document.
func (m *Manager) CurrentPath() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return schemas.ClonePath(m.path)
}

// Depth is the current nesting depth.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.path)
}

// Unwind exits every open context, innermost first.
func (m *Manager) Unwind(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.path) > 0 {
		if err := m.exitLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Reset records that the driver was reloaded to the top document. Contexts
// still open are counted as abandoned, never as exits.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.path) > 0 {
		m.logger.Debug("Abandoning open contexts.", zap.String("path", schemas.PathString(m.path)))
		m.stats.Abandoned += len(m.path)
	}
	m.path = nil
}

// Common returns the length of the longest shared prefix of two frame paths.
func Common(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Verify compares the tracked path against the driver's scope.
func (m *Manager) Verify(ctx context.Context) error {
	scope, err := m.sw.CurrentScope(ctx)
	if err != nil {
		return fmt.Errorf("read driver scope: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !schemas.PathEqual(scope, m.path) {
		return fmt.Errorf("%w: tracked %s, driver %s", ErrDivergence, schemas.PathString(m.path), schemas.PathString(scope))
	}
	return nil
}

// Stats returns the enter/exit counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
