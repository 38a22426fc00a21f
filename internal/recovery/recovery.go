// Package recovery runs startup checks and cleanups after a restart or crash.
//
// Components register a Recoverable; RecoverAll runs each one once before the
// service starts accepting traffic and reports how many failed.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component with state to repair or verify at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover is called once during startup.
	Recover(ctx context.Context) error
}

// Func adapts a function to the Recoverable interface.
type Func struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

// Name returns the component name.
func (f Func) Name() string { return f.ComponentName }

// Recover calls Fn.
func (f Func) Recover(ctx context.Context) error { return f.Fn(ctx) }

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component. Components recover in registration order.
func (m *Manager) Register(r Recoverable) {
	if r == nil {
		return
	}
	m.recoverables = append(m.recoverables, r)
}

// Len returns the number of registered components.
func (m *Manager) Len() int {
	return len(m.recoverables)
}

// RecoverAll runs every component, continuing past failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery interrupted after %d of %d components: %w", recovered+failed, len(m.recoverables), err)
		}
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", r.Name())
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
