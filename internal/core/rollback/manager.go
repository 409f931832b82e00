// Package rollback keeps the ordered stack of compensating actions a
// deployment registers as it applies side effects, and runs them in
// reverse when the deployment has to be undone.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/conductor/internal/core/domain"
)

// ErrNoOperation is recorded for an action registered without a Do func.
var ErrNoOperation = errors.New("rollback action has no operation")

// Well-known action types.
const (
	TypeRestoreBackup    = "restore-backup"
	TypeMigrateRollback  = "migrate-rollback"
	TypeSecretDelete     = "secret-delete"
	TypePlatformRollback = "platform-rollback"
	TypeRegionRollback   = "region-rollback"
)

// Action is one compensating step. Index is assigned by Register.
type Action struct {
	Type        string
	Description string
	Index       int
	Do          func(ctx context.Context) error
}

// Manager is safe for concurrent use, although a single execution only
// registers from its own goroutine.
type Manager struct {
	mu      sync.Mutex
	actions []Action
	next    int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends an action and returns its ordering index.
func (m *Manager) Register(a Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.Index = m.next
	m.next++
	m.actions = append(m.actions, a)
	return a.Index
}

// Len returns the number of actions waiting to run.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Pending returns a copy of the waiting actions in registration order.
func (m *Manager) Pending() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.actions...)
}

// Execute runs every registered action in reverse registration order.
// A failing or panicking action does not stop the others. Actions are
// consumed, so a second call attempts nothing.
func (m *Manager) Execute(ctx context.Context) domain.RollbackSummary {
	m.mu.Lock()
	actions := m.actions
	m.actions = nil
	m.mu.Unlock()

	summary := domain.RollbackSummary{}
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		err := run(ctx, a)

		outcome := domain.RollbackOutcome{
			Type:        a.Type,
			Description: a.Description,
			Index:       a.Index,
			Succeeded:   err == nil,
		}
		summary.Attempted++
		if err != nil {
			outcome.Error = err.Error()
			summary.Failed++
		} else {
			summary.Succeeded++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
	return summary
}

func run(ctx context.Context, a Action) (err error) {
	if a.Do == nil {
		return ErrNoOperation
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback action %q panicked: %v", a.Type, r)
		}
	}()
	return a.Do(ctx)
}
