// Package widget implements the display-state machine for the chat
// widget: normal, fullscreen, minimized, with restore semantics and
// optional persistence.
package widget

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/domain"
)

// PreferencesStore persists display-state preferences between sessions
type PreferencesStore interface {
	Load() (*domain.Preferences, error)
	Save(prefs domain.Preferences) error
}

// Options configures a Machine
type Options struct {
	// Store is optional; without one the machine is purely in-memory
	Store PreferencesStore
	// RememberState controls whether transitions are written back to
	// the store
	RememberState bool
	// OnChange receives the new state after every transition
	OnChange func(domain.WidgetState)
	Logger   *zap.Logger
}

// Machine tracks the widget display state. Fullscreen is a transient
// overlay: it is never written to the store, and leaving it always
// lands on normal.
type Machine struct {
	store    PreferencesStore
	remember bool
	onChange func(domain.WidgetState)
	logger   *zap.Logger

	mu       sync.Mutex
	state    domain.WidgetState
	previous domain.WidgetState

	settleTimer *time.Timer
	settleGen   uint64
}

// NewMachine creates a machine, rehydrating the initial state from the
// store when one is configured. A persisted fullscreen (from older data)
// degrades to normal.
func NewMachine(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Machine{
		store:    opts.Store,
		remember: opts.RememberState,
		onChange: opts.OnChange,
		logger:   opts.Logger,
		state:    domain.StateNormal,
		previous: domain.StateNormal,
	}
	if opts.Store != nil && opts.RememberState {
		prefs, err := opts.Store.Load()
		if err != nil {
			opts.Logger.Warn("failed to load widget preferences", zap.Error(err))
		} else if prefs != nil && prefs.LastState.Valid() && prefs.LastState != domain.StateFullscreen {
			m.state = prefs.LastState
		}
	}
	return m
}

// State returns the current display state
func (m *Machine) State() domain.WidgetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PreviousState returns the state recorded before the last transition
func (m *Machine) PreviousState() domain.WidgetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// SetState transitions to the given state. Unknown states are ignored.
func (m *Machine) SetState(state domain.WidgetState) {
	if !state.Valid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == m.state {
		return
	}
	m.previous = m.state
	m.applyLocked(state)
}

// ToggleFullscreen enters fullscreen from any other state. Leaving
// fullscreen always lands on normal, never on a remembered minimized
// state: re-hiding the widget on exit would surprise the user.
func (m *Machine) ToggleFullscreen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.StateFullscreen {
		m.previous = domain.StateNormal
		m.applyLocked(domain.StateNormal)
		return
	}
	m.previous = m.state
	m.applyLocked(domain.StateFullscreen)
}

// Minimize collapses the widget, remembering where it was
func (m *Machine) Minimize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.StateMinimized {
		return
	}
	m.previous = m.state
	m.applyLocked(domain.StateMinimized)
}

// Restore leaves the minimized state, returning to the state recorded
// before minimizing, then resets the record to normal. Restoring a
// non-minimized widget is a no-op.
func (m *Machine) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateMinimized {
		return
	}
	restore := m.previous
	if restore == domain.StateMinimized || !restore.Valid() {
		restore = domain.StateNormal
	}
	m.previous = domain.StateNormal
	m.applyLocked(restore)
}

// Reconcile forces the machine to the given state without recording a
// previous state, for callers that own an external source of truth.
// Reconciling to the current state is a no-op and does not notify.
func (m *Machine) Reconcile(state domain.WidgetState) {
	if !state.Valid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == m.state {
		return
	}
	m.previous = state
	m.applyLocked(state)
}

// AfterSettle schedules fn once no transition has occurred for the given
// duration. A transition before the deadline supersedes the pending call.
func (m *Machine) AfterSettle(d time.Duration, fn func(domain.WidgetState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	m.settleGen++
	gen := m.settleGen
	m.settleTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if gen != m.settleGen {
			m.mu.Unlock()
			return
		}
		state := m.state
		m.mu.Unlock()
		fn(state)
	})
}

// Close stops any pending settle callback
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.settleGen++
}

// applyLocked commits a transition: it moves the state, supersedes any
// pending settle callback, persists, and notifies. previous is managed
// by the caller.
func (m *Machine) applyLocked(state domain.WidgetState) {
	if state == m.state {
		return
	}
	m.state = state
	m.settleGen++
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.persistLocked()
	m.notifyLocked()
}

// persistLocked writes the current state to the store. Fullscreen is a
// transient state and is stored as normal.
func (m *Machine) persistLocked() {
	if m.store == nil || !m.remember {
		return
	}
	saved := m.state
	if saved == domain.StateFullscreen {
		saved = domain.StateNormal
	}
	if err := m.store.Save(domain.Preferences{LastState: saved, RememberState: m.remember}); err != nil {
		m.logger.Warn("failed to persist widget state", zap.Error(err))
	}
}

func (m *Machine) notifyLocked() {
	if m.onChange != nil {
		m.onChange(m.state)
	}
}
