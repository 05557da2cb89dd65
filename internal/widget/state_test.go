package widget

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatwidget/internal/domain"
)

// memStore is an in-memory PreferencesStore
type memStore struct {
	mu    sync.Mutex
	prefs *domain.Preferences
	saves int
	err   error
}

func (m *memStore) Load() (*domain.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.prefs == nil {
		return nil, nil
	}
	p := *m.prefs
	return &p, nil
}

func (m *memStore) Save(prefs domain.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := prefs
	m.prefs = &p
	m.saves++
	return nil
}

func (m *memStore) saved() *domain.Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

func TestMachineDefaultsToNormal(t *testing.T) {
	m := NewMachine(Options{})
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestToggleFullscreenTwiceReturnsToNormal(t *testing.T) {
	m := NewMachine(Options{})

	m.ToggleFullscreen()
	assert.Equal(t, domain.StateFullscreen, m.State())
	m.ToggleFullscreen()
	assert.Equal(t, domain.StateNormal, m.State())
	assert.Equal(t, domain.StateNormal, m.PreviousState())
}

func TestLeavingFullscreenNeverRestoresMinimized(t *testing.T) {
	// exiting fullscreen into a remembered minimized state would hide
	// the widget; it must land on normal instead
	m := NewMachine(Options{})

	m.Minimize()
	m.ToggleFullscreen()
	assert.Equal(t, domain.StateFullscreen, m.State())
	m.ToggleFullscreen()
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestMinimizeAndRestore(t *testing.T) {
	m := NewMachine(Options{})

	m.Minimize()
	assert.Equal(t, domain.StateMinimized, m.State())
	m.Restore()
	assert.Equal(t, domain.StateNormal, m.State())
	assert.Equal(t, domain.StateNormal, m.PreviousState())

	// restoring a non-minimized widget is a no-op
	m.Restore()
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestRestoreReturnsToFullscreenOrigin(t *testing.T) {
	m := NewMachine(Options{})

	m.ToggleFullscreen()
	m.Minimize()
	m.Restore()
	assert.Equal(t, domain.StateFullscreen, m.State())
	assert.Equal(t, domain.StateNormal, m.PreviousState())
}

func TestSetStateIgnoresInvalid(t *testing.T) {
	m := NewMachine(Options{})
	m.SetState(domain.WidgetState("exploded"))
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestFullscreenNeverPersisted(t *testing.T) {
	store := &memStore{}
	m := NewMachine(Options{Store: store, RememberState: true})

	m.ToggleFullscreen()
	require.NotNil(t, store.saved())
	assert.Equal(t, domain.StateNormal, store.saved().LastState)

	m.Minimize()
	assert.Equal(t, domain.StateMinimized, store.saved().LastState)

	m.ToggleFullscreen()
	// fullscreen over minimized still stores normal
	assert.Equal(t, domain.StateNormal, store.saved().LastState)
}

func TestRehydrateFromStore(t *testing.T) {
	store := &memStore{prefs: &domain.Preferences{LastState: domain.StateMinimized, RememberState: true}}
	m := NewMachine(Options{Store: store, RememberState: true})
	assert.Equal(t, domain.StateMinimized, m.State())
}

func TestRehydrateDegradesFullscreen(t *testing.T) {
	// stale data from before fullscreen was excluded from persistence
	store := &memStore{prefs: &domain.Preferences{LastState: domain.StateFullscreen}}
	m := NewMachine(Options{Store: store, RememberState: true})
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestRehydrateToleratesStoreFailure(t *testing.T) {
	store := &memStore{err: errors.New("disk gone")}
	m := NewMachine(Options{Store: store, RememberState: true})
	assert.Equal(t, domain.StateNormal, m.State())
}

func TestRememberStateOffSkipsStore(t *testing.T) {
	store := &memStore{prefs: &domain.Preferences{LastState: domain.StateMinimized}}
	m := NewMachine(Options{Store: store, RememberState: false})
	assert.Equal(t, domain.StateNormal, m.State())

	m.Minimize()
	assert.Equal(t, 0, store.saves)
}

func TestOnChangeNotifications(t *testing.T) {
	var states []domain.WidgetState
	m := NewMachine(Options{OnChange: func(s domain.WidgetState) {
		states = append(states, s)
	}})

	m.Minimize()
	m.Restore()
	m.Minimize()
	m.Minimize() // no transition, no notification

	assert.Equal(t, []domain.WidgetState{
		domain.StateMinimized,
		domain.StateNormal,
		domain.StateMinimized,
	}, states)
}

func TestReconcile(t *testing.T) {
	store := &memStore{}
	var notified int
	m := NewMachine(Options{Store: store, RememberState: true, OnChange: func(domain.WidgetState) {
		notified++
	}})

	m.Reconcile(domain.StateMinimized)
	assert.Equal(t, domain.StateMinimized, m.State())
	assert.Equal(t, domain.StateMinimized, m.PreviousState())
	assert.Equal(t, 1, notified)

	// reconciling to the current state is a no-op
	m.Reconcile(domain.StateMinimized)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, store.saves)
}

func TestAfterSettleFires(t *testing.T) {
	m := NewMachine(Options{})
	done := make(chan domain.WidgetState, 1)

	m.Minimize()
	m.AfterSettle(5*time.Millisecond, func(s domain.WidgetState) {
		done <- s
	})

	select {
	case s := <-done:
		assert.Equal(t, domain.StateMinimized, s)
	case <-time.After(time.Second):
		t.Fatal("settle callback never fired")
	}
}

func TestAfterSettleSupersededByTransition(t *testing.T) {
	m := NewMachine(Options{})
	fired := make(chan struct{}, 1)

	m.AfterSettle(20*time.Millisecond, func(domain.WidgetState) {
		fired <- struct{}{}
	})
	m.Minimize()

	select {
	case <-fired:
		t.Fatal("superseded settle callback fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestAfterSettleReplacedBySecondCall(t *testing.T) {
	m := NewMachine(Options{})
	got := make(chan string, 2)

	m.AfterSettle(50*time.Millisecond, func(domain.WidgetState) {
		got <- "first"
	})
	m.AfterSettle(5*time.Millisecond, func(domain.WidgetState) {
		got <- "second"
	})

	select {
	case which := <-got:
		assert.Equal(t, "second", which)
	case <-time.After(time.Second):
		t.Fatal("settle callback never fired")
	}
	select {
	case <-got:
		t.Fatal("replaced settle callback fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsSettle(t *testing.T) {
	m := NewMachine(Options{})
	fired := make(chan struct{}, 1)

	m.AfterSettle(10*time.Millisecond, func(domain.WidgetState) {
		fired <- struct{}{}
	})
	m.Close()

	select {
	case <-fired:
		t.Fatal("settle callback fired after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
