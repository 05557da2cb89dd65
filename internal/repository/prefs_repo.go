package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/embedkit/chatwidget/internal/domain"
)

// defaultProfile keys the single widget preference row. A multi-widget
// host could extend this to one row per widget instance.
const defaultProfile = "default"

// PreferencesRepository stores widget display preferences
type PreferencesRepository struct {
	db *DB
}

// NewPreferencesRepository creates a preferences repository
func NewPreferencesRepository(db *DB) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// Load returns the stored preferences, or nil when none have been saved
func (r *PreferencesRepository) Load() (*domain.Preferences, error) {
	var (
		lastState string
		remember  bool
	)
	err := r.db.conn.QueryRow(
		"SELECT last_state, remember_state FROM preferences WHERE name = ?",
		defaultProfile,
	).Scan(&lastState, &remember)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	state := domain.WidgetState(lastState)
	if !state.Valid() || state == domain.StateFullscreen {
		// tolerate hand-edited or stale rows
		state = domain.StateNormal
	}
	return &domain.Preferences{LastState: state, RememberState: remember}, nil
}

// Save upserts the preferences. Fullscreen is never stored; it collapses
// to normal so the widget reopens in a sane state.
func (r *PreferencesRepository) Save(prefs domain.Preferences) error {
	state := prefs.LastState
	if state == domain.StateFullscreen || !state.Valid() {
		state = domain.StateNormal
	}
	_, err := r.db.conn.Exec(`
		INSERT INTO preferences (name, last_state, remember_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_state = excluded.last_state,
			remember_state = excluded.remember_state,
			updated_at = excluded.updated_at`,
		defaultProfile, string(state), prefs.RememberState, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// Clear removes the stored preferences
func (r *PreferencesRepository) Clear() error {
	if _, err := r.db.conn.Exec("DELETE FROM preferences WHERE name = ?", defaultProfile); err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}
