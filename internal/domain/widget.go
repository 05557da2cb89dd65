package domain

// WidgetState is the presentation state of the widget
type WidgetState string

const (
	StateNormal     WidgetState = "normal"
	StateFullscreen WidgetState = "fullscreen"
	StateMinimized  WidgetState = "minimized"
)

// Valid reports whether the state is one of the three known states
func (s WidgetState) Valid() bool {
	return s == StateNormal || s == StateFullscreen || s == StateMinimized
}

// Preferences is the persisted widget preference record.
// LastState never holds fullscreen; it is collapsed to normal before save
// so the widget cannot reopen directly into fullscreen.
type Preferences struct {
	LastState     WidgetState `json:"last_state"`
	RememberState bool        `json:"remember_state"`
}
