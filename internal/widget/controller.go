package widget

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/config"
	"github.com/embedkit/chatwidget/internal/domain"
	"github.com/embedkit/chatwidget/internal/session"
	"github.com/embedkit/chatwidget/internal/transport"
)

// ControllerOptions configures the widget controller
type ControllerOptions struct {
	Config config.WidgetConfig
	// Framing selects the stream decoding mode, decided once here and
	// never inferred per call
	Framing       transport.Framing
	Store         PreferencesStore
	RememberState bool
	Welcome       string
	OnMessages    func([]domain.Message)
	OnState       func(domain.WidgetState)
	Logger        *zap.Logger
}

// Controller is the embedding surface of the widget: it owns the
// lifecycle of the session and the display-state machine behind one
// idempotent Initialize call, so a host page that mounts twice gets a
// single live widget.
type Controller struct {
	opts ControllerOptions

	mu          sync.Mutex
	initialized bool
	session     *session.Session
	machine     *Machine
}

// NewController creates an uninitialized controller
func NewController(opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{opts: opts}
}

// Initialize validates configuration and brings up the widget. Calling
// it again while initialized is a no-op.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if err := c.opts.Config.Validate(); err != nil {
		return fmt.Errorf("widget initialization failed: %w", err)
	}

	client := transport.NewClient(transport.Options{
		BaseURL:    c.opts.Config.BaseURL,
		APIKey:     c.opts.Config.APIKey,
		Framing:    c.opts.Framing,
		Timeout:    c.opts.Config.Timeout(),
		MaxRetries: c.opts.Config.MaxRetries,
		Logger:     c.opts.Logger,
	})
	c.session = session.New(client, session.Options{
		MaxRetries: c.opts.Config.MaxRetries,
		Welcome:    c.opts.Welcome,
		OnUpdate:   c.opts.OnMessages,
		Logger:     c.opts.Logger,
	})
	c.machine = NewMachine(Options{
		Store:         c.opts.Store,
		RememberState: c.opts.RememberState,
		OnChange:      c.opts.OnState,
		Logger:        c.opts.Logger,
	})

	c.initialized = true
	return nil
}

// Initialized reports whether the widget is live
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Session returns the live chat session, or nil before Initialize
func (c *Controller) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Machine returns the live state machine, or nil before Initialize
func (c *Controller) Machine() *Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

// Shutdown tears the widget down. The controller can be initialized
// again afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.session.Close()
	c.machine.Close()
	c.session = nil
	c.machine = nil
	c.initialized = false
}
