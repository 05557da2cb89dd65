package widget

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatwidget/internal/config"
	"github.com/embedkit/chatwidget/internal/domain"
)

func validControllerConfig(baseURL string) config.WidgetConfig {
	return config.WidgetConfig{
		BaseURL:    baseURL,
		APIKey:     "secret-key-123",
		TimeoutMs:  30000,
		MaxRetries: 1,
	}
}

func TestControllerInitializeIsIdempotent(t *testing.T) {
	c := NewController(ControllerOptions{
		Config:  validControllerConfig("https://api.example.com"),
		Welcome: "Welcome!",
	})
	defer c.Shutdown()

	require.NoError(t, c.Initialize())
	sess := c.Session()
	require.NotNil(t, sess)

	// a second mount must not replace the live session
	require.NoError(t, c.Initialize())
	assert.Same(t, sess, c.Session())
	assert.True(t, c.Initialized())
	assert.Len(t, sess.Messages(), 1)
}

func TestControllerRejectsInvalidConfig(t *testing.T) {
	c := NewController(ControllerOptions{
		Config: config.WidgetConfig{BaseURL: "", TimeoutMs: 30000},
	})

	err := c.Initialize()
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.False(t, c.Initialized())
	assert.Nil(t, c.Session())
}

func TestControllerShutdownAllowsReinitialize(t *testing.T) {
	c := NewController(ControllerOptions{
		Config: validControllerConfig("https://api.example.com"),
	})

	require.NoError(t, c.Initialize())
	first := c.Session()
	c.Shutdown()
	assert.False(t, c.Initialized())
	assert.Nil(t, c.Session())

	require.NoError(t, c.Initialize())
	assert.NotSame(t, first, c.Session())
	c.Shutdown()
}

func TestControllerEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: Hi\n\ndata:  there\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewController(ControllerOptions{
		Config:  validControllerConfig(srv.URL),
		Welcome: "Welcome!",
	})
	require.NoError(t, c.Initialize())
	defer c.Shutdown()

	sess := c.Session()
	sess.SendMessage("hello")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sess.IsLoading() {
		time.Sleep(2 * time.Millisecond)
	}

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hi there", msgs[2].Content)
	assert.Equal(t, domain.StatusComplete, msgs[2].Status)

	c.Machine().Minimize()
	assert.Equal(t, domain.StateMinimized, c.Machine().State())
}

func TestControllerValidBaseURLRequired(t *testing.T) {
	c := NewController(ControllerOptions{
		Config: config.WidgetConfig{
			BaseURL:   "not a url",
			APIKey:    "secret-key-123",
			TimeoutMs: 30000,
		},
	})
	assert.Error(t, c.Initialize())
}
