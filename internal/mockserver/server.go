// Package mockserver is a self-contained chat backend for developing
// and testing the widget without a real model behind it. It speaks the
// same wire contract as a production backend, including SSE streaming,
// and supports scripted failure injection.
package mockserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Options configures a Server
type Options struct {
	// APIKey, when set, is required on every request
	APIKey       string
	AllowOrigins []string
	// ChunkDelay is the pause between streamed words
	ChunkDelay time.Duration
	Logger     *zap.Logger
}

// Server serves the mock chat API
type Server struct {
	apiKey     string
	chunkDelay time.Duration
	logger     *zap.Logger
	responder  *Responder
	engine     *gin.Engine

	mu         sync.Mutex
	failStatus int
	failCount  int
	breakAfter int
	breakArmed bool
	errAfter   int
	errMessage string
}

// New creates a mock server with routes registered
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware(opts.AllowOrigins))

	s := &Server{
		apiKey:     opts.APIKey,
		chunkDelay: opts.ChunkDelay,
		logger:     opts.Logger,
		responder:  NewResponder(),
		engine:     engine,
	}

	api := engine.Group("/api/v1")
	api.GET("/health", s.health)

	chat := api.Group("/", authMiddleware(opts.APIKey))
	chat.POST("/chat", s.chat)
	chat.POST("/chat/stream", s.chatStream)

	return s
}

// Handler exposes the router for http.Server and httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

// FailNext makes the next count chat requests fail with the given
// status before any body is written
func (s *Server) FailNext(status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = count
}

// BreakStreamAfter makes the next stream request drop the connection
// after n data events, mid-stream
func (s *Server) BreakStreamAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakAfter = n
	s.breakArmed = true
}

func (s *Server) takeFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount > 0 {
		s.failCount--
		return s.failStatus
	}
	return 0
}

// ErrorStreamAfter makes the next stream request emit an "event: error"
// frame with the given message after n data events
func (s *Server) ErrorStreamAfter(n int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errAfter = n
	s.errMessage = message
}

func (s *Server) takeStreamError() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.errMessage
	s.errMessage = ""
	return s.errAfter, msg
}

func (s *Server) takeBreak() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakArmed {
		s.breakArmed = false
		return s.breakAfter, true
	}
	return 0, false
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, domain.Health{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// bindRequest validates the chat payload shared by both endpoints
func bindRequest(c *gin.Context) (*domain.ChatRequest, bool) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return nil, false
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "messages must not be empty"})
		return nil, false
	}
	if len(req.Messages) > domain.MaxRequestMessages {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("too many messages (max %d)", domain.MaxRequestMessages)})
		return nil, false
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "message content must not be empty"})
			return nil, false
		}
		if len(m.Content) > domain.MaxContentLength {
			c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("message content too long (max %d)", domain.MaxContentLength)})
			return nil, false
		}
	}
	return &req, true
}

func (s *Server) chat(c *gin.Context) {
	if status := s.takeFailure(); status != 0 {
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, domain.ChatResponse{
		Content: s.responder.Reply(req.Messages),
		Model:   "mock-1",
	})
}

func (s *Server) chatStream(c *gin.Context) {
	if status := s.takeFailure(); status != 0 {
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}
	req, ok := bindRequest(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	breakAfter, broken := s.takeBreak()
	errAfter, errMessage := s.takeStreamError()
	reply := s.responder.Reply(req.Messages)
	words := strings.Fields(reply)
	s.logger.Debug("streaming mock reply",
		zap.Int("context_messages", len(req.Messages)),
		zap.Int("words", len(words)),
	)

	w := c.Writer
	for i, word := range words {
		if errMessage != "" && i >= errAfter {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", errMessage)
			w.Flush()
			return
		}
		if broken && i >= breakAfter {
			// drop the TCP connection so the client sees a read
			// error rather than a clean end of stream
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
		chunk := word
		if i > 0 {
			chunk = " " + word
		}
		writeData(w, chunk)
		w.Flush()
		if s.chunkDelay > 0 {
			time.Sleep(s.chunkDelay)
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
}

// writeData emits one SSE data event, splitting embedded newlines into
// multiple data lines so the frame stays well-formed
func writeData(w io.Writer, data string) {
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
