// Package session owns the ordered conversation and the per-message
// status state machine driven by the streaming transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Defaults for session behavior
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultWelcome    = "Hi! How can I help you today?"

	cancelledNotice = "Response cancelled."
	failureNotice   = "Sorry, I encountered an error. Please try again."
)

// errSuperseded marks work belonging to a request that has been replaced
var errSuperseded = errors.New("request superseded")

// Streamer is the transport capability the session consumes
type Streamer interface {
	ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, <-chan error)
}

// Options configures a Session
type Options struct {
	MaxRetries int
	// RetryDelay is the base of the exponential per-message backoff
	RetryDelay time.Duration
	Welcome    string
	// OnUpdate receives a fresh snapshot of the message list after every
	// atomic update. It runs with the session lock held and must not call
	// back into the session.
	OnUpdate func([]domain.Message)
	Logger   *zap.Logger
}

// Session is one conversation: an append-only ordered message list with
// at most one message in a non-terminal status at any time. All methods
// are safe for concurrent use.
type Session struct {
	client     Streamer
	maxRetries int
	retryDelay time.Duration
	welcome    string
	onUpdate   func([]domain.Message)
	logger     *zap.Logger

	mu          sync.Mutex
	messages    []domain.Message
	streamingID string
	isLoading   bool
	lastError   string
	lastInput   string

	// gen fences stale goroutines: superseded work observes a bumped
	// generation and never mutates the message list again
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a session seeded with a welcome assistant message
func New(client Streamer, opts Options) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		client:     client,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		welcome:    opts.Welcome,
		onUpdate:   opts.OnUpdate,
		logger:     opts.Logger,
	}
	s.mu.Lock()
	s.seedLocked()
	s.mu.Unlock()
	return s
}

// SendMessage appends a user message and drives a new assistant message
// through the stream. Empty input is a no-op; an in-flight request is
// superseded, never queued behind.
func (s *Session) SendMessage(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.supersedeLocked()
	s.lastInput = content
	s.lastError = ""
	s.isLoading = true

	now := time.Now()
	s.messages = append(s.messages, domain.Message{
		ID:        uuid.New().String(),
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: now,
		Status:    domain.StatusComplete,
	})
	assistantID := uuid.New().String()
	s.messages = append(s.messages, domain.Message{
		ID:        assistantID,
		Role:      domain.RoleAssistant,
		Timestamp: now,
		Status:    domain.StatusPending,
	})
	s.streamingID = assistantID

	gen := s.gen
	contextMsgs := s.contextLocked(assistantID)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.notifyLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, gen, assistantID, contextMsgs, 0)
	}()
}

// Retry resubmits the last user input as a brand-new message pair
func (s *Session) Retry() {
	s.mu.Lock()
	input := s.lastInput
	s.mu.Unlock()
	if input != "" {
		s.SendMessage(input)
	}
}

// RetryMessage re-issues the stream for a failed message, using the
// conversation up to (excluding) that message as context. Permitted only
// when the message is retryable.
func (s *Session) RetryMessage(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || !s.messages[idx].CanRetry {
		s.mu.Unlock()
		return
	}

	s.supersedeLocked()
	s.lastError = ""
	s.isLoading = true

	msg := &s.messages[idx]
	msg.RetryCount++
	msg.Status = domain.StatusRetrying
	msg.Error = ""
	msg.CanRetry = false
	s.streamingID = id
	attempt := msg.RetryCount

	gen := s.gen
	contextMsgs := s.contextLocked(id)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.notifyLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, gen, id, contextMsgs, attempt)
	}()
}

// Cancel aborts the in-flight stream, if any. The target message settles
// as a cancelled outcome, not a session error.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearMessages drops the conversation and re-seeds the welcome message
func (s *Session) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.supersedeLocked()
	s.seedLocked()
	s.notifyLocked()
}

// ClearError dismisses the surfaced session-level error
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
}

// Messages returns an immutable snapshot of the conversation
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsLoading reports whether a request is between send and first
// terminal resolution
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLoading
}

// LastError returns the surfaced session-level error, if any
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// StreamingMessageID returns the id of the open stream's target message
func (s *Session) StreamingMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID
}

// Close aborts any in-flight stream and waits for background work to stop
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.supersedeLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// run drives one assistant message through stream attempts until it
// settles. attempt counts retries already performed for the message.
func (s *Session) run(ctx context.Context, gen uint64, id string, contextMsgs []domain.ChatMessage, attempt int) {
	for {
		err := s.streamOnce(ctx, gen, id, contextMsgs)
		if err == nil || errors.Is(err, errSuperseded) {
			return
		}
		if domain.IsCancelled(err) {
			s.finishCancelled(gen, id)
			return
		}
		if domain.IsRetryable(err) && attempt < s.maxRetries {
			attempt++
			s.logger.Debug("message stream failed, retrying",
				zap.String("message_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if !s.markRetrying(gen, id, attempt) {
				return
			}
			timer := time.NewTimer(s.retryDelay << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.finishCancelled(gen, id)
				return
			case <-timer.C:
			}
			continue
		}
		s.finishError(gen, id, err)
		return
	}
}

// streamOnce performs a single stream attempt. Each attempt starts the
// assistant message from empty content: a retried request is a new
// stream against the same context.
func (s *Session) streamOnce(ctx context.Context, gen uint64, id string, contextMsgs []domain.ChatMessage) error {
	if !s.update(gen, id, func(m *domain.Message) {
		m.Content = ""
		m.Status = domain.StatusSending
		m.Timestamp = time.Now()
	}) {
		return errSuperseded
	}

	events, errs := s.client.ChatStream(ctx, &domain.ChatRequest{Messages: contextMsgs})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err, pending := <-errs; pending && err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("stream ended unexpectedly")
			}
			if ev.Done {
				if !s.finishComplete(gen, id) {
					return errSuperseded
				}
				return nil
			}
			// chunks can arrive doubly-wrapped from proxies that
			// forward the SSE line as payload
			data := strings.TrimPrefix(ev.Data, "data: ")
			if data == "" {
				continue
			}
			if !s.update(gen, id, func(m *domain.Message) {
				m.Content += data
				m.Status = domain.StatusStreaming
				m.Timestamp = time.Now()
			}) {
				return errSuperseded
			}
		}
	}
}

// update applies fn to the message with the given id and notifies the
// observer. It refuses to touch anything when the generation is stale.
func (s *Session) update(gen uint64, id string, fn func(*domain.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			break
		}
	}
	s.notifyLocked()
	return true
}

func (s *Session) markRetrying(gen uint64, id string, attempt int) bool {
	return s.update(gen, id, func(m *domain.Message) {
		m.Status = domain.StatusRetrying
		m.RetryCount = attempt
	})
}

func (s *Session) finishComplete(gen uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := &s.messages[i]
			m.Status = domain.StatusComplete
			m.Timestamp = time.Now()
			m.Error = ""
			m.RetryCount = 0
			m.CanRetry = false
			break
		}
	}
	s.streamingID = ""
	s.isLoading = false
	s.notifyLocked()
	return true
}

func (s *Session) finishError(gen uint64, id string, err error) {
	retryable := domain.IsRetryable(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := &s.messages[i]
			m.Status = domain.StatusError
			m.Error = err.Error()
			m.CanRetry = retryable
			if m.Content == "" {
				m.Content = failureNotice
			}
			break
		}
	}
	s.streamingID = ""
	s.isLoading = false
	s.lastError = err.Error()
	s.notifyLocked()
}

func (s *Session) finishCancelled(gen uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := &s.messages[i]
			m.Status = domain.StatusError
			m.Content = cancelledNotice
			m.Error = cancelledNotice
			m.CanRetry = false
			break
		}
	}
	s.streamingID = ""
	s.isLoading = false
	s.notifyLocked()
}

// supersedeLocked cancels any in-flight stream, bumps the generation so
// its late chunks are discarded, and settles any message it left in a
// non-terminal status.
func (s *Session) supersedeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	for i := range s.messages {
		if !s.messages[i].Status.Terminal() {
			m := &s.messages[i]
			m.Status = domain.StatusError
			m.Content = cancelledNotice
			m.Error = cancelledNotice
			m.CanRetry = false
		}
	}
	s.streamingID = ""
	s.isLoading = false
}

// contextLocked builds the wire context: the complete-status prefix of
// the conversation strictly before the target message. Partial, retrying
// and failed messages are never sent as context.
func (s *Session) contextLocked(beforeID string) []domain.ChatMessage {
	var msgs []domain.ChatMessage
	for i := range s.messages {
		if s.messages[i].ID == beforeID {
			break
		}
		if s.messages[i].Status != domain.StatusComplete {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{
			Role:    s.messages[i].Role,
			Content: s.messages[i].Content,
		})
	}
	return msgs
}

func (s *Session) seedLocked() {
	s.messages = []domain.Message{{
		ID:        uuid.New().String(),
		Role:      domain.RoleAssistant,
		Content:   s.welcome,
		Timestamp: time.Now(),
		Status:    domain.StatusComplete,
	}}
	s.streamingID = ""
	s.isLoading = false
	s.lastError = ""
}

func (s *Session) snapshotLocked() []domain.Message {
	snapshot := make([]domain.Message, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}

func (s *Session) notifyLocked() {
	if s.onUpdate != nil {
		s.onUpdate(s.snapshotLocked())
	}
}
