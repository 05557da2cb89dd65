package domain

import "time"

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a message
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
	StatusRetrying  MessageStatus = "retrying"
)

// Terminal reports whether the status is a final state
func (s MessageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Message represents one entry in a conversation
type Message struct {
	ID         string        `json:"id"`
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     MessageStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
	CanRetry   bool          `json:"can_retry"`
}

// ChatMessage is the wire form of a message sent as conversation context
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for chat and chat/stream
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse is the response from a non-streaming chat call
type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// StreamEvent is one decoded unit of a streaming response.
// Done is true exactly once, when the underlying body ends.
type StreamEvent struct {
	Data string
	Done bool
}

// Health is the response from the health endpoint
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorBody is the JSON error payload returned on non-2xx responses
type ErrorBody struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

// Request size limits enforced by the backend
const (
	MaxRequestMessages = 50
	MaxContentLength   = 10000
)
