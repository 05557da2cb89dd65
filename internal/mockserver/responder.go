package mockserver

import (
	"strings"
	"sync"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Responder produces canned replies keyed off the last user message.
// Keyword hits are deterministic; everything else rotates through a
// fixed list so repeated questions do not loop the same answer.
type Responder struct {
	mu   sync.Mutex
	next int
}

// NewResponder creates a responder
func NewResponder() *Responder {
	return &Responder{}
}

var keywordReplies = []struct {
	keywords []string
	reply    string
}{
	{
		keywords: []string{"hello", "hi", "hey"},
		reply:    "Hello! Thanks for reaching out. What can I help you with today?",
	},
	{
		keywords: []string{"help", "support"},
		reply:    "I'm here to help. Could you tell me a bit more about what you're looking for?",
	},
	{
		keywords: []string{"price", "pricing", "cost"},
		reply:    "Our pricing depends on your plan. The starter tier is free, and paid plans begin at $19 per month.",
	},
	{
		keywords: []string{"thanks", "thank you"},
		reply:    "You're welcome! Let me know if there's anything else.",
	},
	{
		keywords: []string{"bye", "goodbye"},
		reply:    "Goodbye! Feel free to come back anytime.",
	},
}

var fallbackReplies = []string{
	"That's a great question. Let me look into that for you.",
	"I understand. Here's what I can tell you about that.",
	"Thanks for asking! Based on what you've described, I'd suggest starting with our documentation.",
	"Interesting. Could you share a few more details so I can point you in the right direction?",
}

// Reply picks a response for the conversation
func (r *Responder) Reply(messages []domain.ChatMessage) string {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			last = messages[i].Content
			break
		}
	}
	lower := strings.ToLower(last)

	for _, kr := range keywordReplies {
		for _, kw := range kr.keywords {
			if strings.Contains(lower, kw) {
				return kr.reply
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reply := fallbackReplies[r.next%len(fallbackReplies)]
	r.next++
	return reply
}
