package ai

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"threadchat/pkg/domain"
)

// DefaultMockDelay simulates model latency for MockResponder.
const DefaultMockDelay = time.Second

const (
	replyClarify  = "Sorry, I didn't quite understand. Could you tell me a bit more?"
	replyGreeting = "Hello! What can I help you with today?"
	replyThanks   = "You're welcome! Let me know if there is anything else I can do."
	replyAI       = "AI stands for artificial intelligence: computer systems that imitate human intelligence. It is used for natural language processing, image recognition, decision support and much more."
	replyTooShort = "Could you give me a few more details? I can answer more precisely then."

	shortInputRunes = 10
)

type cannedReply struct {
	keywords []string // matched against the lower-cased text
	exact    []string // matched case-sensitively
	reply    string
}

// Checked in order; the first rule with a matching keyword wins.
var cannedReplies = []cannedReply{
	{keywords: []string{"hello", "good morning", "こんにちは", "はじめまして"}, reply: replyGreeting},
	{keywords: []string{"thank", "ありがとう"}, reply: replyThanks},
	{keywords: []string{"artificial intelligence", "人工知能"}, exact: []string{"AI"}, reply: replyAI},
}

// MockResponder returns canned replies after a fixed delay. It never calls
// out to a model.
type MockResponder struct {
	delay time.Duration
	now   func() time.Time
}

// NewMockResponder builds a MockResponder. A negative delay is treated as zero.
func NewMockResponder(delay time.Duration) *MockResponder {
	if delay < 0 {
		delay = 0
	}
	return &MockResponder{
		delay: delay,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Reply implements Responder.
func (m *MockResponder) Reply(ctx context.Context, userText string) (domain.Message, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case <-timer.C:
		}
	}
	return assistantMessage(CannedReply(userText), m.now()), nil
}

// CannedReply maps user text to the mock assistant's answer.
func CannedReply(userText string) string {
	lower := strings.ToLower(userText)
	for _, rule := range cannedReplies {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.reply
			}
		}
		for _, kw := range rule.exact {
			if strings.Contains(userText, kw) {
				return rule.reply
			}
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(userText)) < shortInputRunes {
		return replyTooShort
	}
	return replyClarify
}
