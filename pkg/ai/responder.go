package ai

import (
	"context"
	"time"

	"github.com/google/uuid"
	"threadchat/pkg/domain"
)

// Responder produces the assistant's reply to one user message.
type Responder interface {
	Reply(ctx context.Context, userText string) (domain.Message, error)
}

func assistantMessage(content string, at time.Time) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      domain.RoleAssistant,
		CreatedAt: at,
	}
}
