package app

import "threadchat/pkg/domain"

const (
	titleMaxRunes = 30
	titleEllipsis = "..."
)

// deriveTitle names a thread after its first user message.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + titleEllipsis
	}
	return content
}

// awaitsTitle reports whether t still holds only its seed greeting.
func awaitsTitle(t domain.Thread) bool {
	return len(t.Messages) == 1 && t.Messages[0].Role == domain.RoleAssistant
}
