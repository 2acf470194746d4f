package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known message roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	// SeedGreeting is the assistant message every new or reset thread starts with.
	SeedGreeting = "How can I help?"
	// DefaultThreadTitle is used when a thread is created without a title.
	DefaultThreadTitle = "New conversation"
)

// Message is one turn of a thread. UserID is set for user-authored messages
// and nil for assistant-authored ones.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	UserID    *string   `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is a single conversation owned by one user.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy whose message slice does not alias t's.
func (t Thread) Clone() Thread {
	out := t
	out.Messages = append([]Message(nil), t.Messages...)
	return out
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a transient, dismissable notification shown to a user.
type Notice struct {
	ID        string      `json:"id"`
	UserID    string      `json:"-"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
}
