// Package llm wraps chat-completion and speech-to-text providers.
package llm

import "context"

// Role is the author of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn. ImageURLs are data: or https: URLs sent as
// image parts next to Content.
type Message struct {
	Role      Role
	Content   string
	ImageURLs []string
}

// Request asks for the next assistant turn. A zero Model or MaxTokens
// takes the provider default.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider generates reply text for a conversation.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}
