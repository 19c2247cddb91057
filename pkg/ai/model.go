package ai

import "context"

// Message is one turn of a conversation. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// ChatModel answers a conversation under a system prompt.
// Both providers (OpenAI-compatible, Gemini) implement this interface.
type ChatModel interface {
	Complete(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// ImageAnalyzer describes an image reachable at imageURL.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, systemPrompt, instruction, imageURL string) (string, error)
}
