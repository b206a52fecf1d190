package domain

// ChatMessage is the provider-agnostic chat message shape sent to completion
// integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is everything the completion service needs to answer one
// user utterance.
type CompletionRequest struct {
	Instruction string
	UserText    string
	Context     string
}
