package domain

import "context"

// CompletionClient sends a prepared context window to a hosted model and
// returns a single completion.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

// ChatMessage is the model-facing form of a message: a role and rendered text.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []ChatMessage
}

type CompletionResponse struct {
	Text       string
	StopReason string
	Usage      Usage
	LatencyMs  int64
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
