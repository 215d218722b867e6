package gemback

import (
	"time"
)

// Default fallback order used when no order is configured. Earlier models
// are preferred.
var DefaultFallbackOrder = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}

// GenerationOptions holds optional per-call generation parameters. A nil
// field leaves the provider default in place.
type GenerationOptions struct {
	Temperature     *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP            *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK            *int32   `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	MaxOutputTokens *int32   `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// Request is a single logical generation request. It must not be modified
// while a dispatch is in flight.
type Request struct {
	// Prompt sent to the model.
	Prompt string `json:"prompt"`

	// Optional explicit model. When set, only this model is tried and the
	// configured fallback order is ignored.
	// E.g., "gemini-2.5-flash"
	Model string `json:"model,omitempty"`

	// Optional generation parameters.
	Options GenerationOptions `json:"options,omitempty"`
}

// Usage reports token consumption of a single response.
type Usage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

// Response is the result of a successful dispatch.
type Response struct {
	// Generated text.
	Text string `json:"text"`

	// Model that produced the response.
	Model string `json:"model"`

	// Normalized finish reason. E.g., "stop", "length"
	FinishReason string `json:"finish_reason,omitempty"`

	// Token usage, if the provider reported it.
	Usage *Usage `json:"usage,omitempty"`

	// Identifier of the dispatch that produced this response.
	RequestID string `json:"request_id,omitempty"`

	// Time spent on the successful model, retries included.
	Latency time.Duration `json:"latency"`
}

// Chunk is one element of a streamed response. The last chunk of a
// successful stream has IsComplete set and an empty Text.
type Chunk struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	IsComplete bool   `json:"is_complete"`
}

// AttemptRecord describes one failed model attempt within a dispatch.
type AttemptRecord struct {
	Model      string    `json:"model"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code,omitempty"`
}
