package transport

import (
	"context"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/rotation"
)

// InferenceTransport sends one prompt to one model with one credential.
// Implementations report vendor failures as *failure.StatusError so the
// dispatcher can classify them.
type InferenceTransport interface {
	Generate(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (*gemback.Response, error)

	// Stream yields text fragments in order. Both channels are closed when
	// the stream ends; at most one error is sent.
	Stream(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (<-chan string, <-chan error)

	Name() string
}
