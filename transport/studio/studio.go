package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/failure"
	"github.com/yanolja/gemback/rotation"
)

const (
	BackendGemini = "gemini"
	BackendVertex = "vertex"
)

type Options struct {
	// Backend is "gemini" (API key, default) or "vertex".
	Backend string

	// Vertex project and location. With a project set, Vertex uses
	// application default credentials and the credential secret is ignored.
	Project  string
	Location string
}

type clientFactory func(ctx context.Context, config *genai.ClientConfig) (*genai.Client, error)

// Transport talks to Gemini models through the genai SDK, keeping one client
// per credential.
type Transport struct {
	options   Options
	newClient clientFactory

	// Guards clients.
	mu      sync.Mutex
	clients map[int]*genai.Client
}

func NewTransport(options Options) (*Transport, error) {
	switch options.Backend {
	case "":
		options.Backend = BackendGemini
	case BackendGemini, BackendVertex:
	default:
		return nil, &gemback.ConfigError{Field: "studio.backend", Reason: fmt.Sprintf("unknown backend %q", options.Backend)}
	}
	if options.Backend == BackendVertex && options.Project != "" && options.Location == "" {
		options.Location = "us-central1"
	}
	return &Transport{
		options:   options,
		newClient: genai.NewClient,
		clients:   make(map[int]*genai.Client),
	}, nil
}

func (t *Transport) Name() string {
	if t.options.Backend == BackendVertex {
		return "vertex"
	}
	return "studio"
}

func (t *Transport) client(ctx context.Context, credential rotation.Credential) (*genai.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[credential.Index]; ok {
		return client, nil
	}
	client, err := t.newClient(ctx, t.clientConfig(credential))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", credential, err)
	}
	t.clients[credential.Index] = client
	return client, nil
}

func (t *Transport) clientConfig(credential rotation.Credential) *genai.ClientConfig {
	if t.options.Backend == BackendVertex {
		if t.options.Project != "" {
			return &genai.ClientConfig{
				Backend:  genai.BackendVertexAI,
				Project:  t.options.Project,
				Location: t.options.Location,
			}
		}
		return &genai.ClientConfig{
			Backend: genai.BackendVertexAI,
			APIKey:  credential.Secret,
		}
	}
	return &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  credential.Secret,
	}
}

func (t *Transport) Generate(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (*gemback.Response, error) {
	client, err := t.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	geminiResponse, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), toGeminiConfig(options))
	if err != nil {
		return nil, toStatusError(err)
	}
	return toResponse(model, geminiResponse)
}

func (t *Transport) Stream(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (<-chan string, <-chan error) {
	textCh := make(chan string)
	errorCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errorCh)

		client, err := t.client(ctx, credential)
		if err != nil {
			errorCh <- err
			return
		}

		for geminiResponse, err := range client.Models.GenerateContentStream(ctx, model, genai.Text(prompt), toGeminiConfig(options)) {
			if err != nil {
				errorCh <- toStatusError(err)
				return
			}
			text := candidateText(geminiResponse)
			if text == "" {
				continue
			}
			select {
			case textCh <- text:
			case <-ctx.Done():
				errorCh <- ctx.Err()
				return
			}
		}
	}()

	return textCh, errorCh
}

// toGeminiConfig only sets the parameters the caller provided so the model
// defaults apply otherwise.
func toGeminiConfig(options gemback.GenerationOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	config.Temperature = options.Temperature
	config.TopP = options.TopP
	if options.TopK != nil {
		topK := float32(*options.TopK)
		config.TopK = &topK
	}
	if options.MaxOutputTokens != nil {
		config.MaxOutputTokens = *options.MaxOutputTokens
	}
	return config
}

func toResponse(model string, geminiResponse *genai.GenerateContentResponse) (*gemback.Response, error) {
	if geminiResponse == nil || len(geminiResponse.Candidates) == 0 {
		return nil, errors.New("no candidates returned")
	}
	candidate := geminiResponse.Candidates[0]
	if candidate.Content == nil {
		return nil, fmt.Errorf("candidate has no content (finish reason %s)", candidate.FinishReason)
	}

	response := &gemback.Response{
		Text:         candidateText(geminiResponse),
		Model:        model,
		FinishReason: toFinishReason(candidate.FinishReason),
	}
	if usage := geminiResponse.UsageMetadata; usage != nil {
		response.Usage = &gemback.Usage{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
			TotalTokens:      usage.TotalTokenCount,
		}
	}
	return response, nil
}

func candidateText(geminiResponse *genai.GenerateContentResponse) string {
	if geminiResponse == nil || len(geminiResponse.Candidates) == 0 || geminiResponse.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range geminiResponse.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}

func toFinishReason(finishReason genai.FinishReason) string {
	switch finishReason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case "":
		return ""
	}
	// Gemini has many more reasons than callers usually handle; the rest are
	// filters of one kind or another.
	return "content_filter"
}

// toStatusError keeps the HTTP status of genai API errors so the failure
// classifier can use it.
func toStatusError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &failure.StatusError{Code: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &failure.StatusError{Code: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return err
}
