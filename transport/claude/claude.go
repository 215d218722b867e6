package claude

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/failure"
	"github.com/yanolja/gemback/rotation"
)

const defaultMaxTokens = 4096

type messagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// Transport sends prompts to Claude models, keeping one client per
// credential.
type Transport struct {
	newClient func(apiKey string) messagesClient

	// Guards clients.
	mu      sync.Mutex
	clients map[int]messagesClient
}

func NewTransport() *Transport {
	return &Transport{
		newClient: func(apiKey string) messagesClient {
			client := anthropic.NewClient(option.WithAPIKey(apiKey))
			return &client.Messages
		},
		clients: make(map[int]messagesClient),
	}
}

func (t *Transport) Name() string {
	return "claude"
}

func (t *Transport) client(credential rotation.Credential) messagesClient {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[credential.Index]; ok {
		return client
	}
	client := t.newClient(credential.Secret)
	t.clients[credential.Index] = client
	return client
}

func (t *Transport) Generate(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (*gemback.Response, error) {
	claudeResponse, err := t.client(credential).New(ctx, toClaudeParams(prompt, model, options))
	if err != nil {
		return nil, toStatusError(err)
	}
	return toResponse(model, claudeResponse)
}

func (t *Transport) Stream(ctx context.Context, prompt string, model string, credential rotation.Credential, options gemback.GenerationOptions) (<-chan string, <-chan error) {
	textCh := make(chan string)
	errorCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errorCh)

		stream := t.client(credential).NewStreaming(ctx, toClaudeParams(prompt, model, options))
		defer stream.Close()

		for stream.Next() {
			event, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := event.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case textCh <- delta.Text:
			case <-ctx.Done():
				errorCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errorCh <- toStatusError(err)
		}
	}()

	return textCh, errorCh
}

func toClaudeParams(prompt string, model string, options gemback.GenerationOptions) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if options.MaxOutputTokens != nil {
		params.MaxTokens = int64(*options.MaxOutputTokens)
	}
	if options.Temperature != nil {
		params.Temperature = anthropic.Opt(float64(*options.Temperature))
	}
	if options.TopP != nil {
		params.TopP = anthropic.Opt(float64(*options.TopP))
	}
	if options.TopK != nil {
		params.TopK = anthropic.Opt(int64(*options.TopK))
	}
	return params
}

func toResponse(model string, claudeResponse *anthropic.Message) (*gemback.Response, error) {
	var text strings.Builder
	for _, block := range claudeResponse.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("response has no text content")
	}
	return &gemback.Response{
		Text:         text.String(),
		Model:        model,
		FinishReason: toFinishReason(string(claudeResponse.StopReason)),
		Usage: &gemback.Usage{
			PromptTokens:     int32(claudeResponse.Usage.InputTokens),
			CompletionTokens: int32(claudeResponse.Usage.OutputTokens),
			TotalTokens:      int32(claudeResponse.Usage.InputTokens + claudeResponse.Usage.OutputTokens),
		},
	}, nil
}

func toFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "tool_use":
		return "stop"
	case "":
		return ""
	}
	return "content_filter"
}

func toStatusError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &failure.StatusError{Code: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}
