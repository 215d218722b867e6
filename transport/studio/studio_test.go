package studio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/failure"
	"github.com/yanolja/gemback/rotation"
	"github.com/yanolja/gemback/utils"
)

func TestNewTransport(t *testing.T) {
	transport, err := NewTransport(Options{})
	require.NoError(t, err)
	assert.Equal(t, "studio", transport.Name())

	transport, err = NewTransport(Options{Backend: BackendVertex, Project: "p"})
	require.NoError(t, err)
	assert.Equal(t, "vertex", transport.Name())
	assert.Equal(t, "us-central1", transport.options.Location)

	_, err = NewTransport(Options{Backend: "bedrock"})
	var configErr *gemback.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestClientConfig(t *testing.T) {
	credential := rotation.Credential{Index: 1, Secret: "key-1"}

	gemini, err := NewTransport(Options{})
	require.NoError(t, err)
	config := gemini.clientConfig(credential)
	assert.Equal(t, genai.BackendGeminiAPI, config.Backend)
	assert.Equal(t, "key-1", config.APIKey)

	express, err := NewTransport(Options{Backend: BackendVertex})
	require.NoError(t, err)
	config = express.clientConfig(credential)
	assert.Equal(t, genai.BackendVertexAI, config.Backend)
	assert.Equal(t, "key-1", config.APIKey)

	project, err := NewTransport(Options{Backend: BackendVertex, Project: "p", Location: "europe-west4"})
	require.NoError(t, err)
	config = project.clientConfig(credential)
	assert.Empty(t, config.APIKey)
	assert.Equal(t, "p", config.Project)
	assert.Equal(t, "europe-west4", config.Location)
}

func TestClientCache(t *testing.T) {
	transport, err := NewTransport(Options{})
	require.NoError(t, err)

	var created []string
	transport.newClient = func(ctx context.Context, config *genai.ClientConfig) (*genai.Client, error) {
		created = append(created, config.APIKey)
		if config.APIKey == "bad" {
			return nil, errors.New("invalid key format")
		}
		return &genai.Client{}, nil
	}

	first, err := transport.client(context.Background(), rotation.Credential{Index: 0, Secret: "k0"})
	require.NoError(t, err)
	again, err := transport.client(context.Background(), rotation.Credential{Index: 0, Secret: "k0"})
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = transport.client(context.Background(), rotation.Credential{Index: 1, Secret: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential#1")
	assert.NotContains(t, err.Error(), "bad")

	assert.Equal(t, []string{"k0", "bad"}, created)
}

func TestToGeminiConfig(t *testing.T) {
	t.Run("unset options stay unset", func(t *testing.T) {
		config := toGeminiConfig(gemback.GenerationOptions{})
		assert.Nil(t, config.Temperature)
		assert.Nil(t, config.TopP)
		assert.Nil(t, config.TopK)
		assert.Zero(t, config.MaxOutputTokens)
	})

	t.Run("set options are forwarded", func(t *testing.T) {
		config := toGeminiConfig(gemback.GenerationOptions{
			Temperature:     utils.ToPtr(float32(0.2)),
			TopP:            utils.ToPtr(float32(0.9)),
			TopK:            utils.ToPtr(int32(40)),
			MaxOutputTokens: utils.ToPtr(int32(256)),
		})
		assert.Equal(t, float32(0.2), *config.Temperature)
		assert.Equal(t, float32(0.9), *config.TopP)
		assert.Equal(t, float32(40), *config.TopK)
		assert.Equal(t, int32(256), config.MaxOutputTokens)
	})
}

func TestToResponse(t *testing.T) {
	t.Run("joins text parts and copies usage", func(t *testing.T) {
		response, err := toResponse("gemini-2.5-flash", &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "thinking", Thought: true},
					{Text: "Hello, "},
					{Text: "world"},
				}},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:     3,
				CandidatesTokenCount: 2,
				TotalTokenCount:      5,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello, world", response.Text)
		assert.Equal(t, "gemini-2.5-flash", response.Model)
		assert.Equal(t, "stop", response.FinishReason)
		assert.Equal(t, &gemback.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, response.Usage)
	})

	t.Run("no candidates is an error", func(t *testing.T) {
		_, err := toResponse("m1", &genai.GenerateContentResponse{})
		assert.EqualError(t, err, "no candidates returned")
	})

	t.Run("candidate without content is an error", func(t *testing.T) {
		_, err := toResponse("m1", &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		})
		assert.Error(t, err)
	})
}

func TestToFinishReason(t *testing.T) {
	assert.Equal(t, "stop", toFinishReason(genai.FinishReasonStop))
	assert.Equal(t, "length", toFinishReason(genai.FinishReasonMaxTokens))
	assert.Equal(t, "content_filter", toFinishReason(genai.FinishReasonSafety))
	assert.Equal(t, "", toFinishReason(""))
}

func TestToStatusError(t *testing.T) {
	err := toStatusError(fmt.Errorf("call: %w", genai.APIError{Code: 429, Message: "Resource has been exhausted"}))
	var statusErr *failure.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 429, statusErr.Code)
	assert.Equal(t, failure.KindRateLimit, failure.Classify(err))

	err = toStatusError(&genai.APIError{Code: 401, Message: "API key not valid"})
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, failure.KindAuth, failure.Classify(err))

	plain := errors.New("dial tcp: connection refused")
	assert.Same(t, plain, toStatusError(plain))
}
