package bridge

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider creates conversations on the Gemini API, using cached
// content as the durable server-side handle.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

// NewGenAIProvider builds a provider backed by the Gemini API.
func NewGenAIProvider(ctx context.Context, apiKey, model string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GenAIProvider{client: client, model: model}, nil
}

// CreateConversation registers the session's history as cached content and
// returns the server-assigned resource name as the conversation handle.
func (p *GenAIProvider) CreateConversation(ctx context.Context, title string, history []Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Sender == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Body, role))
	}

	cached, err := p.client.Caches.Create(ctx, p.model, &genai.CreateCachedContentConfig{
		DisplayName: title,
		Contents:    contents,
	})
	if err != nil {
		return "", fmt.Errorf("creating cached conversation: %w", err)
	}
	return cached.Name, nil
}
