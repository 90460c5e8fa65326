package agent

import (
	"context"
	"fmt"
)

// LLMProvider abstracts one model vendor behind a neutral request shape so
// the runner never sees vendor SDK types.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the vendor name, matching AuthProfile.Provider.
	Provider() string
}

// LLMRequest is one conversation turn handed to a provider.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the provider's reply, normalized across vendors.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderFactory maps auth profiles onto concrete providers.
type ProviderFactory struct{}

// NewProvider returns the provider named by the profile.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
