package openai

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements core.LLMProvider against the OpenAI chat completions API.
type Provider struct {
	config config.LLMProvider
	models map[string]core.ModelInfo
	raw    map[string]config.LLMModel
	http   *httpClient
}

// New creates a new OpenAI provider
func New(cfg config.LLMProvider) *Provider {
	p := &Provider{
		config: cfg,
		models: make(map[string]core.ModelInfo),
		raw:    cfg.Models,
		http:   newHTTPClient(cfg.Timeout, cfg.MaxRetries, 0),
	}
	for key, model := range cfg.Models {
		p.models[key] = core.ModelInfo{
			Name:            model.Name,
			Provider:        "openai",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Description:     fmt.Sprintf("OpenAI %s model", model.Name),
		}
	}
	return p
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []core.ChatMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// GenerateWithTokens completes the chat and returns token usage
func (p *Provider) GenerateWithTokens(ctx context.Context, messages []core.ChatMessage, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("OpenAI API key not configured")
	}

	m, ok := p.raw[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	baseURL := strings.TrimSuffix(p.config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var out chatResponse
	err := p.http.doJSON(ctx, "POST", baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + apiKey},
		chatRequest{Model: apiModel, Messages: messages, Temperature: temperature, MaxTokens: maxTokens},
		&out)
	if err != nil {
		return "", 0, 0, fmt.Errorf("openai: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("openai: no choices")
	}
	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// GetAvailableModels returns configured model keys, sorted
func (p *Provider) GetAvailableModels() []string {
	models := make([]string, 0, len(p.models))
	for name := range p.models {
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}

// GetModelInfo returns information about a specific model
func (p *Provider) GetModelInfo(model string) (core.ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return core.ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *Provider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}
