package provider

import (
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
	"github.com/mohammad-safakhou/dqagent/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
)

// NewProvider creates the LLM provider for the first configured entry, in
// name order.
func NewProvider(cfg config.LLMConfig) (core.LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	p := cfg.Providers[names[0]]
	switch Client(p.Type) {
	case OpenAI, "":
		return openai.New(p), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
	}
}
