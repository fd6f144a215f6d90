package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dqagent/internal/agent/telemetry"
)

const (
	defaultMaxMessages  = 10
	defaultMaxToolCalls = 4
)

// LLMAgentConfig configures an LLMAgent.
type LLMAgentConfig struct {
	Name         string
	SystemPrompt string
	Model        string
	Options      map[string]interface{}
	Tools        []Tool
	// MaxToolCalls caps the tool calls executed from one model reply.
	MaxToolCalls int
	// StopPhrase ends the conversation when a reply mentions it.
	StopPhrase string
	// RequiredFields are JSON keys of which at least one must be present for a
	// reply to count as the structured result.
	RequiredFields []string
	Logger         *log.Logger
	Telemetry      *telemetry.Telemetry
}

// LLMAgent is a tool-using chat agent whose final answer is a JSON document
// decoded into a fixed result type.
type LLMAgent struct {
	cfg      LLMAgentConfig
	provider LLMProvider
	tools    map[string]Tool
	decode   func(text string) (any, bool)
	logger   *log.Logger
}

// NewLLMAgent builds an agent whose structured result type is T.
func NewLLMAgent[T any](provider LLMProvider, cfg LLMAgentConfig) *LLMAgent {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaultMaxToolCalls
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", strings.ToUpper(cfg.Name)), log.LstdFlags)
	}
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name()] = t
	}
	required := cfg.RequiredFields
	return &LLMAgent{
		cfg:      cfg,
		provider: provider,
		tools:    tools,
		logger:   logger,
		decode: func(text string) (any, bool) {
			return decodeStructured[T](text, required)
		},
	}
}

// decodeStructured parses the first JSON object of text into a T.
func decodeStructured[T any](text string, required []string) (any, bool) {
	raw := extractFirstJSON(text)
	if raw == "" {
		return nil, false
	}
	if len(required) > 0 {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, false
		}
		found := false
		for _, k := range required {
			if _, ok := keys[k]; ok {
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

func (a *LLMAgent) Name() string { return a.cfg.Name }

// Run drives the conversation. Each turn is one model reply: either tool calls,
// whose results end the turn as a summary, or a final answer. The task message
// counts toward maxMessages.
func (a *LLMAgent) Run(ctx context.Context, task string, maxMessages int) (Conversation, error) {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	var conv Conversation
	conv.Append(Message{Source: "user", Kind: KindText, Content: task})
	history := []ChatMessage{
		{Role: "system", Content: a.systemPrompt()},
		{Role: "user", Content: task},
	}

	for {
		if conv.Count() >= maxMessages {
			conv.StopReason = StopMaxMessages
			return conv, nil
		}
		if err := ctx.Err(); err != nil {
			return conv, err
		}

		msg, err := a.turn(ctx, &conv, &history)
		if err != nil {
			return conv, err
		}
		conv.Append(msg)

		if msg.Kind == KindStructured {
			conv.StopReason = StopResult
			return conv, nil
		}
		if a.cfg.StopPhrase != "" && strings.Contains(msg.Content, a.cfg.StopPhrase) {
			conv.StopReason = StopTextMention
			return conv, nil
		}
	}
}

type toolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls recognises {"tool":...,"arguments":{...}} and
// {"tool_calls":[...]} replies.
func parseToolCalls(reply string) ([]toolCall, bool) {
	raw := extractFirstJSON(reply)
	if raw == "" {
		return nil, false
	}
	var batch struct {
		ToolCalls []toolCall `json:"tool_calls"`
		toolCall
	}
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return nil, false
	}
	if len(batch.ToolCalls) > 0 {
		return batch.ToolCalls, true
	}
	if batch.Tool != "" {
		return []toolCall{batch.toolCall}, true
	}
	return nil, false
}

func (a *LLMAgent) turn(ctx context.Context, conv *Conversation, history *[]ChatMessage) (Message, error) {
	reply, in, out, err := a.provider.GenerateWithTokens(ctx, *history, a.cfg.Model, a.cfg.Options)
	if err != nil {
		return Message{}, fmt.Errorf("generate: %w", err)
	}
	usage := &Usage{
		Model:        a.cfg.Model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         a.provider.CalculateCost(in, out, a.cfg.Model),
	}
	*history = append(*history, ChatMessage{Role: "assistant", Content: reply})

	if len(a.tools) > 0 {
		if calls, ok := parseToolCalls(reply); ok {
			conv.Append(Message{Source: a.cfg.Name, Kind: KindToolCall, Content: reply, Usage: usage})
			results := make([]string, 0, len(calls))
			for i, call := range calls {
				var result string
				if i >= a.cfg.MaxToolCalls {
					result = fmt.Sprintf("Error: tool call limit of %d per reply exceeded", a.cfg.MaxToolCalls)
				} else {
					result = a.callTool(ctx, call)
				}
				conv.Append(Message{Source: call.Tool, Kind: KindToolResult, Content: result})
				results = append(results, result)
			}
			summary := strings.Join(results, "\n")
			*history = append(*history, ChatMessage{Role: "user", Content: "Tool results:\n" + summary})
			return Message{Source: a.cfg.Name, Kind: KindToolSummary, Content: summary}, nil
		}
	}

	if v, ok := a.decode(reply); ok {
		return Message{Source: a.cfg.Name, Kind: KindStructured, Content: reply, Payload: v, Usage: usage}, nil
	}
	return Message{Source: a.cfg.Name, Kind: KindText, Content: reply, Usage: usage}, nil
}

// callTool runs one tool call. Failures are returned to the model as text.
func (a *LLMAgent) callTool(ctx context.Context, call toolCall) string {
	start := time.Now()
	tool, ok := a.tools[call.Tool]
	var (
		result string
		err    error
	)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
	} else {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		result, err = tool.Call(ctx, args)
	}
	a.cfg.Telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
		Agent:    a.cfg.Name,
		Tool:     call.Tool,
		Duration: time.Since(start),
		Success:  err == nil,
		Error:    errString(err),
	})
	if err != nil {
		a.logger.Printf("tool %s failed: %v", call.Tool, err)
		return fmt.Sprintf("Error calling %s: %v", call.Tool, err)
	}
	return result
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *LLMAgent) systemPrompt() string {
	if len(a.tools) == 0 {
		return a.cfg.SystemPrompt
	}
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(a.cfg.SystemPrompt)
	b.WriteString("\n\nAVAILABLE TOOLS:\n")
	for _, name := range names {
		t := a.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, t.Description())
		params := t.Parameters()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %s\n", k, params[k])
		}
	}
	b.WriteString("\nTo call a tool reply with only a JSON object: {\"tool\": \"<name>\", \"arguments\": {...}}.\n")
	b.WriteString("Several calls may be batched as {\"tool_calls\": [{\"tool\": ..., \"arguments\": ...}]}.\n")
	b.WriteString("When you have the final answer reply with the JSON result only.")
	return b.String()
}
