package core

import "time"

// MessageKind classifies a conversation entry.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindToolCall    MessageKind = "tool_call"
	KindToolResult  MessageKind = "tool_result"
	KindToolSummary MessageKind = "tool_summary"
	KindStructured  MessageKind = "structured"
)

// Counted reports whether the kind counts toward a conversation's message ceiling.
// Tool calls and their raw results are events inside a turn.
func (k MessageKind) Counted() bool {
	return k != KindToolCall && k != KindToolResult
}

// Usage is the token accounting attached to a model-produced message.
type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Message is one entry of an agent conversation. Payload carries the decoded
// structured result for KindStructured messages.
type Message struct {
	Source    string      `json:"source"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Payload   any         `json:"-"`
	Usage     *Usage      `json:"usage,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// StopReason explains why a conversation ended.
type StopReason string

const (
	StopMaxMessages StopReason = "max_messages"
	StopTextMention StopReason = "text_mention"
	StopResult      StopReason = "result"
)

// Conversation is the transcript of one bounded agent run.
type Conversation struct {
	Messages   []Message  `json:"messages"`
	StopReason StopReason `json:"stop_reason"`
}

// Append adds a message, stamping its time when unset.
func (c *Conversation) Append(m Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	c.Messages = append(c.Messages, m)
}

// Count returns the number of messages that count toward the ceiling.
func (c Conversation) Count() int {
	n := 0
	for _, m := range c.Messages {
		if m.Kind.Counted() {
			n++
		}
	}
	return n
}

// Usage sums token usage across the conversation.
func (c Conversation) Usage() Usage {
	var total Usage
	for _, m := range c.Messages {
		if m.Usage == nil {
			continue
		}
		total.InputTokens += m.Usage.InputTokens
		total.OutputTokens += m.Usage.OutputTokens
		total.Cost += m.Usage.Cost
		if m.Usage.Model != "" {
			total.Model = m.Usage.Model
		}
	}
	return total
}

// LastOf returns the payload of the last message whose payload is a T.
// When several messages match the last one wins; when none match it returns
// the zero value and false.
func LastOf[T any](c Conversation) (T, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if v, ok := c.Messages[i].Payload.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
