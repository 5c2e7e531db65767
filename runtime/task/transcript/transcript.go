// Package transcript defines the durable documents of a task (the task
// record, the turn-structured conversation and the inbox envelopes) together
// with the pure operations over them: the turn-ending predicate, flattening
// to provider messages, well-formedness repair, readable transcription and
// the completion notification sent to parent tasks. Nothing here touches the
// store; persistence lives in the store package.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/microcore/runtime/task/model"
)

// Status is the lifecycle state recorded in a task record.
type Status string

const (
	// StatusRunning means a live worker process owns the task.
	StatusRunning Status = "running"
	// StatusStopped means no process is attached to the task.
	StatusStopped Status = "stopped"
)

// EnvelopeKind discriminates inbox envelopes.
type EnvelopeKind string

const (
	// EnvelopeUser carries operator or parent-supplied text.
	EnvelopeUser EnvelopeKind = "user"
	// EnvelopeToolResult carries the outcome of a dispatched tool call.
	EnvelopeToolResult EnvelopeKind = "tool_result"
	// EnvelopeCompletion carries a child task's completion notification.
	EnvelopeCompletion EnvelopeKind = "completion"
)

type (
	// TaskRecord is the control block for a task.
	TaskRecord struct {
		TaskID             string            `json:"task_id"`
		ParentTaskID       string            `json:"parent_task_id,omitempty"`
		ModelID            string            `json:"model_id"`
		StaticSystemPrompt string            `json:"static_system_prompt"`
		EnableRecursion    bool              `json:"enable_recursion"`
		Status             Status            `json:"status"`
		PID                int               `json:"pid,omitempty"`
		Command            string            `json:"command,omitempty"`
		CreatedAt          time.Time         `json:"created_at"`
		ProcessStartedAt   time.Time         `json:"process_started_at,omitempty"`
		MaxIterations      int               `json:"max_iterations"`
		LastUsage          *model.TokenUsage `json:"last_usage,omitempty"`
		Children           []string          `json:"children,omitempty"`
	}

	// Message is one conversation message with bookkeeping fields. Content
	// blocks persist in the provider wire shape.
	Message struct {
		Role          model.Role
		Content       []model.Block
		MessageNumber int
		Timestamp     time.Time
	}

	// Turn is a maximal user-through-assistant segment of the conversation.
	Turn struct {
		TurnNumber  int        `json:"turn_number"`
		StartedAt   time.Time  `json:"started_at"`
		Messages    []*Message `json:"messages"`
		TurnSummary string     `json:"turn_summary,omitempty"`
	}

	// Conversation is the ordered sequence of turns, dense from 0.
	Conversation []*Turn

	// Envelope is one inbox item awaiting merge into the conversation.
	// Text is set for user and completion kinds; Result for tool_result.
	Envelope struct {
		Kind      EnvelopeKind           `json:"kind"`
		Text      string                 `json:"text,omitempty"`
		Result    *model.ToolResultBlock `json:"result,omitempty"`
		SenderID  string                 `json:"sender_id,omitempty"`
		Timestamp time.Time              `json:"timestamp"`
	}
)

type wireTranscriptMessage struct {
	Role          model.Role        `json:"role"`
	Content       []json.RawMessage `json:"content"`
	MessageNumber int               `json:"message_number"`
	Timestamp     time.Time         `json:"timestamp"`
}

// MarshalJSON encodes the message with content blocks in wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	content := make([]json.RawMessage, 0, len(m.Content))
	for _, b := range m.Content {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		content = append(content, raw)
	}
	return json.Marshal(wireTranscriptMessage{
		Role:          m.Role,
		Content:       content,
		MessageNumber: m.MessageNumber,
		Timestamp:     m.Timestamp,
	})
}

// UnmarshalJSON decodes a message, sniffing each content block.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireTranscriptMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("transcript: decode message: %w", err)
	}
	blocks, err := model.DecodeBlocks(wire.Content)
	if err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = blocks
	m.MessageNumber = wire.MessageNumber
	m.Timestamp = wire.Timestamp
	return nil
}

// NewUserMessage builds a user message from the given blocks.
func NewUserMessage(number int, now time.Time, blocks ...model.Block) *Message {
	return &Message{
		Role:          model.RoleUser,
		Content:       blocks,
		MessageNumber: number,
		Timestamp:     now,
	}
}

// NewAssistantMessage builds an assistant message from the given blocks.
func NewAssistantMessage(number int, now time.Time, blocks ...model.Block) *Message {
	return &Message{
		Role:          model.RoleAssistant,
		Content:       blocks,
		MessageNumber: number,
		Timestamp:     now,
	}
}

// Text returns the message's text blocks joined by newlines, or empty when
// the message carries none.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(model.TextBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks in order.
func (m *Message) ToolUses() []model.ToolUseBlock {
	var uses []model.ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(model.ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// IsTurnEnding reports whether the message closes its turn: an assistant
// message with at least one text block and no tool use blocks.
func IsTurnEnding(m *Message) bool {
	if m == nil || m.Role != model.RoleAssistant {
		return false
	}
	hasText := false
	for _, b := range m.Content {
		switch b.(type) {
		case model.TextBlock:
			hasText = true
		case model.ToolUseBlock:
			return false
		}
	}
	return hasText
}

// LastTurn returns the tail turn, or nil when the conversation is empty.
func (c Conversation) LastTurn() *Turn {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// LastMessage returns the turn's last message, or nil when empty.
func (t *Turn) LastMessage() *Message {
	if t == nil || len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// Closed reports whether the turn's last message is turn-ending.
func (t *Turn) Closed() bool {
	return IsTurnEnding(t.LastMessage())
}

// Flatten collapses all turns into the provider message list, keeping only
// role and content in order.
func Flatten(conv Conversation) []*model.Message {
	var out []*model.Message
	for _, turn := range conv {
		for _, msg := range turn.Messages {
			out = append(out, &model.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

// FinalAssistantText returns the text of the conversation's last assistant
// message, or empty when none exists.
func FinalAssistantText(conv Conversation) string {
	for i := len(conv) - 1; i >= 0; i-- {
		msgs := conv[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].Role != model.RoleAssistant {
				continue
			}
			for _, b := range msgs[j].Content {
				if t, ok := b.(model.TextBlock); ok {
					return t.Text
				}
			}
			return ""
		}
	}
	return ""
}
