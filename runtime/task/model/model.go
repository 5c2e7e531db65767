// Package model defines the provider-agnostic LLM contract used by the task
// runtime: conversation messages as ordered content blocks, completion
// requests/responses, and the sentinel errors runtimes use for retry
// decisions. Provider adapters (Bedrock Converse, Anthropic Messages)
// translate these types at the edges; nothing in this package imports an SDK.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors surfaced by provider adapters. Adapters wrap the underlying
// SDK error with %w so callers can match with errors.Is while preserving the
// original chain.
var (
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrCancelled indicates the call was abandoned because the context was
	// cancelled or the runtime is shutting down.
	ErrCancelled = errors.New("model: cancelled")

	// ErrUnavailable indicates a transient provider failure where a retry may
	// succeed.
	ErrUnavailable = errors.New("model: unavailable")
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks messages sent to the model: human input, tool results
	// and inter-task notifications.
	RoleUser Role = "user"

	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "assistant"
)

type (
	// Block is a single content fragment within a message. Implementations
	// are TextBlock, ToolUseBlock, and ToolResultBlock.
	Block interface {
		isBlock()
	}

	// TextBlock carries visible text.
	TextBlock struct {
		// Text is the visible content.
		Text string
	}

	// ToolUseBlock declares a tool invocation by the assistant.
	ToolUseBlock struct {
		// ID is the provider tool_use identifier used to correlate the
		// eventual tool_result.
		ID string
		// Name is the tool name as declared to the provider.
		Name string
		// Input holds the JSON-encoded tool arguments.
		Input json.RawMessage
	}

	// ToolResultBlock communicates a tool outcome back to the model,
	// correlated via ToolUseID.
	ToolResultBlock struct {
		// ToolUseID correlates to a prior assistant ToolUseBlock.ID.
		ToolUseID string
		// Content is the serialized tool result payload.
		Content string
		// IsError indicates the tool invocation failed.
		IsError bool
	}

	// Message groups ordered blocks under a role.
	Message struct {
		// Role is the message author.
		Role Role
		// Content holds the ordered content blocks.
		Content []Block
	}

	// ToolSpec describes a tool offered to the model.
	ToolSpec struct {
		// Name is the provider-visible tool name.
		Name string
		// Description tells the model when to use the tool.
		Description string
		// InputSchema is the JSON Schema for the tool arguments.
		InputSchema json.RawMessage
	}

	// Request is a single completion call.
	Request struct {
		// Model is the provider model identifier (alias already resolved).
		Model string
		// System is the fully assembled system prompt.
		System string
		// Messages is the conversation in provider order.
		Messages []*Message
		// Tools lists the tools available for this call.
		Tools []*ToolSpec
		// MaxTokens caps the response length. Zero means the adapter default.
		MaxTokens int
		// Temperature controls sampling. Negative means the adapter default.
		Temperature float64
	}

	// TokenUsage reports provider token accounting for one call.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Response is the outcome of a completion call.
	Response struct {
		// Message is the assistant message produced by the model.
		Message *Message
		// StopReason reports why generation stopped.
		StopReason StopReason
		// Usage reports token accounting when the provider supplies it.
		Usage TokenUsage
	}

	// Client is implemented by provider adapters.
	Client interface {
		// Complete performs one model call. Throttling errors satisfy
		// errors.Is(err, ErrRateLimited).
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)

// StopReason reports why the model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model completed its response.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model is requesting tool invocations.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the response hit the token cap.
	StopMaxTokens StopReason = "max_tokens"
	// StopStopSequence means a configured stop sequence fired.
	StopStopSequence StopReason = "stop_sequence"
)

func (TextBlock) isBlock()       {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}

// Text returns the concatenated text of all TextBlocks in the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(TextBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}

// ToolUses returns the tool invocation blocks of the message in order.
func (m *Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains at least one tool
// invocation block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Content {
		if _, ok := b.(ToolUseBlock); ok {
			return true
		}
	}
	return false
}
