package model

import (
	"encoding/json"
	"fmt"
)

// Blocks marshal to the Converse wire shape so conversations persist in the
// exact form providers consume: {"text": ...}, {"toolUse": {...}} and
// {"toolResult": {...}}. Decoding sniffs the discriminating key.

type (
	wireToolUse struct {
		ToolUseID string          `json:"toolUseId"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	}

	wireToolResultContent struct {
		Text string `json:"text"`
	}

	wireToolResult struct {
		ToolUseID string                  `json:"toolUseId"`
		Content   []wireToolResultContent `json:"content"`
		Status    string                  `json:"status,omitempty"`
	}

	wireBlock struct {
		Text       *string         `json:"text,omitempty"`
		ToolUse    *wireToolUse    `json:"toolUse,omitempty"`
		ToolResult *wireToolResult `json:"toolResult,omitempty"`
	}

	wireMessage struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
)

// MarshalJSON encodes the block as {"text": ...}.
func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Text: &b.Text})
}

// MarshalJSON encodes the block as {"toolUse": {...}}.
func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(wireBlock{ToolUse: &wireToolUse{
		ToolUseID: b.ID,
		Name:      b.Name,
		Input:     input,
	}})
}

// MarshalJSON encodes the block as {"toolResult": {...}} with the payload
// wrapped in a single text content entry.
func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	wire := wireToolResult{
		ToolUseID: b.ToolUseID,
		Content:   []wireToolResultContent{{Text: b.Content}},
	}
	if b.IsError {
		wire.Status = "error"
	}
	return json.Marshal(wireBlock{ToolResult: &wire})
}

// DecodeBlock decodes a single wire block by sniffing its discriminating key.
func DecodeBlock(raw json.RawMessage) (Block, error) {
	var wire wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("model: decode block: %w", err)
	}
	switch {
	case wire.Text != nil:
		return TextBlock{Text: *wire.Text}, nil
	case wire.ToolUse != nil:
		return ToolUseBlock{
			ID:    wire.ToolUse.ToolUseID,
			Name:  wire.ToolUse.Name,
			Input: wire.ToolUse.Input,
		}, nil
	case wire.ToolResult != nil:
		var content string
		if len(wire.ToolResult.Content) > 0 {
			content = wire.ToolResult.Content[0].Text
		}
		return ToolResultBlock{
			ToolUseID: wire.ToolResult.ToolUseID,
			Content:   content,
			IsError:   wire.ToolResult.Status == "error",
		}, nil
	default:
		return nil, fmt.Errorf("model: unknown block shape: %s", string(raw))
	}
}

// UnmarshalJSON decodes a wire block into the text variant.
func (b *TextBlock) UnmarshalJSON(data []byte) error {
	blk, err := DecodeBlock(data)
	if err != nil {
		return err
	}
	t, ok := blk.(TextBlock)
	if !ok {
		return fmt.Errorf("model: expected text block, got %T", blk)
	}
	*b = t
	return nil
}

// UnmarshalJSON decodes a wire block into the tool use variant.
func (b *ToolUseBlock) UnmarshalJSON(data []byte) error {
	blk, err := DecodeBlock(data)
	if err != nil {
		return err
	}
	tu, ok := blk.(ToolUseBlock)
	if !ok {
		return fmt.Errorf("model: expected tool use block, got %T", blk)
	}
	*b = tu
	return nil
}

// UnmarshalJSON decodes a wire block into the tool result variant.
func (b *ToolResultBlock) UnmarshalJSON(data []byte) error {
	blk, err := DecodeBlock(data)
	if err != nil {
		return err
	}
	tr, ok := blk.(ToolResultBlock)
	if !ok {
		return fmt.Errorf("model: expected tool result block, got %T", blk)
	}
	*b = tr
	return nil
}

// DecodeBlocks decodes an ordered slice of wire blocks.
func DecodeBlocks(raws []json.RawMessage) ([]Block, error) {
	blocks := make([]Block, 0, len(raws))
	for _, raw := range raws {
		b, err := DecodeBlock(raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// MarshalJSON encodes the message with its content blocks in wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	content := make([]json.RawMessage, 0, len(m.Content))
	for _, b := range m.Content {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		content = append(content, raw)
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON decodes a wire message, sniffing each content block.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("model: decode message: %w", err)
	}
	blocks, err := DecodeBlocks(wire.Content)
	if err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = blocks
	return nil
}
