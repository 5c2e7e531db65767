package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBlockSniffsDiscriminator(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Block
	}{
		{
			name: "text",
			raw:  `{"text":"hello"}`,
			want: TextBlock{Text: "hello"},
		},
		{
			name: "tool use",
			raw:  `{"toolUse":{"toolUseId":"tu_1","name":"bash","input":{"command":"ls"}}}`,
			want: ToolUseBlock{ID: "tu_1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
		},
		{
			name: "tool result",
			raw:  `{"toolResult":{"toolUseId":"tu_1","content":[{"text":"{\"stdout\":\"ok\"}"}]}}`,
			want: ToolResultBlock{ToolUseID: "tu_1", Content: `{"stdout":"ok"}`},
		},
		{
			name: "tool result error",
			raw:  `{"toolResult":{"toolUseId":"tu_2","content":[{"text":"{\"error\":\"boom\"}"}],"status":"error"}}`,
			want: ToolResultBlock{ToolUseID: "tu_2", Content: `{"error":"boom"}`, IsError: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeBlock(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeBlockRejectsUnknownShape(t *testing.T) {
	_, err := DecodeBlock(json.RawMessage(`{"image":{"bytes":""}}`))
	require.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []Block{
			TextBlock{Text: "Checking the directory."},
			ToolUseBlock{ID: "tu_9", Name: "bash", Input: json.RawMessage(`{"command":"pwd"}`)},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, RoleAssistant, got.Role)
	require.Len(t, got.Content, 2)
	assert.Equal(t, TextBlock{Text: "Checking the directory."}, got.Content[0])
	tu, ok := got.Content[1].(ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "tu_9", tu.ID)
	assert.JSONEq(t, `{"command":"pwd"}`, string(tu.Input))
}

func TestToolUseMarshalDefaultsEmptyInput(t *testing.T) {
	data, err := json.Marshal(ToolUseBlock{ID: "tu_1", Name: "clock"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"toolUse":{"toolUseId":"tu_1","name":"clock","input":{}}}`, string(data))
}

func TestToolResultMarshalSetsErrorStatus(t *testing.T) {
	data, err := json.Marshal(ToolResultBlock{ToolUseID: "tu_1", Content: `{"error":"no"}`, IsError: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"toolResult":{"toolUseId":"tu_1","content":[{"text":"{\"error\":\"no\"}"}],"status":"error"}}`, string(data))
}

func TestMessageHelpers(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []Block{
			TextBlock{Text: "first"},
			ToolUseBlock{ID: "a", Name: "think"},
			TextBlock{Text: "second"},
			ToolUseBlock{ID: "b", Name: "bash"},
		},
	}
	assert.Equal(t, "first\nsecond", msg.Text())
	assert.True(t, msg.HasToolUse())
	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "a", uses[0].ID)
	assert.Equal(t, "b", uses[1].ID)

	plain := &Message{Role: RoleUser, Content: []Block{TextBlock{Text: "hi"}}}
	assert.False(t, plain.HasToolUse())
	assert.Empty(t, plain.ToolUses())
}
