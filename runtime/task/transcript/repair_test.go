package transcript

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/microcore/runtime/task/model"
)

func userText(n int, text string) *Message {
	return NewUserMessage(n, time.Time{}, model.TextBlock{Text: text})
}

func assistantText(n int, text string) *Message {
	return NewAssistantMessage(n, time.Time{}, model.TextBlock{Text: text})
}

func assistantTool(n int, ids ...string) *Message {
	blocks := []model.Block{model.TextBlock{Text: "working"}}
	for _, id := range ids {
		blocks = append(blocks, model.ToolUseBlock{ID: id, Name: "bash", Input: json.RawMessage(`{}`)})
	}
	return NewAssistantMessage(n, time.Time{}, blocks...)
}

func userResults(n int, ids ...string) *Message {
	var blocks []model.Block
	for _, id := range ids {
		blocks = append(blocks, model.ToolResultBlock{ToolUseID: id, Content: `{"ok":true}`})
	}
	return NewUserMessage(n, time.Time{}, blocks...)
}

func TestRepairLeavesWellFormedConversationUntouched(t *testing.T) {
	conv := Conversation{{
		TurnNumber: 0,
		Messages: []*Message{
			userText(0, "what time is it"),
			assistantTool(1, "u1"),
			userResults(2, "u1"),
			assistantText(3, "It's noon"),
		},
	}}

	repaired := Repair(conv)
	require.Len(t, repaired, 1)
	assert.Equal(t, conv[0].Messages, repaired[0].Messages)
}

func TestRepairClosesDanglingToolUseAtEnd(t *testing.T) {
	conv := Conversation{{
		TurnNumber: 0,
		Messages: []*Message{
			userText(0, "what time is it"),
			assistantTool(1, "u1"),
		},
	}}

	repaired := Repair(conv)
	msgs := repaired[0].Messages
	require.Len(t, msgs, 3)
	last := msgs[2]
	assert.Equal(t, model.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	tr, ok := last.Content[0].(model.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "u1", tr.ToolUseID)
	assert.True(t, tr.IsError)
	assert.Equal(t, InterruptedToolPayload, tr.Content)
}

func TestRepairInsertsResultsBetweenConsecutiveAssistants(t *testing.T) {
	conv := Conversation{{
		TurnNumber: 0,
		Messages: []*Message{
			userText(0, "go"),
			assistantTool(1, "a", "b"),
			assistantText(2, "moving on"),
		},
	}}

	repaired := Repair(conv)
	msgs := repaired[0].Messages
	require.Len(t, msgs, 4)
	synthetic := msgs[2]
	assert.Equal(t, model.RoleUser, synthetic.Role)
	require.Len(t, synthetic.Content, 2)
	for i, id := range []string{"a", "b"} {
		tr, ok := synthetic.Content[i].(model.ToolResultBlock)
		require.True(t, ok)
		assert.Equal(t, id, tr.ToolUseID)
		assert.True(t, tr.IsError)
	}
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)
}

func TestRepairAppendsMissingResultsToPartialUserMessage(t *testing.T) {
	conv := Conversation{{
		TurnNumber: 0,
		Messages: []*Message{
			userText(0, "go"),
			assistantTool(1, "a", "b", "c"),
			userResults(2, "b"),
		},
	}}

	repaired := Repair(conv)
	msgs := repaired[0].Messages
	require.Len(t, msgs, 3)
	patched := msgs[2]
	require.Len(t, patched.Content, 3)
	got := map[string]bool{}
	for _, b := range patched.Content {
		tr, ok := b.(model.ToolResultBlock)
		require.True(t, ok)
		got[tr.ToolUseID] = tr.IsError
	}
	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, got)
}

func TestRepairDoesNotMutateInput(t *testing.T) {
	conv := Conversation{{
		TurnNumber: 0,
		Messages: []*Message{
			userText(0, "go"),
			assistantTool(1, "a"),
			userText(2, "unrelated"),
		},
	}}
	before := len(conv[0].Messages[2].Content)

	_ = Repair(conv)
	assert.Len(t, conv[0].Messages, 3)
	assert.Len(t, conv[0].Messages[2].Content, before)
}

// repairOp encodes one step of a generated conversation: which kind of
// message arrives next and, for user result messages, how many of the
// outstanding tool calls it answers.
type repairOp struct {
	Kind    int // 0 user text, 1 assistant text, 2 assistant tools, 3 user results
	ToolN   int // tool uses for kind 2
	AnswerN int // answered ids for kind 3
}

func buildConversation(ops []repairOp) Conversation {
	turn := &Turn{TurnNumber: 0}
	var pending []string
	seq := 0
	for i, op := range ops {
		switch op.Kind {
		case 0:
			turn.Messages = append(turn.Messages, userText(i, fmt.Sprintf("msg %d", i)))
			pending = nil
		case 1:
			turn.Messages = append(turn.Messages, assistantText(i, fmt.Sprintf("reply %d", i)))
			pending = nil
		case 2:
			var ids []string
			for j := 0; j < op.ToolN; j++ {
				seq++
				ids = append(ids, fmt.Sprintf("tu_%d", seq))
			}
			turn.Messages = append(turn.Messages, assistantTool(i, ids...))
			pending = ids
		case 3:
			n := op.AnswerN
			if n > len(pending) {
				n = len(pending)
			}
			turn.Messages = append(turn.Messages, userResults(i, pending[:n]...))
			pending = nil
		}
	}
	return Conversation{turn}
}

// TestRepairPairingProperty verifies that for any generated message sequence
// the repaired view answers every assistant tool use in the immediately
// following user message.
func TestRepairPairingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genOp := gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.IntRange(1, 3),
		gen.IntRange(0, 3),
	).Map(func(vals []interface{}) repairOp {
		return repairOp{Kind: vals[0].(int), ToolN: vals[1].(int), AnswerN: vals[2].(int)}
	})

	properties.Property("every tool use is answered by the next user message", prop.ForAll(
		func(ops []repairOp) bool {
			repaired := Repair(buildConversation(ops))
			flat := Flatten(repaired)
			for i, msg := range flat {
				if msg.Role != model.RoleAssistant {
					continue
				}
				uses := msg.ToolUses()
				if len(uses) == 0 {
					continue
				}
				if i+1 >= len(flat) || flat[i+1].Role != model.RoleUser {
					return false
				}
				answered := map[string]bool{}
				for _, b := range flat[i+1].Content {
					if tr, ok := b.(model.ToolResultBlock); ok {
						answered[tr.ToolUseID] = true
					}
				}
				for _, tu := range uses {
					if !answered[tu.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
