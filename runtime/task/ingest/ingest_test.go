package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store/storetest"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/transcript"
)

func newIngester() (*Ingester, *storetest.Mem) {
	mem := storetest.NewMem()
	return New(mem, telemetry.NewNoopLogger()), mem
}

func seedTask(t *testing.T, mem *storetest.Mem, status transcript.Status, conv transcript.Conversation) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.PutTaskRecord(ctx, &transcript.TaskRecord{
		TaskID: "t1", ModelID: "sonnet", Status: status,
	}))
	require.NoError(t, mem.PutConversation(ctx, "t1", conv))
}

func closedTurn(n int) *transcript.Turn {
	return &transcript.Turn{
		TurnNumber: n,
		Messages: []*transcript.Message{
			transcript.NewUserMessage(0, time.Time{}, model.TextBlock{Text: "hi"}),
			transcript.NewAssistantMessage(1, time.Time{}, model.TextBlock{Text: "done"}),
		},
	}
}

func openTurn(n int) *transcript.Turn {
	return &transcript.Turn{
		TurnNumber: n,
		Messages: []*transcript.Message{
			transcript.NewUserMessage(0, time.Time{}, model.TextBlock{Text: "hi"}),
			transcript.NewAssistantMessage(1, time.Time{},
				model.TextBlock{Text: "checking"},
				model.ToolUseBlock{ID: "u1", Name: "clock"},
			),
		},
	}
}

func TestDrainEmptyInboxIsNoop(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusRunning, transcript.Conversation{closedTurn(0)})

	res, err := ing.Drain(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, res.Appended)

	conv, err := mem.GetConversation(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Len(t, conv[0].Messages, 2)
}

func TestDrainIntoEmptyConversationCreatesTurnZero(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusStopped, nil)
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewUserEnvelope("Hello", "")))
	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.NewTurn)
	assert.Equal(t, 0, res.TurnIndex)
	assert.Equal(t, 1, res.Appended)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, 0, conv[0].TurnNumber)
	require.Len(t, conv[0].Messages, 1)
	assert.Equal(t, "Hello", conv[0].Messages[0].Text())
}

func TestDrainAdoptsEmptyTailTurn(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusStopped, transcript.Conversation{
		{TurnNumber: 0, StartedAt: time.Now().UTC()},
	})
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewUserEnvelope("Hello", "")))
	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.NewTurn)
	assert.Equal(t, 0, res.TurnIndex)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1, "empty tail turn must be reused, not duplicated")
	require.Len(t, conv[0].Messages, 1)
}

func TestDrainStoppedTaskClosedTurnOpensNewTurn(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusStopped, transcript.Conversation{closedTurn(0)})
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewUserEnvelope("again?", "")))
	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.NewTurn)
	assert.Equal(t, 1, res.TurnIndex)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, 1, conv[1].TurnNumber)
	assert.Len(t, conv[0].Messages, 2, "turn 0 unchanged")
}

func TestDrainRunningTaskClosedTurnExtendsIt(t *testing.T) {
	// A live process owns its turn: completions landing while the task runs
	// extend the current turn even when its last message is turn-ending.
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusRunning, transcript.Conversation{closedTurn(0)})
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewCompletionEnvelope("Child task T2 has completed", "T2")))
	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.NewTurn)
	assert.Equal(t, 0, res.TurnIndex)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Len(t, conv[0].Messages, 3)
}

func TestDrainOpenTurnExtendsEvenWhenStopped(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusStopped, transcript.Conversation{openTurn(0)})
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewToolResultEnvelope(
		model.ToolResultBlock{ToolUseID: "u1", Content: `{"now":"12:00"}`}, "t1")))
	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.NewTurn)
	assert.Equal(t, 0, res.TurnIndex)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Len(t, conv[0].Messages, 3)
	last := conv[0].Messages[2]
	assert.Equal(t, model.RoleUser, last.Role)
	tr, ok := last.Content[0].(model.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "u1", tr.ToolUseID)
}

func TestDrainGroupsToolResultsFirst(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusRunning, transcript.Conversation{openTurn(0)})
	ctx := context.Background()

	require.NoError(t, ing.Enqueue(ctx, "t1", NewUserEnvelope("while you work", "")))
	require.NoError(t, ing.Enqueue(ctx, "t1", NewToolResultEnvelope(
		model.ToolResultBlock{ToolUseID: "u1", Content: `{"a":1}`}, "t1")))
	require.NoError(t, ing.Enqueue(ctx, "t1", NewToolResultEnvelope(
		model.ToolResultBlock{ToolUseID: "u2", Content: `{"b":2}`}, "t1")))
	require.NoError(t, ing.Enqueue(ctx, "t1", NewUserEnvelope("another note", "")))

	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Appended)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	msgs := conv[0].Messages[2:]
	require.Len(t, msgs, 3)

	// Tool results coalesce into the first appended message, in arrival order.
	require.Len(t, msgs[0].Content, 2)
	first, ok := msgs[0].Content[0].(model.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "u1", first.ToolUseID)
	second, ok := msgs[0].Content[1].(model.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "u2", second.ToolUseID)

	// Text envelopes follow, one message each, in arrival order.
	assert.Equal(t, "while you work", msgs[1].Text())
	assert.Equal(t, "another note", msgs[2].Text())

	// Message numbers stay dense.
	for i, msg := range conv[0].Messages {
		assert.Equal(t, i, msg.MessageNumber)
	}
}

func TestFourCompletionsAppendInArrivalOrder(t *testing.T) {
	ing, mem := newIngester()
	seedTask(t, mem, transcript.StatusRunning, transcript.Conversation{closedTurn(0)})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		child := fmt.Sprintf("C%d", i)
		require.NoError(t, ing.Enqueue(ctx, "t1",
			NewCompletionEnvelope(fmt.Sprintf("Child task %s has completed", child), child)))
	}

	res, err := ing.Drain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.NewTurn)
	assert.Equal(t, 4, res.Appended)

	conv, err := mem.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv, 1, "no new turn for completions into a live parent")
	msgs := conv[0].Messages[2:]
	require.Len(t, msgs, 4)
	for i, msg := range msgs {
		assert.Equal(t, model.RoleUser, msg.Role)
		assert.Contains(t, msg.Text(), fmt.Sprintf("C%d", i+1))
	}
}

func TestEnqueueRejectsResultlessToolEnvelope(t *testing.T) {
	ing, _ := newIngester()
	err := ing.Enqueue(context.Background(), "t1", &transcript.Envelope{Kind: transcript.EnvelopeToolResult})
	require.Error(t, err)
}

// TestDrainPreservesEnvelopeUnionProperty verifies that any mix of enqueued
// envelopes survives a drain intact: every tool result id and every text
// lands in the conversation exactly once, grouped per the drain rules.
func TestDrainPreservesEnvelopeUnionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("drain preserves the envelope union and ordering", prop.ForAll(
		func(kinds []bool) bool {
			ing, mem := newIngester()
			ctx := context.Background()
			if err := mem.PutTaskRecord(ctx, &transcript.TaskRecord{TaskID: "t1", Status: transcript.StatusRunning}); err != nil {
				return false
			}
			if err := mem.PutConversation(ctx, "t1", transcript.Conversation{openTurn(0)}); err != nil {
				return false
			}

			var wantResults, wantTexts []string
			for i, isResult := range kinds {
				if isResult {
					id := fmt.Sprintf("tu_%d", i)
					wantResults = append(wantResults, id)
					if err := ing.Enqueue(ctx, "t1", NewToolResultEnvelope(
						model.ToolResultBlock{ToolUseID: id, Content: "{}"}, "t1")); err != nil {
						return false
					}
				} else {
					text := fmt.Sprintf("note %d", i)
					wantTexts = append(wantTexts, text)
					if err := ing.Enqueue(ctx, "t1", NewUserEnvelope(text, "")); err != nil {
						return false
					}
				}
			}

			if _, err := ing.Drain(ctx, "t1"); err != nil {
				return false
			}
			conv, err := mem.GetConversation(ctx, "t1")
			if err != nil {
				return false
			}
			appended := conv[0].Messages[2:]

			var gotResults, gotTexts []string
			for _, msg := range appended {
				for _, b := range msg.Content {
					switch v := b.(type) {
					case model.ToolResultBlock:
						gotResults = append(gotResults, v.ToolUseID)
					case model.TextBlock:
						gotTexts = append(gotTexts, v.Text)
					}
				}
			}

			if len(gotResults) != len(wantResults) || len(gotTexts) != len(wantTexts) {
				return false
			}
			for i := range wantResults {
				if gotResults[i] != wantResults[i] {
					return false
				}
			}
			for i := range wantTexts {
				if gotTexts[i] != wantTexts[i] {
					return false
				}
			}
			// All tool results must sit in the first appended message.
			if len(wantResults) > 0 {
				if len(appended) == 0 {
					return false
				}
				if _, ok := appended[0].Content[0].(model.ToolResultBlock); !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
