package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/transcript"
)

func TestStaticRootVsChild(t *testing.T) {
	root := Static("")
	assert.Contains(t, root, "You are the ROOT task")
	assert.Contains(t, root, "DELEGATE EVERYTHING")
	assert.NotContains(t, root, "CHILD task")

	child := Static("research_ab12cd")
	assert.Contains(t, child, "You are a CHILD task. Parent task ID: research_ab12cd")
	assert.Contains(t, child, "FOCUS ON YOUR MANDATE")
	assert.NotContains(t, child, "ROOT TASK RESPONSIBILITIES")
}

func TestDynamicReportsTokensAndTurn(t *testing.T) {
	rec := &transcript.TaskRecord{
		TaskID:    "conversation_ab12cd",
		LastUsage: &model.TokenUsage{InputTokens: 1200, OutputTokens: 300},
	}
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	got := Dynamic(rec, 4, now, "")
	assert.Contains(t, got, "=== CURRENT CONTEXT ===")
	assert.Contains(t, got, "Date: 2026-03-14")
	assert.Contains(t, got, "Time: 09:26:53")
	assert.Contains(t, got, "Turn: 4")
	assert.Contains(t, got, "Tokens used: 1500 (input: 1200, output: 300)")
	assert.NotContains(t, got, "PARENT TASK CONTEXT")
}

func TestDynamicInjectsParentTranscript(t *testing.T) {
	rec := &transcript.TaskRecord{TaskID: "child_ab12cd", ParentTaskID: "conversation_ff00aa"}

	got := Dynamic(rec, 0, time.Now(), "User: fix the tests\n\nAssistant: on it")
	assert.Contains(t, got, "=== PARENT TASK CONTEXT ===")
	assert.Contains(t, got, "parent process (conversation_ff00aa)")
	assert.Contains(t, got, "User: fix the tests")
	assert.Contains(t, got, "=== END PARENT CONTEXT ===")
}

func TestDynamicZeroUsage(t *testing.T) {
	got := Dynamic(&transcript.TaskRecord{TaskID: "t"}, 0, time.Now(), "")
	assert.Contains(t, got, "Tokens used: 0 (input: 0, output: 0)")
}

func TestIterationNote(t *testing.T) {
	cases := []struct {
		name      string
		iteration int
		max       int
		contains  string
	}{
		{"single iteration budget", 0, 1, "single-iteration task"},
		{"two iteration budget first", 0, 2, "two-iteration task"},
		{"two iteration budget final", 1, 2, "Final iteration"},
		{"warning two before end", 18, 20, "Warning: Iteration 19 of 20"},
		{"final of many", 19, 20, "Final iteration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, IterationNote(tc.iteration, tc.max), tc.contains)
		})
	}

	assert.Empty(t, IterationNote(3, 20))
	assert.Empty(t, IterationNote(0, 20))
}

func TestSpawnContextWrapsTranscript(t *testing.T) {
	got := SpawnContext("User: hello")
	assert.True(t, strings.HasPrefix(got, "[SYSTEM] The following is a transcription of your parent task's conversation history"))
	assert.Contains(t, got, "User: hello")
	assert.True(t, strings.HasSuffix(got, "you are now ready to begin your task:\n\n"))
}

func TestSummaryRequest(t *testing.T) {
	got := SummaryRequest(`[{"role":"user"}]`)
	assert.Contains(t, got, "Summarize the work accomplished in this turn.")
	assert.Contains(t, got, `[{"role":"user"}]`)
}
