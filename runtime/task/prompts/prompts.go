// Package prompts assembles the system prompt for a task: the static
// fragment chosen at creation, the dynamic per-iteration fragment (date,
// turn, token accounting, parent context) and the iteration-budget notes
// that steer the model as it approaches its last iterations.
package prompts

import (
	"fmt"
	"time"

	"goa.design/microcore/runtime/task/transcript"
)

const base = `You are a master orchestration agent.

CORE PRINCIPLES:
- Fail-fast: No error handling, crash immediately on issues
- Tool-driven: Use tools to accomplish tasks
- Minimal: Keep responses concise
- Observable: All state in the shared store

AVAILABLE TOOLS:
- bash: Execute bash commands (returns stdout, stderr, returncode)
- spawn_task: Spawn or restart child tasks for complex operations (returns task_id, pid)
- query_task: Passively query another task's status and conversation content

`

const rootHierarchy = `TASK HIERARCHY: You are the ROOT task.

ROOT TASK RESPONSIBILITIES:
You are the project orchestrator. Your conversation context (tokens) is your most precious
resource - every token spent on your own tool use or responses is a token NOT available for
understanding project state and making strategic decisions.

NORMAL OPERATING MODE - ROOT TASK:
1. DELEGATE EVERYTHING: When given real work, immediately break it into logical sub-tasks
   and spawn child tasks to handle them. Use spawn_task, not bash.
2. NEVER EDIT FILES YOURSELF: Always delegate file editing to child tasks with specific,
   focused mandates.
3. MAXIMIZE DELEGATION VALUE: Each child task operates in its own context window. By
   delegating, you multiply your effective capacity.
4. USE BASH FOR: Quick inspections that inform your delegation decisions.
5. USE SPAWN_TASK FOR: Any actual work. If it will take >3 tool calls, delegate it.
6. COORDINATE AND INTEGRATE: Spawn tasks, monitor their completion (they report back to
   you), and integrate their results. You are the conductor, not the performer.

`

const childHierarchyFmt = `TASK HIERARCHY: You are a CHILD task. Parent task ID: %s
You can query your parent's conversation using the query_task tool.

CHILD TASK RESPONSIBILITIES:
You have been delegated a specific task by your parent. Your mandate is focused and bounded.

OPERATING MODE - CHILD TASK:
1. FOCUS ON YOUR MANDATE: Complete it thoroughly within scope. Don't expand beyond what
   was requested.
2. SPAWN SUB-TASKS CONSERVATIVELY: Only create sub-tasks if your mandate clearly breaks
   into logical subdivisions that would each require substantial work.
3. USE TOOLS DIRECTLY: Unlike root, you should use bash and other tools directly for most
   of your work. You're here to execute, not just orchestrate.
4. REPORT THOROUGHLY: When you complete, your parent receives a summary. Make your final
   response comprehensive - it's what your parent will see.

`

// Static builds the static system prompt fragment for a task. Root tasks and
// children get different operating-mode guidance.
func Static(parentTaskID string) string {
	if parentTaskID == "" {
		return base + rootHierarchy
	}
	return base + fmt.Sprintf(childHierarchyFmt, parentTaskID)
}

// Dynamic builds the per-iteration prompt fragment. parentTranscript is the
// parent conversation rendered with full tool details; empty for root tasks.
func Dynamic(rec *transcript.TaskRecord, turnNumber int, now time.Time, parentTranscript string) string {
	var in, out int
	if rec.LastUsage != nil {
		in = rec.LastUsage.InputTokens
		out = rec.LastUsage.OutputTokens
	}
	dynamic := fmt.Sprintf(`
=== CURRENT CONTEXT ===
Date: %s
Time: %s
Turn: %d
Tokens used: %d (input: %d, output: %d)
`, now.Format("2006-01-02"), now.Format("15:04:05"), turnNumber, in+out, in, out)

	if rec.ParentTaskID != "" && parentTranscript != "" {
		dynamic += fmt.Sprintf(`

=== PARENT TASK CONTEXT ===
You are a child process spawned to focus on a particular task. Below is a transcription
of the conversation your parent process (%s) had that led to
you being spawned. Use it to inform the full intent and context of the task you've been given.

%s

=== END PARENT CONTEXT ===
`, rec.ParentTaskID, parentTranscript)
	}
	return dynamic
}

// IterationNote returns the budget note appended to the system prompt for
// the given iteration, or empty when the budget is comfortable.
func IterationNote(iteration, maxIterations int) string {
	switch {
	case maxIterations == 1:
		return "[SYSTEM] This is a single-iteration task. You may either respond via text to your parent task or perform one or more simultaneous tool uses, but you will not be able to respond or do further work after tool use."
	case maxIterations == 2 && iteration == 0:
		return "[SYSTEM] This is a two-iteration task. You should use this initial iteration to perform your assigned task in one or more simultaneous tool calls, then use your second action to report your results."
	case maxIterations > 2 && maxIterations-iteration == 2:
		return fmt.Sprintf("[SYSTEM] Warning: Iteration %d of %d. Finish up your work and perform any final safety and/or hygiene operations and prepare to use your final iteration to report your results if successful, or to thoroughly document failures, any partial successes, and recommended next steps for the parent task.", iteration+1, maxIterations)
	case iteration == maxIterations-1:
		return "[SYSTEM] Final iteration. Use this final operation to give the parent task your detailed final report rather than using tools."
	default:
		return ""
	}
}

// SpawnContext wraps a parent transcript into the context preamble queued to
// a freshly spawned child ahead of its initial message.
func SpawnContext(parentTranscript string) string {
	return "[SYSTEM] The following is a transcription of your parent task's conversation history. Use it to understand the context of the task:\n\n" +
		parentTranscript +
		"\n\n[SYSTEM] Given the context above, you are now ready to begin your task:\n\n"
}

// SummaryRequest is the user message asking the model to summarize a closed
// turn. turnJSON is the turn's messages serialized with indentation.
func SummaryRequest(turnJSON string) string {
	return "Summarize the work accomplished in this turn. Turn messages:\n\n" + turnJSON
}
