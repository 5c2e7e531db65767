package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"goa.design/microcore/runtime/task/lifecycle"
	"goa.design/microcore/runtime/task/prompts"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/tools"
	"goa.design/microcore/runtime/task/transcript"
)

// Launcher is the slice of the lifecycle manager the spawn tool needs.
type Launcher interface {
	Launch(ctx context.Context, req lifecycle.Request) (*lifecycle.Result, error)
}

// SpawnTask returns the spawn_task tool: creates or resumes a child task.
// Unless zero_context is set, the child's inbox is seeded with a transcription
// of the calling task's conversation so spawning acts as a branch point.
func SpawnTask(launcher Launcher, st store.Client) *tools.Tool {
	return &tools.Tool{
		Name:        "spawn_task",
		Description: "Spawn a child task with initial message, or resume existing task with new message. By default, the child inherits the full conversation history from the parent (creating a branch point). Returns task_id and pid for monitoring.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"base_name": {"type": "string", "description": "Base name for new task (1-3 words describing the task, e.g., 'analyze data', 'fetch results'). Required when creating new task."},
				"initial_message": {"type": "string", "description": "Initial user message for the child task"},
				"task_id": {"type": "string", "description": "Optional: existing task_id to resume conversation. If provided, base_name is ignored."},
				"model": {"type": "string", "description": "Model short name (default: sonnet45)"},
				"zero_context": {"type": "boolean", "description": "If true, spawn child WITHOUT parent's conversation history (default: false). Only use when you need to explicitly deny the parent's knowledge to the child. Requires a very detailed initial_message since the child will have no context."}
			},
			"required": ["initial_message"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage, parentTaskID string) (any, error) {
			var in struct {
				BaseName       string `json:"base_name"`
				InitialMessage string `json:"initial_message"`
				TaskID         string `json:"task_id"`
				Model          string `json:"model"`
				ZeroContext    bool   `json:"zero_context"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			if in.TaskID == "" && in.BaseName == "" {
				return map[string]any{
					"success": false,
					"error":   "base_name is required when creating a new child task (1-3 words describing the task)",
				}, nil
			}

			var messages []string
			if !in.ZeroContext {
				conv, err := st.GetConversation(ctx, parentTaskID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
				if len(conv) > 0 {
					messages = append(messages, prompts.SpawnContext(transcript.Transcribe(conv, false)))
				}
			}
			messages = append(messages, in.InitialMessage)

			res, err := launcher.Launch(ctx, lifecycle.Request{
				TaskID:       in.TaskID,
				BaseName:     in.BaseName,
				ParentTaskID: parentTaskID,
				Model:        in.Model,
				Messages:     messages,
				StartProcess: true,
			})
			if err != nil {
				return nil, err
			}

			if err := recordChild(ctx, st, parentTaskID, res.TaskID); err != nil {
				return nil, err
			}

			action := "Spawned"
			if res.Action != lifecycle.ActionCreated {
				action = "Resumed"
			}
			return map[string]any{
				"success": true,
				"task_id": res.TaskID,
				"pid":     res.PID,
				"message": fmt.Sprintf("%s child task %s (PID %d)", action, res.TaskID, res.PID),
			}, nil
		},
	}
}

func recordChild(ctx context.Context, st store.Client, parentID, childID string) error {
	rec, err := st.GetTaskRecord(ctx, parentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if slices.Contains(rec.Children, childID) {
		return nil
	}
	return st.AppendChild(ctx, parentID, childID)
}
