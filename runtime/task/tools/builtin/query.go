package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/microcore/runtime/task/lifecycle"
	"goa.design/microcore/runtime/task/liveness"
	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/tools"
	"goa.design/microcore/runtime/task/transcript"
)

const querySystemPrompt = "You are a helpful assistant analyzing task conversations."

// QueryTask returns the query_task tool: answers a question about another
// task by transcribing its conversation, probing its process and asking a
// one-shot model call. The target's conversation and inbox are never
// modified; the probe may reconcile a stale status to stopped.
func QueryTask(st store.Client, probe *liveness.Probe, client model.Client, resolve lifecycle.ModelResolver) *tools.Tool {
	return &tools.Tool{
		Name:        "query_task",
		Description: "Ask a question about a task's conversation history and current status",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "description": "The task ID to query"},
				"question": {"type": "string", "description": "The question to ask about the task"},
				"model": {"type": "string", "description": "Model to use (default: sonnet45). Options: haiku35, sonnet35, sonnet45, opus4, opus41"}
			},
			"required": ["task_id", "question"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage, _ string) (any, error) {
			var in struct {
				TaskID   string `json:"task_id"`
				Question string `json:"question"`
				Model    string `json:"model"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}

			if _, err := st.GetTaskRecord(ctx, in.TaskID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return map[string]any{"error": fmt.Sprintf("Task %s not found", in.TaskID)}, nil
				}
				return nil, err
			}

			probed, err := probe.Check(ctx, in.TaskID)
			if err != nil {
				return nil, err
			}
			status := "stopped"
			if probed.Alive {
				status = "running"
			}

			conv, err := st.GetConversation(ctx, in.TaskID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}

			prompt := fmt.Sprintf(`You are analyzing a task's conversation history and status.

Task ID: %s
Current Status: %s
PID: %d
CPU Usage: %.1f%%

Conversation Transcript:
%s

Question: %s

Please answer the question based on the conversation transcript and task status above.`,
				in.TaskID, status, probed.PID, probed.CPUPercent,
				transcript.Transcribe(conv, true), in.Question)

			modelID, err := resolve(in.Model)
			if err != nil {
				return nil, err
			}
			resp, err := client.Complete(ctx, &model.Request{
				Model:  modelID,
				System: querySystemPrompt,
				Messages: []*model.Message{
					{Role: model.RoleUser, Content: []model.Block{model.TextBlock{Text: prompt}}},
				},
				Temperature: -1,
			})
			if err != nil {
				return nil, err
			}

			return map[string]any{
				"task_id":    in.TaskID,
				"status":     status,
				"question":   in.Question,
				"answer":     resp.Message.Text(),
				"model_used": modelID,
			}, nil
		},
	}
}
