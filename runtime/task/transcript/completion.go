package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/microcore/runtime/task/model"
)

// CompletionMessage builds the notification text a child sends to its parent
// when a turn ends. It reports turn and tool-iteration counts and quotes the
// child's final assistant text so the parent can act without re-reading the
// child's conversation.
func CompletionMessage(childID string, conv Conversation, success bool) string {
	totalTurns := len(conv)
	toolIterations := 0
	for _, turn := range conv {
		for i, msg := range turn.Messages {
			if msg.Role != model.RoleAssistant || i+1 >= len(turn.Messages) {
				continue
			}
			next := turn.Messages[i+1]
			if next.Role != model.RoleUser {
				continue
			}
			for _, b := range next.Content {
				if _, ok := b.(model.ToolResultBlock); ok {
					toolIterations++
					break
				}
			}
		}
	}

	status := "completed successfully"
	if !success {
		status = "failed"
	}
	return fmt.Sprintf("[SYSTEM] Child task %s has %s. "+
		"Ran %d turns with %d tool iterations. "+
		"You can continue the conversation by calling spawn_task with task_id='%s' "+
		"and a new message.\n\nFinal response from child:\n%s",
		childID, status, totalTurns, toolIterations, childID, FinalAssistantText(conv))
}

// Transcribe renders a conversation as readable text. With includeToolDetails
// the transcript carries full tool inputs and results; without it, tool use
// collapses to "[Used {name} tool]" and results are omitted.
func Transcribe(conv Conversation, includeToolDetails bool) string {
	var lines []string
	for _, turn := range conv {
		for _, msg := range turn.Messages {
			switch msg.Role {
			case model.RoleUser:
				for _, b := range msg.Content {
					switch v := b.(type) {
					case model.TextBlock:
						lines = append(lines, "User: "+v.Text)
					case model.ToolResultBlock:
						if includeToolDetails {
							lines = append(lines, fmt.Sprintf("Tool Result (%s): %s", v.ToolUseID, v.Content))
						}
					}
				}
			case model.RoleAssistant:
				var texts []string
				var uses []model.ToolUseBlock
				for _, b := range msg.Content {
					switch v := b.(type) {
					case model.TextBlock:
						texts = append(texts, v.Text)
					case model.ToolUseBlock:
						uses = append(uses, v)
					}
				}
				if len(texts) > 0 {
					lines = append(lines, "Assistant: "+strings.Join(texts, " "))
				}
				for _, use := range uses {
					if includeToolDetails {
						lines = append(lines, "Tool Use: "+use.Name, "  Input: "+indentJSON(use.Input))
					} else {
						lines = append(lines, fmt.Sprintf("Assistant: [Used %s tool]", use.Name))
					}
				}
			}
		}
	}
	return strings.Join(lines, "\n\n")
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
