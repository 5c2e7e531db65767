package transcript

import (
	"time"

	"goa.design/microcore/runtime/task/model"
)

// InterruptedToolPayload is the synthetic tool result payload standing in for
// a tool call whose real result never arrived (process death, crash between
// dispatch and enqueue).
const InterruptedToolPayload = `{"error":"Tool execution interrupted or failed to complete"}`

// Repair produces a view of the conversation that satisfies the provider
// pairing rules: every assistant tool use is answered by a matching tool
// result in the immediately following user message. It walks the turns in
// order tracking the tool-use ids of the most recent assistant message that
// have not been answered, and synthesizes error tool results for the gaps:
//
//   - assistant following assistant with answers outstanding: a synthetic
//     user message carrying one error result per outstanding id is inserted
//     between them;
//   - user message with answers outstanding beyond its own results: the
//     missing error results are appended to that same user message;
//   - outstanding answers at the end of the conversation: a synthetic user
//     message is appended to the tail turn.
//
// Repair is pure: the input conversation is never mutated and the stored
// document is never rewritten. The returned view shares unmodified messages
// with the input.
func Repair(conv Conversation) Conversation {
	out := make(Conversation, 0, len(conv))
	var pending []string
	prevAssistant := false

	for _, turn := range conv {
		rt := &Turn{
			TurnNumber:  turn.TurnNumber,
			StartedAt:   turn.StartedAt,
			TurnSummary: turn.TurnSummary,
			Messages:    make([]*Message, 0, len(turn.Messages)),
		}
		for _, msg := range turn.Messages {
			switch msg.Role {
			case model.RoleAssistant:
				if prevAssistant && len(pending) > 0 {
					rt.Messages = append(rt.Messages, syntheticResultMessage(pending, msg.Timestamp))
					pending = nil
				}
				pending = nil
				for _, tu := range msg.ToolUses() {
					pending = append(pending, tu.ID)
				}
				rt.Messages = append(rt.Messages, msg)
				prevAssistant = true
			case model.RoleUser:
				answered := make(map[string]bool)
				for _, b := range msg.Content {
					if tr, ok := b.(model.ToolResultBlock); ok {
						answered[tr.ToolUseID] = true
					}
				}
				var missing []string
				for _, id := range pending {
					if !answered[id] {
						missing = append(missing, id)
					}
				}
				if len(missing) > 0 {
					patched := *msg
					patched.Content = append(append([]model.Block(nil), msg.Content...), syntheticResults(missing)...)
					rt.Messages = append(rt.Messages, &patched)
				} else {
					rt.Messages = append(rt.Messages, msg)
				}
				pending = nil
				prevAssistant = false
			default:
				rt.Messages = append(rt.Messages, msg)
			}
		}
		out = append(out, rt)
	}

	if len(pending) > 0 {
		last := out.LastTurn()
		var at time.Time
		if m := last.LastMessage(); m != nil {
			at = m.Timestamp
		}
		last.Messages = append(last.Messages, syntheticResultMessage(pending, at))
	}
	return out
}

func syntheticResults(ids []string) []model.Block {
	blocks := make([]model.Block, 0, len(ids))
	for _, id := range ids {
		blocks = append(blocks, model.ToolResultBlock{
			ToolUseID: id,
			Content:   InterruptedToolPayload,
			IsError:   true,
		})
	}
	return blocks
}

func syntheticResultMessage(ids []string, at time.Time) *Message {
	return &Message{
		Role:      model.RoleUser,
		Content:   syntheticResults(ids),
		Timestamp: at,
	}
}
