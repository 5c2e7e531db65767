// Package ingest is the sole writer of inbound messages into a task's
// conversation. Producers enqueue envelopes without looking at the
// conversation; the owning process drains the inbox at each iteration and
// decides, from conversation state alone, whether arriving messages extend
// the current turn or open a new one.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/transcript"
)

// Ingester moves envelopes from the per-task inbox into the conversation.
type Ingester struct {
	store store.Client
	log   telemetry.Logger
}

// DrainResult reports what a drain did.
type DrainResult struct {
	// Appended is the number of messages written to the conversation.
	Appended int
	// TurnIndex is the index of the turn that received the messages. Valid
	// only when Appended > 0.
	TurnIndex int
	// NewTurn reports whether this drain began a new turn.
	NewTurn bool
}

// New constructs an Ingester.
func New(st store.Client, logger telemetry.Logger) *Ingester {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Ingester{store: st, log: logger}
}

// NewUserEnvelope wraps operator or parent text for a task's inbox.
func NewUserEnvelope(text, senderID string) *transcript.Envelope {
	return &transcript.Envelope{
		Kind:      transcript.EnvelopeUser,
		Text:      text,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultEnvelope wraps a tool outcome for a task's inbox.
func NewToolResultEnvelope(result model.ToolResultBlock, senderID string) *transcript.Envelope {
	return &transcript.Envelope{
		Kind:      transcript.EnvelopeToolResult,
		Result:    &result,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
}

// NewCompletionEnvelope wraps a child completion notification.
func NewCompletionEnvelope(text, childID string) *transcript.Envelope {
	return &transcript.Envelope{
		Kind:      transcript.EnvelopeCompletion,
		Text:      text,
		SenderID:  childID,
		Timestamp: time.Now().UTC(),
	}
}

// Enqueue appends an envelope to the task's inbox, creating it lazily. It
// never inspects the conversation; turn placement is decided at drain time.
func (i *Ingester) Enqueue(ctx context.Context, taskID string, env *transcript.Envelope) error {
	if env.Kind == transcript.EnvelopeToolResult && env.Result == nil {
		return fmt.Errorf("ingest: tool_result envelope without result")
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return i.store.AppendEnvelope(ctx, taskID, env)
}

// Drain empties the inbox into the conversation.
//
// A new turn begins iff the inbox is non-empty and the conversation has no
// turn, or its tail turn is still empty, or the task is stopped and the tail
// turn is closed. A tail turn that exists but has no messages is adopted as
// the new turn rather than duplicated.
//
// Drained envelopes group by kind, preserving arrival order within kind: all
// tool results coalesce into one user message appended first; each user or
// completion envelope becomes its own user message after it.
func (i *Ingester) Drain(ctx context.Context, taskID string) (*DrainResult, error) {
	envs, err := i.store.DrainInbox(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return &DrainResult{}, nil
	}

	stopped := false
	if rec, err := i.store.GetTaskRecord(ctx, taskID); err == nil {
		stopped = rec.Status == transcript.StatusStopped
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv, err := i.store.GetConversation(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		if err := i.store.PutConversation(ctx, taskID, nil); err != nil {
			return nil, err
		}
		conv = nil
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := &DrainResult{}
	last := conv.LastTurn()
	switch {
	case last == nil:
		n, err := i.store.AppendTurn(ctx, taskID, &transcript.Turn{TurnNumber: len(conv), StartedAt: now})
		if err != nil {
			return nil, err
		}
		res.TurnIndex, res.NewTurn = n-1, true
	case len(last.Messages) == 0:
		// The launch path seeds an empty tail turn; this drain owns it.
		res.TurnIndex, res.NewTurn = len(conv)-1, true
	case stopped && last.Closed():
		n, err := i.store.AppendTurn(ctx, taskID, &transcript.Turn{TurnNumber: len(conv), StartedAt: now})
		if err != nil {
			return nil, err
		}
		res.TurnIndex, res.NewTurn = n-1, true
	default:
		res.TurnIndex = len(conv) - 1
	}

	next := 0
	if !res.NewTurn && last != nil {
		next = len(last.Messages)
	}

	var resultBlocks []model.Block
	for _, env := range envs {
		if env.Kind == transcript.EnvelopeToolResult && env.Result != nil {
			resultBlocks = append(resultBlocks, *env.Result)
		}
	}
	if len(resultBlocks) > 0 {
		msg := transcript.NewUserMessage(next, now, resultBlocks...)
		n, err := i.store.AppendTurnMessage(ctx, taskID, res.TurnIndex, msg)
		if err != nil {
			return nil, err
		}
		next = n
		res.Appended++
	}

	for _, env := range envs {
		if env.Kind == transcript.EnvelopeToolResult {
			continue
		}
		msg := transcript.NewUserMessage(next, now, model.TextBlock{Text: env.Text})
		n, err := i.store.AppendTurnMessage(ctx, taskID, res.TurnIndex, msg)
		if err != nil {
			return nil, err
		}
		next = n
		res.Appended++
	}

	if err := i.store.Publish(ctx, store.MessagesChannel(taskID), store.EventPayload(store.EventMessagesAppended)); err != nil {
		i.log.Debug(ctx, "messages_appended publish failed", "task_id", taskID, "err", err)
	}
	i.log.Debug(ctx, "drained inbox", "task_id", taskID,
		"envelopes", len(envs), "messages", res.Appended, "turn", res.TurnIndex, "new_turn", res.NewTurn)
	return res, nil
}
