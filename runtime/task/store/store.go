// Package store adapts the shared JSON-document store (Redis with RedisJSON)
// to the typed documents of the task runtime. All operations are single-key
// atomic; the runtime never needs multi-key transactions. Appends return the
// new list length so callers never index with stale values.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/transcript"
)

var (
	// ErrNotFound indicates the requested document or field does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable indicates the store is unreachable. Callers treat this
	// as fatal and let the supervisor restart them.
	ErrUnavailable = errors.New("store: unavailable")
)

// Key builders for the per-task documents and the per-model throttle state.
func TaskDataKey(taskID string) string     { return "task_data:" + taskID }
func ConversationKey(taskID string) string { return "task:" + taskID }
func QueueKey(taskID string) string        { return "task_queue:" + taskID }
func APICallKey(taskID string) string      { return "task_api_call:" + taskID }
func ThrottleKey(modelID string) string    { return "throttle:" + modelID }

// MessagesChannel is the pub/sub channel carrying a task's lifecycle events.
func MessagesChannel(taskID string) string { return "task_messages:" + taskID }

// ThrottleChannel is the pub/sub channel shared by all processes talking to
// the same model.
func ThrottleChannel(modelID string) string { return "throttle:" + modelID }

// Events published on a task's messages channel.
const (
	EventMessagesAppended = "messages_appended"
	EventProcessEnded     = "process_ended"
)

// EventPayload renders the standard payload for a task lifecycle event.
func EventPayload(eventType string) string {
	return `{"type":"` + eventType + `"}`
}

type (
	// Event is one received pub/sub message.
	Event struct {
		Channel string
		Payload string
	}

	// Subscription delivers pub/sub events until closed.
	Subscription interface {
		// Events returns the receive channel. It is closed when the
		// subscription ends.
		Events() <-chan Event
		// Close tears down the subscription.
		Close() error
	}

	// ThrottleState is the shared per-model throttle snapshot.
	ThrottleState struct {
		Multiplier float64   `json:"multiplier"`
		UpdatedAt  time.Time `json:"updated_at"`
	}

	// APICallMarker records an in-flight LLM call for diagnostics. It is
	// written with a TTL so a crashed process cannot leave it behind.
	APICallMarker struct {
		StartedAt    time.Time `json:"started_at"`
		Turn         int       `json:"turn"`
		MessageCount int       `json:"message_count"`
	}

	// Client is the store surface used by the runtime. Implementations are
	// Redis (production) and storetest.Mem (tests).
	Client interface {
		// Task record.
		GetTaskRecord(ctx context.Context, taskID string) (*transcript.TaskRecord, error)
		PutTaskRecord(ctx context.Context, rec *transcript.TaskRecord) error
		// SetTaskStatus atomically updates status and pid. A zero pid
		// clears the field.
		SetTaskStatus(ctx context.Context, taskID string, status transcript.Status, pid int) error
		SetLastUsage(ctx context.Context, taskID string, usage model.TokenUsage) error
		AppendChild(ctx context.Context, parentID, childID string) error
		// ListTaskIDs returns the ids of every task with a record.
		ListTaskIDs(ctx context.Context) ([]string, error)

		// Conversation.
		GetConversation(ctx context.Context, taskID string) (transcript.Conversation, error)
		ConversationExists(ctx context.Context, taskID string) (bool, error)
		PutConversation(ctx context.Context, taskID string, conv transcript.Conversation) error
		// AppendTurn appends a turn and returns the new turn count.
		AppendTurn(ctx context.Context, taskID string, turn *transcript.Turn) (int, error)
		// AppendTurnMessage appends a message to the turn at turnIndex and
		// returns the turn's new message count.
		AppendTurnMessage(ctx context.Context, taskID string, turnIndex int, msg *transcript.Message) (int, error)
		SetTurnSummary(ctx context.Context, taskID string, turnIndex int, summary string) error

		// Inbox.
		AppendEnvelope(ctx context.Context, taskID string, env *transcript.Envelope) error
		// DrainInbox atomically snapshots and empties the inbox.
		DrainInbox(ctx context.Context, taskID string) ([]*transcript.Envelope, error)
		InboxLen(ctx context.Context, taskID string) (int, error)

		// LLM call marker.
		MarkAPICall(ctx context.Context, taskID string, marker *APICallMarker, ttl time.Duration) error
		ClearAPICall(ctx context.Context, taskID string) error

		// Throttle state.
		GetThrottleState(ctx context.Context, modelID string) (*ThrottleState, error)
		SetThrottleState(ctx context.Context, modelID string, state *ThrottleState) error

		// Pub/sub.
		Publish(ctx context.Context, channel, payload string) error
		Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	}
)
