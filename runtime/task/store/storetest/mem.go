// Package storetest provides an in-memory store.Client for tests. Documents
// are kept as serialized JSON so the fake exercises the same marshaling paths
// as the Redis implementation and callers can never alias stored state.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/transcript"
)

// Mem is an in-memory implementation of store.Client. Safe for concurrent use.
type Mem struct {
	mu       sync.Mutex
	records  map[string][]byte
	convs    map[string][]byte
	inboxes  map[string][]byte
	apiCalls map[string][]byte
	throttle map[string][]byte
	subs     []*memSub
}

var _ store.Client = (*Mem)(nil)

// NewMem constructs an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		records:  make(map[string][]byte),
		convs:    make(map[string][]byte),
		inboxes:  make(map[string][]byte),
		apiCalls: make(map[string][]byte),
		throttle: make(map[string][]byte),
	}
}

func get[T any](m map[string][]byte, key string, v *T) error {
	raw, ok := m[key]
	if !ok {
		return store.ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func put(m map[string][]byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[key] = raw
	return nil
}

func (s *Mem) GetTaskRecord(_ context.Context, taskID string) (*transcript.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec transcript.TaskRecord
	if err := get(s.records, taskID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Mem) PutTaskRecord(_ context.Context, rec *transcript.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.records, rec.TaskID, rec)
}

func (s *Mem) SetTaskStatus(_ context.Context, taskID string, status transcript.Status, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec transcript.TaskRecord
	if err := get(s.records, taskID, &rec); err != nil {
		return err
	}
	rec.Status = status
	rec.PID = pid
	return put(s.records, taskID, &rec)
}

func (s *Mem) SetLastUsage(_ context.Context, taskID string, usage model.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec transcript.TaskRecord
	if err := get(s.records, taskID, &rec); err != nil {
		return err
	}
	rec.LastUsage = &usage
	return put(s.records, taskID, &rec)
}

func (s *Mem) AppendChild(_ context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec transcript.TaskRecord
	if err := get(s.records, parentID, &rec); err != nil {
		return err
	}
	rec.Children = append(rec.Children, childID)
	return put(s.records, parentID, &rec)
}

func (s *Mem) ListTaskIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Mem) GetConversation(_ context.Context, taskID string) (transcript.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv transcript.Conversation
	if err := get(s.convs, taskID, &conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Mem) ConversationExists(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[taskID]
	return ok, nil
}

func (s *Mem) PutConversation(_ context.Context, taskID string, conv transcript.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv == nil {
		conv = transcript.Conversation{}
	}
	return put(s.convs, taskID, conv)
}

func (s *Mem) AppendTurn(_ context.Context, taskID string, turn *transcript.Turn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv transcript.Conversation
	if err := get(s.convs, taskID, &conv); err != nil {
		return 0, err
	}
	conv = append(conv, turn)
	if err := put(s.convs, taskID, conv); err != nil {
		return 0, err
	}
	return len(conv), nil
}

func (s *Mem) AppendTurnMessage(_ context.Context, taskID string, turnIndex int, msg *transcript.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv transcript.Conversation
	if err := get(s.convs, taskID, &conv); err != nil {
		return 0, err
	}
	if turnIndex < 0 || turnIndex >= len(conv) {
		return 0, fmt.Errorf("turn %d: %w", turnIndex, store.ErrNotFound)
	}
	conv[turnIndex].Messages = append(conv[turnIndex].Messages, msg)
	if err := put(s.convs, taskID, conv); err != nil {
		return 0, err
	}
	return len(conv[turnIndex].Messages), nil
}

func (s *Mem) SetTurnSummary(_ context.Context, taskID string, turnIndex int, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv transcript.Conversation
	if err := get(s.convs, taskID, &conv); err != nil {
		return err
	}
	if turnIndex < 0 || turnIndex >= len(conv) {
		return fmt.Errorf("turn %d: %w", turnIndex, store.ErrNotFound)
	}
	conv[turnIndex].TurnSummary = summary
	return put(s.convs, taskID, conv)
}

func (s *Mem) AppendEnvelope(_ context.Context, taskID string, env *transcript.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inbox []*transcript.Envelope
	if raw, ok := s.inboxes[taskID]; ok {
		if err := json.Unmarshal(raw, &inbox); err != nil {
			return err
		}
	}
	inbox = append(inbox, env)
	return put(s.inboxes, taskID, inbox)
}

func (s *Mem) DrainInbox(_ context.Context, taskID string) ([]*transcript.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.inboxes[taskID]
	if !ok {
		return nil, nil
	}
	delete(s.inboxes, taskID)
	var inbox []*transcript.Envelope
	if err := json.Unmarshal(raw, &inbox); err != nil {
		return nil, err
	}
	return inbox, nil
}

func (s *Mem) InboxLen(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.inboxes[taskID]
	if !ok {
		return 0, nil
	}
	var inbox []*transcript.Envelope
	if err := json.Unmarshal(raw, &inbox); err != nil {
		return 0, err
	}
	return len(inbox), nil
}

func (s *Mem) MarkAPICall(_ context.Context, taskID string, marker *store.APICallMarker, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.apiCalls, taskID, marker)
}

func (s *Mem) ClearAPICall(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apiCalls, taskID)
	return nil
}

func (s *Mem) GetThrottleState(_ context.Context, modelID string) (*store.ThrottleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state store.ThrottleState
	if err := get(s.throttle, modelID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Mem) SetThrottleState(_ context.Context, modelID string, state *store.ThrottleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.throttle, modelID, state)
}

func (s *Mem) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.events <- store.Event{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (s *Mem) Subscribe(_ context.Context, channels ...string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memSub{
		parent:   s,
		channels: make(map[string]bool, len(channels)),
		events:   make(chan store.Event, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

type memSub struct {
	parent   *Mem
	channels map[string]bool
	events   chan store.Event
	closed   bool
}

func (s *memSub) Events() <-chan store.Event { return s.events }

func (s *memSub) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i, sub := range s.parent.subs {
		if sub == s {
			s.parent.subs = append(s.parent.subs[:i], s.parent.subs[i+1:]...)
			break
		}
	}
	close(s.events)
	return nil
}
