package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/transcript"
)

// Redis implements Client on a Redis server with the RedisJSON module.
type Redis struct {
	rdb *redis.Client
}

var _ Client = (*Redis)(nil)

// NewRedis connects to the given address with default options.
func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing go-redis client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisWithClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Redis) Close() error { return s.rdb.Close() }

// wrapErr maps go-redis errors onto the store sentinel errors.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// getJSON reads the document at key into v. RedisJSON returns "$" query
// results as a one-element array of matches.
func (s *Redis) getJSON(ctx context.Context, op, key string, v any) error {
	res, err := s.rdb.JSONGet(ctx, key, "$").Result()
	if err != nil {
		return wrapErr(op, err)
	}
	if res == "" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var matches []json.RawMessage
	if err := json.Unmarshal([]byte(res), &matches); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err := json.Unmarshal(matches[0], v); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// setJSON writes v at path within key. Values are pre-serialized so go-redis
// never guesses at encoding.
func (s *Redis) setJSON(ctx context.Context, op, key, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	return wrapErr(op, s.rdb.JSONSet(ctx, key, path, string(b)).Err())
}

func (s *Redis) GetTaskRecord(ctx context.Context, taskID string) (*transcript.TaskRecord, error) {
	var rec transcript.TaskRecord
	if err := s.getJSON(ctx, "get task record", TaskDataKey(taskID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Redis) PutTaskRecord(ctx context.Context, rec *transcript.TaskRecord) error {
	return s.setJSON(ctx, "put task record", TaskDataKey(rec.TaskID), "$", rec)
}

func (s *Redis) SetTaskStatus(ctx context.Context, taskID string, status transcript.Status, pid int) error {
	key := TaskDataKey(taskID)
	if err := s.setJSON(ctx, "set task status", key, "$.status", status); err != nil {
		return err
	}
	if pid > 0 {
		return s.setJSON(ctx, "set task pid", key, "$.pid", pid)
	}
	err := s.rdb.JSONDel(ctx, key, "$.pid").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("clear task pid", err)
	}
	return nil
}

func (s *Redis) SetLastUsage(ctx context.Context, taskID string, usage model.TokenUsage) error {
	return s.setJSON(ctx, "set last usage", TaskDataKey(taskID), "$.last_usage", usage)
}

func (s *Redis) AppendChild(ctx context.Context, parentID, childID string) error {
	key := TaskDataKey(parentID)
	// Create the list on first use; NX leaves an existing list alone.
	if err := s.rdb.JSONSetMode(ctx, key, "$.children", "[]", "NX").Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("init children", err)
	}
	b, err := json.Marshal(childID)
	if err != nil {
		return fmt.Errorf("append child: encode: %w", err)
	}
	return wrapErr("append child", s.rdb.JSONArrAppend(ctx, key, "$.children", string(b)).Err())
}

func (s *Redis) ListTaskIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, TaskDataKey("*"), 100).Result()
		if err != nil {
			return nil, wrapErr("list tasks", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, TaskDataKey("")))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func (s *Redis) GetConversation(ctx context.Context, taskID string) (transcript.Conversation, error) {
	var conv transcript.Conversation
	if err := s.getJSON(ctx, "get conversation", ConversationKey(taskID), &conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Redis) ConversationExists(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, ConversationKey(taskID)).Result()
	if err != nil {
		return false, wrapErr("conversation exists", err)
	}
	return n > 0, nil
}

func (s *Redis) PutConversation(ctx context.Context, taskID string, conv transcript.Conversation) error {
	if conv == nil {
		conv = transcript.Conversation{}
	}
	return s.setJSON(ctx, "put conversation", ConversationKey(taskID), "$", conv)
}

func (s *Redis) AppendTurn(ctx context.Context, taskID string, turn *transcript.Turn) (int, error) {
	b, err := json.Marshal(turn)
	if err != nil {
		return 0, fmt.Errorf("append turn: encode: %w", err)
	}
	lengths, err := s.rdb.JSONArrAppend(ctx, ConversationKey(taskID), "$", string(b)).Result()
	if err != nil {
		return 0, wrapErr("append turn", err)
	}
	if len(lengths) == 0 {
		return 0, fmt.Errorf("append turn: %w", ErrNotFound)
	}
	return int(lengths[0]), nil
}

func (s *Redis) AppendTurnMessage(ctx context.Context, taskID string, turnIndex int, msg *transcript.Message) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("append message: encode: %w", err)
	}
	path := fmt.Sprintf("$[%d].messages", turnIndex)
	lengths, err := s.rdb.JSONArrAppend(ctx, ConversationKey(taskID), path, string(b)).Result()
	if err != nil {
		return 0, wrapErr("append message", err)
	}
	if len(lengths) == 0 {
		return 0, fmt.Errorf("append message: %w", ErrNotFound)
	}
	return int(lengths[0]), nil
}

func (s *Redis) SetTurnSummary(ctx context.Context, taskID string, turnIndex int, summary string) error {
	path := fmt.Sprintf("$[%d].turn_summary", turnIndex)
	return s.setJSON(ctx, "set turn summary", ConversationKey(taskID), path, summary)
}

func (s *Redis) AppendEnvelope(ctx context.Context, taskID string, env *transcript.Envelope) error {
	key := QueueKey(taskID)
	if err := s.rdb.JSONSetMode(ctx, key, "$", "[]", "NX").Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("init inbox", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("enqueue: encode: %w", err)
	}
	return wrapErr("enqueue", s.rdb.JSONArrAppend(ctx, key, "$", string(b)).Err())
}

func (s *Redis) DrainInbox(ctx context.Context, taskID string) ([]*transcript.Envelope, error) {
	key := QueueKey(taskID)
	pipe := s.rdb.TxPipeline()
	get := pipe.JSONGet(ctx, key, "$")
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("drain inbox", err)
	}
	res, err := get.Result()
	if errors.Is(err, redis.Nil) || res == "" {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("drain inbox", err)
	}
	var matches [][]*transcript.Envelope
	if err := json.Unmarshal([]byte(res), &matches); err != nil {
		return nil, fmt.Errorf("drain inbox: decode: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *Redis) InboxLen(ctx context.Context, taskID string) (int, error) {
	lengths, err := s.rdb.JSONArrLen(ctx, QueueKey(taskID), "$").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("inbox len", err)
	}
	if len(lengths) == 0 {
		return 0, nil
	}
	return int(lengths[0]), nil
}

func (s *Redis) MarkAPICall(ctx context.Context, taskID string, marker *APICallMarker, ttl time.Duration) error {
	b, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("mark api call: encode: %w", err)
	}
	return wrapErr("mark api call", s.rdb.Set(ctx, APICallKey(taskID), b, ttl).Err())
}

func (s *Redis) ClearAPICall(ctx context.Context, taskID string) error {
	return wrapErr("clear api call", s.rdb.Del(ctx, APICallKey(taskID)).Err())
}

func (s *Redis) GetThrottleState(ctx context.Context, modelID string) (*ThrottleState, error) {
	res, err := s.rdb.Get(ctx, ThrottleKey(modelID)).Result()
	if err != nil {
		return nil, wrapErr("get throttle state", err)
	}
	var state ThrottleState
	if err := json.Unmarshal([]byte(res), &state); err != nil {
		return nil, fmt.Errorf("get throttle state: decode: %w", err)
	}
	return &state, nil
}

func (s *Redis) SetThrottleState(ctx context.Context, modelID string, state *ThrottleState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("set throttle state: encode: %w", err)
	}
	return wrapErr("set throttle state", s.rdb.Set(ctx, ThrottleKey(modelID), b, 0).Err())
}

func (s *Redis) Publish(ctx context.Context, channel, payload string) error {
	return wrapErr("publish", s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channels...)
	// Force the subscription to be established before returning so callers
	// never miss events published right after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr("subscribe", err)
	}
	sub := &redisSubscription{ps: ps, events: make(chan Event, 16)}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
}

func (s *redisSubscription) forward() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		s.events <- Event{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error { return s.ps.Close() }
