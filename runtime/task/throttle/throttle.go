// Package throttle paces LLM calls across every process talking to the same
// model. Each process keeps a local multiplier in [1.0, 3.0] nudged down on
// success and up on throttling, publishes its adjustments on the model's
// channel, and merges peer adjustments by taking the maximum, so unrelated
// tasks converge on the same conservative rate without a central lock.
package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
)

const (
	minMultiplier = 1.0
	maxMultiplier = 3.0

	successFactor  = 0.9
	throttleFactor = 1.5

	// statusSlice is how often the proactive sleep wakes to check for an
	// external stop.
	statusSlice = 500 * time.Millisecond
)

// Event types published on the model's throttle channel.
const (
	EventSuccess   = "throttle_success"
	EventException = "throttle_exception"
)

type (
	// Event is the payload exchanged on the throttle channel.
	Event struct {
		Type       string  `json:"type"`
		TaskID     string  `json:"task_id"`
		Multiplier float64 `json:"multiplier"`
		Timestamp  int64   `json:"timestamp"`
	}

	// Coordinator paces one process's calls to a single model.
	Coordinator struct {
		store   store.Client
		log     telemetry.Logger
		modelID string
		taskID  string
		// stopped reports whether the task was externally stopped. Checked
		// periodically during sleeps so a stop never waits out a full delay.
		stopped func(ctx context.Context) bool

		mu          sync.Mutex
		multiplier  float64
		lastRequest time.Time
	}
)

// New constructs a Coordinator for the given model. The initial multiplier is
// the published shared state when present, so a freshly spawned process does
// not undercut peers already backing off.
func New(ctx context.Context, st store.Client, logger telemetry.Logger, modelID, taskID string, stopped func(ctx context.Context) bool) *Coordinator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := &Coordinator{
		store:      st,
		log:        logger,
		modelID:    modelID,
		taskID:     taskID,
		stopped:    stopped,
		multiplier: minMultiplier,
	}
	if state, err := st.GetThrottleState(ctx, modelID); err == nil && state.Multiplier > minMultiplier {
		c.multiplier = clamp(state.Multiplier)
	}
	return c
}

// Multiplier returns the current local multiplier.
func (c *Coordinator) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// BaseDelay computes the proactive inter-request delay from the previous
// iteration's token volume: enough to stay under roughly 200k tokens/minute
// assuming the next call is about as heavy, with a 300ms floor.
func BaseDelay(usage *model.TokenUsage) time.Duration {
	next := 500
	if usage != nil {
		next += usage.InputTokens + usage.OutputTokens
	}
	d := time.Duration(float64(next) * 60 / 200000 * float64(time.Second))
	if d < 300*time.Millisecond {
		d = 300 * time.Millisecond
	}
	return d
}

// Await sleeps out the remainder of the proactive delay since the previous
// request, waking periodically to check for an external stop. It returns
// model.ErrCancelled when the context ends or the task is stopped.
func (c *Coordinator) Await(ctx context.Context, usage *model.TokenUsage) error {
	c.mu.Lock()
	deadline := c.lastRequest.Add(time.Duration(float64(BaseDelay(usage)) * c.multiplier))
	c.mu.Unlock()

	if err := c.sleepUntil(ctx, deadline); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastRequest = time.Now()
	c.mu.Unlock()
	return nil
}

// OnSuccess relaxes the multiplier after a successful call and tells peers.
func (c *Coordinator) OnSuccess(ctx context.Context) {
	c.adjust(ctx, EventSuccess, successFactor)
}

// OnThrottle tightens the multiplier after a throttling rejection, tells
// peers, and sleeps a backoff window proportional to the new multiplier.
// Returns model.ErrCancelled when stopped during the backoff.
func (c *Coordinator) OnThrottle(ctx context.Context, usage *model.TokenUsage) error {
	mult := c.adjust(ctx, EventException, throttleFactor)
	backoff := time.Duration(float64(BaseDelay(usage)) * mult)
	c.log.Warn(ctx, "model throttled, backing off",
		"model_id", c.modelID, "backoff", backoff.String(), "multiplier", mult)
	return c.sleepUntil(ctx, time.Now().Add(backoff))
}

// Run consumes the model's throttle channel until the context ends, merging
// peer multipliers with max(local, received). Run is meant to be started in
// its own goroutine alongside the iteration loop.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.store.Subscribe(ctx, store.ThrottleChannel(c.modelID))
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(ev.Payload), &event); err != nil {
				c.log.Debug(ctx, "ignoring malformed throttle event", "payload", ev.Payload)
				continue
			}
			if event.TaskID == c.taskID {
				continue
			}
			c.Merge(event.Multiplier)
		}
	}
}

// Merge raises the local multiplier to the received value when the peer is
// more conservative. Lower peer values are ignored; the local multiplier only
// relaxes through this process's own successes.
func (c *Coordinator) Merge(received float64) {
	received = clamp(received)
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.multiplier {
		c.multiplier = received
	}
}

func (c *Coordinator) adjust(ctx context.Context, eventType string, factor float64) float64 {
	c.mu.Lock()
	c.multiplier = clamp(c.multiplier * factor)
	mult := c.multiplier
	c.mu.Unlock()

	event := Event{
		Type:       eventType,
		TaskID:     c.taskID,
		Multiplier: mult,
		Timestamp:  time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err == nil {
		if err := c.store.Publish(ctx, store.ThrottleChannel(c.modelID), string(payload)); err != nil {
			c.log.Debug(ctx, "throttle publish failed", "err", err)
		}
	}
	if err := c.store.SetThrottleState(ctx, c.modelID, &store.ThrottleState{
		Multiplier: mult,
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		c.log.Debug(ctx, "throttle state write failed", "err", err)
	}
	return mult
}

func (c *Coordinator) sleepUntil(ctx context.Context, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := remaining
		if slice > statusSlice {
			slice = statusSlice
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
		if c.stopped != nil && c.stopped(ctx) {
			return model.ErrCancelled
		}
	}
}

func clamp(m float64) float64 {
	if m < minMultiplier {
		return minMultiplier
	}
	if m > maxMultiplier {
		return maxMultiplier
	}
	return m
}
