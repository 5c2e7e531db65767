// Package engine runs a task worker's iteration loop: drain the inbox, submit
// the repaired conversation to the model, persist the assistant message,
// dispatch tools or close the turn, and on turn end wake the parent task.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/microcore/runtime/task/ingest"
	"goa.design/microcore/runtime/task/lifecycle"
	"goa.design/microcore/runtime/task/liveness"
	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/prompts"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/throttle"
	"goa.design/microcore/runtime/task/tools"
	"goa.design/microcore/runtime/task/transcript"
)

const (
	summarizerSystemPrompt = "You are a concise summarizer. Summarize the key work accomplished and decisions made in the provided turn. Be brief and factual."

	apiCallTTL = 5 * time.Minute
)

type (
	// Launcher is the slice of the lifecycle manager the engine needs to
	// reactivate a parent task.
	Launcher interface {
		Launch(ctx context.Context, req lifecycle.Request) (*lifecycle.Result, error)
	}

	// Config collects the engine's collaborators.
	Config struct {
		TaskID     string
		Store      store.Client
		Ingester   *ingest.Ingester
		Throttle   *throttle.Coordinator
		Client     model.Client
		Registry   *tools.Registry
		Dispatcher *tools.Dispatcher
		Probe      *liveness.Probe
		Launcher   Launcher
		Logger     telemetry.Logger
		Tracer     telemetry.Tracer
		// SummarizerModel overrides the task's model for turn summaries.
		SummarizerModel string
		// PID identifies this worker process. Zero means os.Getpid().
		PID int
	}

	// Engine drives one task's iterations within a single worker process.
	Engine struct {
		taskID          string
		store           store.Client
		ing             *ingest.Ingester
		throttle        *throttle.Coordinator
		client          model.Client
		reg             *tools.Registry
		disp            *tools.Dispatcher
		probe           *liveness.Probe
		launcher        Launcher
		log             telemetry.Logger
		tracer          telemetry.Tracer
		summarizerModel string
		pid             int
		now             func() time.Time
	}
)

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	return &Engine{
		taskID:          cfg.TaskID,
		store:           cfg.Store,
		ing:             cfg.Ingester,
		throttle:        cfg.Throttle,
		client:          cfg.Client,
		reg:             cfg.Registry,
		disp:            cfg.Dispatcher,
		probe:           cfg.Probe,
		launcher:        cfg.Launcher,
		log:             cfg.Logger,
		tracer:          cfg.Tracer,
		summarizerModel: cfg.SummarizerModel,
		pid:             cfg.PID,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Stopped reports whether the task was externally stopped. Wire this into the
// throttle coordinator so proactive sleeps observe stops promptly.
func (e *Engine) Stopped(ctx context.Context) bool {
	rec, err := e.store.GetTaskRecord(ctx, e.taskID)
	if err != nil {
		return true
	}
	return rec.Status == transcript.StatusStopped
}

// Run executes the worker's lifetime: claim the task, iterate until the inbox
// is exhausted, a turn ends with nothing pending, the iteration budget runs
// out, or an external stop lands. On exit the task is always reconciled to
// stopped with process_ended published, and the parent (if any) is notified
// when work was done.
func (e *Engine) Run(ctx context.Context) error {
	rec, err := e.store.GetTaskRecord(ctx, e.taskID)
	if err != nil {
		return fmt.Errorf("engine: load task %s: %w", e.taskID, err)
	}

	// Root tasks reconcile every recorded status against the OS at startup.
	if rec.ParentTaskID == "" {
		if err := e.probe.Sweep(ctx); err != nil {
			e.log.Warn(ctx, "startup status sweep failed", "err", err)
		}
	}

	if probed, err := e.probe.Check(ctx, e.taskID); err != nil {
		return err
	} else if probed.Alive && probed.PID != e.pid {
		e.log.Info(ctx, "task already owned by a live worker, exiting",
			"task_id", e.taskID, "owner_pid", probed.PID)
		return nil
	}

	if err := e.store.SetTaskStatus(ctx, e.taskID, transcript.StatusRunning, e.pid); err != nil {
		return err
	}

	didWork := false
	defer func() {
		// Release the task even on crash paths so no record claims a dead pid.
		ctx := context.WithoutCancel(ctx)
		if err := e.store.SetTaskStatus(ctx, e.taskID, transcript.StatusStopped, 0); err != nil {
			e.log.Error(ctx, "failed to release task on exit", "task_id", e.taskID, "err", err)
		}
		_ = e.store.ClearAPICall(ctx, e.taskID)
		if err := e.store.Publish(ctx, store.MessagesChannel(e.taskID), store.EventPayload(store.EventProcessEnded)); err != nil {
			e.log.Debug(ctx, "process_ended publish failed", "task_id", e.taskID, "err", err)
		}
		if didWork {
			e.notifyParent(ctx, rec.ParentTaskID)
		}
	}()

	for iteration := 0; iteration < rec.MaxIterations; iteration++ {
		if rec.ParentTaskID == "" {
			if err := e.probe.Sweep(ctx); err != nil {
				e.log.Warn(ctx, "status sweep failed", "err", err)
			}
		}
		if e.Stopped(ctx) {
			e.log.Info(ctx, "task stopped externally", "task_id", e.taskID, "iteration", iteration)
			break
		}

		n, err := e.store.InboxLen(ctx, e.taskID)
		if err != nil {
			return err
		}
		if n == 0 {
			e.log.Debug(ctx, "inbox empty, worker done", "task_id", e.taskID, "iteration", iteration)
			break
		}

		turnEnding, err := e.Iterate(ctx, iteration)
		if err != nil {
			return fmt.Errorf("engine: iteration %d for %s: %w", iteration, e.taskID, err)
		}
		didWork = true

		if turnEnding {
			n, err := e.store.InboxLen(ctx, e.taskID)
			if err != nil {
				return err
			}
			if n > 0 {
				e.log.Debug(ctx, "turn ended with pending inbox, continuing",
					"task_id", e.taskID, "pending", n)
				continue
			}
			break
		}
	}
	return nil
}

// Iterate runs one iteration. It reports turn_ending=true only when the model
// closed the turn with a plain text response; throttled and cancelled calls
// report false so the loop re-checks status and inbox before re-entering.
func (e *Engine) Iterate(ctx context.Context, iteration int) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "task.iteration")
	defer span.End()

	if _, err := e.ing.Drain(ctx, e.taskID); err != nil {
		return false, err
	}

	rec, err := e.store.GetTaskRecord(ctx, e.taskID)
	if err != nil {
		return false, err
	}
	conv, err := e.store.GetConversation(ctx, e.taskID)
	if err != nil {
		return false, err
	}
	messages := transcript.Flatten(transcript.Repair(conv))
	if len(messages) == 0 {
		return true, nil
	}
	turnIndex := len(conv) - 1
	messageCount := len(conv[turnIndex].Messages)

	parentTranscript := ""
	if rec.ParentTaskID != "" {
		if pconv, err := e.store.GetConversation(ctx, rec.ParentTaskID); err == nil {
			parentTranscript = transcript.Transcribe(pconv, true)
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	system := rec.StaticSystemPrompt + prompts.Dynamic(rec, turnIndex, e.now(), parentTranscript)
	if note := prompts.IterationNote(iteration, rec.MaxIterations); note != "" {
		system += "\n\n" + note
	}

	// The inbox is already drained, so a throttled call retries here rather
	// than returning: bailing out now would strand the merged messages until
	// another envelope arrives.
	var resp *model.Response
	for {
		if err := e.throttle.Await(ctx, rec.LastUsage); err != nil {
			return false, nil
		}
		if err := e.store.MarkAPICall(ctx, e.taskID, &store.APICallMarker{
			StartedAt:    e.now(),
			Turn:         turnIndex,
			MessageCount: messageCount,
		}, apiCallTTL); err != nil {
			e.log.Debug(ctx, "api call marker write failed", "task_id", e.taskID, "err", err)
		}

		resp, err = e.client.Complete(ctx, &model.Request{
			Model:       rec.ModelID,
			System:      system,
			Messages:    messages,
			Tools:       e.reg.Specs(),
			Temperature: -1,
		})
		if cerr := e.store.ClearAPICall(ctx, e.taskID); cerr != nil {
			e.log.Debug(ctx, "api call marker clear failed", "task_id", e.taskID, "err", cerr)
		}
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, model.ErrRateLimited):
			if err := e.throttle.OnThrottle(ctx, rec.LastUsage); err != nil {
				return false, nil
			}
		case errors.Is(err, model.ErrCancelled):
			return false, nil
		default:
			return false, err
		}
	}
	e.throttle.OnSuccess(ctx)

	if err := e.store.SetLastUsage(ctx, e.taskID, resp.Usage); err != nil {
		return false, err
	}
	e.log.Info(ctx, "model responded", "task_id", e.taskID, "turn", turnIndex,
		"stop_reason", string(resp.StopReason),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

	asst := transcript.NewAssistantMessage(messageCount, e.now(), resp.Message.Content...)
	if _, err := e.store.AppendTurnMessage(ctx, e.taskID, turnIndex, asst); err != nil {
		return false, err
	}
	if err := e.store.Publish(ctx, store.MessagesChannel(e.taskID), store.EventPayload(store.EventMessagesAppended)); err != nil {
		e.log.Debug(ctx, "messages_appended publish failed", "task_id", e.taskID, "err", err)
	}

	switch resp.StopReason {
	case model.StopToolUse:
		if err := e.disp.Dispatch(ctx, e.taskID, resp.Message.ToolUses()); err != nil {
			return false, err
		}
		return false, nil
	case model.StopMaxTokens:
		return false, nil
	default:
		if err := e.summarize(ctx, rec, turnIndex); err != nil {
			e.log.Warn(ctx, "turn summarization failed", "task_id", e.taskID, "turn", turnIndex, "err", err)
		}
		return true, nil
	}
}

func (e *Engine) summarize(ctx context.Context, rec *transcript.TaskRecord, turnIndex int) error {
	conv, err := e.store.GetConversation(ctx, e.taskID)
	if err != nil {
		return err
	}
	if turnIndex < 0 || turnIndex >= len(conv) {
		return fmt.Errorf("turn %d out of range", turnIndex)
	}
	raw, err := json.MarshalIndent(conv[turnIndex].Messages, "", "  ")
	if err != nil {
		return err
	}

	modelID := e.summarizerModel
	if modelID == "" {
		modelID = rec.ModelID
	}
	if err := e.throttle.Await(ctx, rec.LastUsage); err != nil {
		return err
	}
	resp, err := e.client.Complete(ctx, &model.Request{
		Model:  modelID,
		System: summarizerSystemPrompt,
		Messages: []*model.Message{{
			Role:    model.RoleUser,
			Content: []model.Block{model.TextBlock{Text: prompts.SummaryRequest(string(raw))}},
		}},
		Temperature: -1,
	})
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return e.throttle.OnThrottle(ctx, rec.LastUsage)
		}
		return err
	}
	e.throttle.OnSuccess(ctx)
	return e.store.SetTurnSummary(ctx, e.taskID, turnIndex, resp.Message.Text())
}

// notifyParent enqueues a completion message into the parent's inbox and
// reactivates the parent's worker when no live process owns it.
func (e *Engine) notifyParent(ctx context.Context, parentID string) {
	if parentID == "" {
		return
	}
	conv, err := e.store.GetConversation(ctx, e.taskID)
	if err != nil {
		e.log.Error(ctx, "cannot load conversation for completion message", "task_id", e.taskID, "err", err)
		return
	}
	msg := transcript.CompletionMessage(e.taskID, conv, true)
	if err := e.ing.Enqueue(ctx, parentID, ingest.NewCompletionEnvelope(msg, e.taskID)); err != nil {
		e.log.Error(ctx, "completion enqueue failed", "parent_task_id", parentID, "err", err)
		return
	}

	probed, err := e.probe.Check(ctx, parentID)
	if err != nil {
		e.log.Warn(ctx, "parent probe failed", "parent_task_id", parentID, "err", err)
		return
	}
	if probed.Alive {
		// A live parent drains its own inbox at its next iteration.
		return
	}
	if _, err := e.launcher.Launch(ctx, lifecycle.Request{TaskID: parentID, StartProcess: true}); err != nil {
		e.log.Error(ctx, "parent reactivation failed", "parent_task_id", parentID, "err", err)
	}
}
