// Package lifecycle creates, resumes and stops task worker processes. Each
// task is owned by exactly one OS process at a time; launching decides among
// resuming a live process, reactivating a stopped task or creating a new one,
// and never overwrites an existing conversation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"goa.design/microcore/runtime/task/ingest"
	"goa.design/microcore/runtime/task/liveness"
	"goa.design/microcore/runtime/task/prompts"
	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/transcript"
)

// Action names what Launch decided to do.
type Action string

const (
	// ActionCreated means a fresh task record and conversation were seeded
	// and a worker process spawned.
	ActionCreated Action = "created"
	// ActionReactivated means the task existed but was stopped; its inbox
	// received the new messages and a fresh worker was spawned.
	ActionReactivated Action = "reactivated"
	// ActionResumed means a live worker already owns the task; messages were
	// enqueued for its next drain and no process was spawned.
	ActionResumed Action = "resumed"
)

const (
	defaultMaxIterations = 250
	stopGrace            = 5 * time.Second
)

type (
	// Request describes a task to launch. When TaskID is empty a new id is
	// generated from BaseName (child) or the conversation prefix (root).
	Request struct {
		TaskID          string
		BaseName        string
		ParentTaskID    string
		Model           string
		Messages        []string
		MaxIterations   int
		DisableSpawning bool
		// StartProcess gates spawning; a false value seeds state and inbox
		// only, for tests and deferred starts.
		StartProcess bool
	}

	// Result reports the launched task and worker pid. PID is zero when no
	// process was spawned.
	Result struct {
		TaskID string
		PID    int
		Action Action
	}

	// ModelResolver maps a model alias to the provider model id.
	ModelResolver func(alias string) (string, error)

	startFn func(argv []string) (int, error)
	killFn  func(pid int, sig syscall.Signal) error

	// Manager implements the launch decision matrix and process teardown.
	Manager struct {
		store     store.Client
		ing       *ingest.Ingester
		probe     *liveness.Probe
		log       telemetry.Logger
		workerCmd []string
		resolve   ModelResolver
		start     startFn
		kill      killFn
		grace     time.Duration
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithStarter replaces process spawning, for tests.
func WithStarter(fn func(argv []string) (int, error)) Option {
	return func(m *Manager) { m.start = fn }
}

// WithKiller replaces signal delivery, for tests.
func WithKiller(fn func(pid int, sig syscall.Signal) error) Option {
	return func(m *Manager) { m.kill = fn }
}

// WithStopGrace sets how long Stop waits between TERM and KILL.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// New constructs a Manager. workerCmd is the worker argv prefix; the task id
// is appended as the final argument when spawning.
func New(st store.Client, ing *ingest.Ingester, probe *liveness.Probe, logger telemetry.Logger, workerCmd []string, resolve ModelResolver, opts ...Option) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	m := &Manager{
		store:     st,
		ing:       ing,
		probe:     probe,
		log:       logger,
		workerCmd: workerCmd,
		resolve:   resolve,
		start:     startDetached,
		kill:      syscall.Kill,
		grace:     stopGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Launch runs the decision matrix for req.
//
// A running task only gets its messages enqueued. A stopped task with an
// existing conversation is reactivated: messages enqueued, worker spawned,
// conversation untouched. A task with no conversation is created from
// scratch, whether or not the caller supplied the id.
func (m *Manager) Launch(ctx context.Context, req Request) (*Result, error) {
	taskID := req.TaskID
	if taskID == "" {
		id, err := generateTaskID(req.ParentTaskID, req.BaseName)
		if err != nil {
			return nil, err
		}
		taskID = id
	}

	if req.TaskID != "" {
		probed, err := m.probe.Check(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if probed.Alive {
			if err := m.enqueueAll(ctx, taskID, req); err != nil {
				return nil, err
			}
			m.log.Info(ctx, "task already running, messages enqueued", "task_id", taskID, "pid", probed.PID)
			return &Result{TaskID: taskID, PID: probed.PID, Action: ActionResumed}, nil
		}
	}

	exists, err := m.store.ConversationExists(ctx, taskID)
	if err != nil {
		return nil, err
	}

	action := ActionReactivated
	if !exists {
		action = ActionCreated
		if err := m.create(ctx, taskID, req); err != nil {
			return nil, err
		}
	} else if err := m.openNextTurn(ctx, taskID); err != nil {
		return nil, err
	}

	if err := m.enqueueAll(ctx, taskID, req); err != nil {
		return nil, err
	}

	res := &Result{TaskID: taskID, Action: action}
	if !req.StartProcess {
		return res, nil
	}
	n, err := m.store.InboxLen(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Nothing for the worker to do; spawning would burn an iteration.
		return res, nil
	}

	pid, err := m.start(append(append([]string{}, m.workerCmd...), taskID))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: spawn worker for %s: %w", taskID, err)
	}
	if err := m.store.SetTaskStatus(ctx, taskID, transcript.StatusRunning, pid); err != nil {
		return nil, err
	}
	res.PID = pid
	m.log.Info(ctx, "launched task worker", "task_id", taskID, "pid", pid, "action", string(action))
	return res, nil
}

func (m *Manager) create(ctx context.Context, taskID string, req Request) error {
	modelID, err := m.resolve(req.Model)
	if err != nil {
		return fmt.Errorf("lifecycle: resolve model %q: %w", req.Model, err)
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	now := time.Now().UTC()
	rec := &transcript.TaskRecord{
		TaskID:             taskID,
		ParentTaskID:       req.ParentTaskID,
		ModelID:            modelID,
		StaticSystemPrompt: prompts.Static(req.ParentTaskID),
		EnableRecursion:    !req.DisableSpawning,
		Status:             transcript.StatusStopped,
		Command:            strings.Join(m.workerCmd, " "),
		CreatedAt:          now,
		MaxIterations:      maxIter,
	}
	if err := m.store.PutTaskRecord(ctx, rec); err != nil {
		return err
	}
	// Seed the empty tail turn the first drain adopts.
	return m.store.PutConversation(ctx, taskID, transcript.Conversation{
		{TurnNumber: 0, StartedAt: now},
	})
}

// openNextTurn seeds an empty tail turn when a reactivated task's tail turn
// is closed. The worker claims the task before its first drain, so the drain
// never observes the stopped status and cannot open the turn itself; the
// empty turn carries that decision and the first drain adopts it, exactly as
// on the create path.
func (m *Manager) openNextTurn(ctx context.Context, taskID string) error {
	conv, err := m.store.GetConversation(ctx, taskID)
	if err != nil {
		return err
	}
	last := conv.LastTurn()
	if last == nil || !last.Closed() {
		return nil
	}
	_, err = m.store.AppendTurn(ctx, taskID, &transcript.Turn{
		TurnNumber: len(conv),
		StartedAt:  time.Now().UTC(),
	})
	return err
}

func (m *Manager) enqueueAll(ctx context.Context, taskID string, req Request) error {
	for _, text := range req.Messages {
		if err := m.ing.Enqueue(ctx, taskID, ingest.NewUserEnvelope(text, req.ParentTaskID)); err != nil {
			return err
		}
	}
	return nil
}

// Stop terminates the task's worker process group: TERM, a grace period,
// then KILL, and finally reconciles the record through the probe so the
// stopped status and process_ended event are published exactly as when a
// worker dies on its own.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	rec, err := m.store.GetTaskRecord(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.PID > 0 {
		// Negative pid targets the process group created by setsid.
		if err := m.kill(-rec.PID, syscall.SIGTERM); err == nil {
			deadline := time.Now().Add(m.grace)
			for time.Now().Before(deadline) {
				if err := m.kill(-rec.PID, 0); err != nil {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
			_ = m.kill(-rec.PID, syscall.SIGKILL)
		}
	}
	_, err = m.probe.Check(ctx, taskID)
	return err
}

func generateTaskID(parentTaskID, baseName string) (string, error) {
	u := uuid.New()
	suffix := fmt.Sprintf("%x", u[:3])
	if parentTaskID == "" {
		return "conversation_" + suffix, nil
	}
	if baseName == "" {
		return "", fmt.Errorf("lifecycle: base_name is required for child tasks (1-3 words)")
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(baseName)), "_")
	return normalized + "_" + suffix, nil
}

func startDetached(argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
