// Package liveness verifies whether a task's recorded worker process is
// actually alive and reconciles the task record when it is not. The OS is the
// source of truth: a pid that is gone, zombied or belongs to an unrelated
// process means the task is stopped regardless of what the record says.
package liveness

import (
	"context"
	"errors"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"goa.design/microcore/runtime/task/store"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/transcript"
)

// aliveStatuses are the OS process states accepted as "alive". Everything
// else (zombie, stopped, traced) counts as dead.
var aliveStatuses = map[string]bool{
	"running":    true,
	"sleep":      true,
	"sleeping":   true,
	"disk-sleep": true,
	"idle":       true,
	"wait":       true,
}

type (
	// Result is the outcome of a probe. CPUPercent is a non-blocking
	// prior-interval sample and is informational only.
	Result struct {
		Alive      bool
		PID        int
		CPUPercent float64
	}

	// inspectFn reports a pid's OS statuses, command line and CPU sample.
	inspectFn func(pid int32) (statuses []string, cmdline string, cpu float64, err error)

	// Probe checks recorded pids against the OS and repairs stale records.
	Probe struct {
		store   store.Client
		log     telemetry.Logger
		inspect inspectFn
	}

	// Option configures a Probe.
	Option func(*Probe)
)

// WithInspector replaces the OS process inspection, for tests.
func WithInspector(fn func(pid int32) ([]string, string, float64, error)) Option {
	return func(p *Probe) { p.inspect = fn }
}

// New constructs a Probe backed by gopsutil.
func New(st store.Client, logger telemetry.Logger, opts ...Option) *Probe {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	p := &Probe{store: st, log: logger, inspect: inspectOS}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func inspectOS(pid int32) ([]string, string, float64, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, "", 0, err
	}
	statuses, err := proc.Status()
	if err != nil {
		return nil, "", 0, err
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		cmdline = ""
	}
	// interval 0 samples against the previous call and never blocks.
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	return statuses, cmdline, cpu, nil
}

// Check probes the task's recorded pid. When the process is alive and owned
// by this task, the record's status is confirmed as running. Otherwise the
// record is reconciled to stopped with no pid and process_ended is published.
// A missing task record reports not alive without touching the store.
func (p *Probe) Check(ctx context.Context, taskID string) (Result, error) {
	rec, err := p.store.GetTaskRecord(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return Result{}, nil
		}
		return Result{}, err
	}

	if rec.PID > 0 {
		statuses, cmdline, cpu, err := p.inspect(int32(rec.PID))
		if err == nil && anyAlive(statuses) && ownedBy(rec, taskID, cmdline) {
			if err := p.store.SetTaskStatus(ctx, taskID, transcript.StatusRunning, rec.PID); err != nil {
				return Result{}, err
			}
			return Result{Alive: true, PID: rec.PID, CPUPercent: cpu}, nil
		}
	}

	if rec.Status == transcript.StatusRunning || rec.PID != 0 {
		p.log.Debug(ctx, "reconciling dead task process", "task_id", taskID, "pid", rec.PID)
	}
	if err := p.store.SetTaskStatus(ctx, taskID, transcript.StatusStopped, 0); err != nil {
		return Result{}, err
	}
	if err := p.store.Publish(ctx, store.MessagesChannel(taskID), store.EventPayload(store.EventProcessEnded)); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

// Sweep reconciles every known task's status against the OS. Root tasks run
// this at startup and once per iteration so operator dashboards never show
// phantom running tasks.
func (p *Probe) Sweep(ctx context.Context) error {
	ids, err := p.store.ListTaskIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := p.Check(ctx, id); err != nil {
			p.log.Warn(ctx, "status sweep failed for task", "task_id", id, "err", err)
		}
	}
	return nil
}

func anyAlive(statuses []string) bool {
	for _, s := range statuses {
		if aliveStatuses[strings.ToLower(s)] {
			return true
		}
	}
	return false
}

// ownedBy guards against pid reuse: the command line must mention the task id
// and, when the record captured the spawn command, that command too.
func ownedBy(rec *transcript.TaskRecord, taskID, cmdline string) bool {
	if !strings.Contains(cmdline, taskID) {
		return false
	}
	if rec.Command != "" && !strings.Contains(cmdline, rec.Command) {
		return false
	}
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
