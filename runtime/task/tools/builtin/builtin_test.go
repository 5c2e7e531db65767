package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/microcore/runtime/task/lifecycle"
	"goa.design/microcore/runtime/task/liveness"
	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/store/storetest"
	"goa.design/microcore/runtime/task/transcript"
)

func TestBashCapturesOutputAndExitCode(t *testing.T) {
	tool := Bash()

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"command":"echo hello; echo oops >&2; exit 3"}`), "t1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "hello\n", result["stdout"])
	assert.Equal(t, "oops\n", result["stderr"])
	assert.Equal(t, 3, result["returncode"])
}

func TestBashZeroExit(t *testing.T) {
	tool := Bash()

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"command":"true"}`), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, out.(map[string]any)["returncode"])
}

func TestThinkKeepsOnlyConclusions(t *testing.T) {
	tool := Think()

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"thoughts":"long ramble","conclusions":"use a queue"}`), "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conclusions": "use a queue"}, out)
}

func TestClockReportsFrozenTime(t *testing.T) {
	at := time.Date(2026, 7, 1, 12, 30, 45, 0, time.UTC)
	tool := Clock(func() time.Time { return at })

	out, err := tool.Handler(context.Background(), json.RawMessage(`{}`), "t1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "2026-07-01", result["date"])
	assert.Equal(t, "12:30:45", result["time"])
	assert.Equal(t, at.Unix(), result["unix"])
}

type fakeLauncher struct {
	reqs []lifecycle.Request
	res  *lifecycle.Result
}

func (f *fakeLauncher) Launch(_ context.Context, req lifecycle.Request) (*lifecycle.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, nil
}

func TestSpawnTaskSeedsContextAndRecordsChild(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMem()
	require.NoError(t, st.PutTaskRecord(ctx, &transcript.TaskRecord{TaskID: "parent_1"}))
	require.NoError(t, st.PutConversation(ctx, "parent_1", transcript.Conversation{
		{TurnNumber: 0, Messages: []*transcript.Message{
			transcript.NewUserMessage(0, time.Now(), model.TextBlock{Text: "ship the release"}),
		}},
	}))

	launcher := &fakeLauncher{res: &lifecycle.Result{TaskID: "build_ab12cd", PID: 901, Action: lifecycle.ActionCreated}}
	tool := SpawnTask(launcher, st)

	out, err := tool.Handler(ctx, json.RawMessage(`{"base_name":"build","initial_message":"build it"}`), "parent_1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "build_ab12cd", result["task_id"])
	assert.Equal(t, 901, result["pid"])
	assert.Equal(t, "Spawned child task build_ab12cd (PID 901)", result["message"])

	require.Len(t, launcher.reqs, 1)
	req := launcher.reqs[0]
	assert.Equal(t, "parent_1", req.ParentTaskID)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0], "transcription of your parent task's conversation history")
	assert.Contains(t, req.Messages[0], "User: ship the release")
	assert.Equal(t, "build it", req.Messages[1])

	rec, err := st.GetTaskRecord(ctx, "parent_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"build_ab12cd"}, rec.Children)
}

func TestSpawnTaskZeroContextSkipsTranscript(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMem()
	require.NoError(t, st.PutTaskRecord(ctx, &transcript.TaskRecord{TaskID: "parent_1"}))
	require.NoError(t, st.PutConversation(ctx, "parent_1", transcript.Conversation{
		{TurnNumber: 0, Messages: []*transcript.Message{
			transcript.NewUserMessage(0, time.Now(), model.TextBlock{Text: "secret plans"}),
		}},
	}))

	launcher := &fakeLauncher{res: &lifecycle.Result{TaskID: "c1", Action: lifecycle.ActionCreated}}
	tool := SpawnTask(launcher, st)

	_, err := tool.Handler(ctx, json.RawMessage(`{"base_name":"clean room","initial_message":"do X","zero_context":true}`), "parent_1")
	require.NoError(t, err)
	require.Len(t, launcher.reqs, 1)
	require.Len(t, launcher.reqs[0].Messages, 1)
	assert.Equal(t, "do X", launcher.reqs[0].Messages[0])
}

func TestSpawnTaskRequiresBaseNameForNewTasks(t *testing.T) {
	tool := SpawnTask(&fakeLauncher{}, storetest.NewMem())

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"initial_message":"hi"}`), "parent_1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "base_name is required")
}

func TestSpawnTaskResumeReportsResumed(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMem()
	require.NoError(t, st.PutTaskRecord(ctx, &transcript.TaskRecord{TaskID: "parent_1", Children: []string{"c1"}}))

	launcher := &fakeLauncher{res: &lifecycle.Result{TaskID: "c1", PID: 42, Action: lifecycle.ActionResumed}}
	tool := SpawnTask(launcher, st)

	out, err := tool.Handler(ctx, json.RawMessage(`{"task_id":"c1","initial_message":"more"}`), "parent_1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "Resumed child task c1 (PID 42)", result["message"])

	rec, err := st.GetTaskRecord(ctx, "parent_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, rec.Children)
}

type fakeCompleter struct {
	req    *model.Request
	answer string
}

func (f *fakeCompleter) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.req = req
	return &model.Response{
		Message: &model.Message{
			Role:    model.RoleAssistant,
			Content: []model.Block{model.TextBlock{Text: f.answer}},
		},
		StopReason: model.StopEndTurn,
	}, nil
}

func TestQueryTaskAnswersFromTranscript(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMem()
	require.NoError(t, st.PutTaskRecord(ctx, &transcript.TaskRecord{TaskID: "target_1", Status: transcript.StatusStopped}))
	require.NoError(t, st.PutConversation(ctx, "target_1", transcript.Conversation{
		{TurnNumber: 0, Messages: []*transcript.Message{
			transcript.NewUserMessage(0, time.Now(), model.TextBlock{Text: "count the files"}),
			transcript.NewAssistantMessage(1, time.Now(), model.TextBlock{Text: "there are 12"}),
		}},
	}))

	probe := liveness.New(st, nil, liveness.WithInspector(func(int32) ([]string, string, float64, error) {
		return []string{"zombie"}, "", 0, nil
	}))
	client := &fakeCompleter{answer: "The task counted 12 files."}
	resolve := func(alias string) (string, error) { return "model-id-" + alias, nil }
	tool := QueryTask(st, probe, client, resolve)

	out, err := tool.Handler(ctx, json.RawMessage(`{"task_id":"target_1","question":"what did it find?","model":"sonnet45"}`), "caller_1")
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "stopped", result["status"])
	assert.Equal(t, "The task counted 12 files.", result["answer"])
	assert.Equal(t, "model-id-sonnet45", result["model_used"])

	require.NotNil(t, client.req)
	assert.Equal(t, "You are a helpful assistant analyzing task conversations.", client.req.System)
	prompt := client.req.Messages[0].Text()
	assert.Contains(t, prompt, "Task ID: target_1")
	assert.Contains(t, prompt, "Current Status: stopped")
	assert.Contains(t, prompt, "User: count the files")
	assert.Contains(t, prompt, "Question: what did it find?")
}

func TestQueryTaskMissingTask(t *testing.T) {
	st := storetest.NewMem()
	probe := liveness.New(st, nil)
	tool := QueryTask(st, probe, &fakeCompleter{}, func(string) (string, error) { return "m", nil })

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"task_id":"ghost","question":"?"}`), "caller_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "Task ghost not found"}, out)
}
