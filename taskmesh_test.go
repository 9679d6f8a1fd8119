package taskmesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/orchestrator"
	"github.com/BaSui01/taskmesh/types"
)

func echoExecutor() orchestrator.Executor {
	return orchestrator.ExecutorFunc(
		func(ctx context.Context, payload json.RawMessage) (*orchestrator.ExecutionResult, error) {
			return &orchestrator.ExecutionResult{Output: payload, Cost: 0.01, Tokens: 3}, nil
		})
}

func TestNew_RequiresCapability(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestMesh_SubmitAndGet(t *testing.T) {
	mesh, err := New(
		WithCapability("echo", "local", "ECHO", echoExecutor()),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer mesh.Close()

	ctx := context.Background()
	payload := json.RawMessage(`{"input":"hello"}`)
	taskID, err := mesh.Submit(ctx, payload, "echo", types.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	var task *types.Task
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err = mesh.Get(ctx, taskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NotNil(t, task)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.JSONEq(t, string(payload), string(task.Result))

	entries := mesh.Trace(taskID)
	assert.NotEmpty(t, entries)
}

func TestMesh_UnsupportedCapability(t *testing.T) {
	mesh, err := New(
		WithCapability("echo", "local", "ECHO", echoExecutor()),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer mesh.Close()

	taskID, err := mesh.Submit(context.Background(), json.RawMessage(`{}`), "transcode", types.PriorityHigh)
	require.NoError(t, err)

	task, err := mesh.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrUnsupportedCapability, task.ErrorCode)
}

func TestMesh_GovernorRecordsUsage(t *testing.T) {
	mesh, err := New(
		WithCapability("echo", "local", "ECHO", echoExecutor()),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer mesh.Close()

	ctx := context.Background()
	taskID, err := mesh.Submit(ctx, json.RawMessage(`{"n":1}`), "echo", types.PriorityBackground)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := mesh.Get(ctx, taskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := mesh.Governor().Status()
	var spent float64
	for _, b := range status.Budgets {
		spent += b.Spent
	}
	assert.Greater(t, spent, 0.0)
}
