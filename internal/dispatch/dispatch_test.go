package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/cache"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/model"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/query"
	"github.com/kip-d/omnifocus-mcp-sub017/internal/script"
)

type fakeExecutor struct {
	result *script.Result
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, scriptText string) (*script.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestRead_RequiresEntity(t *testing.T) {
	d := New(&fakeExecutor{}, nil, nil, 0)
	env := d.Read(context.Background(), query.Query{})
	require.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", string(env.Error.Code))
}

func TestRead_ReturnsDataAndTotalCount(t *testing.T) {
	exec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{
		"data": []interface{}{map[string]interface{}{"id": "1"}, map[string]interface{}{"id": "2"}},
	}}}
	d := New(exec, nil, nil, 0)
	env := d.Read(context.Background(), query.Query{Entity: model.EntityTasks})

	require.True(t, env.Success)
	require.NotNil(t, env.Metadata.TotalCount)
	assert.Equal(t, 2, *env.Metadata.TotalCount)
	assert.Equal(t, 1, exec.calls)
}

func TestRead_CachesAndServesSecondCallFromCache(t *testing.T) {
	c, err := cache.New(nil)
	require.NoError(t, err)
	defer c.Close()

	exec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{
		"data": []interface{}{map[string]interface{}{"id": "1"}},
	}}}
	d := New(exec, c, nil, 0)

	q := query.Query{Entity: model.EntityTasks}
	first := d.Read(context.Background(), q)
	require.True(t, first.Success)
	assert.False(t, first.Metadata.FromCache)

	second := d.Read(context.Background(), q)
	require.True(t, second.Success)
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, 1, exec.calls, "second read should be served from cache, not re-executed")
}

func TestWrite_CompleteRequiresID(t *testing.T) {
	d := New(&fakeExecutor{}, nil, nil, 0)
	env := d.Write(context.Background(), Mutation{Operation: model.OpComplete})
	require.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", string(env.Error.Code))
}

func TestWrite_DryRunDoesNotExecute(t *testing.T) {
	exec := &fakeExecutor{result: &script.Result{IsNil: true}}
	d := New(exec, nil, nil, 0)
	env := d.Write(context.Background(), Mutation{Operation: model.OpComplete, Target: model.TargetTask, ID: "t1", DryRun: true})
	require.True(t, env.Success)
	assert.Equal(t, 0, exec.calls)
}

func TestWrite_CompleteInvalidatesCache(t *testing.T) {
	c, err := cache.New(nil)
	require.NoError(t, err)
	defer c.Close()

	readExec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{
		"data": []interface{}{map[string]interface{}{"id": "1"}},
	}}}
	d := New(readExec, c, nil, 0)
	q := query.Query{Entity: model.EntityTasks, Mode: model.ModeToday}
	d.Read(context.Background(), q)

	writeExec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "t1"}}}}
	d.Runner = writeExec
	env := d.Write(context.Background(), Mutation{Operation: model.OpComplete, Target: model.TargetTask, ID: "t1"})
	require.True(t, env.Success)

	d.Runner = readExec
	second := d.Read(context.Background(), q)
	assert.False(t, second.Metadata.FromCache, "today-tagged cache entry should have been invalidated by the complete mutation")
}

func TestWriteBatch_TopologicallyOrdersByParentTempID(t *testing.T) {
	exec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "real-1"}}}}
	d := New(exec, nil, nil, 0)

	batch := Mutation{
		Operation: model.OpBatch,
		Batch: []Mutation{
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "child", ParentTempID: "parent", Data: map[string]interface{}{"name": "Child"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "parent", Data: map[string]interface{}{"name": "Parent"}},
		},
	}
	env := d.Write(context.Background(), batch)
	require.True(t, env.Success)
	assert.Equal(t, 2, exec.calls)
}

func TestWriteBatch_DetectsCycle(t *testing.T) {
	d := New(&fakeExecutor{}, nil, nil, 0)
	batch := Mutation{
		Operation: model.OpBatch,
		Batch: []Mutation{
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "a", ParentTempID: "b"},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "b", ParentTempID: "a"},
		},
	}
	env := d.Write(context.Background(), batch)
	require.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", string(env.Error.Code))
}

func TestSystem_CacheClear(t *testing.T) {
	c, err := cache.New(nil)
	require.NoError(t, err)
	defer c.Close()
	d := New(&fakeExecutor{}, c, nil, 0)
	env := d.System(context.Background(), "cache_clear")
	require.True(t, env.Success)
}

func TestSystem_Diagnostics(t *testing.T) {
	d := New(&fakeExecutor{}, nil, nil, 0)
	env := d.System(context.Background(), "diagnostics")
	require.True(t, env.Success)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "unknown", data["runnerState"], "fakeExecutor does not implement stateReporter")
}

func TestSystem_Metrics(t *testing.T) {
	c, err := cache.New(nil)
	require.NoError(t, err)
	defer c.Close()
	d := New(&fakeExecutor{}, c, nil, 0)
	env := d.System(context.Background(), "metrics")
	require.True(t, env.Success)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "cache")
}

func TestWrite_NotFoundErrorDoesNotLeakIntoData(t *testing.T) {
	exec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{
		"error": "NOT_FOUND", "message": "task",
	}}}
	d := New(exec, nil, nil, 0)
	env := d.Write(context.Background(), Mutation{Operation: model.OpDelete, Target: model.TargetTask, ID: "missing"})
	require.False(t, env.Success, "a bridge {error, message} result must fail the mutation, not succeed with the error object as data")
	assert.Equal(t, "NOT_FOUND", string(env.Error.Code))
	assert.Equal(t, "task not found", env.Error.Message)
}

func TestWriteBatch_RejectsOversizedBatch(t *testing.T) {
	d := New(&fakeExecutor{}, nil, nil, 2)
	batch := Mutation{
		Operation: model.OpBatch,
		Batch: []Mutation{
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "a", Data: map[string]interface{}{"name": "A"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "b", Data: map[string]interface{}{"name": "B"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "c", Data: map[string]interface{}{"name": "C"}},
		},
	}
	env := d.Write(context.Background(), batch)
	require.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", string(env.Error.Code))
}

func TestWriteBatch_AllowsBatchAtExactLimit(t *testing.T) {
	exec := &fakeExecutor{result: &script.Result{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "real-1"}}}}
	d := New(exec, nil, nil, 2)
	batch := Mutation{
		Operation: model.OpBatch,
		Batch: []Mutation{
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "a", Data: map[string]interface{}{"name": "A"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "b", Data: map[string]interface{}{"name": "B"}},
		},
	}
	env := d.Write(context.Background(), batch)
	require.True(t, env.Success)
}

// recordingExecutor runs real bridge/build scripts through no interpreter;
// it just records the script text passed to each call and returns a
// preconfigured result per call index, so a test can assert on what
// buildMutationScript actually emitted rather than trusting a canned
// result regardless of input.
type recordingExecutor struct {
	scripts []string
	results []*script.Result
}

func (r *recordingExecutor) Execute(ctx context.Context, scriptText string) (*script.Result, error) {
	r.scripts = append(r.scripts, scriptText)
	idx := len(r.scripts) - 1
	if idx < len(r.results) {
		return r.results[idx], nil
	}
	return &script.Result{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "unused"}}}, nil
}

// TestWriteBatch_ProjectThenTaskThenSubtask exercises §8 scenario 4
// against the real bridge.CreateTaskScript/CreateProjectScript output
// (not a mock that returns the same thing regardless of script text):
// a batch creating a project, a task under that project, and a second
// task under the first task must emit a project-create script for the
// first step, a projectId-rooted task-create script for the second, and
// a parentTaskId-rooted task-create script (not a project lookup) for
// the third.
func TestWriteBatch_ProjectThenTaskThenSubtask(t *testing.T) {
	exec := &recordingExecutor{results: []*script.Result{
		{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "proj-1"}}},
		{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "task-1"}}},
		{JSON: map[string]interface{}{"data": map[string]interface{}{"id": "task-2"}}},
	}}
	d := New(exec, nil, nil, 0)

	batch := Mutation{
		Operation: model.OpBatch,
		Batch: []Mutation{
			{Operation: model.OpCreate, Target: model.TargetProject, TempID: "P", Data: map[string]interface{}{"name": "Project"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "T1", ParentTempID: "P", Data: map[string]interface{}{"name": "Task 1"}},
			{Operation: model.OpCreate, Target: model.TargetTask, TempID: "T2", ParentTempID: "T1", Data: map[string]interface{}{"name": "Task 2"}},
		},
	}
	env := d.Write(context.Background(), batch)
	require.True(t, env.Success)
	require.Len(t, exec.scripts, 3)

	assert.Contains(t, exec.scripts[0], "app.Project(", "first step should emit a project-create script")
	assert.Contains(t, exec.scripts[1], "flattenedProjects", "second step's task should be rooted under the project")
	assert.Contains(t, exec.scripts[2], "flattenedTasks", "third step's task should be rooted under its parent task, not a project")
	assert.NotContains(t, exec.scripts[2], "flattenedProjects", "a subtask create must not fall back to a project lookup")
}
