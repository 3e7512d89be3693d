package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock sync.Mutex
	ran  []string
}

func (r *recorder) action(name string, err error) Action {
	return func(ctx context.Context, build *BuildContext) error {
		r.lock.Lock()
		r.ran = append(r.ran, name)
		r.lock.Unlock()
		return err
	}
}

func (r *recorder) names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.ran...)
}

type testListener struct {
	started  []string
	finished map[string]TaskState
}

func (l *testListener) TaskStarted(task *Task) {
	l.started = append(l.started, task.Name)
}

func (l *testListener) TaskFinished(task *Task, result *TaskResult) {
	l.finished[task.Name] = result.State
}

func newTestBuild(t *testing.T) *BuildContext {
	t.Helper()

	build, err := NewBuildContext(t.TempDir(), "", nil)
	require.NoError(t, err)
	return build
}

func runPlan(t *testing.T, executor *Executor, targets ...string) (*BuildResult, error) {
	t.Helper()

	plan, err := executor.Build.Graph.Schedule(targets...)
	require.NoError(t, err)
	return executor.Run(context.Background(), plan)
}

func TestRunOrder(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	_, err := build.Graph.Register("test", rec.action("test", nil), DependsOn("compile", "processResources"))
	require.NoError(t, err)
	_, err = build.Graph.Register("processResources", rec.action("processResources", nil))
	require.NoError(t, err)
	_, err = build.Graph.Register("compile", rec.action("compile", nil))
	require.NoError(t, err)

	listener := &testListener{finished: make(map[string]TaskState)}
	executor := NewExecutor(build)
	executor.Listener = listener

	result, err := runPlan(t, executor, "test")
	require.NoError(t, err)

	assert.Equal(t, []string{"processResources", "compile", "test"}, rec.names())
	assert.Equal(t, rec.names(), result.Order)
	assert.Equal(t, rec.names(), listener.started)
	for _, name := range rec.names() {
		assert.Equal(t, TaskSucceeded, result.State(name))
		assert.Equal(t, TaskSucceeded, listener.finished[name])
	}
}

func TestRunDependencyFailure(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}
	boom := eris.New("compiler exploded")

	_, err := build.Graph.Register("compile", rec.action("compile", boom))
	require.NoError(t, err)
	_, err = build.Graph.Register("test", rec.action("test", nil), DependsOn("compile"))
	require.NoError(t, err)
	_, err = build.Graph.Register("lint", rec.action("lint", nil))
	require.NoError(t, err)

	executor := NewExecutor(build)
	executor.FailFast = false

	result, err := runPlan(t, executor)
	require.Error(t, err)

	var failed *TaskFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "compile", failed.Task)

	var buildErr *BuildFailedError
	require.True(t, errors.As(err, &buildErr))
	assert.Len(t, buildErr.Failures, 1)

	assert.Equal(t, []string{"compile", "lint"}, rec.names())
	assert.Equal(t, TaskFailed, result.State("compile"))
	assert.Equal(t, TaskSkipped, result.State("test"))
	assert.Equal(t, TaskSucceeded, result.State("lint"))
	assert.Equal(t, "dependency compile failed", result.Results["test"].Reason)
}

func TestRunFailFast(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	_, err := build.Graph.Register("first", rec.action("first", eris.New("failed")))
	require.NoError(t, err)
	_, err = build.Graph.Register("second", rec.action("second", nil))
	require.NoError(t, err)

	executor := NewExecutor(build)
	result, err := runPlan(t, executor)
	require.Error(t, err)

	assert.Equal(t, []string{"first"}, rec.names())
	assert.Equal(t, TaskFailed, result.State("first"))
	assert.Equal(t, TaskSkipped, result.State("second"))
}

func TestRunCancel(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := build.Graph.Register("first", func(ctx context.Context, b *BuildContext) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	_, err = build.Graph.Register("second", rec.action("second", nil))
	require.NoError(t, err)

	plan, err := build.Graph.Schedule()
	require.NoError(t, err)

	result, err := NewExecutor(build).Run(ctx, plan)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rec.names())
	assert.Equal(t, TaskSucceeded, result.State("first"))
	assert.Equal(t, TaskSkipped, result.State("second"))
}

func TestRunParallel(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	var started sync.WaitGroup
	started.Add(3)
	waitForAll := func(name string) Action {
		return func(ctx context.Context, b *BuildContext) error {
			started.Done()

			done := make(chan struct{})
			go func() {
				started.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				return eris.New("tasks did not run in parallel")
			}
			return rec.action(name, nil)(ctx, b)
		}
	}

	for _, name := range []string{"a", "b", "c"} {
		_, err := build.Graph.Register(name, waitForAll(name))
		require.NoError(t, err)
	}
	_, err := build.Graph.Register("d", rec.action("d", nil), DependsOn("a", "b", "c"))
	require.NoError(t, err)

	executor := NewExecutor(build)
	executor.Jobs = 3

	result, err := runPlan(t, executor, "d")
	require.NoError(t, err)

	ran := rec.names()
	require.Len(t, ran, 4)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ran[:3])
	assert.Equal(t, "d", ran[3])
	assert.Equal(t, "d", result.Order[3])
}

func TestRunDryRun(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	_, err := build.Graph.Register("compile", rec.action("compile", eris.New("must not run")))
	require.NoError(t, err)

	executor := NewExecutor(build)
	executor.DryRun = true

	result, err := runPlan(t, executor)
	require.NoError(t, err)
	assert.Empty(t, rec.names())
	assert.Equal(t, TaskSucceeded, result.State("compile"))
}

func TestRunFinalizer(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	_, err := build.Graph.Register("test", rec.action("test", eris.New("tests failed")), FinalizedBy("report"))
	require.NoError(t, err)
	_, err = build.Graph.Register("report", rec.action("report", nil))
	require.NoError(t, err)

	executor := NewExecutor(build)
	executor.FailFast = false

	result, err := runPlan(t, executor, "test")
	require.Error(t, err)
	assert.Equal(t, []string{"test", "report"}, rec.names())
	assert.Equal(t, TaskSucceeded, result.State("report"))
}

func TestRunFinalizerSkippedWithFinalizedTask(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	_, err := build.Graph.Register("compile", rec.action("compile", eris.New("failed")))
	require.NoError(t, err)
	_, err = build.Graph.Register("test", rec.action("test", nil), DependsOn("compile"), FinalizedBy("report"))
	require.NoError(t, err)
	_, err = build.Graph.Register("report", rec.action("report", nil))
	require.NoError(t, err)

	executor := NewExecutor(build)
	executor.FailFast = false

	result, err := runPlan(t, executor, "test")
	require.Error(t, err)
	assert.Equal(t, []string{"compile"}, rec.names())
	assert.Equal(t, TaskSkipped, result.State("test"))
	assert.Equal(t, TaskSkipped, result.State("report"))
}

func TestRunShellCommands(t *testing.T) {
	build := newTestBuild(t)

	task := &Task{
		Name: "greet",
		Env:  map[string]string{"GREETING": "hello"},
		Cmds: []TaskCmd{
			TaskCmdScript{TaskName: "greet", Content: `echo "$GREETING world"`},
		},
	}
	_, err := build.Graph.Add(task)
	require.NoError(t, err)

	stdout := &bytes.Buffer{}
	executor := NewExecutor(build)
	executor.Stdout = stdout

	_, err = runPlan(t, executor)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", stdout.String())
}

func TestRunShellFailure(t *testing.T) {
	build := newTestBuild(t)

	_, err := build.Graph.Add(&Task{
		Name: "broken",
		Cmds: []TaskCmd{TaskCmdScript{TaskName: "broken", Content: "exit 3"}},
	})
	require.NoError(t, err)

	result, err := runPlan(t, NewExecutor(build))
	require.Error(t, err)
	assert.Equal(t, TaskFailed, result.State("broken"))
}

func TestRunUpToDate(t *testing.T) {
	build := newTestBuild(t)
	rec := &recorder{}

	input := filepath.Join(build.ProjectRoot, "input.txt")
	output := filepath.Join(build.ProjectRoot, "output.txt")
	require.NoError(t, os.WriteFile(input, []byte("in"), 0660))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0660))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	_, err := build.Graph.Add(&Task{
		Name:    "generate",
		Inputs:  []string{"input.txt"},
		Outputs: []string{"output.txt"},
		Action:  rec.action("generate", nil),
	})
	require.NoError(t, err)

	plan, err := build.Graph.Schedule()
	require.NoError(t, err)

	result, err := NewExecutor(build).Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, TaskUpToDate, result.State("generate"))
	assert.Empty(t, rec.names())

	executor := NewExecutor(build)
	executor.Force = true
	result, err = executor.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, result.State("generate"))
	assert.Equal(t, []string{"generate"}, rec.names())
}

func TestRunClosedBuild(t *testing.T) {
	build := newTestBuild(t)
	plan, err := build.Graph.Schedule()
	require.NoError(t, err)

	require.NoError(t, build.Close())
	assert.Error(t, build.Close())

	_, err = NewExecutor(build).Run(context.Background(), plan)
	assert.Error(t, err)
}

func TestRunUpToDatePathWithSpaces(t *testing.T) {
	root := filepath.Join(t.TempDir(), "My Project")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0770))

	build, err := NewBuildContext(root, "", nil)
	require.NoError(t, err)
	rec := &recorder{}

	input := filepath.Join(root, "src", "input.txt")
	output := filepath.Join(root, "output.txt")
	require.NoError(t, os.WriteFile(input, []byte("in"), 0660))
	require.NoError(t, os.WriteFile(output, []byte("out"), 0660))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	_, err = build.Graph.Add(&Task{
		Name:    "generate",
		Inputs:  []string{"src/*.txt"},
		Outputs: []string{"output.txt"},
		Action:  rec.action("generate", nil),
	})
	require.NoError(t, err)

	result, err := runPlan(t, NewExecutor(build))
	require.NoError(t, err)
	assert.Equal(t, TaskUpToDate, result.State("generate"))
	assert.Empty(t, rec.names())
}
