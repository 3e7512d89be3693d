package buildsys

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// PortableTool is the command which provides the cross-platform mv, rm and mkdir implementations used by task
// commands. An empty value passes these commands through to the system.
var PortableTool = "buildgraph"

// Listener is notified about task progress. All calls are made from the goroutine running Executor.Run.
type Listener interface {
	TaskStarted(task *Task)
	TaskFinished(task *Task, result *TaskResult)
}

type TaskResult struct {
	Name     string
	State    TaskState
	Err      error
	Reason   string
	Duration time.Duration
}

type BuildResult struct {
	// Order contains the tasks in the order they were started
	Order   []string
	Results map[string]*TaskResult
}

// State returns the final state of the named task
func (r *BuildResult) State(name string) TaskState {
	res, ok := r.Results[name]
	if !ok {
		return ""
	}
	return res.State
}

// Executor runs a Plan. Independent tasks run in parallel up to Jobs at a time.
type Executor struct {
	Build    *BuildContext
	Jobs     int
	FailFast bool
	DryRun   bool
	Force    bool
	Listener Listener
	Stdout   io.Writer
	Stderr   io.Writer
}

func NewExecutor(build *BuildContext) *Executor {
	return &Executor{
		Build:    build,
		Jobs:     1,
		FailFast: true,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

type taskOutcome struct {
	task     *Task
	state    TaskState
	reason   string
	err      error
	duration time.Duration
}

// Run executes every task in plan and returns once all of them reached a terminal state.
//
// A failed task causes its dependents to be skipped. With FailFast every task that hasn't started yet is skipped
// as well while running tasks are allowed to finish. Cancelling ctx has the same effect and also interrupts
// running shell commands.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*BuildResult, error) {
	if e.Build == nil {
		return nil, eris.New("executor has no build context")
	}

	if e.Build.Closed() {
		return nil, eris.New("build context is already closed")
	}

	jobs := e.Jobs
	if jobs < 1 {
		jobs = 1
	}

	state := make(ExecutionState, len(plan.Tasks))
	for _, task := range plan.Tasks {
		state[task.Name] = TaskPending
	}

	result := &BuildResult{
		Order:   make([]string, 0, len(plan.Tasks)),
		Results: make(map[string]*TaskResult, len(plan.Tasks)),
	}
	failures := make([]*TaskFailedError, 0)
	finished := make(chan taskOutcome, len(plan.Tasks))
	running := 0
	halted := false

	finish := func(task *Task, res *TaskResult) {
		result.Results[task.Name] = res
		if e.Listener != nil {
			e.Listener.TaskFinished(task, res)
		}
	}

	skip := func(task *Task, reason string) error {
		if err := state.Transition(task.Name, TaskPending, TaskSkipped); err != nil {
			return err
		}

		log(ctx).Info().
			Str("task", task.Name).
			Msgf("skipped: %s", reason)

		finish(task, &TaskResult{Name: task.Name, State: TaskSkipped, Reason: reason})
		return nil
	}

	for {
		if !halted && ctx.Err() != nil {
			log(ctx).Warn().Msg("build cancelled")
			halted = true
		}

		if halted {
			for _, task := range plan.Tasks {
				if state[task.Name] == TaskPending {
					if err := skip(task, "build halted"); err != nil {
						return result, err
					}
				}
			}
		} else {
			progress := true
			for progress && running < jobs {
				progress = false

				for _, task := range plan.Tasks {
					if running >= jobs {
						break
					}

					if state[task.Name] != TaskPending || !predecessorsDone(plan, state, task) {
						continue
					}

					progress = true
					if reason := skipReason(plan, state, task); reason != "" {
						if err := skip(task, reason); err != nil {
							return result, err
						}
						continue
					}

					if err := state.Transition(task.Name, TaskPending, TaskRunning); err != nil {
						return result, err
					}

					result.Order = append(result.Order, task.Name)
					running++
					if e.Listener != nil {
						e.Listener.TaskStarted(task)
					}

					go func(task *Task) {
						start := time.Now()
						taskState, reason, err := e.execute(ctx, task)
						finished <- taskOutcome{
							task:     task,
							state:    taskState,
							reason:   reason,
							err:      err,
							duration: time.Since(start),
						}
					}(task)
				}
			}
		}

		if running == 0 {
			break
		}

		outcome := <-finished
		running--

		res := &TaskResult{
			Name:     outcome.task.Name,
			State:    outcome.state,
			Reason:   outcome.reason,
			Err:      outcome.err,
			Duration: outcome.duration,
		}

		if outcome.err != nil {
			res.State = TaskFailed
			failures = append(failures, &TaskFailedError{Task: outcome.task.Name, Err: outcome.err})

			log(ctx).Error().
				Str("task", outcome.task.Name).
				Err(outcome.err).
				Msg("failed")

			if e.FailFast && !halted {
				halted = true
			}
		}

		if err := state.Transition(outcome.task.Name, TaskRunning, res.State); err != nil {
			return result, err
		}
		finish(outcome.task, res)
	}

	for _, task := range plan.Tasks {
		if !state[task.Name].IsTerminal() {
			return result, eris.Errorf("task %s could not be scheduled", task.Name)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if len(failures) > 0 {
		return result, &BuildFailedError{Failures: failures}
	}

	return result, nil
}

func predecessorsDone(plan *Plan, state ExecutionState, task *Task) bool {
	for _, name := range plan.preds[task.Name] {
		if !state[name].IsTerminal() {
			return false
		}
	}
	return true
}

// skipReason returns a non-empty reason if task must not run even though all of its predecessors finished
func skipReason(plan *Plan, state ExecutionState, task *Task) string {
	for _, dep := range plan.deps[task.Name] {
		if !state[dep].IsSuccessful() {
			return fmt.Sprintf("dependency %s %s", dep, state[dep])
		}
	}

	finalized := plan.finalizing[task.Name]
	if len(finalized) > 0 {
		for _, name := range finalized {
			if state[name] != TaskSkipped {
				return ""
			}
		}
		return "all finalized tasks were skipped"
	}

	return ""
}

func (e *Executor) execute(ctx context.Context, task *Task) (TaskState, string, error) {
	if !e.Force && !e.DryRun {
		upToDate, reason, err := e.checkUpToDate(ctx, task)
		if err != nil {
			return TaskFailed, "", err
		}

		if upToDate {
			log(ctx).Info().
				Str("task", task.Name).
				Msg(reason)
			return TaskUpToDate, reason, nil
		}
	}

	err := e.runTask(ctx, task, map[string]bool{})
	if err != nil {
		return TaskFailed, "", err
	}

	return TaskSucceeded, "", nil
}

func (e *Executor) runTask(ctx context.Context, task *Task, active map[string]bool) error {
	if active[task.Name] {
		return eris.Errorf("task %s was called recursively", task.Name)
	}
	active[task.Name] = true
	defer delete(active, task.Name)

	if task.Action != nil {
		if e.DryRun {
			log(ctx).Info().
				Str("task", task.Name).
				Msg("would run action")
		} else {
			if err := task.Action(ctx, e.Build); err != nil {
				return err
			}
		}
	}

	if len(task.Cmds) > 0 {
		return e.runCmds(ctx, task, active)
	}
	return nil
}

func resolvePatternLists(projectRoot, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	for _, item := range patterns {
		matches, err := expand.Fields(&cfg, patternWord(projectRoot, base, item))
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// If a pattern didn't match anything, it's returned as a result. Skip those results.
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// patternWord builds a shell word for a glob pattern. The directory the pattern is relative to is single quoted so
// that spaces in the project path don't split the pattern.
func patternWord(projectRoot, base, pattern string) *syntax.Word {
	dir := ""
	rel := pattern
	switch {
	case strings.HasPrefix(pattern, "//"):
		dir = projectRoot
		rel = pattern[2:]
	case filepath.IsAbs(pattern):
	case strings.HasPrefix(pattern, "/"):
		dir = filepath.VolumeName(base)
		rel = pattern[1:]
	default:
		dir = base
	}

	rel = path.Clean(filepath.ToSlash(rel))
	parts := make([]syntax.WordPart, 0, 2)
	if dir != "" {
		parts = append(parts, &syntax.SglQuoted{Value: strings.TrimSuffix(filepath.ToSlash(dir), "/") + "/"})
	}
	parts = append(parts, &syntax.Lit{Value: rel})
	return &syntax.Word{Parts: parts}
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

// checkUpToDate decides whether a task can be skipped because its outputs are newer than its inputs or because all
// of its skip_if_exists files are present
func (e *Executor) checkUpToDate(ctx context.Context, task *Task) (bool, string, error) {
	projectRoot := e.Build.ProjectRoot
	base := task.Base
	if base == "" {
		base = projectRoot
	}

	skipList, err := resolvePatternLists(projectRoot, base, task.SkipIfExists)
	if err != nil {
		return false, "", eris.Wrapf(err, "failed to resolve skipIfExists list")
	}

	found := 0
	for _, item := range skipList {
		_, err := os.Stat(item)
		if err == nil {
			found++
		} else if !eris.Is(err, os.ErrNotExist) {
			return false, "", eris.Wrapf(err, "Failed to check %s", item)
		}
	}

	if found > 0 && found == len(skipList) {
		return true, "skipped because all skip files exist", nil
	}

	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, "", nil
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(projectRoot, base, task.Inputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(projectRoot, base, task.Outputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, "", eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return false, "", nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, "", nil
			}
			return false, "", eris.Wrapf(err, "Failed to check output %s", item)
		}

		mt := info.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}

		if mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Name).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if oldestOutput.After(newestInput) {
		return true, fmt.Sprintf("nothing to do (output is %f seconds newer)", oldestOutput.Sub(newestInput).Seconds()), nil
	}

	return false, "", nil
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && PortableTool != "" {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			args = append([]string{PortableTool}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func (e *Executor) runCmds(ctx context.Context, task *Task, active map[string]bool) error {
	base := task.Base
	if base == "" {
		base = e.Build.ProjectRoot
	}

	stdout := e.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := e.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for idx, item := range task.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrapf(err, "failed to parse command #%d", idx)
		}

		if stmts != nil {
			for _, stm := range stmts {
				strBuffer.Reset()
				printer.Print(&strBuffer, stm)
				log(ctx).Info().
					Str("task", task.Name).
					Bool("command", true).
					Msg(strBuffer.String())

				if !e.DryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return err
					}

					if runner.Exited() {
						return nil
					}
				}
			}
		} else {
			subTask, err := item.ToTask()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve task ref")
			}

			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			if err = e.runTask(ctx, subTask, active); err != nil {
				return err
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
