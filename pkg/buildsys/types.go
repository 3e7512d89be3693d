package buildsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// Action is the Go side of a task. Script tasks don't need one, their cmds are executed instead.
type Action func(ctx context.Context, build *BuildContext) error

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) ToTask() (*Task, error) {
	return t.Task, nil
}

func (t TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// Task is a node in the TaskGraph. The pointer returned by TaskGraph.Register is the typed handle used to
// wire ordering edges.
type Task struct {
	Name         string
	Desc         string
	Base         string
	Env          map[string]string
	Inputs       []string
	Outputs      []string
	SkipIfExists []string
	Cmds         []TaskCmd
	Action       Action
	Hidden       bool

	dependsOn    []string
	mustRunAfter []string
	runsAfter    []string
	finalizedBy  []string

	graph *TaskGraph
	index int
}

// TaskOption configures a task during registration
type TaskOption func(*Task)

func DependsOn(names ...string) TaskOption {
	return func(t *Task) { t.dependsOn = appendUnique(t.dependsOn, names...) }
}

func MustRunAfter(names ...string) TaskOption {
	return func(t *Task) { t.mustRunAfter = appendUnique(t.mustRunAfter, names...) }
}

func RunsAfter(names ...string) TaskOption {
	return func(t *Task) { t.runsAfter = appendUnique(t.runsAfter, names...) }
}

func FinalizedBy(names ...string) TaskOption {
	return func(t *Task) { t.finalizedBy = appendUnique(t.finalizedBy, names...) }
}

func Description(desc string) TaskOption {
	return func(t *Task) { t.Desc = desc }
}

// Dependencies returns the names of the tasks this task depends on
func (t *Task) Dependencies() []string {
	return append([]string(nil), t.dependsOn...)
}

// Finalizers returns the names of the tasks finalizing this task
func (t *Task) Finalizers() []string {
	return append([]string(nil), t.finalizedBy...)
}

func (t *Task) checkMutable() error {
	if t.graph != nil && t.graph.frozen {
		return eris.Wrapf(ErrGraphFrozen, "can't modify task %s", t.Name)
	}
	return nil
}

// DependsOn makes t depend on the given tasks. They're pulled into every build that selects t and have to succeed
// before t runs.
func (t *Task) DependsOn(others ...*Task) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	t.dependsOn = appendUnique(t.dependsOn, taskNames(others)...)
	return nil
}

// RemoveDependency drops a previously declared dependency. Unknown names are ignored.
func (t *Task) RemoveDependency(name string) error {
	if err := t.checkMutable(); err != nil {
		return err
	}

	for idx, dep := range t.dependsOn {
		if dep == name {
			t.dependsOn = append(t.dependsOn[:idx:idx], t.dependsOn[idx+1:]...)
			break
		}
	}
	return nil
}

// MustRunAfter orders t after the given tasks whenever both end up in the same build
func (t *Task) MustRunAfter(others ...*Task) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	t.mustRunAfter = appendUnique(t.mustRunAfter, taskNames(others)...)
	return nil
}

// RunsAfter is a weaker MustRunAfter; the edge is dropped if it would introduce a cycle
func (t *Task) RunsAfter(others ...*Task) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	t.runsAfter = appendUnique(t.runsAfter, taskNames(others)...)
	return nil
}

// FinalizedBy schedules the given tasks after t whenever t is part of a build
func (t *Task) FinalizedBy(others ...*Task) error {
	if err := t.checkMutable(); err != nil {
		return err
	}
	t.finalizedBy = appendUnique(t.finalizedBy, taskNames(others)...)
	return nil
}

func taskNames(tasks []*Task) []string {
	names := make([]string, len(tasks))
	for idx, task := range tasks {
		names[idx] = task.Name
	}
	return names
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}

		if !found {
			list = append(list, item)
		}
	}
	return list
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Name, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since scripts can't modify tasks directly
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
