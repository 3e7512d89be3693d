package buildsys

import (
	"container/heap"

	"github.com/rotisserie/eris"
)

// TaskGraph owns all registered tasks and their ordering edges.
//
// Tasks are registered from a single goroutine while the build is configured. Freeze (called implicitly by
// Schedule) ends that phase, after which the graph is read-only and safe for concurrent use.
type TaskGraph struct {
	tasks  map[string]*Task
	order  []*Task
	frozen bool
}

// Edge is an ordering constraint: To runs after From
type Edge struct {
	From string
	To   string
}

// Plan is the result of TaskGraph.Schedule
type Plan struct {
	// Tasks lists the selected tasks in execution order
	Tasks []*Task
	// Dropped contains the runs-after edges that were ignored because they would have closed a cycle
	Dropped []Edge

	preds      map[string][]string
	deps       map[string][]string
	finalizing map[string][]string
}

func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks: make(map[string]*Task),
	}
}

// Register creates a new task and returns its handle
func (g *TaskGraph) Register(name string, action Action, opts ...TaskOption) (*Task, error) {
	task := &Task{
		Name:   name,
		Action: action,
	}

	for _, opt := range opts {
		opt(task)
	}

	return g.Add(task)
}

// Add registers an already populated task
func (g *TaskGraph) Add(task *Task) (*Task, error) {
	if g.frozen {
		return nil, eris.Wrapf(ErrGraphFrozen, "can't register task %s", task.Name)
	}

	if task.Name == "" {
		return nil, eris.New("tasks need a name")
	}

	if _, present := g.tasks[task.Name]; present {
		return nil, &DuplicateTaskError{Name: task.Name}
	}

	if task.Env == nil {
		task.Env = make(map[string]string)
	}

	task.graph = g
	task.index = len(g.order)
	g.tasks[task.Name] = task
	g.order = append(g.order, task)

	return task, nil
}

// Lookup returns the task with the given name
func (g *TaskGraph) Lookup(name string) (*Task, error) {
	task, ok := g.tasks[name]
	if !ok {
		return nil, &TaskNotFoundError{Name: name}
	}
	return task, nil
}

// Tasks returns all tasks in registration order
func (g *TaskGraph) Tasks() []*Task {
	return append([]*Task(nil), g.order...)
}

func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Freeze ends the registration phase
func (g *TaskGraph) Freeze() {
	g.frozen = true
}

func (g *TaskGraph) Frozen() bool {
	return g.frozen
}

func (g *TaskGraph) resolveRefs(task *Task, names []string) ([]*Task, error) {
	result := make([]*Task, 0, len(names))
	for _, name := range names {
		ref, ok := g.tasks[name]
		if !ok {
			return nil, &TaskNotFoundError{Name: name, Ref: task.Name}
		}

		result = append(result, ref)
	}
	return result, nil
}

// selectTasks collects the targets and everything they pull in through depends-on and finalized-by edges
func (g *TaskGraph) selectTasks(targets []string) (map[*Task]bool, error) {
	selected := make(map[*Task]bool)
	queue := make([]*Task, 0, len(targets))

	if len(targets) == 0 {
		queue = append(queue, g.order...)
	} else {
		for _, name := range targets {
			task, err := g.Lookup(name)
			if err != nil {
				return nil, err
			}
			queue = append(queue, task)
		}
	}

	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]

		if selected[task] {
			continue
		}
		selected[task] = true

		for _, refs := range [][]string{task.dependsOn, task.finalizedBy} {
			pulled, err := g.resolveRefs(task, refs)
			if err != nil {
				return nil, err
			}
			queue = append(queue, pulled...)
		}

		// ordering-only edges don't pull anything in but typos should still be reported
		for _, refs := range [][]string{task.mustRunAfter, task.runsAfter} {
			if _, err := g.resolveRefs(task, refs); err != nil {
				return nil, err
			}
		}
	}

	return selected, nil
}

// Schedule freezes the graph and computes a deterministic execution order for the given targets (or all tasks if
// none are passed). Tasks without a constraint between them keep their registration order.
func (g *TaskGraph) Schedule(targets ...string) (*Plan, error) {
	g.Freeze()

	selected, err := g.selectTasks(targets)
	if err != nil {
		return nil, err
	}

	n := len(g.order)
	succ := make([][]int, n)
	addEdge := func(from, to int) {
		for _, existing := range succ[from] {
			if existing == to {
				return
			}
		}
		succ[from] = append(succ[from], to)
	}

	plan := &Plan{
		preds:      make(map[string][]string),
		deps:       make(map[string][]string),
		finalizing: make(map[string][]string),
	}

	for _, task := range g.order {
		if !selected[task] {
			continue
		}

		for _, name := range task.dependsOn {
			addEdge(g.tasks[name].index, task.index)
			plan.deps[task.Name] = append(plan.deps[task.Name], name)
		}

		for _, name := range task.mustRunAfter {
			if other := g.tasks[name]; selected[other] {
				addEdge(other.index, task.index)
			}
		}

		for _, name := range task.finalizedBy {
			addEdge(task.index, g.tasks[name].index)
			plan.finalizing[name] = append(plan.finalizing[name], task.Name)
		}
	}

	if path := g.findCycle(succ, selected); path != nil {
		return nil, &CyclicDependencyError{Path: path}
	}

	for _, task := range g.order {
		if !selected[task] {
			continue
		}

		for _, name := range task.runsAfter {
			other := g.tasks[name]
			if !selected[other] {
				continue
			}

			if other == task || reachable(succ, task.index, other.index) {
				plan.Dropped = append(plan.Dropped, Edge{From: name, To: task.Name})
				continue
			}
			addEdge(other.index, task.index)
		}
	}

	indeg := make([]int, n)
	for from := range succ {
		for _, to := range succ[from] {
			indeg[to]++
		}
	}

	for from, next := range succ {
		for _, to := range next {
			plan.preds[g.order[to].Name] = append(plan.preds[g.order[to].Name], g.order[from].Name)
		}
	}

	ready := &intMinHeap{}
	for _, task := range g.order {
		if selected[task] && indeg[task.index] == 0 {
			heap.Push(ready, task.index)
		}
	}

	plan.Tasks = make([]*Task, 0, len(selected))
	for ready.Len() > 0 {
		idx := heap.Pop(ready).(int)
		plan.Tasks = append(plan.Tasks, g.order[idx])

		for _, next := range succ[idx] {
			indeg[next]--
			if indeg[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(plan.Tasks) != len(selected) {
		// findCycle should have caught this already
		return nil, eris.Errorf("scheduled %d out of %d tasks", len(plan.Tasks), len(selected))
	}

	return plan, nil
}

// findCycle returns the first cycle found by a depth-first search in registration order
func (g *TaskGraph) findCycle(succ [][]int, selected map[*Task]bool) []string {
	const (
		white = iota
		grey
		black
	)

	color := make([]int, len(g.order))
	stack := make([]int, 0)

	var visit func(idx int) []string
	visit = func(idx int) []string {
		color[idx] = grey
		stack = append(stack, idx)

		for _, next := range succ[idx] {
			switch color[next] {
			case grey:
				path := make([]string, 0)
				start := 0
				for pos, item := range stack {
					if item == next {
						start = pos
						break
					}
				}
				for _, item := range stack[start:] {
					path = append(path, g.order[item].Name)
				}
				return append(path, g.order[next].Name)
			case white:
				if path := visit(next); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[idx] = black
		return nil
	}

	for _, task := range g.order {
		if selected[task] && color[task.index] == white {
			if path := visit(task.index); path != nil {
				return path
			}
		}
	}
	return nil
}

func reachable(succ [][]int, from, to int) bool {
	seen := make(map[int]bool)
	queue := []int{from}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]

		if idx == to {
			return true
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		queue = append(queue, succ[idx]...)
	}
	return false
}

// Names returns the names of the scheduled tasks in execution order
func (p *Plan) Names() []string {
	return taskNames(p.Tasks)
}

// Predecessors lists every task that has to finish before the named one may start
func (p *Plan) Predecessors(name string) []string {
	return append([]string(nil), p.preds[name]...)
}

type intMinHeap []int

func (h intMinHeap) Len() int            { return len(h) }
func (h intMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *intMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
