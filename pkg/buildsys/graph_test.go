package buildsys

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegister(t *testing.T, g *TaskGraph, name string, opts ...TaskOption) *Task {
	t.Helper()

	task, err := g.Register(name, nil, opts...)
	require.NoError(t, err)
	return task
}

func indexOf(names []string, name string) int {
	for idx, item := range names {
		if item == name {
			return idx
		}
	}
	return -1
}

func TestRegisterDuplicate(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "compile")

	_, err := g.Register("compile", nil)
	var dup *DuplicateTaskError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "compile", dup.Name)
}

func TestRegisterEmptyName(t *testing.T) {
	g := NewTaskGraph()
	_, err := g.Register("", nil)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	g := NewTaskGraph()
	task := mustRegister(t, g, "compile")

	found, err := g.Lookup("compile")
	require.NoError(t, err)
	assert.Same(t, task, found)

	_, err = g.Lookup("missing")
	var notFound *TaskNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing", notFound.Name)
}

func TestScheduleKeepsRegistrationOrder(t *testing.T) {
	g := NewTaskGraph()
	for _, name := range []string{"c", "a", "b"} {
		mustRegister(t, g, name)
	}

	plan, err := g.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, plan.Names())
}

func TestScheduleDependsOn(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "test", DependsOn("compile", "resources"))
	mustRegister(t, g, "resources")
	mustRegister(t, g, "compile")
	mustRegister(t, g, "unrelated")

	plan, err := g.Schedule("test")
	require.NoError(t, err)

	assert.Equal(t, []string{"resources", "compile", "test"}, plan.Names())
	assert.ElementsMatch(t, []string{"compile", "resources"}, plan.Predecessors("test"))
	assert.Empty(t, plan.Dropped)
}

func TestScheduleMustRunAfterOnlyOrders(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "test", MustRunAfter("clean"))
	mustRegister(t, g, "clean")

	plan, err := g.Schedule("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, plan.Names(), "must-run-after must not pull tasks in")

	g = NewTaskGraph()
	mustRegister(t, g, "test", MustRunAfter("clean"))
	mustRegister(t, g, "clean")

	plan, err = g.Schedule("test", "clean")
	require.NoError(t, err)
	assert.Equal(t, []string{"clean", "test"}, plan.Names())
}

func TestScheduleMustRunAfterCycle(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "a", MustRunAfter("b"))
	mustRegister(t, g, "b", MustRunAfter("a"))

	_, err := g.Schedule("a", "b")
	var cycle *CyclicDependencyError
	require.True(t, errors.As(err, &cycle), "expected a cycle error, got %v", err)
	assert.Contains(t, cycle.Path, "a")
	assert.Contains(t, cycle.Path, "b")
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
}

func TestScheduleDependsOnCycle(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "a", DependsOn("c"))
	mustRegister(t, g, "b", DependsOn("a"))
	mustRegister(t, g, "c", DependsOn("b"))

	_, err := g.Schedule("a")
	var cycle *CyclicDependencyError
	require.True(t, errors.As(err, &cycle))
	assert.Len(t, cycle.Path, 4)
}

func TestScheduleSelfDependency(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "a", DependsOn("a"))

	_, err := g.Schedule("a")
	var cycle *CyclicDependencyError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Path)
}

func TestScheduleRunsAfterIsDroppedOnCycle(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "compile", RunsAfter("test"))
	mustRegister(t, g, "test", DependsOn("compile"))

	plan, err := g.Schedule("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"compile", "test"}, plan.Names())
	assert.Equal(t, []Edge{{From: "test", To: "compile"}}, plan.Dropped)
}

func TestScheduleRunsAfterOrders(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "docs", RunsAfter("test"))
	mustRegister(t, g, "test")

	plan, err := g.Schedule("docs", "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "docs"}, plan.Names())
	assert.Empty(t, plan.Dropped)
}

func TestScheduleFinalizedBy(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "report")
	mustRegister(t, g, "test", FinalizedBy("report"))
	mustRegister(t, g, "lint")

	plan, err := g.Schedule("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "report"}, plan.Names())
	assert.Equal(t, []string{"test"}, plan.Predecessors("report"))
}

func TestScheduleUnknownReference(t *testing.T) {
	g := NewTaskGraph()
	mustRegister(t, g, "test", MustRunAfter("typo"))

	_, err := g.Schedule("test")
	var notFound *TaskNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "typo", notFound.Name)
	assert.Equal(t, "test", notFound.Ref)

	g = NewTaskGraph()
	_, err = g.Schedule("missing")
	require.True(t, errors.As(err, &notFound))
}

func TestFrozenGraph(t *testing.T) {
	g := NewTaskGraph()
	a := mustRegister(t, g, "a")
	b := mustRegister(t, g, "b")

	_, err := g.Schedule()
	require.NoError(t, err)
	assert.True(t, g.Frozen())

	_, err = g.Register("c", nil)
	assert.True(t, errors.Is(err, ErrGraphFrozen))

	assert.True(t, errors.Is(a.DependsOn(b), ErrGraphFrozen))
	assert.True(t, errors.Is(a.MustRunAfter(b), ErrGraphFrozen))
	assert.True(t, errors.Is(a.RunsAfter(b), ErrGraphFrozen))
	assert.True(t, errors.Is(a.FinalizedBy(b), ErrGraphFrozen))
	assert.True(t, errors.Is(a.RemoveDependency("b"), ErrGraphFrozen))
}

func TestTaskHandles(t *testing.T) {
	g := NewTaskGraph()
	compile := mustRegister(t, g, "compile")
	resources := mustRegister(t, g, "resources")
	test := mustRegister(t, g, "test")

	require.NoError(t, test.DependsOn(compile, resources))
	require.NoError(t, test.DependsOn(compile))
	assert.Equal(t, []string{"compile", "resources"}, test.Dependencies())

	require.NoError(t, test.RemoveDependency("resources"))
	require.NoError(t, test.RemoveDependency("unknown"))
	assert.Equal(t, []string{"compile"}, test.Dependencies())

	plan, err := g.Schedule("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"compile", "test"}, plan.Names())
}

// Random DAGs built from edges pointing from lower to higher registration index must always schedule with
// every constraint satisfied.
func TestScheduleRandomDAG(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		g := NewTaskGraph()
		count := 2 + rng.Intn(20)
		names := make([]string, count)
		for idx := range names {
			names[idx] = fmt.Sprintf("t%d", idx)
		}

		// register in shuffled order so registration order and topology differ
		perm := rng.Perm(count)
		edges := make([]Edge, 0)
		tasks := make(map[string]*Task)
		for _, idx := range perm {
			tasks[names[idx]] = mustRegister(t, g, names[idx])
		}

		for to := 1; to < count; to++ {
			for from := 0; from < to; from++ {
				if rng.Intn(4) != 0 {
					continue
				}

				if rng.Intn(2) == 0 {
					require.NoError(t, tasks[names[to]].DependsOn(tasks[names[from]]))
				} else {
					require.NoError(t, tasks[names[to]].MustRunAfter(tasks[names[from]]))
				}
				edges = append(edges, Edge{From: names[from], To: names[to]})
			}
		}

		plan, err := g.Schedule()
		require.NoError(t, err)

		order := plan.Names()
		require.Len(t, order, count)
		for _, edge := range edges {
			assert.Less(t, indexOf(order, edge.From), indexOf(order, edge.To), "round %d: %s must run before %s",
				round, edge.From, edge.To)
		}
	}
}
