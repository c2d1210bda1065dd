package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdevelsistemas/chronos/internal/chronos/job"
)

func scheduleJob(name string) *job.Job {
	return &job.Job{Name: name, Kind: job.KindScheduleBased, Schedule: "R/2024-01-01T00:00:00Z/PT1H"}
}

func dependencyJob(name string, parents ...string) *job.Job {
	return &job.Job{Name: name, Kind: job.KindDependencyBased, Parents: parents}
}

func buildDiamond(t *testing.T) *JobGraph {
	// a -> b, a -> c, {b, c} -> d
	g := New()
	require.NoError(t, g.AddVertex(scheduleJob("a")))
	require.NoError(t, g.AddVertex(dependencyJob("b", "a")))
	require.NoError(t, g.AddVertex(dependencyJob("c", "a")))
	require.NoError(t, g.AddVertex(dependencyJob("d", "b", "c")))
	require.NoError(t, g.AddDependency("a", "b"))
	require.NoError(t, g.AddDependency("a", "c"))
	require.NoError(t, g.AddDependency("b", "d"))
	require.NoError(t, g.AddDependency("c", "d"))
	return g
}

func TestAddVertexEnforcesUniqueNames(t *testing.T) {
	g := New()
	require.NoError(t, g.AddVertex(scheduleJob("a")))
	err := g.AddVertex(dependencyJob("a", "x"))
	assert.ErrorIs(t, err, ErrVertexExists)
}

func TestAddVertexRequiresResolvableParents(t *testing.T) {
	g := New()
	err := g.AddVertex(dependencyJob("child", "missing"))
	assert.ErrorIs(t, err, ErrVertexNotFound)
}

func TestAddDependencyRefusesCycles(t *testing.T) {
	g := buildDiamond(t)
	assert.ErrorIs(t, g.AddDependency("d", "a"), ErrCycle)
	assert.ErrorIs(t, g.AddDependency("b", "b"), ErrCycle)
	// Unrelated edges are still fine.
	require.NoError(t, g.AddVertex(dependencyJob("e", "d")))
	assert.NoError(t, g.AddDependency("d", "e"))
}

func TestGetChildren(t *testing.T) {
	g := buildDiamond(t)
	assert.Equal(t, []string{"b", "c"}, g.GetChildren("a"))
	assert.Equal(t, []string{"d"}, g.GetChildren("b"))
	assert.Empty(t, g.GetChildren("d"))
}

func TestParentJobs(t *testing.T) {
	g := buildDiamond(t)
	d, ok := g.LookupVertex("d")
	require.True(t, ok)
	parents, err := g.ParentJobs(d)
	require.NoError(t, err)
	names := []string{parents[0].Name, parents[1].Name}
	assert.ElementsMatch(t, []string{"b", "c"}, names)

	a, _ := g.LookupVertex("a")
	_, err = g.ParentJobs(a)
	assert.Error(t, err)
}

func TestExecutableChildrenFiresOnlyWhenAllParentsComplete(t *testing.T) {
	g := buildDiamond(t)

	// b completing alone does not release d.
	assert.Empty(t, g.ExecutableChildren("b"))
	// c completing finishes the round: d fires and its invocation set is
	// cleared, so the next round starts from scratch.
	assert.Equal(t, []string{"d"}, g.ExecutableChildren("c"))
	assert.Empty(t, g.ExecutableChildren("b"))
	assert.Equal(t, []string{"d"}, g.ExecutableChildren("c"))
}

func TestResetDependencyInvocations(t *testing.T) {
	g := buildDiamond(t)
	assert.Empty(t, g.ExecutableChildren("b"))
	g.ResetDependencyInvocations("d")
	// b's earlier completion was forgotten; c alone no longer releases d.
	assert.Empty(t, g.ExecutableChildren("c"))
	assert.Equal(t, []string{"d"}, g.ExecutableChildren("b"))
}

func TestReplaceVertexPreservesEdges(t *testing.T) {
	g := buildDiamond(t)
	oldB, _ := g.LookupVertex("b")
	newB := dependencyJob("b", "a")
	newB.Retries = 3
	require.NoError(t, g.ReplaceVertex(oldB, newB))

	assert.Equal(t, []string{"b", "c"}, g.GetChildren("a"))
	assert.Equal(t, []string{"d"}, g.GetChildren("b"))
	got, _ := g.LookupVertex("b")
	assert.Equal(t, 3, got.Retries)
}

func TestReplaceVertexRejectsRenames(t *testing.T) {
	g := buildDiamond(t)
	oldB, _ := g.LookupVertex("b")
	err := g.ReplaceVertex(oldB, dependencyJob("renamed", "a"))
	assert.ErrorIs(t, err, job.ErrRenameUnsupported)
}

func TestRemoveVertexDropsEdgesAndInvocations(t *testing.T) {
	g := buildDiamond(t)
	assert.Empty(t, g.ExecutableChildren("b"))

	b, _ := g.LookupVertex("b")
	g.RemoveVertex(b)

	_, ok := g.LookupVertex("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"c"}, g.GetChildren("a"))
	// b's recorded completion for d is gone with the vertex: c completing
	// now leaves d one completion short of its two listed parents.
	assert.Empty(t, g.ExecutableChildren("c"))
	assert.Empty(t, g.GetChildren("b"))
}

func TestReset(t *testing.T) {
	g := buildDiamond(t)
	g.Reset()
	assert.Zero(t, g.Size())
	assert.Empty(t, g.GetChildren("a"))
}
