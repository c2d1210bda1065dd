// Package graph holds the in-memory DAG of job vertices. The graph is pure
// state: it emits no events and does no I/O. Callers serialize access; the
// scheduler engine guards it with its own mutex.
package graph

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/xdevelsistemas/chronos/internal/chronos/job"
)

var (
	ErrVertexExists   = errors.New("vertex already exists")
	ErrVertexNotFound = errors.New("vertex not found")
	ErrCycle          = errors.New("dependency would create a cycle")
)

type JobGraph struct {
	vertices map[string]*job.Job
	// children maps a parent name to the set of its child names.
	children map[string]map[string]bool
	// invocations maps a dependency-based vertex to the set of its parents
	// that have completed since the vertex last fired.
	invocations map[string]map[string]bool
}

func New() *JobGraph {
	g := &JobGraph{}
	g.Reset()
	return g
}

func (g *JobGraph) Reset() {
	g.vertices = map[string]*job.Job{}
	g.children = map[string]map[string]bool{}
	g.invocations = map[string]map[string]bool{}
}

func (g *JobGraph) Size() int { return len(g.vertices) }

func (g *JobGraph) AddVertex(j *job.Job) error {
	if _, ok := g.vertices[j.Name]; ok {
		return errors.Wrapf(ErrVertexExists, "job %s", j.Name)
	}
	if j.IsDependencyBased() {
		for _, parent := range j.Parents {
			if _, ok := g.vertices[parent]; !ok {
				return errors.Wrapf(ErrVertexNotFound, "parent %s of job %s", parent, j.Name)
			}
		}
	}
	g.vertices[j.Name] = j
	return nil
}

// ReplaceVertex swaps the stored job for a new version with the same name.
// Edges and any accumulated dependency invocations are preserved.
func (g *JobGraph) ReplaceVertex(oldJob *job.Job, newJob *job.Job) error {
	if oldJob.Name != newJob.Name {
		return errors.Wrapf(job.ErrRenameUnsupported, "%s -> %s", oldJob.Name, newJob.Name)
	}
	if _, ok := g.vertices[oldJob.Name]; !ok {
		return errors.Wrapf(ErrVertexNotFound, "job %s", oldJob.Name)
	}
	g.vertices[newJob.Name] = newJob
	return nil
}

func (g *JobGraph) RemoveVertex(j *job.Job) {
	delete(g.vertices, j.Name)
	delete(g.children, j.Name)
	delete(g.invocations, j.Name)
	for _, set := range g.children {
		delete(set, j.Name)
	}
	for _, set := range g.invocations {
		delete(set, j.Name)
	}
}

func (g *JobGraph) LookupVertex(name string) (*job.Job, bool) {
	j, ok := g.vertices[name]
	return j, ok
}

// AddDependency records an is-parent-of edge. It refuses edges that would
// make parent reachable from child.
func (g *JobGraph) AddDependency(parent string, child string) error {
	if _, ok := g.vertices[parent]; !ok {
		return errors.Wrapf(ErrVertexNotFound, "parent %s", parent)
	}
	if _, ok := g.vertices[child]; !ok {
		return errors.Wrapf(ErrVertexNotFound, "child %s", child)
	}
	if g.reachable(child, parent) {
		return errors.Wrapf(ErrCycle, "%s -> %s", parent, child)
	}
	if g.children[parent] == nil {
		g.children[parent] = map[string]bool{}
	}
	g.children[parent][child] = true
	return nil
}

func (g *JobGraph) GetChildren(name string) []string {
	return sortedKeys(g.children[name])
}

// ParentJobs resolves the parents of a dependency-based job to vertices.
func (g *JobGraph) ParentJobs(depJob *job.Job) ([]*job.Job, error) {
	if !depJob.IsDependencyBased() {
		return nil, errors.Errorf("job %s is not dependency based", depJob.Name)
	}
	parents := make([]*job.Job, 0, len(depJob.Parents))
	for _, name := range depJob.Parents {
		parent, ok := g.vertices[name]
		if !ok {
			return nil, errors.Wrapf(ErrVertexNotFound, "parent %s of job %s", name, depJob.Name)
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// ExecutableChildren records that parentName completed this round and
// returns the children for whom all parents have now completed. It is the
// sole reader of the invocation sets and clears the entries it returns, so
// a child fires exactly once per full round of parent completions.
func (g *JobGraph) ExecutableChildren(parentName string) []string {
	var ready []string
	for child := range g.children[parentName] {
		childJob, ok := g.vertices[child]
		if !ok || !childJob.IsDependencyBased() {
			continue
		}
		if g.invocations[child] == nil {
			g.invocations[child] = map[string]bool{}
		}
		g.invocations[child][parentName] = true
		if len(g.invocations[child]) == len(childJob.Parents) {
			ready = append(ready, child)
			delete(g.invocations, child)
		}
	}
	sort.Strings(ready)
	return ready
}

// ResetDependencyInvocations forgets completed parents recorded for name.
// Called once the child's own task has been launched.
func (g *JobGraph) ResetDependencyInvocations(name string) {
	delete(g.invocations, name)
}

func (g *JobGraph) reachable(from string, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		next := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for child := range g.children[next] {
			if child == to {
				return true
			}
			if !seen[child] {
				seen[child] = true
				frontier = append(frontier, child)
			}
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
