package task

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrEmptyGraph        = errors.New("graph has no nodes")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicGraph       = errors.New("graph contains a cycle")
	ErrUnknownNode       = errors.New("unknown graph node")
)

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed
}

type GraphStatus string

const (
	GraphRunning   GraphStatus = "running"
	GraphCompleted GraphStatus = "completed"
	GraphFailed    GraphStatus = "failed"
)

// NodeSpec is the task template instantiated when a node becomes ready.
type NodeSpec struct {
	Name         string         `json:"name" yaml:"name"`
	Requirements Requirements   `json:"requirements" yaml:"requirements"`
	Script       *Script        `json:"script,omitempty" yaml:"script,omitempty"`
	Payload      map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

type Node struct {
	ID        string     `json:"id" yaml:"id,omitempty"`
	Spec      NodeSpec   `json:"spec" yaml:"spec"`
	DependsOn []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status    NodeStatus `json:"status" yaml:"-"`
	TaskID    string     `json:"task_id,omitempty" yaml:"-"`
	Result    any        `json:"result,omitempty" yaml:"-"`
	Error     string     `json:"error,omitempty" yaml:"-"`
}

// Graph is a TaskGraph: one DAG submission and the status of each of its nodes.
type Graph struct {
	ID        string          `json:"id" yaml:"-"`
	Nodes     map[string]Node `json:"nodes" yaml:"nodes"`
	Status    GraphStatus     `json:"status" yaml:"-"`
	CreatedAt time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

// Validate checks that every dependency names a node of the graph and that
// the dependency relation is acyclic.
func (g Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}

	indegree := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		if id != n.ID {
			return fmt.Errorf("node key %q does not match node id %q", id, n.ID)
		}
		for _, dep := range n.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on %q", ErrUnknownDependency, id, dep)
			}
		}
		indegree[id] = len(n.DependsOn)
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.Dependents(id) {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.Nodes) {
		return ErrCyclicGraph
	}

	return nil
}

// ReadyNodes returns the pending nodes whose dependencies have all completed.
func (g Graph) ReadyNodes() []string {
	var ready []string
	for id, n := range g.Nodes {
		if n.Status != NodePending {
			continue
		}
		if g.depsCompleted(n) {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	return ready
}

// DepsCompleted reports whether node id may run.
func (g Graph) DepsCompleted(id string) bool {
	n, ok := g.Nodes[id]
	if !ok {
		return false
	}

	return g.depsCompleted(n)
}

func (g Graph) depsCompleted(n Node) bool {
	for _, dep := range n.DependsOn {
		if g.Nodes[dep].Status != NodeCompleted {
			return false
		}
	}

	return true
}

func (g Graph) Dependents(id string) []string {
	var out []string
	for nid, n := range g.Nodes {
		if slices.Contains(n.DependsOn, id) {
			out = append(out, nid)
		}
	}
	slices.Sort(out)

	return out
}

func (g *Graph) SetNode(n Node) {
	g.Nodes[n.ID] = n
}

// FailDependents marks every transitive dependent of id that has not run yet
// as failed and returns their ids.
func (g *Graph) FailDependents(id, reason string) []string {
	var failed []string
	queue := g.Dependents(id)
	for len(queue) > 0 {
		nid := queue[0]
		queue = queue[1:]
		n := g.Nodes[nid]
		if n.Status.Terminal() || n.Status == NodeRunning {
			continue
		}
		n.Status = NodeFailed
		n.Error = reason
		g.Nodes[nid] = n
		failed = append(failed, nid)
		queue = append(queue, g.Dependents(nid)...)
	}

	return failed
}

func (g Graph) Done() bool {
	for _, n := range g.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}

	return true
}

// Reconcile recomputes the aggregate graph status from its nodes.
func (g *Graph) Reconcile() {
	if !g.Done() {
		g.Status = GraphRunning

		return
	}
	g.Status = GraphCompleted
	for _, n := range g.Nodes {
		if n.Status == NodeFailed {
			g.Status = GraphFailed

			return
		}
	}
}
