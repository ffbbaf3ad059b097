package graph

import (
	"fmt"
	"sort"

	"github.com/lyzr/stateflow/common/models"
)

// Graph is an indexed view over a workflow definition
type Graph struct {
	Workflow *models.Workflow

	nodes    map[string]*models.Node
	outEdges map[string][]models.Edge
	inEdges  map[string][]models.Edge
}

// New indexes a workflow definition for traversal
func New(wf *models.Workflow) *Graph {
	g := &Graph{
		Workflow: wf,
		nodes:    make(map[string]*models.Node, len(wf.Nodes)),
		outEdges: make(map[string][]models.Edge),
		inEdges:  make(map[string][]models.Edge),
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		g.nodes[n.ID] = n
	}
	for _, e := range wf.Edges {
		g.outEdges[e.Source] = append(g.outEdges[e.Source], e)
		g.inEdges[e.Target] = append(g.inEdges[e.Target], e)
	}
	return g
}

// Node returns a node by id
func (g *Graph) Node(id string) (*models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// HasNode reports whether the id names a node
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// OutEdges returns the outgoing edges of a node
func (g *Graph) OutEdges(id string) []models.Edge {
	return g.outEdges[id]
}

// InEdges returns the incoming edges of a node
func (g *Graph) InEdges(id string) []models.Edge {
	return g.inEdges[id]
}

// Roots returns nodes without incoming edges, in deterministic id order
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.inEdges[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// TopoOrder returns all node ids in topological order. Ties and
// disconnected components resolve by id so the order is stable across
// runs of the same definition.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.inEdges[id])
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, e := range g.outEdges[id] {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				unlocked = append(unlocked, e.Target)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("workflow graph contains a cycle")
	}
	return order, nil
}

// SCCs returns the strongly connected components of the graph.
// Components with more than one node (or a self-edge) are loops.
func (g *Graph) SCCs() [][]string {
	index := 0
	indices := make(map[string]int, len(g.nodes))
	lowlink := make(map[string]int, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string
	var components [][]string

	var strongconnect func(id string)
	strongconnect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, e := range g.outEdges[id] {
			w := e.Target
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[id] {
					lowlink[id] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[id] {
					lowlink[id] = indices[w]
				}
			}
		}

		if lowlink[id] == indices[id] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == id {
					break
				}
			}
			sort.Strings(comp)
			components = append(components, comp)
		}
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	return components
}

// IsCyclic reports whether a component loops back on itself
func (g *Graph) IsCyclic(component []string) bool {
	if len(component) > 1 {
		return true
	}
	id := component[0]
	for _, e := range g.outEdges[id] {
		if e.Target == id {
			return true
		}
	}
	return false
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
